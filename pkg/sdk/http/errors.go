package http

import "fmt"

// ConnError means the request never produced a response.
type ConnError struct {
	Method string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: connection failed: %v", e.Method, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// TimeoutError means the request or its context deadline expired.
type TimeoutError struct {
	Method string
	Err    error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Method, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// StatusError is a non-2xx reply.
type StatusError struct {
	Method string
	Code   int
	Body   []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: http %d: %s", e.Method, e.Code, truncate(string(e.Body), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
