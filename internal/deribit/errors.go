package deribit

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind discriminates failures. Every error leaving this package, the session
// manager or the order tracker is an *Error with one of these kinds.
type Kind int

const (
	// KindTransport is a network failure: connect, timeout or a non-2xx
	// reply without a JSON-RPC error body. Not retried here.
	KindTransport Kind = iota + 1
	// KindAPI means the exchange answered with a non-null error field.
	KindAPI
	// KindMalformed means the reply did not decode or lacked required fields.
	KindMalformed
	// KindAuth means no valid session could be obtained.
	KindAuth
	// KindOrderNotFound is a local precondition failure; no call was made.
	KindOrderNotFound
	// KindInvalidRequest rejects arguments before anything is sent.
	KindInvalidRequest
	// KindOrderBusy means another request for the same order is in flight.
	KindOrderBusy
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "TransportError"
	case KindAPI:
		return "ApiError"
	case KindMalformed:
		return "MalformedResponseError"
	case KindAuth:
		return "AuthError"
	case KindOrderNotFound:
		return "OrderNotFound"
	case KindInvalidRequest:
		return "InvalidRequestError"
	case KindOrderBusy:
		return "OrderBusy"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the single error type of the client core.
type Error struct {
	Kind    Kind
	Method  string
	Code    int    // exchange error code, KindAPI only
	Message string // exchange message or local detail
	Err     error  // underlying cause
}

// Sentinels for errors.Is. Matching compares Kind only.
var (
	ErrTransport     = &Error{Kind: KindTransport}
	ErrAPI           = &Error{Kind: KindAPI}
	ErrMalformed     = &Error{Kind: KindMalformed}
	ErrAuth          = &Error{Kind: KindAuth}
	ErrOrderNotFound = &Error{Kind: KindOrderNotFound}
	ErrInvalid       = &Error{Kind: KindInvalidRequest}
	ErrOrderBusy     = &Error{Kind: KindOrderBusy}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Method != "" {
		msg += " [" + e.Method + "]"
	}
	if e.Kind == KindAPI && e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf extracts the kind, zero when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// AsError returns err as an *Error, wrapping foreign errors into fallback.
func AsError(err error, fallback Kind) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: fallback, Err: err}
}

// NewAuthError builds a KindAuth error around cause.
func NewAuthError(message string, cause error) *Error {
	return &Error{Kind: KindAuth, Message: message, Err: cause}
}

// NewOrderNotFound builds a KindOrderNotFound error for orderID.
func NewOrderNotFound(orderID string) *Error {
	return &Error{Kind: KindOrderNotFound, Message: "order " + orderID + " is not tracked"}
}

// NewOrderBusy builds a KindOrderBusy error for orderID.
func NewOrderBusy(orderID string) *Error {
	return &Error{Kind: KindOrderBusy, Message: "order " + orderID + " has a request in flight"}
}

func invalidRequest(method, detail string) *Error {
	return &Error{Kind: KindInvalidRequest, Method: method, Message: detail}
}

func transportError(method string, err error) *Error {
	return &Error{Kind: KindTransport, Method: method, Err: errors.WithStack(err)}
}

func malformed(method, detail string, cause error) *Error {
	return &Error{Kind: KindMalformed, Method: method, Message: detail, Err: cause}
}

func apiError(method string, rpc *RPCError) *Error {
	return &Error{Kind: KindAPI, Method: method, Code: rpc.Code, Message: rpc.Message}
}
