package deribit

import (
	"context"
	"encoding/json"
	"sync"
)

type sentCall struct {
	Method string
	Bearer string
	Body   Request
	Params map[string]interface{}
}

// stubTransport records every call and answers from a per-method script.
type stubTransport struct {
	mu      sync.Mutex
	calls   []sentCall
	replies map[string]stubReply
}

type stubReply struct {
	body string
	err  error
}

func newStubTransport() *stubTransport {
	return &stubTransport{replies: map[string]stubReply{}}
}

func (s *stubTransport) on(method, body string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[method] = stubReply{body: body, err: err}
}

func (s *stubTransport) Send(ctx context.Context, method string, body []byte, bearer string) ([]byte, error) {
	var req Request
	_ = json.Unmarshal(body, &req)
	var env struct {
		Params map[string]interface{} `json:"params"`
	}
	_ = json.Unmarshal(body, &env)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sentCall{Method: method, Bearer: bearer, Body: req, Params: env.Params})
	r, ok := s.replies[method]
	if !ok {
		return []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), nil
	}
	if r.body == "" {
		return nil, r.err
	}
	return []byte(r.body), r.err
}

func (s *stubTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *stubTransport) last() sentCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) AccessToken(ctx context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}
