package http

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const apiPrefix = "/api/v2/"

// Options configures the transport.
type Options struct {
	Timeout    time.Duration
	RetryCount int // applied to public/* methods only
	ProxyURL   string
	UserAgent  string
}

// DefaultOptions mirrors the values the trader ships with.
func DefaultOptions() Options {
	return Options{
		Timeout:    15 * time.Second,
		RetryCount: 2,
		UserAgent:  "goderibit/1.0",
	}
}

// Client posts JSON-RPC envelopes to <host>/api/v2/<method>.
//
// Two resty clients are kept: public methods may be retried, private ones
// never are because a blind retry of a trading call can duplicate orders.
type Client struct {
	public    *resty.Client
	private   *resty.Client
	userAgent string
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultOptions().UserAgent
	}

	public := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 2 * time.Second, nil
			}
			return 0, nil
		}).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && (resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500)
		})

	private := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout)

	if opts.ProxyURL != "" {
		public.SetProxy(opts.ProxyURL)
		private.SetProxy(opts.ProxyURL)
	}

	return &Client{public: public, private: private, userAgent: opts.UserAgent}
}

// Send posts body to the method endpoint and returns the raw response body.
// bearer is attached as an Authorization header when non-empty.
//
// Errors are *ConnError, *TimeoutError or *StatusError. A StatusError still
// carries the body, since the exchange reports JSON-RPC errors with 4xx codes.
func (c *Client) Send(ctx context.Context, method string, body []byte, bearer string) ([]byte, error) {
	rc := c.client(method).R()
	if ctx != nil {
		rc.SetContext(ctx)
	}
	rc.SetHeader("Accept", "application/json")
	rc.SetHeader("Content-Type", "application/json")
	rc.SetHeader("User-Agent", c.userAgent)
	if bearer != "" {
		rc.SetHeader("Authorization", "Bearer "+bearer)
	}
	rc.SetBody(body)

	resp, err := rc.Post(apiPrefix + method)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &TimeoutError{Method: method, Err: err}
		}
		return nil, &ConnError{Method: method, Err: err}
	}
	if !resp.IsSuccess() {
		return resp.Body(), &StatusError{Method: method, Code: resp.StatusCode(), Body: resp.Body()}
	}
	return resp.Body(), nil
}

func (c *Client) client(method string) *resty.Client {
	if strings.HasPrefix(method, "public/") {
		return c.public
	}
	return c.private
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
