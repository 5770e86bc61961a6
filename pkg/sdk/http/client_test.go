package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendPostsEnvelopeAndBearer(t *testing.T) {
	var gotPath, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", Options{Timeout: time.Second})
	body, err := c.Send(context.Background(), "private/buy", []byte(`{"jsonrpc":"2.0"}`), "tok")
	require.NoError(t, err)

	assert.Equal(t, "/api/v2/private/buy", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, `{"jsonrpc":"2.0"}`, gotBody)
	assert.Contains(t, string(body), `"result"`)
}

func TestSendOmitsEmptyBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{Timeout: time.Second})
	_, err := c.Send(context.Background(), "public/get_instrument", []byte(`{}`), "")
	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestSendStatusErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":10004,"message":"order_not_found"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{Timeout: time.Second})
	body, err := c.Send(context.Background(), "private/cancel", []byte(`{}`), "tok")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, string(body), "order_not_found")
}

func TestSendPrivateIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, Options{Timeout: time.Second, RetryCount: 2})

	_, err := c.Send(context.Background(), "private/buy", []byte(`{}`), "tok")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	atomic.StoreInt32(&calls, 0)
	_, err = c.Send(context.Background(), "public/get_order_book", []byte(`{}`), "")
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestSendConnectionAndTimeout(t *testing.T) {
	t.Run("connection refused", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := srv.URL
		srv.Close()

		c := NewClient(url, Options{Timeout: time.Second})
		_, err := c.Send(context.Background(), "private/buy", []byte(`{}`), "")
		var ce *ConnError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("deadline", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer srv.Close()
		defer close(release)

		c := NewClient(srv.URL, Options{Timeout: 5 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.Send(ctx, "private/buy", []byte(`{}`), "")
		var te *TimeoutError
		assert.ErrorAs(t, err, &te)
	})
}
