// Package websocket is the Deribit streaming client: one connection, JSON-RPC
// requests out, raw frames in.
package websocket

import (
	"time"
)

const (
	DefaultURL = "wss://test.deribit.com/ws/api/v2"

	defaultReconnectDelay    = 2 * time.Second
	defaultMaxReconnectDelay = 30 * time.Second
	defaultPingInterval      = 10 * time.Second

	defaultErrorBufferSize = 100

	// Deribit limits one subscribe request to this many channels.
	maxBatchSize = 100

	methodSubscribe          = "public/subscribe"
	methodUnsubscribe        = "public/unsubscribe"
	methodPrivateSubscribe   = "private/subscribe"
	methodPrivateUnsubscribe = "private/unsubscribe"
	methodSetHeartbeat       = "public/set_heartbeat"
	methodTest               = "public/test"
	methodHeartbeat          = "heartbeat"
)

// FrameHandler receives every inbound text frame in arrival order.
type FrameHandler func(frame []byte)

// TokenFunc supplies a bearer token for private channel subscriptions.
type TokenFunc func() (string, error)

// Config is the client configuration.
type Config struct {
	URL      string
	ProxyURL string

	ReconnectEnabled     bool
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int

	// PingInterval is the websocket ping period; zero disables pings.
	PingInterval time.Duration
	// HeartbeatInterval asks the server for heartbeat test requests,
	// in seconds. Zero leaves heartbeats off. Deribit accepts 10 or more.
	HeartbeatInterval int

	ErrorBufferSize  int
	ReadBufferSize   int
	WriteBufferSize  int
	HandshakeTimeout time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		URL:                  DefaultURL,
		ReconnectEnabled:     true,
		ReconnectDelay:       defaultReconnectDelay,
		MaxReconnectDelay:    defaultMaxReconnectDelay,
		MaxReconnectAttempts: 10,
		PingInterval:         defaultPingInterval,
		ErrorBufferSize:      defaultErrorBufferSize,
		ReadBufferSize:       4096,
		WriteBufferSize:      4096,
		HandshakeTimeout:     15 * time.Second,
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type subscribeParams struct {
	Channels    []string `json:"channels"`
	AccessToken string   `json:"access_token,omitempty"`
}

type heartbeatParams struct {
	Interval int `json:"interval"`
}

// controlFrame is the part of an inbound frame the client itself reacts to.
type controlFrame struct {
	Method string `json:"method"`
	Params struct {
		Type string `json:"type"`
	} `json:"params"`
}
