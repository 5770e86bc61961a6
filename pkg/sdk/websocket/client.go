package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "websocket")

// ErrNotConnected is returned by writes while no connection is up.
var ErrNotConnected = errors.New("websocket not connected")

// Client keeps one Deribit websocket open. Frames are delivered to the
// frame handler from a single reader goroutine in arrival order. Channel
// subscriptions are remembered and replayed after a reconnect.
type Client struct {
	conn      *websocket.Conn
	connMu    sync.Mutex
	config    *Config
	running   bool
	runningMu sync.RWMutex

	publicSubs  map[string]bool
	privateSubs map[string]bool
	subMu       sync.RWMutex

	frameHandler   FrameHandler
	connectHandler func(connected bool)
	tokenFunc      TokenFunc
	handlerMu      sync.RWMutex

	errChan chan error
	nextID  atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}

	reconnectAttempts int
	reconnectMu       sync.Mutex
}

func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.ErrorBufferSize <= 0 {
		config.ErrorBufferSize = defaultErrorBufferSize
	}
	return &Client{
		config:      config,
		publicSubs:  make(map[string]bool),
		privateSubs: make(map[string]bool),
		errChan:     make(chan error, config.ErrorBufferSize),
	}
}

// OnFrame sets the frame handler. It replaces any earlier one.
func (c *Client) OnFrame(h FrameHandler) {
	c.handlerMu.Lock()
	c.frameHandler = h
	c.handlerMu.Unlock()
}

// OnConnect sets the connection status callback. It gets true after every
// successful (re)connect, once subscriptions have been replayed, and false
// when a live connection is lost.
func (c *Client) OnConnect(h func(connected bool)) {
	c.handlerMu.Lock()
	c.connectHandler = h
	c.handlerMu.Unlock()
}

// SetTokenFunc sets the token supplier used for private channels.
func (c *Client) SetTokenFunc(fn TokenFunc) {
	c.handlerMu.Lock()
	c.tokenFunc = fn
	c.handlerMu.Unlock()
}

// Connect dials the server and starts the read and ping loops.
func (c *Client) Connect(ctx context.Context) error {
	c.runningMu.Lock()
	if c.running {
		c.runningMu.Unlock()
		return errors.New("websocket client already running")
	}
	c.running = true
	c.runningMu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})

	if err := c.connect(); err != nil {
		c.cancel()
		c.runningMu.Lock()
		c.running = false
		c.runningMu.Unlock()
		return errors.Wrap(err, "initial connect")
	}

	go c.readLoop()
	if c.config.PingInterval > 0 {
		go c.pingLoop()
	}
	c.afterConnect()

	log.Infof("connected to %s", c.config.URL)
	return nil
}

// Disconnect closes the connection and stops all loops.
func (c *Client) Disconnect() {
	c.runningMu.Lock()
	if !c.running {
		c.runningMu.Unlock()
		return
	}
	c.running = false
	c.runningMu.Unlock()

	c.cancel()
	close(c.stopCh)

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	select {
	case <-c.doneCh:
	case <-time.After(5 * time.Second):
		log.Warn("timed out waiting for read loop")
	}
	log.Info("disconnected")
}

func (c *Client) IsRunning() bool {
	c.runningMu.RLock()
	defer c.runningMu.RUnlock()
	return c.running
}

// IsConnected reports whether a live connection exists right now.
func (c *Client) IsConnected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Errors carries terminal stream errors such as exhausted reconnects.
func (c *Client) Errors() <-chan error {
	return c.errChan
}

// Send writes one text frame.
func (c *Client) Send(text []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, text)
}

// Call sends a JSON-RPC request and returns the id it used. Replies arrive
// through the frame handler.
func (c *Client) Call(method string, params interface{}) (uint64, error) {
	id := c.nextID.Add(1)
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return 0, errors.Wrapf(err, "encode %s", method)
	}
	return id, c.Send(body)
}

// Subscribe adds public channels. Channels are remembered even when the
// send fails so a later reconnect picks them up.
func (c *Client) Subscribe(channels ...string) error {
	added := c.track(c.publicSubs, channels, true)
	if len(added) == 0 || !c.IsConnected() {
		return nil
	}
	return c.sendSubscription(methodSubscribe, added, "")
}

// Unsubscribe removes public channels.
func (c *Client) Unsubscribe(channels ...string) error {
	removed := c.track(c.publicSubs, channels, false)
	if len(removed) == 0 || !c.IsConnected() {
		return nil
	}
	return c.sendSubscription(methodUnsubscribe, removed, "")
}

// SubscribePrivate adds channels that need a bearer token, such as
// user.orders. The token comes from the TokenFunc.
func (c *Client) SubscribePrivate(channels ...string) error {
	added := c.track(c.privateSubs, channels, true)
	if len(added) == 0 || !c.IsConnected() {
		return nil
	}
	token, err := c.token()
	if err != nil {
		return err
	}
	return c.sendSubscription(methodPrivateSubscribe, added, token)
}

// UnsubscribePrivate removes private channels.
func (c *Client) UnsubscribePrivate(channels ...string) error {
	removed := c.track(c.privateSubs, channels, false)
	if len(removed) == 0 || !c.IsConnected() {
		return nil
	}
	token, err := c.token()
	if err != nil {
		return err
	}
	return c.sendSubscription(methodPrivateUnsubscribe, removed, token)
}

// track adds or removes channels in set and returns the ones that changed.
func (c *Client) track(set map[string]bool, channels []string, add bool) []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	changed := make([]string, 0, len(channels))
	for _, ch := range channels {
		if set[ch] == add {
			continue
		}
		if add {
			set[ch] = true
		} else {
			delete(set, ch)
		}
		changed = append(changed, ch)
	}
	return changed
}

// Subscriptions returns every remembered channel, sorted.
func (c *Client) Subscriptions() []string {
	c.subMu.RLock()
	out := make([]string, 0, len(c.publicSubs)+len(c.privateSubs))
	for ch := range c.publicSubs {
		out = append(out, ch)
	}
	for ch := range c.privateSubs {
		out = append(out, ch)
	}
	c.subMu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.publicSubs) + len(c.privateSubs)
}

func (c *Client) token() (string, error) {
	c.handlerMu.RLock()
	fn := c.tokenFunc
	c.handlerMu.RUnlock()
	if fn == nil {
		return "", errors.New("private channels need a token source")
	}
	token, err := fn()
	if err != nil {
		return "", errors.Wrap(err, "token for private subscribe")
	}
	return token, nil
}

func (c *Client) sendSubscription(method string, channels []string, token string) error {
	for i := 0; i < len(channels); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(channels) {
			end = len(channels)
		}
		if _, err := c.Call(method, subscribeParams{Channels: channels[i:end], AccessToken: token}); err != nil {
			return errors.Wrapf(err, "%s", method)
		}
		log.Debugf("%s %v", method, channels[i:end])
	}
	return nil
}

func (c *Client) connect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   c.config.ReadBufferSize,
		WriteBufferSize:  c.config.WriteBufferSize,
		HandshakeTimeout: c.config.HandshakeTimeout,
	}
	if c.config.ProxyURL != "" {
		proxyURL, err := url.Parse(c.config.ProxyURL)
		if err != nil {
			return errors.Wrap(err, "invalid proxy url")
		}
		dialer.Proxy = http.ProxyURL(proxyURL)
	}

	conn, _, err := dialer.DialContext(c.ctx, c.config.URL, nil)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.config.URL)
	}
	c.conn = conn

	c.reconnectMu.Lock()
	c.reconnectAttempts = 0
	c.reconnectMu.Unlock()
	return nil
}

// afterConnect replays subscriptions, enables heartbeats and runs the
// connect callback.
func (c *Client) afterConnect() {
	if c.config.HeartbeatInterval > 0 {
		if _, err := c.Call(methodSetHeartbeat, heartbeatParams{Interval: c.config.HeartbeatInterval}); err != nil {
			log.Warnf("set heartbeat: %v", err)
		}
	}
	if err := c.resubscribe(); err != nil {
		log.Warnf("resubscribe: %v", err)
	}

	c.notifyConnection(true)
}

func (c *Client) notifyConnection(connected bool) {
	c.handlerMu.RLock()
	h := c.connectHandler
	c.handlerMu.RUnlock()
	if h != nil {
		h(connected)
	}
}

func (c *Client) resubscribe() error {
	c.subMu.RLock()
	public := make([]string, 0, len(c.publicSubs))
	for ch := range c.publicSubs {
		public = append(public, ch)
	}
	private := make([]string, 0, len(c.privateSubs))
	for ch := range c.privateSubs {
		private = append(private, ch)
	}
	c.subMu.RUnlock()
	sort.Strings(public)
	sort.Strings(private)

	if len(public) > 0 {
		if err := c.sendSubscription(methodSubscribe, public, ""); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		token, err := c.token()
		if err != nil {
			return err
		}
		return c.sendSubscription(methodPrivateSubscribe, private, token)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			if !c.config.ReconnectEnabled || !c.reconnect() {
				return
			}
			continue
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			c.connMu.Lock()
			lost := c.conn == conn
			if lost {
				c.conn.Close()
				c.conn = nil
			}
			c.connMu.Unlock()
			if lost {
				c.notifyConnection(false)
			}

			if !c.IsRunning() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && !c.config.ReconnectEnabled {
				log.Info("server closed the connection")
				return
			}
			log.Warnf("read error: %v", err)
			continue
		}
		c.handleFrame(message)
	}
}

func (c *Client) handleFrame(frame []byte) {
	if bytes.Contains(frame, []byte(`"`+methodHeartbeat+`"`)) {
		var ctl controlFrame
		if err := json.Unmarshal(frame, &ctl); err == nil && ctl.Method == methodHeartbeat && ctl.Params.Type == "test_request" {
			if _, err := c.Call(methodTest, struct{}{}); err != nil {
				log.Warnf("heartbeat reply: %v", err)
			}
		}
	}

	c.handlerMu.RLock()
	h := c.frameHandler
	c.handlerMu.RUnlock()
	if h != nil {
		h(frame)
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			if c.conn != nil {
				deadline := time.Now().Add(c.config.PingInterval)
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					log.Debugf("ping failed: %v", err)
				}
			}
			c.connMu.Unlock()
		}
	}
}

// reconnect retries with a linear backoff capped at MaxReconnectDelay. It
// returns false once attempts are exhausted or the client is stopping.
func (c *Client) reconnect() bool {
	for {
		c.reconnectMu.Lock()
		c.reconnectAttempts++
		attempts := c.reconnectAttempts
		c.reconnectMu.Unlock()

		if c.config.MaxReconnectAttempts > 0 && attempts > c.config.MaxReconnectAttempts {
			err := errors.Errorf("gave up after %d reconnect attempts", c.config.MaxReconnectAttempts)
			log.Error(err)
			select {
			case c.errChan <- err:
			default:
			}
			return false
		}

		delay := c.config.ReconnectDelay * time.Duration(attempts)
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}
		log.Infof("reconnecting in %v (attempt %d/%d)", delay, attempts, c.config.MaxReconnectAttempts)

		select {
		case <-c.ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}

		if err := c.connect(); err != nil {
			log.Warnf("reconnect failed: %v", err)
			continue
		}
		c.afterConnect()
		log.Infof("reconnected to %s", c.config.URL)
		return true
	}
}
