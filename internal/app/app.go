// Package app assembles the client: transport, session, dispatcher, order
// tracker, market data and the optional side services around them.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/controlapi"
	"github.com/betbot/goderibit/internal/dashboard"
	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/fanout"
	"github.com/betbot/goderibit/internal/journal"
	"github.com/betbot/goderibit/internal/marketdata"
	"github.com/betbot/goderibit/internal/metrics"
	"github.com/betbot/goderibit/internal/ordertracker"
	"github.com/betbot/goderibit/internal/session"
	"github.com/betbot/goderibit/pkg/cache"
	"github.com/betbot/goderibit/pkg/config"
	"github.com/betbot/goderibit/pkg/persistence"
	"github.com/betbot/goderibit/pkg/ratelimit"
	sdkhttp "github.com/betbot/goderibit/pkg/sdk/http"
	"github.com/betbot/goderibit/pkg/sdk/websocket"
	"github.com/betbot/goderibit/pkg/shutdown"
	"github.com/betbot/goderibit/pkg/syncgroup"
)

var log = logrus.WithField("module", "app")

const (
	instrumentTTL   = 10 * time.Minute
	refreshInterval = 15 * time.Second
	tokenTimeout    = 10 * time.Second
	stateID         = "trader"
)

// ErrStreamDisabled is returned by subscription helpers when the stream is off.
var ErrStreamDisabled = errors.New("market data stream is disabled")

// Option customises New, mostly for tests.
type Option func(*options)

type options struct {
	transport deribit.Transport
	stream    *websocket.Client
	publisher fanout.Publisher
}

// WithTransport replaces the resty transport.
func WithTransport(t deribit.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithStream replaces the websocket client built from config.
func WithStream(c *websocket.Client) Option {
	return func(o *options) { o.stream = c }
}

// WithPublisher fans out through p instead of dialing NATS.
func WithPublisher(p fanout.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// App owns every component. Fields are read-only after New.
type App struct {
	cfg *config.Config

	Collector  *metrics.Collector
	Dispatcher *deribit.Dispatcher
	Session    *session.Manager
	Tracker    *ordertracker.Tracker
	Demux      *marketdata.Demux
	Stream     *websocket.Client // nil when the stream is disabled
	Journal    *journal.Journal  // nil when the journal is disabled
	Fanout     *fanout.Fanout    // nil when fan-out is disabled

	instruments *cache.InMemoryCache[string, domain.Instrument]
	persistence persistence.Service
	shutdown    *shutdown.Manager
	workers     *syncgroup.SyncGroup

	mu      sync.Mutex
	watched map[string]bool
	state   savedState

	connects atomic.Int64
	cancel   context.CancelFunc
	started  bool
}

// savedState survives restarts in <DataDir>/trader/.
type savedState struct {
	Watched     []string `persistence:"watched"`
	LastOrderID string   `persistence:"last_order_id"`
}

// New wires the components. It opens the journal and dials NATS when they
// are configured, but makes no exchange calls.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{
		cfg:         cfg,
		Collector:   metrics.NewCollector("deribit"),
		Demux:       marketdata.NewDemux(),
		instruments: cache.NewInMemoryCache[string, domain.Instrument](instrumentTTL, time.Minute),
		shutdown:    shutdown.NewManager(),
		workers:     syncgroup.NewSyncGroup(),
		watched:     make(map[string]bool),
	}
	if cfg.DataDir != "" {
		a.persistence = persistence.NewJSONFileService(cfg.DataDir)
	}

	transport := o.transport
	if transport == nil {
		transport = sdkhttp.NewClient(cfg.Exchange.BaseURL, sdkhttp.Options{
			Timeout:    cfg.Exchange.HTTPTimeout,
			RetryCount: cfg.Exchange.RetryCount,
			ProxyURL:   cfg.Exchange.ProxyURL,
		})
	}

	dispatcherOpts := []deribit.Option{
		deribit.WithScope(cfg.Exchange.Scope),
		deribit.WithOrderLabel(cfg.Exchange.OrderLabel),
		deribit.WithCallObserver(a.Collector.ObserveCall),
	}
	if cfg.RateLimit.Enabled {
		dispatcherOpts = append(dispatcherOpts, deribit.WithLimiter(ratelimit.NewRateLimitManager(
			ratelimit.NewTokenBucket(cfg.RateLimit.MatchingCapacity, cfg.RateLimit.MatchingRefillRate),
			ratelimit.NewTokenBucket(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate),
		)))
	}
	a.Dispatcher = deribit.NewDispatcher(transport, dispatcherOpts...)
	a.Session = session.NewManager(a.Dispatcher, cfg.Credentials.ClientID, cfg.Credentials.ClientSecret)
	a.Dispatcher.SetTokenSource(a.Session)

	a.Tracker = ordertracker.New(a.Dispatcher)

	if cfg.JournalDB != "" {
		j, err := journal.Open(cfg.JournalDB)
		if err != nil {
			a.instruments.Close()
			return nil, err
		}
		a.Journal = j
	}

	switch {
	case o.publisher != nil:
		a.Fanout = fanout.New(o.publisher, cfg.NATSSubject)
	case cfg.NATSURL != "":
		f, err := fanout.Connect(cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			a.closeStores()
			return nil, err
		}
		a.Fanout = f
	}

	switch {
	case o.stream != nil:
		a.Stream = o.stream
	case cfg.Stream.Enabled:
		wsCfg := websocket.DefaultConfig()
		wsCfg.URL = cfg.Exchange.WSURL
		wsCfg.ProxyURL = cfg.Exchange.ProxyURL
		wsCfg.ReconnectEnabled = cfg.Stream.ReconnectEnabled
		wsCfg.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
		a.Stream = websocket.NewClient(wsCfg)
	}

	a.wireTracker()
	a.wireMarketData()
	a.restoreState()
	return a, nil
}

func (a *App) wireTracker() {
	refresh := func(domain.Order) { a.Collector.SetActiveOrders(a.Tracker.NumOfOrders()) }
	a.Tracker.OnNew(refresh)
	a.Tracker.OnFilled(refresh)
	a.Tracker.OnCanceled(refresh)

	if a.Journal != nil {
		a.Tracker.OnNew(a.Journal.Recorder(journal.EventPlaced))
		a.Tracker.OnFilled(a.Journal.Recorder(journal.EventFilled))
		a.Tracker.OnCanceled(a.Journal.Recorder(journal.EventCancelled))
	}
	if a.Fanout != nil {
		a.Tracker.OnNew(a.Fanout.PublishOrder)
		a.Tracker.OnFilled(a.Fanout.PublishOrder)
		a.Tracker.OnCanceled(a.Fanout.PublishOrder)
	}
}

func (a *App) wireMarketData() {
	a.Demux.SetTickerObserver(func(instrument string, price float64) {
		a.Collector.SetLastPrice(instrument, price)
		if a.Fanout != nil {
			a.Fanout.PublishTicker(instrument, price)
		}
	})
	if a.Fanout != nil {
		a.Demux.SetBookObserver(a.Fanout.PublishBook)
	}
	a.Demux.SetOrderObserver(a.Tracker.ApplyUpdate)

	if a.Stream == nil {
		return
	}
	a.Stream.OnFrame(func(frame []byte) {
		done := a.Collector.Start(metrics.OpWebSocketMessage)
		a.Collector.FrameReceived()
		a.Demux.OnFrame(frame)
		done()
	})
	a.Stream.OnConnect(func(connected bool) {
		if !connected {
			log.Warn("market data stream disconnected")
			return
		}
		if a.connects.Add(1) > 1 {
			metrics.WSReconnects.Add(1)
			log.Info("market data stream reconnected")
		}
	})
	a.Stream.SetTokenFunc(func() (string, error) {
		ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
		defer cancel()
		return a.Session.AccessToken(ctx)
	})
}

// Start authenticates, then brings up the stream and the HTTP side services.
// Authentication failure is returned and nothing else is started. A failed
// Start stops whatever it brought up and may be retried.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.mu.Unlock()

	err := a.start(ctx)
	if err == nil {
		return nil
	}
	cancel()
	a.workers.WaitAndClear()
	a.mu.Lock()
	a.started = false
	a.cancel = nil
	a.mu.Unlock()
	return err
}

func (a *App) start(ctx context.Context) error {
	if err := a.Session.Authenticate(ctx); err != nil {
		return err
	}
	a.workers.Add(func() { a.Session.RunRefresher(ctx, refreshInterval) })
	a.workers.Run()

	if a.cfg.MetricsListen != "" {
		srv, err := metrics.StartAsync(ctx, a.cfg.MetricsListen, a.Collector.Registry())
		if err != nil {
			return errors.Wrap(err, "start metrics server")
		}
		log.Infof("metrics on http://%s/metrics", srv.Addr)
	}
	if a.cfg.ControlAPIListen != "" {
		if _, err := controlapi.New(a.controlDeps()).Start(ctx, a.cfg.ControlAPIListen); err != nil {
			return errors.Wrap(err, "start control api")
		}
	}

	if a.Stream != nil {
		for _, instr := range a.watchList() {
			if err := a.subscribe(instr); err != nil {
				return err
			}
		}
		if a.cfg.Stream.TrackOrderUpdates {
			for _, instr := range a.cfg.Stream.Instruments {
				if err := a.Stream.SubscribePrivate(marketdata.OrdersChannel(instr)); err != nil {
					return err
				}
			}
		}
		if err := a.Stream.Connect(ctx); err != nil {
			return errors.Wrap(err, "connect market data stream")
		}
	}

	a.registerShutdown()
	return nil
}

func (a *App) controlDeps() controlapi.Deps {
	deps := controlapi.Deps{
		Orders:  a.Tracker,
		Market:  a.Demux,
		Latency: a.Collector,
		Session: a.Session,
	}
	if a.Journal != nil {
		deps.History = a.Journal
	}
	return deps
}

func (a *App) registerShutdown() {
	a.shutdown.OnShutdown("stream", func(ctx context.Context) {
		if a.Stream != nil {
			a.Stream.Disconnect()
		}
	})
	a.shutdown.OnShutdown("state", func(ctx context.Context) {
		if err := a.SaveState(); err != nil {
			log.WithError(err).Warn("save state failed")
		}
	})
}

// Close stops background work and releases every resource. Resting orders
// are left on the exchange.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	a.shutdown.Shutdown(ctx)
	if cancel != nil {
		cancel()
	}
	a.workers.WaitAndClear()
	a.closeStores()
	return nil
}

func (a *App) closeStores() {
	a.instruments.Close()
	if a.Fanout != nil {
		a.Fanout.Close()
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			log.WithError(err).Warn("close journal")
		}
	}
}

// Dashboard builds the live view over this app.
func (a *App) Dashboard() *dashboard.Dashboard {
	src := dashboard.Sources{
		Title:   "Deribit " + a.cfg.Exchange.Scope,
		Market:  a.Demux,
		Orders:  a.Tracker.ActiveOrders,
		Latency: a.Collector.Snapshot,
		Session: func() string { return a.Session.State().String() },
		Watch:   a.watchList(),
	}
	if a.Stream != nil {
		src.Connected = a.Stream.IsConnected
	}
	return dashboard.New(src, 250*time.Millisecond)
}
