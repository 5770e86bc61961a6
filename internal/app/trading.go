package app

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/journal"
	"github.com/betbot/goderibit/internal/marketdata"
	"github.com/betbot/goderibit/internal/metrics"
	"github.com/betbot/goderibit/pkg/persistence"
)

// PlaceOrder places through the tracker, so resting limit orders are tracked.
func (a *App) PlaceOrder(ctx context.Context, req deribit.OrderRequest) (domain.Order, error) {
	order, err := a.Tracker.Place(ctx, req)
	if err != nil {
		return order, err
	}
	a.mu.Lock()
	a.state.LastOrderID = order.OrderID
	a.mu.Unlock()
	return order, nil
}

// ModifyOrder edits a tracked order and journals the new values.
func (a *App) ModifyOrder(ctx context.Context, orderID string, amount, price float64) (domain.Order, error) {
	order, err := a.Tracker.Modify(ctx, orderID, amount, price)
	if err != nil {
		return order, err
	}
	if a.Journal != nil {
		a.Journal.Recorder(journal.EventModified)(order)
	}
	if a.Fanout != nil {
		a.Fanout.PublishOrder(order)
	}
	return order, nil
}

func (a *App) CancelOrder(ctx context.Context, orderID string) error {
	return a.Tracker.Cancel(ctx, orderID)
}

func (a *App) CancelAll(ctx context.Context) error {
	return a.Tracker.CancelAll(ctx)
}

func (a *App) ActiveOrders() []domain.Order {
	return a.Tracker.ActiveOrders()
}

// LastOrderID is the id of the latest placement, surviving restarts.
func (a *App) LastOrderID() string {
	if id := a.Tracker.LastOrderID(); id != "" {
		return id
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.LastOrderID
}

// OrderBook fetches a book snapshot over HTTP and records its latency.
func (a *App) OrderBook(ctx context.Context, instrument string, depth int) (domain.OrderBook, error) {
	done := a.Collector.Start(metrics.OpMarketData)
	defer done()
	return a.Dispatcher.GetOrderBook(ctx, instrument, depth)
}

func (a *App) Positions(ctx context.Context, currency, kind string) ([]domain.Position, error) {
	return a.Dispatcher.GetPositions(ctx, currency, kind)
}

// Instrument returns instrument metadata, cached for a few minutes.
func (a *App) Instrument(ctx context.Context, name string) (domain.Instrument, error) {
	return a.instruments.GetOrLoad(name, 0, func() (domain.Instrument, error) {
		return a.Dispatcher.GetInstrument(ctx, name)
	})
}

// SubscribeOrderBook adds the book channel of instrument to the stream and
// remembers it across restarts.
func (a *App) SubscribeOrderBook(instrument string) error {
	if a.Stream == nil {
		return ErrStreamDisabled
	}
	a.watch(instrument, true)
	return a.Stream.Subscribe(marketdata.BookChannel(instrument, a.cfg.Stream.Interval))
}

func (a *App) SubscribeTicker(instrument string) error {
	if a.Stream == nil {
		return ErrStreamDisabled
	}
	a.watch(instrument, true)
	return a.Stream.Subscribe(marketdata.TickerChannel(instrument, a.cfg.Stream.Interval))
}

// Unsubscribe drops both channels of instrument.
func (a *App) Unsubscribe(instrument string) error {
	if a.Stream == nil {
		return ErrStreamDisabled
	}
	a.watch(instrument, false)
	return a.Stream.Unsubscribe(
		marketdata.BookChannel(instrument, a.cfg.Stream.Interval),
		marketdata.TickerChannel(instrument, a.cfg.Stream.Interval),
	)
}

func (a *App) subscribe(instrument string) error {
	if err := a.SubscribeOrderBook(instrument); err != nil {
		return err
	}
	return a.SubscribeTicker(instrument)
}

func (a *App) watch(instrument string, on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if on {
		a.watched[instrument] = true
	} else {
		delete(a.watched, instrument)
	}
}

// watchList is the configured instruments plus those watched last run.
func (a *App) watchList() []string {
	a.mu.Lock()
	seen := make(map[string]bool, len(a.watched)+len(a.cfg.Stream.Instruments))
	for k := range a.watched {
		seen[k] = true
	}
	a.mu.Unlock()
	for _, k := range a.cfg.Stream.Instruments {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (a *App) restoreState() {
	if a.persistence == nil {
		return
	}
	var st savedState
	if err := persistence.LoadFields(&st, stateID, a.persistence); err != nil {
		log.WithError(err).Warn("load saved state")
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = st
	for _, instr := range st.Watched {
		a.watched[instr] = true
	}
}

// SaveState writes the watch list and last order id under DataDir.
func (a *App) SaveState() error {
	if a.persistence == nil {
		return nil
	}
	a.mu.Lock()
	st := savedState{LastOrderID: a.state.LastOrderID}
	for k := range a.watched {
		st.Watched = append(st.Watched, k)
	}
	a.mu.Unlock()
	if id := a.Tracker.LastOrderID(); id != "" {
		st.LastOrderID = id
	}
	sort.Strings(st.Watched)
	return persistence.SaveFields(&st, stateID, a.persistence)
}

// PerfReport is the saved form of a latency report.
type PerfReport struct {
	TakenAt time.Time                       `json:"taken_at"`
	Stats   map[string]metrics.LatencyStats `json:"stats"`
}

// SaveReport stores the current latency summary as JSON under DataDir.
func (a *App) SaveReport() error {
	if a.persistence == nil {
		return errors.New("no data dir configured")
	}
	store := a.persistence.NewStore("report", stateID, "latency")
	return store.Save(PerfReport{TakenAt: time.Now().UTC(), Stats: a.Collector.Snapshot()})
}

// WriteReport prints the latency report.
func (a *App) WriteReport(w io.Writer) {
	a.Collector.WriteReport(w)
}

// PerfTestOptions configures RunPerfTest.
type PerfTestOptions struct {
	Instrument string
	Orders     int
	Amount     float64
	Price      float64       // a price that rests, far from the market
	Pause      time.Duration // between placements
	BookDepth  int
}

// DefaultPerfTest places five 10-contract bids at 50000.
func DefaultPerfTest() PerfTestOptions {
	return PerfTestOptions{
		Instrument: "BTC-PERPETUAL",
		Orders:     5,
		Amount:     10,
		Price:      50000,
		Pause:      100 * time.Millisecond,
		BookDepth:  10,
	}
}

// PerfResult counts what a perf test did.
type PerfResult struct {
	Placed    int
	Failed    int
	Cancelled int
}

// RunPerfTest places resting limit bids, fetches one book snapshot and then
// cancels the orders it placed. Latencies land in the collector.
func (a *App) RunPerfTest(ctx context.Context, opts PerfTestOptions) (PerfResult, error) {
	var res PerfResult
	if opts.Orders <= 0 {
		return res, errors.New("perf test needs at least one order")
	}
	var placed []string
	for i := 0; i < opts.Orders; i++ {
		order, err := a.PlaceOrder(ctx, deribit.OrderRequest{
			InstrumentName: opts.Instrument,
			Side:           domain.SideBuy,
			Type:           domain.OrderTypeLimit,
			Amount:         opts.Amount,
			Price:          opts.Price,
		})
		if err != nil {
			res.Failed++
			log.WithError(err).Warn("perf test placement failed")
			if deribit.KindOf(err) == deribit.KindAuth {
				return res, err
			}
		} else {
			res.Placed++
			if _, ok := a.Tracker.Get(order.OrderID); ok {
				placed = append(placed, order.OrderID)
			}
		}
		if opts.Pause > 0 && i < opts.Orders-1 {
			select {
			case <-ctx.Done():
				return res, ctx.Err()
			case <-time.After(opts.Pause):
			}
		}
	}

	if _, err := a.OrderBook(ctx, opts.Instrument, opts.BookDepth); err != nil {
		log.WithError(err).Warn("perf test book fetch failed")
	}

	for _, id := range placed {
		if err := a.CancelOrder(ctx, id); err != nil {
			log.WithError(err).Warnf("perf test cancel %s failed", id)
			continue
		}
		res.Cancelled++
	}
	return res, nil
}

// Observe starts a latency sample for op; call the result when done.
func (a *App) Observe(op string) func() {
	return a.Collector.Start(op)
}
