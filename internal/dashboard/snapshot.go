// Package dashboard renders a live terminal view of books, prices and
// tracked orders.
package dashboard

import (
	"sort"
	"time"

	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/marketdata"
	"github.com/betbot/goderibit/internal/metrics"
)

const defaultDepth = 5

// InstrumentView is one instrument row.
type InstrumentView struct {
	Name      string
	LastPrice float64
	HasPrice  bool
	Bids      []domain.OrderBookLevel
	Asks      []domain.OrderBookLevel
	Spread    float64
}

// Snapshot is everything one frame draws.
type Snapshot struct {
	Title       string
	Session     string
	Connected   bool
	Instruments []InstrumentView
	Orders      []domain.Order
	Stream      marketdata.Stats
	Latency     map[string]metrics.LatencyStats
	TakenAt     time.Time
}

// Market is the read side of *marketdata.Demux.
type Market interface {
	OrderBook(instrument string) (domain.OrderBook, bool)
	LastPrice(instrument string) (float64, bool)
	Instruments() []string
	Stats() marketdata.Stats
}

// Sources feed Collect. Orders, Latency, Session and Connected may be nil.
type Sources struct {
	Title     string
	Market    Market
	Orders    func() []domain.Order
	Latency   func() map[string]metrics.LatencyStats
	Session   func() string
	Connected func() bool
	// Watch lists instruments shown even before their first update.
	Watch []string
	Depth int
}

// Collect builds a snapshot from copies handed out by the sources.
func Collect(src Sources) *Snapshot {
	depth := src.Depth
	if depth <= 0 {
		depth = defaultDepth
	}
	snap := &Snapshot{Title: src.Title, TakenAt: time.Now()}

	names := map[string]struct{}{}
	for _, n := range src.Watch {
		names[n] = struct{}{}
	}
	if src.Market != nil {
		for _, n := range src.Market.Instruments() {
			names[n] = struct{}{}
		}
		snap.Stream = src.Market.Stats()
	}
	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	for _, n := range sorted {
		view := InstrumentView{Name: n}
		if src.Market != nil {
			view.LastPrice, view.HasPrice = src.Market.LastPrice(n)
			if book, ok := src.Market.OrderBook(n); ok {
				view.Bids = top(book.Bids, depth)
				view.Asks = top(book.Asks, depth)
				view.Spread = book.Spread()
			}
		}
		snap.Instruments = append(snap.Instruments, view)
	}

	if src.Orders != nil {
		snap.Orders = src.Orders()
	}
	if src.Latency != nil {
		snap.Latency = src.Latency()
	}
	if src.Session != nil {
		snap.Session = src.Session()
	}
	if src.Connected != nil {
		snap.Connected = src.Connected()
	}
	return snap
}

func top(levels []domain.OrderBookLevel, n int) []domain.OrderBookLevel {
	if len(levels) > n {
		levels = levels[:n]
	}
	return append([]domain.OrderBookLevel(nil), levels...)
}
