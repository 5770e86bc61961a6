package marketdata

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
)

var log = logrus.WithField("module", "marketdata")

// BookObserver receives a copy of every stored order book.
type BookObserver func(book domain.OrderBook)

// TickerObserver receives every stored last price.
type TickerObserver func(instrument string, price float64)

// OrderObserver receives order updates from user.orders channels.
type OrderObserver func(order domain.Order)

// Stats counts frames seen by a Demux.
type Stats struct {
	Frames        uint64
	BookUpdates   uint64
	TickerUpdates uint64
	OrderUpdates  uint64
	Dropped       uint64
}

// Demux turns subscription notifications into per-instrument state. One
// reader goroutine calls OnFrame; any goroutine may read. Observers are
// single-slot and run synchronously on the reader goroutine with no lock
// held.
type Demux struct {
	mu         sync.RWMutex
	books      map[string]domain.OrderBook
	tickers    map[string]domain.Ticker
	lastPrices map[string]float64

	bookObserver   BookObserver
	tickerObserver TickerObserver
	orderObserver  OrderObserver

	frames, bookUpdates, tickerUpdates, orderUpdates, dropped atomic.Uint64
}

func NewDemux() *Demux {
	return &Demux{
		books:      make(map[string]domain.OrderBook),
		tickers:    make(map[string]domain.Ticker),
		lastPrices: make(map[string]float64),
	}
}

// SetBookObserver replaces the order-book observer. nil removes it.
func (d *Demux) SetBookObserver(fn BookObserver) {
	d.mu.Lock()
	d.bookObserver = fn
	d.mu.Unlock()
}

// SetTickerObserver replaces the ticker observer. nil removes it.
func (d *Demux) SetTickerObserver(fn TickerObserver) {
	d.mu.Lock()
	d.tickerObserver = fn
	d.mu.Unlock()
}

// SetOrderObserver replaces the order-update observer. nil removes it.
func (d *Demux) SetOrderObserver(fn OrderObserver) {
	d.mu.Lock()
	d.orderObserver = fn
	d.mu.Unlock()
}

// OnFrame handles one raw frame. Frames that are not subscription
// notifications are ignored; broken notifications are logged and dropped.
func (d *Demux) OnFrame(raw []byte) {
	d.frames.Add(1)

	var n notification
	if err := json.Unmarshal(raw, &n); err != nil {
		d.drop("unparseable frame", err)
		return
	}
	if n.Method != methodSubscription {
		return
	}
	if n.Params == nil || len(n.Params.Data) == 0 || string(n.Params.Data) == "null" {
		d.dropped.Add(1)
		log.Debugf("notification without params.data on %q", channelOf(n.Params))
		return
	}

	var err error
	channel := n.Params.Channel
	switch {
	case strings.Contains(channel, classOrders):
		err = d.handleOrder(channel, n.Params.Data)
	case strings.Contains(channel, classBook):
		err = d.handleBook(channel, n.Params.Data)
	case strings.Contains(channel, classTicker):
		err = d.handleTicker(channel, n.Params.Data)
	default:
		log.Debugf("ignoring channel %q", channel)
		return
	}
	if err != nil {
		d.drop("channel "+channel, err)
	}
}

func (d *Demux) drop(reason string, err error) {
	d.dropped.Add(1)
	log.Warnf("dropped frame: %s: %v", reason, err)
}

func channelOf(p *notifyParams) string {
	if p == nil {
		return ""
	}
	return p.Channel
}

func (d *Demux) handleBook(channel string, raw json.RawMessage) error {
	var data bookData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.Wrap(err, "book data")
	}
	name := data.InstrumentName
	if name == "" {
		name = instrumentFromChannel(channel)
	}
	if name == "" {
		return errors.New("book data without instrument")
	}
	bids, err := parseLevels(data.Bids)
	if err != nil {
		return errors.Wrap(err, "bids")
	}
	asks, err := parseLevels(data.Asks)
	if err != nil {
		return errors.Wrap(err, "asks")
	}
	book := domain.OrderBook{
		InstrumentName: name,
		Bids:           bids,
		Asks:           asks,
		Timestamp:      string(data.Timestamp),
	}

	d.mu.Lock()
	d.books[name] = book
	observer := d.bookObserver
	d.mu.Unlock()

	d.bookUpdates.Add(1)
	if observer != nil {
		observer(book.Clone())
	}
	return nil
}

func (d *Demux) handleTicker(channel string, raw json.RawMessage) error {
	var data tickerData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.Wrap(err, "ticker data")
	}
	name := data.InstrumentName
	if name == "" {
		name = instrumentFromChannel(channel)
	}
	if name == "" {
		return errors.New("ticker data without instrument")
	}
	if data.LastPrice == nil {
		return errors.New("ticker data without last_price")
	}
	price := *data.LastPrice

	d.mu.Lock()
	d.lastPrices[name] = price
	d.tickers[name] = domain.Ticker{
		InstrumentName: name,
		LastPrice:      price,
		MarkPrice:      data.MarkPrice,
		BestBidPrice:   data.BestBidPrice,
		BestAskPrice:   data.BestAskPrice,
		Timestamp:      string(data.Timestamp),
	}
	observer := d.tickerObserver
	d.mu.Unlock()

	d.tickerUpdates.Add(1)
	if observer != nil {
		observer(name, price)
	}
	return nil
}

// handleOrder accepts a single order object or an array of them.
func (d *Demux) handleOrder(channel string, raw json.RawMessage) error {
	var wires []deribit.WireOrder
	if len(raw) > 0 && raw[0] == '[' {
		if err := json.Unmarshal(raw, &wires); err != nil {
			return errors.Wrap(err, "order data")
		}
	} else {
		var w deribit.WireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return errors.Wrap(err, "order data")
		}
		wires = append(wires, w)
	}

	d.mu.RLock()
	observer := d.orderObserver
	d.mu.RUnlock()

	for _, w := range wires {
		if w.OrderID == "" {
			return errors.New("order data without order_id")
		}
		d.orderUpdates.Add(1)
		if observer != nil {
			observer(w.ToDomain())
		}
	}
	return nil
}

// OrderBook returns a copy of the stored book.
func (d *Demux) OrderBook(instrument string) (domain.OrderBook, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.books[instrument]
	if !ok {
		return domain.OrderBook{}, false
	}
	return b.Clone(), true
}

// LastPrice returns the latest ticker last_price.
func (d *Demux) LastPrice(instrument string) (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.lastPrices[instrument]
	return p, ok
}

// Ticker returns the latest full ticker.
func (d *Demux) Ticker(instrument string) (domain.Ticker, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tickers[instrument]
	return t, ok
}

// LastPrices returns a copy of the price map.
func (d *Demux) LastPrices() map[string]float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]float64, len(d.lastPrices))
	for k, v := range d.lastPrices {
		out[k] = v
	}
	return out
}

// Instruments lists every instrument with a stored book or price.
func (d *Demux) Instruments() []string {
	d.mu.RLock()
	seen := make(map[string]struct{}, len(d.books)+len(d.lastPrices))
	for k := range d.books {
		seen[k] = struct{}{}
	}
	for k := range d.lastPrices {
		seen[k] = struct{}{}
	}
	d.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *Demux) Stats() Stats {
	return Stats{
		Frames:        d.frames.Load(),
		BookUpdates:   d.bookUpdates.Load(),
		TickerUpdates: d.tickerUpdates.Load(),
		OrderUpdates:  d.orderUpdates.Load(),
		Dropped:       d.dropped.Load(),
	}
}
