package ordertracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/pkg/sigchan"
)

var log = logrus.WithField("module", "ordertracker")

const (
	DefaultCancelOrderWaitTime = 50 * time.Millisecond
	DefaultOrderCancelTimeout  = 15 * time.Second

	// updates for ids we have not seen a placement reply for yet
	maxPendingUpdates = 256
)

// ErrOrderBusy matches the error returned when a modify is already in flight
// for the order.
var ErrOrderBusy = deribit.ErrOrderBusy

// Exchange is the trading half of the dispatcher.
type Exchange interface {
	PlaceOrder(ctx context.Context, req deribit.OrderRequest) (deribit.PlaceResult, error)
	Edit(ctx context.Context, req deribit.EditRequest) (deribit.PlaceResult, error)
	Cancel(ctx context.Context, orderID string) (domain.Order, error)
}

type claim int

const (
	claimModify claim = iota + 1
	claimCancel
)

// Option configures a Tracker.
type Option func(*Tracker)

func WithCancelTimeout(wait, timeout time.Duration) Option {
	return func(t *Tracker) {
		t.cancelOrderWaitTime = wait
		t.cancelOrderTimeout = timeout
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is the local view of resting limit orders. All map access goes
// through mu; exchange calls run with mu released and the order id claimed,
// so a second mutation of the same id is refused instead of queued.
type Tracker struct {
	exchange Exchange

	mu                  sync.RWMutex
	orders              map[string]domain.Order
	claims              map[string]claim
	pendingOrderUpdates map[string]domain.Order
	lastOrderID         string

	newCallbacks      []func(order domain.Order)
	filledCallbacks   []func(order domain.Order)
	canceledCallbacks []func(order domain.Order)

	// C fires after every change to the order set.
	C *sigchan.Chan

	cancelOrderWaitTime time.Duration
	cancelOrderTimeout  time.Duration
	now                 func() time.Time
}

func New(exchange Exchange, opts ...Option) *Tracker {
	t := &Tracker{
		exchange:            exchange,
		orders:              make(map[string]domain.Order),
		claims:              make(map[string]claim),
		pendingOrderUpdates: make(map[string]domain.Order),
		C:                   sigchan.New(1),
		cancelOrderWaitTime: DefaultCancelOrderWaitTime,
		cancelOrderTimeout:  DefaultOrderCancelTimeout,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Place submits an order and, for a limit order the exchange accepted as
// resting, starts tracking it. Market orders are never tracked.
func (t *Tracker) Place(ctx context.Context, req deribit.OrderRequest) (domain.Order, error) {
	if req.Type == "" {
		req.Type = domain.OrderTypeLimit
	}
	res, err := t.exchange.PlaceOrder(ctx, req)
	if err != nil {
		return domain.Order{}, err
	}
	order := res.Order
	if order.CreatedAt.IsZero() {
		order.CreatedAt = t.now()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}

	t.mu.Lock()
	t.lastOrderID = order.OrderID
	if req.Type != domain.OrderTypeLimit {
		t.mu.Unlock()
		log.Infof("market order %s %s %v submitted", order.OrderID, order.Side, order.Amount)
		return order, nil
	}
	if pending, ok := t.pendingOrderUpdates[order.OrderID]; ok {
		delete(t.pendingOrderUpdates, order.OrderID)
		if pending.UpdatedAt.After(order.UpdatedAt) || pending.IsFinal() {
			order = mergeUpdate(order, pending)
		}
	}
	if order.IsFinal() {
		t.mu.Unlock()
		log.Infof("limit order %s finished on placement: %s", order.OrderID, order.State)
		t.fireFinal(order)
		return order, nil
	}
	order.Type = domain.OrderTypeLimit
	t.orders[order.OrderID] = order
	t.mu.Unlock()

	log.Infof("tracking limit order %s %s %v @ %v", order.OrderID, order.Side, order.Amount, order.Price)
	for _, cb := range t.newCallbacks {
		cb(order)
	}
	t.C.Emit()
	return order, nil
}

// Modify edits amount and price of a tracked order. An unknown id fails with
// OrderNotFound without contacting the exchange.
func (t *Tracker) Modify(ctx context.Context, orderID string, amount, price float64) (domain.Order, error) {
	t.mu.Lock()
	current, err := t.claimLocked(orderID, claimModify)
	t.mu.Unlock()
	if err != nil {
		return domain.Order{}, err
	}

	res, err := t.exchange.Edit(ctx, deribit.EditRequest{
		OrderID:        orderID,
		InstrumentName: current.InstrumentName,
		Amount:         amount,
		Price:          price,
	})

	t.mu.Lock()
	delete(t.claims, orderID)
	if err != nil {
		t.mu.Unlock()
		return domain.Order{}, err
	}
	stored, still := t.orders[orderID]
	if !still {
		// a fill notification removed it while the edit was on the wire
		t.mu.Unlock()
		return res.Order, nil
	}
	stored.Amount = res.Order.Amount
	stored.Price = res.Order.Price
	if res.Order.State != domain.OrderStateUnknown {
		stored.State = res.Order.State
	}
	stored.UpdatedAt = t.now()
	if stored.IsFinal() {
		delete(t.orders, orderID)
		t.mu.Unlock()
		t.fireFinal(stored)
		return stored, nil
	}
	t.orders[orderID] = stored
	t.mu.Unlock()

	log.Infof("modified order %s: %v @ %v", orderID, stored.Amount, stored.Price)
	t.C.Emit()
	return stored, nil
}

// Cancel cancels a tracked order and drops it on success. Of two concurrent
// cancels of one id, exactly one reaches the exchange; the other gets
// OrderNotFound.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	t.mu.Lock()
	_, err := t.claimLocked(orderID, claimCancel)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	_, err = t.exchange.Cancel(ctx, orderID)

	t.mu.Lock()
	delete(t.claims, orderID)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	order, existed := t.orders[orderID]
	delete(t.orders, orderID)
	t.mu.Unlock()

	log.Infof("cancelled order %s", orderID)
	if existed {
		order.State = domain.OrderStateCancelled
		order.UpdatedAt = t.now()
		for _, cb := range t.canceledCallbacks {
			cb(order)
		}
	}
	t.C.Emit()
	return nil
}

// claimLocked marks orderID as having a request in flight. Callers hold mu.
func (t *Tracker) claimLocked(orderID string, kind claim) (domain.Order, error) {
	order, ok := t.orders[orderID]
	if !ok {
		return domain.Order{}, deribit.NewOrderNotFound(orderID)
	}
	switch t.claims[orderID] {
	case claimCancel:
		// already leaving the book
		return domain.Order{}, deribit.NewOrderNotFound(orderID)
	case claimModify:
		return domain.Order{}, deribit.NewOrderBusy(orderID)
	}
	t.claims[orderID] = kind
	return order, nil
}

// ApplyUpdate folds an exchange order notification into the local view.
// Updates for ids not yet tracked are parked until the placement reply
// arrives.
func (t *Tracker) ApplyUpdate(update domain.Order) {
	if update.OrderID == "" {
		return
	}
	t.mu.Lock()
	current, exists := t.orders[update.OrderID]
	if !exists {
		if update.Type == domain.OrderTypeLimit && len(t.pendingOrderUpdates) < maxPendingUpdates {
			t.pendingOrderUpdates[update.OrderID] = update
		}
		t.mu.Unlock()
		return
	}
	merged := mergeUpdate(current, update)
	if merged.IsFinal() {
		delete(t.orders, update.OrderID)
		t.mu.Unlock()
		t.fireFinal(merged)
		return
	}
	t.orders[update.OrderID] = merged
	t.mu.Unlock()
	t.C.Emit()
}

func (t *Tracker) fireFinal(order domain.Order) {
	callbacks := t.canceledCallbacks
	if order.State == domain.OrderStateFilled {
		callbacks = t.filledCallbacks
	}
	for _, cb := range callbacks {
		cb(order)
	}
	t.C.Emit()
}

// mergeUpdate overlays the non-zero fields of update onto base.
func mergeUpdate(base, update domain.Order) domain.Order {
	if update.Amount != 0 {
		base.Amount = update.Amount
	}
	if update.Price != 0 {
		base.Price = update.Price
	}
	if update.State != "" && update.State != domain.OrderStateUnknown {
		base.State = update.State
	}
	if !update.UpdatedAt.IsZero() {
		base.UpdatedAt = update.UpdatedAt
	}
	return base
}

// ActiveOrders returns a snapshot of tracked orders, oldest first.
func (t *Tracker) ActiveOrders() []domain.Order {
	t.mu.RLock()
	orders := make([]domain.Order, 0, len(t.orders))
	for _, o := range t.orders {
		orders = append(orders, o)
	}
	t.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].OrderID < orders[j].OrderID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Get returns a copy of one tracked order.
func (t *Tracker) Get(orderID string) (domain.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[orderID]
	return o, ok
}

// LastOrderID is the id of the most recent successful placement, tracked or not.
func (t *Tracker) LastOrderID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastOrderID
}

func (t *Tracker) NumOfOrders() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.orders)
}

func (t *Tracker) OnNew(cb func(order domain.Order)) {
	t.newCallbacks = append(t.newCallbacks, cb)
}

func (t *Tracker) OnFilled(cb func(order domain.Order)) {
	t.filledCallbacks = append(t.filledCallbacks, cb)
}

func (t *Tracker) OnCanceled(cb func(order domain.Order)) {
	t.canceledCallbacks = append(t.canceledCallbacks, cb)
}

// CancelAll cancels every tracked order and waits for the book to empty.
func (t *Tracker) CancelAll(ctx context.Context) error {
	for _, order := range t.ActiveOrders() {
		if err := t.Cancel(ctx, order.OrderID); err != nil {
			if deribit.KindOf(err) == deribit.KindOrderNotFound {
				continue
			}
			log.Warnf("cancel %s failed: %v", order.OrderID, err)
		}
	}
	return t.waitOrderClear(ctx)
}

func (t *Tracker) waitOrderClear(ctx context.Context) error {
	if t.NumOfOrders() == 0 {
		return nil
	}
	ticker := time.NewTicker(t.cancelOrderWaitTime)
	defer ticker.Stop()

	timeout := time.NewTimer(t.cancelOrderTimeout)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.Errorf("%d orders still open after %s", t.NumOfOrders(), t.cancelOrderTimeout)
		case <-ticker.C:
			if t.NumOfOrders() == 0 {
				return nil
			}
		case <-t.C.C():
			if t.NumOfOrders() == 0 {
				return nil
			}
		}
	}
}
