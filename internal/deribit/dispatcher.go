package deribit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/domain"
)

var dispatcherLog = logrus.WithField("module", "deribit.dispatcher")

const (
	defaultScope = "session:testnet"
	defaultLabel = "goquant_order"
)

// Transport delivers one encoded envelope and returns the raw reply body.
// On failure it may still return a body (a 4xx carrying a JSON-RPC error).
type Transport interface {
	Send(ctx context.Context, method string, body []byte, bearer string) ([]byte, error)
}

// TokenSource yields a valid bearer token, authenticating first if needed.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Limiter throttles outbound calls per method.
type Limiter interface {
	Wait(ctx context.Context, method string) error
}

// CallObserver is told about every completed call. err is nil or an *Error.
type CallObserver func(method string, latency time.Duration, err error)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithTokenSource(ts TokenSource) Option {
	return func(d *Dispatcher) { d.tokens = ts }
}

func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

func WithScope(scope string) Option {
	return func(d *Dispatcher) {
		if scope != "" {
			d.scope = scope
		}
	}
}

func WithOrderLabel(label string) Option {
	return func(d *Dispatcher) {
		if label != "" {
			d.label = label
		}
	}
}

func WithCallObserver(obs CallObserver) Option {
	return func(d *Dispatcher) { d.observer = obs }
}

// Dispatcher builds JSON-RPC envelopes for the fixed method set and turns
// every transport or decode failure into an *Error. It keeps no order state.
type Dispatcher struct {
	transport Transport
	limiter   Limiter
	observer  CallObserver
	scope     string
	label     string
	nextID    atomic.Uint64

	mu     sync.RWMutex
	tokens TokenSource
}

func NewDispatcher(t Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		scope:     defaultScope,
		label:     defaultLabel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetTokenSource binds the session used for private methods. The session
// itself authenticates through this dispatcher, so it is bound after both exist.
func (d *Dispatcher) SetTokenSource(ts TokenSource) {
	d.mu.Lock()
	d.tokens = ts
	d.mu.Unlock()
}

func (d *Dispatcher) tokenSource() TokenSource {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tokens
}

// Authenticate sends the client-credentials grant.
func (d *Dispatcher) Authenticate(ctx context.Context, clientID, clientSecret string) (AuthResult, error) {
	return d.auth(ctx, authParams{
		GrantType:    "client_credentials",
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scope:        d.scope,
	})
}

// RefreshToken sends the refresh-token grant.
func (d *Dispatcher) RefreshToken(ctx context.Context, refreshToken string) (AuthResult, error) {
	return d.auth(ctx, authParams{
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
}

func (d *Dispatcher) auth(ctx context.Context, params authParams) (AuthResult, error) {
	var out AuthResult
	if err := d.call(ctx, MethodAuth, params, &out); err != nil {
		return AuthResult{}, err
	}
	if out.AccessToken == "" || out.ExpiresIn <= 0 {
		return AuthResult{}, malformed(MethodAuth, "missing access_token or expires_in", nil)
	}
	return out, nil
}

// GetInstrument fetches contract metadata.
func (d *Dispatcher) GetInstrument(ctx context.Context, name string) (domain.Instrument, error) {
	var out instrumentResult
	if err := d.call(ctx, MethodGetInstrument, instrumentParams{InstrumentName: name}, &out); err != nil {
		return domain.Instrument{}, err
	}
	if out.InstrumentName == "" {
		return domain.Instrument{}, malformed(MethodGetInstrument, "missing instrument_name", nil)
	}
	return out.toDomain(), nil
}

// GetOrderBook fetches a book snapshot. depth <= 0 uses the exchange default.
func (d *Dispatcher) GetOrderBook(ctx context.Context, name string, depth int) (domain.OrderBook, error) {
	var out orderBookResult
	if err := d.call(ctx, MethodGetOrderBook, orderBookParams{InstrumentName: name, Depth: depth}, &out); err != nil {
		return domain.OrderBook{}, err
	}
	bids, ok1 := levels(out.Bids)
	asks, ok2 := levels(out.Asks)
	if !ok1 || !ok2 {
		return domain.OrderBook{}, malformed(MethodGetOrderBook, "price level shorter than [price, amount]", nil)
	}
	if out.InstrumentName == "" {
		out.InstrumentName = name
	}
	return domain.OrderBook{
		InstrumentName: out.InstrumentName,
		Bids:           bids,
		Asks:           asks,
		Timestamp:      formatMillis(out.Timestamp),
	}, nil
}

// Buy places a buy order.
func (d *Dispatcher) Buy(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	req.Side = domain.SideBuy
	return d.PlaceOrder(ctx, req)
}

// Sell places a sell order.
func (d *Dispatcher) Sell(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	req.Side = domain.SideSell
	return d.PlaceOrder(ctx, req)
}

// PlaceOrder routes to private/buy or private/sell by side.
func (d *Dispatcher) PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error) {
	method := MethodBuy
	switch req.Side {
	case domain.SideBuy:
	case domain.SideSell:
		method = MethodSell
	default:
		return PlaceResult{}, &Error{Kind: KindMalformed, Method: MethodBuy, Message: "unknown side " + string(req.Side)}
	}

	params, err := d.orderParams(method, req)
	if err != nil {
		return PlaceResult{}, err
	}
	var out placeResult
	if err = d.call(ctx, method, params, &out); err != nil {
		return PlaceResult{}, err
	}
	if out.Order.OrderID == "" {
		return PlaceResult{}, malformed(method, "missing order.order_id", nil)
	}
	return d.placeResult(out, req.InstrumentName, req.Side, req.Type), nil
}

func (d *Dispatcher) orderParams(method string, req OrderRequest) (orderParams, error) {
	label := req.Label
	if label == "" {
		label = d.label
	}
	typ := req.Type
	if typ == "" {
		typ = domain.OrderTypeLimit
	}
	if err := checkOrderValues(method, req.Amount, req.Price, typ == domain.OrderTypeLimit); err != nil {
		return orderParams{}, err
	}
	p := orderParams{
		InstrumentName: req.InstrumentName,
		Amount:         NormalizeAmount(req.InstrumentName, req.Amount),
		Type:           string(typ),
		Label:          label,
		ReduceOnly:     false,
	}
	if typ == domain.OrderTypeLimit {
		price := RoundPrice(req.Price)
		postOnly := true
		p.Price = &price
		p.PostOnly = &postOnly
		p.TimeInForce = timeInForceGTC
	}
	return p, nil
}

// placeResult fills fields a minimal reply may leave blank from the request.
func (d *Dispatcher) placeResult(out placeResult, instrument string, side domain.Side, typ domain.OrderType) PlaceResult {
	o := out.Order.ToDomain()
	if o.InstrumentName == "" {
		o.InstrumentName = instrument
	}
	if o.Side == "" {
		o.Side = side
	}
	if o.Type == "" {
		o.Type = typ
	}
	if o.State == domain.OrderStateUnknown && o.Type == domain.OrderTypeLimit {
		o.State = domain.OrderStateResting
	}
	return PlaceResult{Order: o, TradeCount: len(out.Trades)}
}

// Edit changes amount and price of a resting order. The lot rule and price
// rounding apply as for placement.
func (d *Dispatcher) Edit(ctx context.Context, req EditRequest) (PlaceResult, error) {
	if err := checkOrderValues(MethodEdit, req.Amount, req.Price, true); err != nil {
		return PlaceResult{}, err
	}
	params := editParams{
		OrderID:        req.OrderID,
		InstrumentName: req.InstrumentName,
		Amount:         NormalizeAmount(req.InstrumentName, req.Amount),
		Price:          RoundPrice(req.Price),
	}
	var out placeResult
	if err := d.call(ctx, MethodEdit, params, &out); err != nil {
		return PlaceResult{}, err
	}
	if out.Order.OrderID == "" {
		out.Order.OrderID = req.OrderID
	}
	res := d.placeResult(out, req.InstrumentName, "", domain.OrderTypeLimit)
	if res.Order.Amount == 0 {
		res.Order.Amount = params.Amount
	}
	if res.Order.Price == 0 {
		res.Order.Price = params.Price
	}
	return res, nil
}

// Cancel cancels orderID. A reply without a result still counts as success;
// only an error reply or a transport failure fails the call.
func (d *Dispatcher) Cancel(ctx context.Context, orderID string) (domain.Order, error) {
	raw, err := d.invoke(ctx, MethodCancel, cancelParams{OrderID: orderID})
	if err != nil {
		return domain.Order{}, err
	}
	var w WireOrder
	if hasResult(raw) {
		if jerr := json.Unmarshal(raw, &w); jerr != nil {
			dispatcherLog.Debugf("cancel %s: unparsed result: %v", orderID, jerr)
		}
	}
	o := w.ToDomain()
	o.OrderID = orderID
	o.State = domain.OrderStateCancelled
	return o, nil
}

// GetPositions lists positions. Empty currency defaults to BTC and empty kind
// to future.
func (d *Dispatcher) GetPositions(ctx context.Context, currency, kind string) ([]domain.Position, error) {
	if currency == "" {
		currency = "BTC"
	}
	if kind == "" {
		kind = "future"
	}
	var out []wirePosition
	if err := d.call(ctx, MethodGetPositions, positionsParams{Currency: strings.ToUpper(currency), Kind: kind}, &out); err != nil {
		return nil, err
	}
	positions := make([]domain.Position, 0, len(out))
	for _, p := range out {
		positions = append(positions, p.toDomain())
	}
	return positions, nil
}

// call runs invoke and decodes a required result into out.
func (d *Dispatcher) call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := d.invoke(ctx, method, params)
	if err != nil {
		return err
	}
	if !hasResult(raw) {
		return malformed(method, "missing result", nil)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return malformed(method, "decode result", err)
	}
	return nil
}

// invoke sends one envelope and returns the raw result member.
func (d *Dispatcher) invoke(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	var bearer string
	if IsPrivate(method) {
		ts := d.tokenSource()
		if ts == nil {
			return nil, &Error{Kind: KindAuth, Method: method, Message: "no session bound"}
		}
		token, err := ts.AccessToken(ctx)
		if err != nil {
			e := AsError(err, KindAuth)
			if e.Method == "" {
				e.Method = method
			}
			return nil, e
		}
		bearer = token
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, method); err != nil {
			return nil, transportError(method, errors.Wrap(err, "rate limiter"))
		}
	}

	body, err := json.Marshal(Request{
		JSONRPC: JSONRPCVersion,
		ID:      d.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, malformed(method, "encode request", err)
	}

	start := time.Now()
	reply, sendErr := d.transport.Send(ctx, method, body, bearer)
	result, err := decodeReply(method, reply, sendErr)
	if d.observer != nil {
		d.observer(method, time.Since(start), err)
	}
	if err != nil {
		dispatcherLog.WithField("method", method).Debugf("call failed: %v", err)
		return nil, err
	}
	return result, nil
}

// decodeReply is the single place transport and protocol failures become
// an *Error.
func decodeReply(method string, reply []byte, sendErr error) (json.RawMessage, error) {
	if sendErr != nil {
		// Exchange-level errors arrive with 4xx codes; prefer them when present.
		if len(reply) > 0 {
			var resp Response
			if json.Unmarshal(reply, &resp) == nil && resp.Error != nil {
				return nil, apiError(method, resp.Error)
			}
		}
		return nil, transportError(method, sendErr)
	}

	var resp Response
	if err := json.Unmarshal(reply, &resp); err != nil {
		return nil, malformed(method, "decode envelope", err)
	}
	if resp.Error != nil {
		return nil, apiError(method, resp.Error)
	}
	return resp.Result, nil
}
