package deribit

import (
	"strconv"
	"time"

	"github.com/betbot/goderibit/internal/domain"
)

// Remote methods used by the client.
const (
	MethodAuth          = "public/auth"
	MethodGetInstrument = "public/get_instrument"
	MethodGetOrderBook  = "public/get_order_book"
	MethodSubscribe     = "public/subscribe"
	MethodUnsubscribe   = "public/unsubscribe"
	MethodBuy           = "private/buy"
	MethodSell          = "private/sell"
	MethodEdit          = "private/edit"
	MethodCancel        = "private/cancel"
	MethodGetPositions  = "private/get_positions"
)

const timeInForceGTC = "good_til_cancelled"

// OrderRequest is a new order as the operator entered it. Amount and price
// are normalized by the dispatcher.
type OrderRequest struct {
	InstrumentName string
	Side           domain.Side
	Type           domain.OrderType
	Amount         float64
	Price          float64 // limit only
	Label          string  // empty uses the dispatcher default
}

// EditRequest changes amount and price of a resting order.
type EditRequest struct {
	OrderID        string
	InstrumentName string
	Amount         float64
	Price          float64
}

// PlaceResult is the decoded private/buy, private/sell or private/edit reply.
type PlaceResult struct {
	Order      domain.Order
	TradeCount int
}

// AuthResult is the decoded public/auth reply.
type AuthResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"` // seconds
	Scope        string `json:"scope"`
	TokenType    string `json:"token_type"`
}

type authParams struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type instrumentParams struct {
	InstrumentName string `json:"instrument_name"`
}

type instrumentResult struct {
	InstrumentName string  `json:"instrument_name"`
	Kind           string  `json:"kind"`
	BaseCurrency   string  `json:"base_currency"`
	ContractSize   float64 `json:"contract_size"`
	TickSize       float64 `json:"tick_size"`
	MinTradeAmount float64 `json:"min_trade_amount"`
	IsActive       bool    `json:"is_active"`
}

func (r instrumentResult) toDomain() domain.Instrument {
	return domain.Instrument{
		InstrumentName: r.InstrumentName,
		Kind:           r.Kind,
		BaseCurrency:   r.BaseCurrency,
		ContractSize:   r.ContractSize,
		TickSize:       r.TickSize,
		MinTradeAmount: r.MinTradeAmount,
		IsActive:       r.IsActive,
	}
}

type orderBookParams struct {
	InstrumentName string `json:"instrument_name"`
	Depth          int    `json:"depth,omitempty"`
}

type orderBookResult struct {
	InstrumentName string      `json:"instrument_name"`
	Timestamp      int64       `json:"timestamp"`
	Bids           [][]float64 `json:"bids"`
	Asks           [][]float64 `json:"asks"`
}

func levels(raw [][]float64) ([]domain.OrderBookLevel, bool) {
	out := make([]domain.OrderBookLevel, 0, len(raw))
	for _, lv := range raw {
		if len(lv) < 2 {
			return nil, false
		}
		out = append(out, domain.OrderBookLevel{Price: lv[0], Amount: lv[1]})
	}
	return out, true
}

type orderParams struct {
	InstrumentName string   `json:"instrument_name"`
	Amount         float64  `json:"amount"`
	Type           string   `json:"type"`
	Label          string   `json:"label"`
	ReduceOnly     bool     `json:"reduce_only"`
	Price          *float64 `json:"price,omitempty"`
	PostOnly       *bool    `json:"post_only,omitempty"`
	TimeInForce    string   `json:"time_in_force,omitempty"`
}

type editParams struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name,omitempty"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
}

type cancelParams struct {
	OrderID string `json:"order_id"`
}

type positionsParams struct {
	Currency string `json:"currency,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

// WireOrder is the exchange order object. It is exported because the
// market-data stream delivers the same shape on user.orders channels.
type WireOrder struct {
	OrderID             string `json:"order_id"`
	InstrumentName      string `json:"instrument_name"`
	Direction           string `json:"direction"`
	OrderType           string `json:"order_type"`
	Amount              Number `json:"amount"`
	Price               Number `json:"price"`
	OrderState          string `json:"order_state"`
	Label               string `json:"label"`
	CreationTimestamp   int64  `json:"creation_timestamp"`
	LastUpdateTimestamp int64  `json:"last_update_timestamp"`
}

// ToDomain converts the wire record.
func (w WireOrder) ToDomain() domain.Order {
	side, _ := domain.ParseSide(w.Direction)
	typ, _ := domain.ParseOrderType(w.OrderType)
	return domain.Order{
		OrderID:        w.OrderID,
		InstrumentName: w.InstrumentName,
		Side:           side,
		Type:           typ,
		Amount:         w.Amount.Float64(),
		Price:          w.Price.Float64(),
		State:          domain.OrderStateFromExchange(w.OrderState),
		Label:          w.Label,
		CreatedAt:      msToTime(w.CreationTimestamp),
		UpdatedAt:      msToTime(w.LastUpdateTimestamp),
	}
}

type placeResult struct {
	Order  WireOrder     `json:"order"`
	Trades []interface{} `json:"trades"`
}

type wirePosition struct {
	InstrumentName     string  `json:"instrument_name"`
	Size               float64 `json:"size"`
	Direction          string  `json:"direction"`
	AveragePrice       float64 `json:"average_price"`
	MarkPrice          float64 `json:"mark_price"`
	FloatingProfitLoss float64 `json:"floating_profit_loss"`
	Leverage           float64 `json:"leverage"`
}

func (p wirePosition) toDomain() domain.Position {
	return domain.Position{
		InstrumentName:     p.InstrumentName,
		Direction:          p.Direction,
		Size:               p.Size,
		AveragePrice:       p.AveragePrice,
		MarkPrice:          p.MarkPrice,
		FloatingProfitLoss: p.FloatingProfitLoss,
		Leverage:           p.Leverage,
	}
}

func msToTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return strconv.FormatInt(ms, 10)
}
