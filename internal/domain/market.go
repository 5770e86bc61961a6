package domain

// Instrument holds the contract metadata returned by public/get_instrument.
type Instrument struct {
	InstrumentName string
	Kind           string
	BaseCurrency   string
	ContractSize   float64
	TickSize       float64
	MinTradeAmount float64
	IsActive       bool
}

// OrderBookLevel is one price level.
type OrderBookLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook is a full snapshot. Bids descend and asks ascend by price.
type OrderBook struct {
	InstrumentName string           `json:"instrument_name"`
	Bids           []OrderBookLevel `json:"bids"`
	Asks           []OrderBookLevel `json:"asks"`
	Timestamp      string           `json:"timestamp"`
}

// Clone returns a deep copy.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]OrderBookLevel(nil), b.Bids...)
	out.Asks = append([]OrderBookLevel(nil), b.Asks...)
	return out
}

// BestBid returns the top bid, false when the side is empty.
func (b OrderBook) BestBid() (OrderBookLevel, bool) {
	if len(b.Bids) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the top ask, false when the side is empty.
func (b OrderBook) BestAsk() (OrderBookLevel, bool) {
	if len(b.Asks) == 0 {
		return OrderBookLevel{}, false
	}
	return b.Asks[0], true
}

// Spread is best ask minus best bid, zero when either side is empty.
func (b OrderBook) Spread() float64 {
	bid, ok1 := b.BestBid()
	ask, ok2 := b.BestAsk()
	if !ok1 || !ok2 {
		return 0
	}
	return ask.Price - bid.Price
}

// Ticker is the latest ticker notification for an instrument.
type Ticker struct {
	InstrumentName string  `json:"instrument_name"`
	LastPrice      float64 `json:"last_price"`
	MarkPrice      float64 `json:"mark_price"`
	BestBidPrice   float64 `json:"best_bid_price"`
	BestAskPrice   float64 `json:"best_ask_price"`
	Timestamp      string  `json:"timestamp"`
}
