package marketdata

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/betbot/goderibit/internal/domain"
)

const methodSubscription = "subscription"

// Channel classes. Matching is by substring because the exchange embeds
// instrument and interval in the channel name.
const (
	classOrders = "user.orders"
	classBook   = "book"
	classTicker = "ticker"
)

type notification struct {
	Method string        `json:"method"`
	Params *notifyParams `json:"params"`
}

type notifyParams struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// stamp keeps a timestamp as text whether the wire sends a number or a string.
type stamp string

func (s *stamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = ""
		return nil
	}
	if b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = stamp(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.Wrap(err, "timestamp")
	}
	*s = stamp(n.String())
	return nil
}

type bookData struct {
	InstrumentName string            `json:"instrument_name"`
	Timestamp      stamp             `json:"timestamp"`
	Bids           []json.RawMessage `json:"bids"`
	Asks           []json.RawMessage `json:"asks"`
}

type tickerData struct {
	InstrumentName string   `json:"instrument_name"`
	LastPrice      *float64 `json:"last_price"`
	MarkPrice      float64  `json:"mark_price"`
	BestBidPrice   float64  `json:"best_bid_price"`
	BestAskPrice   float64  `json:"best_ask_price"`
	Timestamp      stamp    `json:"timestamp"`
}

// parseLevels accepts [price, amount] pairs and [action, price, amount]
// triples. Triples with the delete action are skipped.
func parseLevels(raw []json.RawMessage) ([]domain.OrderBookLevel, error) {
	out := make([]domain.OrderBookLevel, 0, len(raw))
	for i, r := range raw {
		var cells []interface{}
		if err := json.Unmarshal(r, &cells); err != nil {
			return nil, errors.Wrapf(err, "level %d", i)
		}
		if len(cells) == 3 {
			action, _ := cells[0].(string)
			if action == "delete" {
				continue
			}
			cells = cells[1:]
		}
		if len(cells) != 2 {
			return nil, errors.Errorf("level %d: want 2 cells, got %d", i, len(cells))
		}
		price, ok1 := toFloat(cells[0])
		amount, ok2 := toFloat(cells[1])
		if !ok1 || !ok2 {
			return nil, errors.Errorf("level %d: non-numeric cell", i)
		}
		out = append(out, domain.OrderBookLevel{Price: price, Amount: amount})
	}
	return out, nil
}

func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	}
	return 0, false
}

// instrumentFromChannel returns the second dot-separated segment,
// e.g. BTC-PERPETUAL from book.BTC-PERPETUAL.100ms.
func instrumentFromChannel(channel string) string {
	parts := strings.Split(channel, ".")
	if strings.HasPrefix(channel, classOrders) {
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	}
	if len(parts) > 1 {
		return parts[1]
	}
	return ""
}

// BookChannel is the subscription channel for an instrument's order book.
func BookChannel(instrument, interval string) string {
	return "book." + instrument + "." + interval
}

// TickerChannel is the subscription channel for an instrument's ticker.
func TickerChannel(instrument, interval string) string {
	return "ticker." + instrument + "." + interval
}

// OrdersChannel is the private order-update channel for an instrument.
func OrdersChannel(instrument string) string {
	return "user.orders." + instrument + ".raw"
}
