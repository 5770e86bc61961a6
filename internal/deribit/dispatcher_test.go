package deribit

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goderibit/internal/domain"
)

const placeOK = `{"jsonrpc":"2.0","id":7,"result":{"order":{"order_id":"ETH-1","instrument_name":"BTC-PERPETUAL","direction":"buy","order_type":"limit","amount":20,"price":100.12,"order_state":"open","label":"goquant_order"},"trades":[]}}`

func TestEnvelopeShape(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodGetInstrument, `{"jsonrpc":"2.0","id":1,"result":{"instrument_name":"BTC-PERPETUAL","contract_size":10,"tick_size":0.5}}`, nil)
	d := NewDispatcher(tr)

	inst, err := d.GetInstrument(context.Background(), "BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Equal(t, 10.0, inst.ContractSize)

	call := tr.last()
	assert.Equal(t, "2.0", call.Body.JSONRPC)
	assert.Equal(t, MethodGetInstrument, call.Body.Method)
	assert.NotZero(t, call.Body.ID)
	assert.Equal(t, "BTC-PERPETUAL", call.Params["instrument_name"])

	_, err = d.GetInstrument(context.Background(), "BTC-PERPETUAL")
	require.NoError(t, err)
	assert.Greater(t, tr.last().Body.ID, call.Body.ID)
}

func TestBearerOnlyOnPrivate(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodBuy, placeOK, nil)
	tr.on(MethodGetOrderBook, `{"result":{"instrument_name":"BTC-PERPETUAL","timestamp":1700000000000,"bids":[[100,5]],"asks":[[101,3]]}}`, nil)
	tokens := &staticTokens{token: "tok"}
	d := NewDispatcher(tr, WithTokenSource(tokens))

	book, err := d.GetOrderBook(context.Background(), "BTC-PERPETUAL", 5)
	require.NoError(t, err)
	assert.Equal(t, "", tr.last().Bearer)
	assert.Equal(t, 0, tokens.calls)
	assert.Equal(t, "1700000000000", book.Timestamp)
	assert.Equal(t, []domain.OrderBookLevel{{Price: 100, Amount: 5}}, book.Bids)

	_, err = d.Buy(context.Background(), OrderRequest{InstrumentName: "BTC-PERPETUAL", Type: domain.OrderTypeLimit, Amount: 20, Price: 100})
	require.NoError(t, err)
	assert.Equal(t, "tok", tr.last().Bearer)
	assert.Equal(t, 1, tokens.calls)
}

func TestPrivateWithoutSessionFailsBeforeSending(t *testing.T) {
	tr := newStubTransport()
	d := NewDispatcher(tr)

	_, err := d.Cancel(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAuth))
	assert.Equal(t, 0, tr.count())
}

func TestTokenSourceFailureIsAuthError(t *testing.T) {
	tr := newStubTransport()
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{err: errors.New("boom")}))

	_, err := d.GetPositions(context.Background(), "", "")
	assert.Equal(t, KindAuth, KindOf(err))
	assert.Equal(t, 0, tr.count())
}

func TestOrderAmountNormalization(t *testing.T) {
	cases := []struct {
		instrument string
		in, want   float64
	}{
		{"BTC-PERPETUAL", 23, 20},
		{"BTC-PERPETUAL", 5, 10},
		{"BTC-PERPETUAL", 27, 30},
		{"ETH-PERPETUAL", 23, 23},
	}
	for _, tc := range cases {
		tr := newStubTransport()
		tr.on(MethodSell, placeOK, nil)
		d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

		_, err := d.Sell(context.Background(), OrderRequest{InstrumentName: tc.instrument, Type: domain.OrderTypeMarket, Amount: tc.in})
		require.NoError(t, err)
		assert.Equal(t, tc.want, tr.last().Params["amount"], "%s %v", tc.instrument, tc.in)
		assert.Equal(t, MethodSell, tr.last().Method)
	}
}

func TestLimitOrderAttributes(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodBuy, placeOK, nil)
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

	res, err := d.PlaceOrder(context.Background(), OrderRequest{
		InstrumentName: "BTC-PERPETUAL",
		Side:           domain.SideBuy,
		Type:           domain.OrderTypeLimit,
		Amount:         20,
		Price:          100.1249,
	})
	require.NoError(t, err)
	assert.Equal(t, "ETH-1", res.Order.OrderID)
	assert.Equal(t, domain.OrderStateResting, res.Order.State)

	p := tr.last().Params
	assert.Equal(t, 100.12, p["price"])
	assert.Equal(t, true, p["post_only"])
	assert.Equal(t, "good_til_cancelled", p["time_in_force"])
	assert.Equal(t, "limit", p["type"])
	assert.Equal(t, "goquant_order", p["label"])
	assert.Equal(t, false, p["reduce_only"])
}

func TestNonFiniteValuesRejectedWithoutSending(t *testing.T) {
	cases := []struct {
		name       string
		instrument string
		amount     float64
		price      float64
		edit       bool
	}{
		{"nan amount", "BTC-PERPETUAL", math.NaN(), 100, false},
		{"inf amount", "BTC-PERPETUAL", math.Inf(1), 100, false},
		{"inf price", "ETH-PERPETUAL", 10, math.Inf(1), false},
		{"negative inf price", "BTC-PERPETUAL", 10, math.Inf(-1), false},
		{"nan price", "ETH-PERPETUAL", 10, math.NaN(), false},
		{"edit nan amount", "BTC-PERPETUAL", math.NaN(), 100, true},
		{"edit inf price", "ETH-PERPETUAL", 10, math.Inf(1), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newStubTransport()
			d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

			var err error
			assert.NotPanics(t, func() {
				if tc.edit {
					_, err = d.Edit(context.Background(), EditRequest{
						OrderID: "o-1", InstrumentName: tc.instrument, Amount: tc.amount, Price: tc.price,
					})
					return
				}
				_, err = d.PlaceOrder(context.Background(), OrderRequest{
					InstrumentName: tc.instrument, Side: domain.SideBuy, Type: domain.OrderTypeLimit,
					Amount: tc.amount, Price: tc.price,
				})
			})
			require.Error(t, err)
			assert.Equal(t, KindInvalidRequest, KindOf(err))
			assert.Zero(t, tr.count())
		})
	}
}

func TestMarketOrderIgnoresPrice(t *testing.T) {
	tr := newStubTransport()
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))
	_, err := d.PlaceOrder(context.Background(), OrderRequest{
		InstrumentName: "BTC-PERPETUAL", Side: domain.SideSell, Type: domain.OrderTypeMarket,
		Amount: 10, Price: math.NaN(),
	})
	// the default stub reply has no order id, but the request went out
	assert.Equal(t, KindMalformed, KindOf(err))
	assert.Equal(t, 1, tr.count())
}

func TestMarketOrderHasNoLimitAttributes(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodBuy, `{"result":{"order":{"order_id":"M-1","order_type":"market","price":"market_price","order_state":"filled"}}}`, nil)
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}), WithOrderLabel("desk"))

	res, err := d.Buy(context.Background(), OrderRequest{InstrumentName: "BTC-PERPETUAL", Type: domain.OrderTypeMarket, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeMarket, res.Order.Type)
	assert.Zero(t, res.Order.Price)

	p := tr.last().Params
	assert.NotContains(t, p, "price")
	assert.NotContains(t, p, "post_only")
	assert.NotContains(t, p, "time_in_force")
	assert.Equal(t, "desk", p["label"])
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		name string
		body string
		err  error
		kind Kind
		msg  string
	}{
		{"transport", "", errors.New("dial tcp: refused"), KindTransport, ""},
		{"api error field", `{"jsonrpc":"2.0","error":{"code":10009,"message":"not_enough_funds"}}`, nil, KindAPI, "not_enough_funds"},
		{"api error on 4xx", `{"error":{"code":13009,"message":"invalid_token"}}`, errors.New("http 400"), KindAPI, "invalid_token"},
		{"non json 5xx", `<html>bad gateway</html>`, errors.New("http 502"), KindTransport, ""},
		{"garbage", `not json`, nil, KindMalformed, ""},
		{"missing result", `{"jsonrpc":"2.0","id":1}`, nil, KindMalformed, ""},
		{"missing order id", `{"result":{"order":{}}}`, nil, KindMalformed, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := newStubTransport()
			tr.on(MethodBuy, tc.body, tc.err)
			d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

			_, err := d.Buy(context.Background(), OrderRequest{InstrumentName: "BTC-PERPETUAL", Type: domain.OrderTypeLimit, Amount: 10, Price: 1})
			require.Error(t, err)

			var e *Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tc.kind, e.Kind)
			assert.Equal(t, MethodBuy, e.Method)
			if tc.msg != "" {
				assert.Equal(t, tc.msg, e.Message)
			}
		})
	}
}

func TestAuthRequiresTokenFields(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodAuth, `{"result":{"access_token":"","expires_in":900}}`, nil)
	d := NewDispatcher(tr)

	_, err := d.Authenticate(context.Background(), "id", "secret")
	assert.Equal(t, KindMalformed, KindOf(err))

	tr.on(MethodAuth, `{"result":{"access_token":"a","refresh_token":"r","expires_in":900}}`, nil)
	res, err := d.Authenticate(context.Background(), "id", "secret")
	require.NoError(t, err)
	assert.Equal(t, "a", res.AccessToken)

	p := tr.last().Params
	assert.Equal(t, "client_credentials", p["grant_type"])
	assert.Equal(t, "session:testnet", p["scope"])

	_, err = d.RefreshToken(context.Background(), "r")
	require.NoError(t, err)
	p = tr.last().Params
	assert.Equal(t, "refresh_token", p["grant_type"])
	assert.Equal(t, "r", p["refresh_token"])
	assert.NotContains(t, p, "client_secret")
}

func TestCancelAcceptsMinimalResult(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodCancel, `{"jsonrpc":"2.0","id":3}`, nil)
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

	o, err := d.Cancel(context.Background(), "ord-9")
	require.NoError(t, err)
	assert.Equal(t, "ord-9", o.OrderID)
	assert.Equal(t, domain.OrderStateCancelled, o.State)
	assert.Equal(t, "ord-9", tr.last().Params["order_id"])
}

func TestEditAndPositions(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodEdit, `{"result":{"order":{"order_id":"ord-1","order_state":"open"}}}`, nil)
	tr.on(MethodGetPositions, `{"result":[{"instrument_name":"BTC-PERPETUAL","size":-30,"direction":"sell","average_price":100,"mark_price":101,"floating_profit_loss":-0.0001,"leverage":50}]}`, nil)
	d := NewDispatcher(tr, WithTokenSource(&staticTokens{token: "t"}))

	res, err := d.Edit(context.Background(), EditRequest{OrderID: "ord-1", InstrumentName: "BTC-PERPETUAL", Amount: 33, Price: 99.999})
	require.NoError(t, err)
	assert.Equal(t, 30.0, res.Order.Amount)
	assert.Equal(t, 100.0, res.Order.Price)
	assert.Equal(t, 30.0, tr.last().Params["amount"])

	positions, err := d.GetPositions(context.Background(), "btc", "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "sell", positions[0].Direction)
	assert.Equal(t, -30.0, positions[0].Size)
	assert.Equal(t, "BTC", tr.last().Params["currency"])
	assert.Equal(t, "future", tr.last().Params["kind"])
}

func TestCallObserverSeesEveryCall(t *testing.T) {
	tr := newStubTransport()
	tr.on(MethodGetInstrument, `{"error":{"message":"not_found"}}`, nil)
	var seen []Kind
	d := NewDispatcher(tr, WithCallObserver(func(method string, _ time.Duration, err error) {
		seen = append(seen, KindOf(err))
	}))

	_, _ = d.GetInstrument(context.Background(), "NOPE")
	assert.Equal(t, []Kind{KindAPI}, seen)
}
