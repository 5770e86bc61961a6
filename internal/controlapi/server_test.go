package controlapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/journal"
	"github.com/betbot/goderibit/internal/marketdata"
	"github.com/betbot/goderibit/internal/metrics"
	"github.com/betbot/goderibit/internal/session"
)

type fakeOrders struct {
	orders    map[string]domain.Order
	cancelErr error
	cancelled []string
}

func (f *fakeOrders) ActiveOrders() []domain.Order {
	out := make([]domain.Order, 0, len(f.orders))
	for _, o := range f.orders {
		out = append(out, o)
	}
	return out
}

func (f *fakeOrders) Get(id string) (domain.Order, bool) {
	o, ok := f.orders[id]
	return o, ok
}

func (f *fakeOrders) Cancel(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.orders[id]; !ok {
		return deribit.NewOrderNotFound(id)
	}
	delete(f.orders, id)
	f.cancelled = append(f.cancelled, id)
	return nil
}

type fakeSession struct{}

func (fakeSession) State() session.State { return session.StateAuthenticated }

type fakeHistory struct{}

func (fakeHistory) OrderHistory(ctx context.Context, id string) ([]journal.Event, error) {
	if id == "gone" {
		return []journal.Event{{Kind: journal.EventCancelled, OrderID: id}}, nil
	}
	return nil, nil
}

func (fakeHistory) Recent(ctx context.Context, limit int) ([]journal.Event, error) {
	return []journal.Event{{Kind: journal.EventPlaced, OrderID: "o-1"}}, nil
}

func newTestServer(orders *fakeOrders) (http.Handler, *marketdata.Demux) {
	demux := marketdata.NewDemux()
	collector := metrics.NewCollector("test")
	return New(Deps{
		Orders:  orders,
		Market:  demux,
		Latency: collector,
		Session: fakeSession{},
		History: fakeHistory{},
	}).Router(), demux
}

func do(t *testing.T, h http.Handler, method, path string) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec.Code, body
}

func TestHealthAndOrders(t *testing.T) {
	orders := &fakeOrders{orders: map[string]domain.Order{
		"o-1": {OrderID: "o-1", InstrumentName: "BTC-PERPETUAL", Type: domain.OrderTypeLimit},
	}}
	h, _ := newTestServer(orders)

	code, body := do(t, h, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "authenticated", body["session"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	code, body = do(t, h, http.MethodGet, "/api/orders/o-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["active"])

	code, body = do(t, h, http.MethodGet, "/api/orders/gone")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["active"])
	assert.Len(t, body["events"], 1)

	code, body = do(t, h, http.MethodGet, "/api/orders/nope")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "OrderNotFound", body["kind"])
}

func TestCancelMapsErrors(t *testing.T) {
	orders := &fakeOrders{orders: map[string]domain.Order{"o-1": {OrderID: "o-1"}}}
	h, _ := newTestServer(orders)

	code, _ := do(t, h, http.MethodDelete, "/api/orders/o-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"o-1"}, orders.cancelled)

	code, body := do(t, h, http.MethodDelete, "/api/orders/o-1")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "OrderNotFound", body["kind"])

	orders.cancelErr = deribit.NewOrderBusy("o-2")
	code, body = do(t, h, http.MethodDelete, "/api/orders/o-2")
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "OrderBusy", body["kind"])

	orders.cancelErr = &deribit.Error{Kind: deribit.KindAPI, Code: 10004, Message: "order_not_found"}
	code, body = do(t, h, http.MethodDelete, "/api/orders/o-2")
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, "ApiError", body["kind"])
}

func TestMarketViews(t *testing.T) {
	h, demux := newTestServer(&fakeOrders{})

	code, _ := do(t, h, http.MethodGet, "/api/books/BTC-PERPETUAL")
	assert.Equal(t, http.StatusNotFound, code)

	demux.OnFrame([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"book.BTC-PERPETUAL.100ms","data":{"instrument_name":"BTC-PERPETUAL","bids":[[100.0,10]],"asks":[[101.0,20]],"timestamp":1}}}`))
	demux.OnFrame([]byte(`{"jsonrpc":"2.0","method":"subscription","params":{"channel":"ticker.BTC-PERPETUAL.100ms","data":{"instrument_name":"BTC-PERPETUAL","last_price":100.5,"timestamp":1}}}`))

	code, _ = do(t, h, http.MethodGet, "/api/books/BTC-PERPETUAL")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodGet, "/api/tickers/BTC-PERPETUAL")
	assert.Equal(t, http.StatusOK, code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/instruments", nil))
	var instruments []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instruments))
	assert.Equal(t, []string{"BTC-PERPETUAL"}, instruments)

	code, _ = do(t, h, http.MethodGet, "/api/stats")
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodGet, "/api/latency")
	assert.Equal(t, http.StatusOK, code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/journal?limit=5", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "o-1")
}

func TestStatusForKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{deribit.NewOrderBusy("o-1"), http.StatusConflict},
		{&deribit.Error{Kind: deribit.KindInvalidRequest}, http.StatusBadRequest},
		{deribit.NewOrderNotFound("o-1"), http.StatusNotFound},
		{deribit.NewAuthError("x", nil), http.StatusUnauthorized},
		{&deribit.Error{Kind: deribit.KindMalformed}, http.StatusBadGateway},
		{&deribit.Error{Kind: deribit.KindTransport}, http.StatusServiceUnavailable},
		{context.Canceled, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), "%v", tc.err)
	}
}
