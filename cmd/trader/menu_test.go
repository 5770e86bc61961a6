package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/betbot/goderibit/internal/app"
	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
)

type fakeTrader struct {
	placed    []deribit.OrderRequest
	cancelled []string
	subs      []string
	observed  []string
	orders    []domain.Order
	cancelErr error
	perfRuns  int
}

func (f *fakeTrader) PlaceOrder(ctx context.Context, req deribit.OrderRequest) (domain.Order, error) {
	f.placed = append(f.placed, req)
	return domain.Order{OrderID: fmt.Sprintf("o-%d", len(f.placed)), InstrumentName: req.InstrumentName,
		Side: req.Side, Amount: req.Amount, Price: req.Price, State: domain.OrderStateResting}, nil
}

func (f *fakeTrader) CancelOrder(ctx context.Context, id string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeTrader) ModifyOrder(ctx context.Context, id string, amount, price float64) (domain.Order, error) {
	return domain.Order{OrderID: id, Amount: amount, Price: price}, nil
}

func (f *fakeTrader) OrderBook(ctx context.Context, instrument string, depth int) (domain.OrderBook, error) {
	return domain.OrderBook{
		InstrumentName: instrument,
		Bids:           []domain.OrderBookLevel{{Price: 100, Amount: 10}},
		Asks:           []domain.OrderBookLevel{{Price: 101, Amount: 20}, {Price: 102, Amount: 5}},
	}, nil
}

func (f *fakeTrader) Positions(ctx context.Context, currency, kind string) ([]domain.Position, error) {
	return []domain.Position{{InstrumentName: "BTC-PERPETUAL", Direction: "buy", Size: 10}}, nil
}

func (f *fakeTrader) Instrument(ctx context.Context, name string) (domain.Instrument, error) {
	return domain.Instrument{InstrumentName: name, ContractSize: 10}, nil
}

func (f *fakeTrader) ActiveOrders() []domain.Order { return f.orders }

func (f *fakeTrader) LastOrderID() string {
	if len(f.placed) == 0 {
		return ""
	}
	return fmt.Sprintf("o-%d", len(f.placed))
}

func (f *fakeTrader) SubscribeOrderBook(instrument string) error {
	f.subs = append(f.subs, "book:"+instrument)
	return nil
}

func (f *fakeTrader) SubscribeTicker(instrument string) error {
	f.subs = append(f.subs, "ticker:"+instrument)
	return nil
}

func (f *fakeTrader) RunPerfTest(ctx context.Context, opts app.PerfTestOptions) (app.PerfResult, error) {
	f.perfRuns++
	return app.PerfResult{Placed: opts.Orders, Cancelled: opts.Orders}, nil
}

func (f *fakeTrader) WriteReport(w io.Writer) { fmt.Fprintln(w, "PERFORMANCE ANALYSIS REPORT") }

func (f *fakeTrader) SaveReport() error { return nil }

func (f *fakeTrader) Observe(op string) func() {
	return func() { f.observed = append(f.observed, op) }
}

func runMenu(t *testing.T, ft *fakeTrader, input string) string {
	t.Helper()
	var out bytes.Buffer
	newMenu(ft, bufio.NewReader(strings.NewReader(input)), &out).run(context.Background())
	return out.String()
}

func TestMenuPlaceCancelModify(t *testing.T) {
	ft := &fakeTrader{}
	// place a limit buy, cancel the last order by default, modify, exit
	input := strings.Join([]string{
		"1", "", "buy", "limit", "23", "50000.5",
		"2", "",
		"3", "o-9", "30", "49000",
		"0",
	}, "\n") + "\n"
	out := runMenu(t, ft, input)

	assert.Len(t, ft.placed, 1)
	assert.Equal(t, "BTC-PERPETUAL", ft.placed[0].InstrumentName)
	assert.Equal(t, domain.OrderTypeLimit, ft.placed[0].Type)
	assert.Equal(t, []string{"o-1"}, ft.cancelled)
	assert.Contains(t, out, "Order placed: o-1")
	assert.Contains(t, out, "Order o-9 now 30 @ 49000.00")
	assert.Contains(t, out, "Exiting...")
	assert.Len(t, ft.observed, 3)
}

func TestMenuViews(t *testing.T) {
	ft := &fakeTrader{orders: []domain.Order{{OrderID: "o-7", Side: domain.SideSell, InstrumentName: "BTC-PERPETUAL", Amount: 10, Price: 1}}}
	input := strings.Join([]string{"4", "", "", "5", "", "6", "ETH-PERPETUAL", "7", "8", "2", "9", "10", "", "42"}, "\n") + "\n"
	out := runMenu(t, ft, input)

	assert.Contains(t, out, "BTC-PERPETUAL order book")
	assert.Contains(t, out, "spread 1.00")
	assert.Regexp(t, `size\s+10 avg`, out)
	assert.Equal(t, []string{"book:ETH-PERPETUAL", "ticker:ETH-PERPETUAL"}, ft.subs)
	assert.Contains(t, out, "o-7")
	assert.Equal(t, 1, ft.perfRuns)
	assert.Contains(t, out, "placed 2, failed 0, cancelled 2")
	assert.Contains(t, out, "PERFORMANCE ANALYSIS REPORT")
	assert.Contains(t, out, "contract size 10")
	assert.Contains(t, out, "Invalid choice")
}

func TestMenuStopsOnAuthError(t *testing.T) {
	ft := &fakeTrader{cancelErr: deribit.NewAuthError("refresh", errors.New("denied"))}
	out := runMenu(t, ft, "2\no-1\n7\n")
	assert.Contains(t, out, "Session lost")
	assert.NotContains(t, out, "Active Limit Orders")
}

func TestMenuReportsApiError(t *testing.T) {
	ft := &fakeTrader{cancelErr: &deribit.Error{Kind: deribit.KindAPI, Code: 10004, Message: "order_not_found"}}
	out := runMenu(t, ft, "2\no-1\n0\n")
	assert.Contains(t, out, "ApiError 10004: order_not_found")
	assert.Contains(t, out, "Exiting...")
}

func TestMenuRejectsNonFiniteNumbers(t *testing.T) {
	ft := &fakeTrader{}
	input := strings.Join([]string{
		"1", "", "buy", "limit", "NaN",
		"1", "", "buy", "limit", "10", "Inf",
		"3", "o-1", "-Inf",
		"0",
	}, "\n") + "\n"
	out := runMenu(t, ft, input)

	assert.Empty(t, ft.placed)
	assert.Contains(t, out, "amount must be a positive number")
	assert.Contains(t, out, "price must be a positive number")
	assert.Contains(t, out, "new amount must be a positive number")
	assert.Contains(t, out, "Exiting...")
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "boom", describe(errors.New("boom")))
	assert.Contains(t, describe(deribit.NewOrderNotFound("x")), "x")
}
