package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/betbot/goderibit/internal/app"
	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/metrics"
)

// trader is the part of *app.App the menu drives.
type trader interface {
	PlaceOrder(ctx context.Context, req deribit.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, orderID string) error
	ModifyOrder(ctx context.Context, orderID string, amount, price float64) (domain.Order, error)
	OrderBook(ctx context.Context, instrument string, depth int) (domain.OrderBook, error)
	Positions(ctx context.Context, currency, kind string) ([]domain.Position, error)
	Instrument(ctx context.Context, name string) (domain.Instrument, error)
	ActiveOrders() []domain.Order
	LastOrderID() string
	SubscribeOrderBook(instrument string) error
	SubscribeTicker(instrument string) error
	RunPerfTest(ctx context.Context, opts app.PerfTestOptions) (app.PerfResult, error)
	WriteReport(w io.Writer)
	SaveReport() error
	Observe(op string) func()
}

type menu struct {
	t   trader
	in  *bufio.Reader
	out io.Writer

	// dashboard runs the live view; nil prints a notice instead.
	dashboard func(ctx context.Context) error
}

func newMenu(t trader, in *bufio.Reader, out io.Writer) *menu {
	return &menu{t: t, in: in, out: out}
}

const menuText = `
=== Deribit Trading System ===
1. Place Order
2. Cancel Order
3. Modify Order
4. Get Orderbook
5. View Current Positions
6. Real-time Market Data
7. View Active Orders
8. Run Performance Test
9. Performance Report
10. Instrument Info
0. Exit
`

// run loops until exit, EOF, ctx cancellation or an auth failure.
func (m *menu) run(ctx context.Context) {
	for ctx.Err() == nil {
		fmt.Fprint(m.out, menuText)
		choice, ok := m.prompt("Enter your choice: ")
		if !ok {
			return
		}
		if choice == "0" {
			fmt.Fprintln(m.out, "Exiting...")
			return
		}
		done := m.t.Observe(metrics.OpTradingLoop)
		err := m.dispatch(ctx, choice)
		done()
		if err == nil {
			continue
		}
		fmt.Fprintf(m.out, "Error: %s\n", describe(err))
		if deribit.KindOf(err) == deribit.KindAuth {
			fmt.Fprintln(m.out, "Session lost, exiting.")
			return
		}
	}
}

func (m *menu) dispatch(ctx context.Context, choice string) error {
	switch choice {
	case "1":
		return m.placeOrder(ctx)
	case "2":
		return m.cancelOrder(ctx)
	case "3":
		return m.modifyOrder(ctx)
	case "4":
		return m.orderBook(ctx)
	case "5":
		return m.positions(ctx)
	case "6":
		return m.marketData(ctx)
	case "7":
		m.activeOrders()
		return nil
	case "8":
		return m.perfTest(ctx)
	case "9":
		m.t.WriteReport(m.out)
		if err := m.t.SaveReport(); err != nil {
			fmt.Fprintf(m.out, "report not saved: %v\n", err)
		}
		return nil
	case "10":
		return m.instrument(ctx)
	}
	fmt.Fprintln(m.out, "Invalid choice. Please try again.")
	return nil
}

func (m *menu) placeOrder(ctx context.Context) error {
	instrument := m.promptDefault("Instrument", "BTC-PERPETUAL")
	side, ok := domain.ParseSide(m.promptDefault("Side (buy/sell)", "buy"))
	if !ok {
		fmt.Fprintln(m.out, "side must be buy or sell")
		return nil
	}
	typ, ok := domain.ParseOrderType(m.promptDefault("Type (limit/market)", "limit"))
	if !ok {
		fmt.Fprintln(m.out, "type must be limit or market")
		return nil
	}
	amount, ok := m.promptFloat("Amount")
	if !ok {
		return nil
	}
	var price float64
	if typ == domain.OrderTypeLimit {
		if price, ok = m.promptFloat("Price"); !ok {
			return nil
		}
	}

	order, err := m.t.PlaceOrder(ctx, deribit.OrderRequest{
		InstrumentName: instrument,
		Side:           side,
		Type:           typ,
		Amount:         amount,
		Price:          price,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Order placed: %s %s %s %.0f @ %.2f (%s)\n",
		order.OrderID, order.Side, order.InstrumentName, order.Amount, order.Price, order.State)
	return nil
}

func (m *menu) cancelOrder(ctx context.Context) error {
	id := m.promptDefault("Order ID", m.t.LastOrderID())
	if id == "" {
		fmt.Fprintln(m.out, "no order id")
		return nil
	}
	if err := m.t.CancelOrder(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Order %s cancelled\n", id)
	return nil
}

func (m *menu) modifyOrder(ctx context.Context) error {
	id := m.promptDefault("Order ID", m.t.LastOrderID())
	amount, ok := m.promptFloat("New amount")
	if !ok {
		return nil
	}
	price, ok := m.promptFloat("New price")
	if !ok {
		return nil
	}
	order, err := m.t.ModifyOrder(ctx, id, amount, price)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "Order %s now %.0f @ %.2f\n", order.OrderID, order.Amount, order.Price)
	return nil
}

func (m *menu) orderBook(ctx context.Context) error {
	instrument := m.promptDefault("Instrument", "BTC-PERPETUAL")
	depth, err := strconv.Atoi(m.promptDefault("Depth", "10"))
	if err != nil || depth <= 0 {
		depth = 10
	}
	book, err := m.t.OrderBook(ctx, instrument, depth)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "\n=== %s order book ===\n", book.InstrumentName)
	fmt.Fprintf(m.out, "%12s %12s | %-12s %-12s\n", "bid", "size", "ask", "size")
	rows := len(book.Bids)
	if len(book.Asks) > rows {
		rows = len(book.Asks)
	}
	for i := 0; i < rows; i++ {
		var left, right string
		if i < len(book.Bids) {
			left = fmt.Sprintf("%12.2f %12.0f", book.Bids[i].Price, book.Bids[i].Amount)
		} else {
			left = strings.Repeat(" ", 25)
		}
		if i < len(book.Asks) {
			right = fmt.Sprintf("%-12.2f %-12.0f", book.Asks[i].Price, book.Asks[i].Amount)
		}
		fmt.Fprintf(m.out, "%s | %s\n", left, right)
	}
	if spread := book.Spread(); spread > 0 {
		fmt.Fprintf(m.out, "spread %.2f\n", spread)
	}
	return nil
}

func (m *menu) positions(ctx context.Context) error {
	currency := strings.ToUpper(m.promptDefault("Currency", "BTC"))
	positions, err := m.t.Positions(ctx, currency, "future")
	if err != nil {
		return err
	}
	fmt.Fprintln(m.out, "\n=== Current Positions ===")
	open := 0
	for _, p := range positions {
		if p.IsFlat() {
			continue
		}
		open++
		fmt.Fprintf(m.out, "%-16s %-5s size %10.0f avg %10.2f mark %10.2f pnl %12.8f\n",
			p.InstrumentName, p.Direction, p.Size, p.AveragePrice, p.MarkPrice, p.FloatingProfitLoss)
	}
	if open == 0 {
		fmt.Fprintln(m.out, "No open positions")
	}
	return nil
}

func (m *menu) marketData(ctx context.Context) error {
	instrument := m.promptDefault("Instrument", "BTC-PERPETUAL")
	if err := m.t.SubscribeOrderBook(instrument); err != nil {
		return err
	}
	if err := m.t.SubscribeTicker(instrument); err != nil {
		return err
	}
	if m.dashboard == nil {
		fmt.Fprintf(m.out, "Subscribed to %s\n", instrument)
		return nil
	}
	return m.dashboard(ctx)
}

func (m *menu) activeOrders() {
	orders := m.t.ActiveOrders()
	fmt.Fprintln(m.out, "\n=== Active Limit Orders ===")
	if len(orders) == 0 {
		fmt.Fprintln(m.out, "No active limit orders found")
		return
	}
	fmt.Fprintf(m.out, "%-20s %-6s %-16s %10s %12s\n", "Order ID", "Side", "Instrument", "Amount", "Price")
	for _, o := range orders {
		fmt.Fprintf(m.out, "%-20s %-6s %-16s %10.0f %12.2f\n", o.OrderID, o.Side, o.InstrumentName, o.Amount, o.Price)
	}
}

func (m *menu) perfTest(ctx context.Context) error {
	opts := app.DefaultPerfTest()
	if n, err := strconv.Atoi(m.promptDefault("Orders", strconv.Itoa(opts.Orders))); err == nil && n > 0 {
		opts.Orders = n
	}
	fmt.Fprintln(m.out, "Running performance test...")
	res, err := m.t.RunPerfTest(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "placed %d, failed %d, cancelled %d\n", res.Placed, res.Failed, res.Cancelled)
	m.t.WriteReport(m.out)
	return nil
}

func (m *menu) instrument(ctx context.Context) error {
	name := m.promptDefault("Instrument", "BTC-PERPETUAL")
	instr, err := m.t.Instrument(ctx, name)
	if err != nil {
		return err
	}
	fmt.Fprintf(m.out, "%s contract size %g, tick %g, min amount %g\n",
		instr.InstrumentName, instr.ContractSize, instr.TickSize, instr.MinTradeAmount)
	return nil
}

func (m *menu) prompt(label string) (string, bool) {
	fmt.Fprint(m.out, label)
	line, err := m.in.ReadString('\n')
	if err != nil && line == "" {
		return "", false
	}
	return strings.TrimSpace(line), true
}

func (m *menu) promptDefault(label, def string) string {
	text := label + ": "
	if def != "" {
		text = fmt.Sprintf("%s [%s]: ", label, def)
	}
	v, _ := m.prompt(text)
	if v == "" {
		return def
	}
	return v
}

func (m *menu) promptFloat(label string) (float64, bool) {
	v, _ := m.prompt(label + ": ")
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		fmt.Fprintf(m.out, "%s must be a positive number\n", strings.ToLower(label))
		return 0, false
	}
	return f, true
}

func readLine(in *bufio.Reader, out io.Writer, label string) string {
	fmt.Fprint(out, label)
	line, _ := in.ReadString('\n')
	return strings.TrimSpace(line)
}

// describe renders the error kind and the exchange message.
func describe(err error) string {
	e := deribit.AsError(err, 0)
	if e == nil {
		return ""
	}
	if e.Kind == 0 {
		return err.Error()
	}
	if e.Kind == deribit.KindAPI {
		return fmt.Sprintf("%s %d: %s", e.Kind, e.Code, e.Message)
	}
	return e.Error()
}
