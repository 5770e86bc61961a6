package dashboard

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/betbot/goderibit/internal/metrics"
)

var (
	accent      = lipgloss.Color("39")
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(accent).Padding(0, 1)
	bidStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	askStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(accent).Padding(0, 1)
)

type updateMsg struct {
	snapshot *Snapshot
}

type tickMsg time.Time

type model struct {
	snapshot *Snapshot
	updateCh <-chan *Snapshot
	width    int
	height   int
}

func newModel(updateCh <-chan *Snapshot) model {
	return model{snapshot: &Snapshot{}, updateCh: updateCh}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case updateMsg:
		if msg.snapshot == nil {
			return m, tea.Quit
		}
		m.snapshot = msg.snapshot
		return m, m.waitForUpdate()
	case tickMsg:
		return m, m.tick()
	}
	return m, nil
}

func (m model) View() string {
	snap := m.snapshot
	if snap == nil || snap.TakenAt.IsZero() {
		return "waiting for data... (q to return)"
	}
	width := m.width - 4
	if width < 60 {
		width = 60
	}
	half := width/2 - 1

	left := panelStyle.Width(half).Render(m.renderMarkets(snap, half))
	right := panelStyle.Width(half).Render(strings.Join([]string{
		m.renderOrders(snap, half),
		"",
		m.renderLatency(snap, half),
	}, "\n"))
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right)
	return lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(snap), body, dimStyle.Render("q: back to menu"))
}

func (m model) renderHeader(snap *Snapshot) string {
	title := snap.Title
	if strings.TrimSpace(title) == "" {
		title = "Deribit"
	}
	conn := "disconnected"
	if snap.Connected {
		conn = "connected"
	}
	return headerStyle.Render(fmt.Sprintf("%s | session: %s | stream: %s | frames:%d dropped:%d | %s",
		title, orDash(snap.Session), conn, snap.Stream.Frames, snap.Stream.Dropped,
		snap.TakenAt.Format("15:04:05")))
}

func (m model) renderMarkets(snap *Snapshot, width int) string {
	var lines []string
	for i, in := range snap.Instruments {
		if i > 0 {
			lines = append(lines, "")
		}
		last := "-"
		if in.HasPrice {
			last = fmt.Sprintf("%.2f", in.LastPrice)
		}
		lines = append(lines, titleStyle.Render(fmt.Sprintf("%s  last %s  spread %.2f", in.Name, last, in.Spread)))
		lines = append(lines, rule(width))
		lines = append(lines, fmt.Sprintf("%12s %10s | %-12s %-10s", "bid", "size", "ask", "size"))
		rows := len(in.Bids)
		if len(in.Asks) > rows {
			rows = len(in.Asks)
		}
		if rows == 0 {
			lines = append(lines, dimStyle.Render("no book yet"))
		}
		for r := 0; r < rows; r++ {
			bid, ask := strings.Repeat(" ", 23), ""
			if r < len(in.Bids) {
				bid = bidStyle.Render(fmt.Sprintf("%12.2f %10.0f", in.Bids[r].Price, in.Bids[r].Amount))
			}
			if r < len(in.Asks) {
				ask = askStyle.Render(fmt.Sprintf("%-12.2f %-10.0f", in.Asks[r].Price, in.Asks[r].Amount))
			}
			lines = append(lines, bid+" | "+ask)
		}
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("no subscriptions"))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderOrders(snap *Snapshot, width int) string {
	lines := []string{titleStyle.Render(fmt.Sprintf("Active orders (%d)", len(snap.Orders))), rule(width)}
	for _, o := range snap.Orders {
		style := bidStyle
		if o.Side == "sell" {
			style = askStyle
		}
		lines = append(lines, style.Render(fmt.Sprintf("%-4s %-14s %8.0f @ %-10.2f %s",
			o.Side, o.InstrumentName, o.Amount, o.Price, truncate(o.OrderID, 14))))
	}
	if len(snap.Orders) == 0 {
		lines = append(lines, dimStyle.Render("none"))
	}
	return strings.Join(lines, "\n")
}

func (m model) renderLatency(snap *Snapshot, width int) string {
	lines := []string{titleStyle.Render("Latency (ms)"), rule(width)}
	lines = append(lines, fmt.Sprintf("%-17s %8s %8s %8s %6s", "op", "avg", "p95", "max", "n"))
	for _, r := range metrics.ReportOperations {
		s, ok := snap.Latency[r.Op]
		if !ok {
			continue
		}
		lines = append(lines, fmt.Sprintf("%-17s %8.3f %8.3f %8.3f %6d",
			truncate(r.Op, 17), s.Avg, s.P95, s.Max, s.SampleCount))
	}
	return strings.Join(lines, "\n")
}

// waitForUpdate delivers the newest queued snapshot, skipping stale ones.
// A closed channel yields a nil snapshot, which quits.
func (m model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-m.updateCh
		if !ok {
			return updateMsg{}
		}
		for {
			select {
			case latest, ok := <-m.updateCh:
				if !ok {
					return updateMsg{snapshot: snap}
				}
				snap = latest
			default:
				return updateMsg{snapshot: snap}
			}
		}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func rule(width int) string {
	if width < 8 {
		width = 8
	}
	return strings.Repeat("─", width-4)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
