package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/betbot/goderibit/internal/deribit"
)

// Operation names used across the client.
const (
	OpOrderPlacement   = "order_placement"
	OpMarketData       = "market_data"
	OpWebSocketMessage = "websocket_message"
	OpTradingLoop      = "trading_loop"
)

// ReportOperations is the fixed order of the latency report.
var ReportOperations = []struct {
	Op    string
	Title string
}{
	{OpOrderPlacement, "Order Placement"},
	{OpMarketData, "Market Data Processing"},
	{OpWebSocketMessage, "WebSocket Message"},
	{OpTradingLoop, "Trading Loop"},
}

const defaultMaxSamples = 10000

// LatencyStats summarises one operation in milliseconds.
type LatencyStats struct {
	Min         float64 `json:"min_ms"`
	Max         float64 `json:"max_ms"`
	Avg         float64 `json:"avg_ms"`
	P95         float64 `json:"p95_ms"`
	SampleCount int     `json:"samples"`
}

// Collector records latencies per operation and mirrors them into a
// private prometheus registry. It is created by the application and passed
// to whoever measures.
type Collector struct {
	mu         sync.Mutex
	samples    map[string][]float64
	maxSamples int

	registry     *prometheus.Registry
	latency      *prometheus.HistogramVec
	calls        *prometheus.CounterVec
	frames       prometheus.Counter
	activeOrders prometheus.Gauge
	lastPrice    *prometheus.GaugeVec
}

func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		samples:    make(map[string][]float64),
		maxSamples: defaultMaxSamples,
		registry:   registry,

		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Latency of client operations",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),

		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls by method and outcome",
		}, []string{"method", "outcome"}),

		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_frames_total",
			Help:      "Websocket frames received",
		}),

		activeOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_orders",
			Help:      "Resting limit orders tracked locally",
		}),

		lastPrice: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_price",
			Help:      "Latest ticker last price",
		}, []string{"instrument"}),
	}
	registry.MustRegister(c.latency, c.calls, c.frames, c.activeOrders, c.lastPrice)
	return c
}

// Registry exposes the prometheus registry for /metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Observe records one latency sample for op.
func (c *Collector) Observe(op string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	c.mu.Lock()
	s := append(c.samples[op], ms)
	if len(s) > c.maxSamples {
		s = append([]float64(nil), s[len(s)-c.maxSamples:]...)
	}
	c.samples[op] = s
	c.mu.Unlock()

	c.latency.WithLabelValues(op).Observe(d.Seconds())
}

// Start returns a func that records the time since Start under op.
func (c *Collector) Start(op string) func() {
	begin := time.Now()
	return func() { c.Observe(op, time.Since(begin)) }
}

// ObserveCall matches deribit.CallObserver.
func (c *Collector) ObserveCall(method string, latency time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = deribit.AsError(err, deribit.KindTransport).Kind.String()
	}
	c.calls.WithLabelValues(method, outcome).Inc()
	if method == deribit.MethodBuy || method == deribit.MethodSell {
		c.Observe(OpOrderPlacement, latency)
	}
}

func (c *Collector) FrameReceived() {
	c.frames.Inc()
}

func (c *Collector) SetActiveOrders(n int) {
	c.activeOrders.Set(float64(n))
}

func (c *Collector) SetLastPrice(instrument string, price float64) {
	c.lastPrice.WithLabelValues(instrument).Set(price)
}

// Stats summarises op. The zero value means no samples.
func (c *Collector) Stats(op string) LatencyStats {
	c.mu.Lock()
	samples := append([]float64(nil), c.samples[op]...)
	c.mu.Unlock()
	return summarize(samples)
}

// Snapshot returns stats for every operation with samples.
func (c *Collector) Snapshot() map[string]LatencyStats {
	c.mu.Lock()
	ops := make([]string, 0, len(c.samples))
	for op := range c.samples {
		ops = append(ops, op)
	}
	c.mu.Unlock()

	out := make(map[string]LatencyStats, len(ops))
	for _, op := range ops {
		out[op] = c.Stats(op)
	}
	return out
}

// Reset drops all samples. Prometheus series are cumulative and stay.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.samples = make(map[string][]float64)
	c.mu.Unlock()
}

func summarize(samples []float64) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sort.Float64s(samples)
	var sum float64
	for _, v := range samples {
		sum += v
	}
	idx := int(float64(len(samples)) * 0.95)
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return LatencyStats{
		Min:         samples[0],
		Max:         samples[len(samples)-1],
		Avg:         sum / float64(len(samples)),
		P95:         samples[idx],
		SampleCount: len(samples),
	}
}

// WriteReport prints the latency report for the fixed operation set.
func (c *Collector) WriteReport(w io.Writer) {
	fmt.Fprintln(w, "PERFORMANCE ANALYSIS REPORT")
	fmt.Fprintln(w, "---------------------------")
	for _, r := range ReportOperations {
		s := c.Stats(r.Op)
		fmt.Fprintf(w, "%s\n", r.Title)
		fmt.Fprintf(w, "  Min: %10.3f ms\n", s.Min)
		fmt.Fprintf(w, "  Max: %10.3f ms\n", s.Max)
		fmt.Fprintf(w, "  Avg: %10.3f ms\n", s.Avg)
		fmt.Fprintf(w, "  P95: %10.3f ms\n", s.P95)
		fmt.Fprintf(w, "  Samples: %6d\n", s.SampleCount)
	}
}
