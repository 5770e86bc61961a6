package metrics

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goderibit/internal/deribit"
)

func TestStatsSummary(t *testing.T) {
	c := NewCollector("test")
	for i := 1; i <= 20; i++ {
		c.Observe(OpMarketData, time.Duration(i)*time.Millisecond)
	}

	s := c.Stats(OpMarketData)
	assert.Equal(t, 20, s.SampleCount)
	assert.InDelta(t, 1.0, s.Min, 1e-9)
	assert.InDelta(t, 20.0, s.Max, 1e-9)
	assert.InDelta(t, 10.5, s.Avg, 1e-9)
	assert.InDelta(t, 20.0, s.P95, 1e-9)

	assert.Equal(t, LatencyStats{}, c.Stats(OpTradingLoop))
}

func TestSingleSampleP95(t *testing.T) {
	c := NewCollector("test")
	c.Observe(OpTradingLoop, 3*time.Millisecond)
	assert.InDelta(t, 3.0, c.Stats(OpTradingLoop).P95, 1e-9)
}

func TestSamplesAreBounded(t *testing.T) {
	c := NewCollector("test")
	c.maxSamples = 5
	for i := 0; i < 12; i++ {
		c.Observe(OpMarketData, time.Duration(i)*time.Millisecond)
	}
	s := c.Stats(OpMarketData)
	assert.Equal(t, 5, s.SampleCount)
	assert.InDelta(t, 7.0, s.Min, 1e-9)
}

func TestObserveCall(t *testing.T) {
	c := NewCollector("test")
	c.ObserveCall(deribit.MethodBuy, 2*time.Millisecond, nil)
	c.ObserveCall(deribit.MethodSell, 4*time.Millisecond, &deribit.Error{Kind: deribit.KindAPI})
	c.ObserveCall(deribit.MethodGetOrderBook, time.Millisecond, errors.New("x"))

	assert.Equal(t, 2, c.Stats(OpOrderPlacement).SampleCount)

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	outcomes := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "test_rpc_calls_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			outcomes[labels["method"]+"/"+labels["outcome"]] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{
		deribit.MethodBuy + "/ok":                     1,
		deribit.MethodSell + "/ApiError":              1,
		deribit.MethodGetOrderBook + "/TransportError": 1,
	}, outcomes)
}

func TestReportAndReset(t *testing.T) {
	c := NewCollector("test")
	stop := c.Start(OpWebSocketMessage)
	stop()

	var buf bytes.Buffer
	c.WriteReport(&buf)
	out := buf.String()
	assert.Contains(t, out, "Order Placement")
	assert.Contains(t, out, "WebSocket Message")
	assert.Contains(t, out, "Samples:      1")
	assert.Len(t, c.Snapshot(), 1)

	c.Reset()
	assert.Empty(t, c.Snapshot())
}

func TestServerExposesMetrics(t *testing.T) {
	c := NewCollector("goderibit")
	c.SetActiveOrders(3)
	c.FrameReceived()
	c.SetLastPrice("BTC-PERPETUAL", 42000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv, err := StartAsync(ctx, "127.0.0.1:0", c.Registry())
	require.NoError(t, err)

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + srv.Addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		body = string(b)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, body, "goderibit_active_orders 3")
	assert.Contains(t, body, "goderibit_ws_frames_total 1")
	assert.Contains(t, body, `goderibit_last_price{instrument="BTC-PERPETUAL"} 42000`)

	resp, err := http.Get("http://" + srv.Addr + "/debug/vars")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
