package fanout

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/metrics"
)

type fakePublisher struct {
	mu   sync.Mutex
	msgs map[string][]byte
	err  error
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if p.msgs == nil {
		p.msgs = map[string][]byte{}
	}
	p.msgs[subject] = data
	return nil
}

func TestPublishesBySubject(t *testing.T) {
	pub := &fakePublisher{}
	f := New(pub, "")
	before := metrics.FanoutPublishes.Value()

	f.PublishBook(domain.OrderBook{
		InstrumentName: "BTC-PERPETUAL",
		Bids:           []domain.OrderBookLevel{{Price: 100, Amount: 10}},
	})
	f.PublishTicker("BTC-PERPETUAL", 101.5)
	f.PublishOrder(domain.Order{OrderID: "o-1", InstrumentName: "BTC-PERPETUAL", State: domain.OrderStateFilled})

	require.Len(t, pub.msgs, 3)
	assert.Equal(t, before+3, metrics.FanoutPublishes.Value())

	var tick TickerEvent
	require.NoError(t, json.Unmarshal(pub.msgs["deribit.ticker.BTC-PERPETUAL"], &tick))
	assert.Equal(t, 101.5, tick.LastPrice)

	var ord OrderEvent
	require.NoError(t, json.Unmarshal(pub.msgs["deribit.orders.BTC-PERPETUAL"], &ord))
	assert.Equal(t, "filled", ord.State)

	assert.Contains(t, pub.msgs, "deribit.book.BTC-PERPETUAL")
}

func TestPublishErrorIsCounted(t *testing.T) {
	f := New(&fakePublisher{err: errors.New("down")}, "md")
	before := metrics.FanoutErrors.Value()
	f.PublishTicker("ETH-PERPETUAL", 1)
	assert.Equal(t, before+1, metrics.FanoutErrors.Value())
	assert.Equal(t, "md.ticker.ETH-PERPETUAL", f.Subject("ticker", "ETH-PERPETUAL"))
	f.Close()
}
