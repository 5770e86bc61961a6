// Package fanout republishes market data and order events on NATS.
package fanout

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/metrics"
)

var log = logrus.WithField("module", "fanout")

// Publisher is the part of *nats.Conn the fan-out needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Fanout publishes on <prefix>.book.<instrument>, <prefix>.ticker.<instrument>
// and <prefix>.orders.<instrument>.
type Fanout struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// TickerEvent is the ticker payload.
type TickerEvent struct {
	InstrumentName string    `json:"instrument_name"`
	LastPrice      float64   `json:"last_price"`
	Time           time.Time `json:"time"`
}

// OrderEvent is the order payload.
type OrderEvent struct {
	OrderID        string  `json:"order_id"`
	InstrumentName string  `json:"instrument_name"`
	Side           string  `json:"side"`
	Type           string  `json:"type"`
	Amount         float64 `json:"amount"`
	Price          float64 `json:"price"`
	State          string  `json:"state"`
}

func New(pub Publisher, prefix string) *Fanout {
	if prefix == "" {
		prefix = "deribit"
	}
	return &Fanout{pub: pub, prefix: prefix}
}

// Connect dials NATS and returns a Fanout owning the connection.
func Connect(url, prefix string) (*Fanout, error) {
	nc, err := nats.Connect(url,
		nats.Name("goderibit"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Infof("nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connect nats %s", url)
	}
	f := New(nc, prefix)
	f.conn = nc
	return f, nil
}

// Close drains the owned connection, if any.
func (f *Fanout) Close() {
	if f.conn == nil {
		return
	}
	if err := f.conn.Drain(); err != nil {
		f.conn.Close()
	}
}

func (f *Fanout) Subject(kind, instrument string) string {
	return f.prefix + "." + kind + "." + instrument
}

func (f *Fanout) PublishBook(book domain.OrderBook) {
	f.publish(f.Subject("book", book.InstrumentName), book)
}

func (f *Fanout) PublishTicker(instrument string, price float64) {
	f.publish(f.Subject("ticker", instrument), TickerEvent{
		InstrumentName: instrument,
		LastPrice:      price,
		Time:           time.Now().UTC(),
	})
}

func (f *Fanout) PublishOrder(order domain.Order) {
	f.publish(f.Subject("orders", order.InstrumentName), OrderEvent{
		OrderID:        order.OrderID,
		InstrumentName: order.InstrumentName,
		Side:           string(order.Side),
		Type:           string(order.Type),
		Amount:         order.Amount,
		Price:          order.Price,
		State:          string(order.State),
	})
}

func (f *Fanout) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err == nil {
		err = f.pub.Publish(subject, data)
	}
	if err != nil {
		metrics.FanoutErrors.Add(1)
		log.WithError(err).Debugf("publish %s failed", subject)
		return
	}
	metrics.FanoutPublishes.Add(1)
}
