// Package controlapi serves a small HTTP API over the running client:
// read views of orders, books, tickers and latency, plus order cancel.
package controlapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/betbot/goderibit/internal/deribit"
	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/journal"
	"github.com/betbot/goderibit/internal/marketdata"
	"github.com/betbot/goderibit/internal/metrics"
	"github.com/betbot/goderibit/internal/session"
)

var log = logrus.WithField("module", "controlapi")

// Orders is satisfied by *ordertracker.Tracker.
type Orders interface {
	ActiveOrders() []domain.Order
	Get(orderID string) (domain.Order, bool)
	Cancel(ctx context.Context, orderID string) error
}

// Market is satisfied by *marketdata.Demux.
type Market interface {
	OrderBook(instrument string) (domain.OrderBook, bool)
	Ticker(instrument string) (domain.Ticker, bool)
	Instruments() []string
	Stats() marketdata.Stats
}

// Latency is satisfied by *metrics.Collector.
type Latency interface {
	Snapshot() map[string]metrics.LatencyStats
}

// Session is satisfied by *session.Manager.
type Session interface {
	State() session.State
}

// History is satisfied by *journal.Journal.
type History interface {
	OrderHistory(ctx context.Context, orderID string) ([]journal.Event, error)
	Recent(ctx context.Context, limit int) ([]journal.Event, error)
}

// Deps are the views the API reads. Session and History may be nil.
type Deps struct {
	Orders  Orders
	Market  Market
	Latency Latency
	Session Session
	History History
}

type Server struct {
	deps Deps
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	orders := api.Group("/orders")
	orders.GET("", s.handleOrdersList)
	orders.GET("/:orderID", s.handleOrderGet)
	orders.DELETE("/:orderID", s.handleOrderCancel)

	api.GET("/instruments", s.handleInstruments)
	api.GET("/books/:instrument", s.handleBook)
	api.GET("/tickers/:instrument", s.handleTicker)
	api.GET("/stats", s.handleStats)
	api.GET("/latency", s.handleLatency)
	api.GET("/journal", s.handleJournal)
	return r
}

// Start serves the API on listenAddr until ctx is done.
func (s *Server) Start(ctx context.Context, listenAddr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control api: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Infof("control api listening on %s", srv.Addr)
	return srv, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Session != nil {
		body["session"] = s.deps.Session.State().String()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleOrdersList(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Orders.ActiveOrders())
}

func (s *Server) handleOrderGet(c *gin.Context) {
	id := c.Param("orderID")
	order, ok := s.deps.Orders.Get(id)
	body := gin.H{"active": ok}
	if ok {
		body["order"] = order
	}
	if s.deps.History != nil {
		events, err := s.deps.History.OrderHistory(c.Request.Context(), id)
		if err != nil {
			writeError(c, http.StatusInternalServerError, err)
			return
		}
		if !ok && len(events) == 0 {
			writeError(c, http.StatusNotFound, deribit.NewOrderNotFound(id))
			return
		}
		body["events"] = events
	} else if !ok {
		writeError(c, http.StatusNotFound, deribit.NewOrderNotFound(id))
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleOrderCancel(c *gin.Context) {
	id := c.Param("orderID")
	if err := s.deps.Orders.Cancel(c.Request.Context(), id); err != nil {
		writeError(c, statusFor(err), err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": id})
}

func (s *Server) handleInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Market.Instruments())
}

func (s *Server) handleBook(c *gin.Context) {
	book, ok := s.deps.Market.OrderBook(c.Param("instrument"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book for instrument"})
		return
	}
	c.JSON(http.StatusOK, book)
}

func (s *Server) handleTicker(c *gin.Context) {
	t, ok := s.deps.Market.Ticker(c.Param("instrument"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no ticker for instrument"})
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Market.Stats())
}

func (s *Server) handleLatency(c *gin.Context) {
	if s.deps.Latency == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Latency.Snapshot())
}

func (s *Server) handleJournal(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.deps.History.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

func statusFor(err error) int {
	switch deribit.KindOf(err) {
	case deribit.KindOrderBusy:
		return http.StatusConflict
	case deribit.KindInvalidRequest:
		return http.StatusBadRequest
	case deribit.KindOrderNotFound:
		return http.StatusNotFound
	case deribit.KindAuth:
		return http.StatusUnauthorized
	case deribit.KindAPI, deribit.KindMalformed:
		return http.StatusBadGateway
	case deribit.KindTransport:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, status int, err error) {
	body := gin.H{"error": err.Error()}
	if k := deribit.KindOf(err); k != 0 {
		body["kind"] = k.String()
	}
	c.JSON(status, body)
}
