package shutdown

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("module", "shutdown")

// Handler releases one resource. It should return once ctx is done.
type Handler func(ctx context.Context)

type namedHandler struct {
	name string
	fn   Handler
}

// Manager runs registered handlers concurrently on Shutdown.
type Manager struct {
	mu       sync.Mutex
	handlers []namedHandler
	done     bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown registers a handler. Handlers added after Shutdown are ignored.
func (m *Manager) OnShutdown(name string, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done {
		log.Warnf("handler %s registered after shutdown", name)
		return
	}
	m.handlers = append(m.handlers, namedHandler{name: name, fn: handler})
}

// Shutdown blocks until every handler returns or ctx expires. It reports
// whether all handlers finished. Only the first call runs the handlers.
func (m *Manager) Shutdown(ctx context.Context) bool {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return true
	}
	m.done = true
	handlers := m.handlers
	m.handlers = nil
	m.mu.Unlock()

	if len(handlers) == 0 {
		return true
	}
	log.Infof("shutting down %d handlers", len(handlers))

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, h := range handlers {
		go func(h namedHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("handler %s panicked: %v", h.name, r)
				}
			}()
			h.fn(ctx)
			log.Debugf("handler %s done", h.name)
		}(h)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
		return true
	case <-ctx.Done():
		log.Warnf("shutdown timed out: %v", ctx.Err())
		return false
	}
}
