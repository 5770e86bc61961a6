package sigchan

// Chan is a non-blocking signal channel. It carries no data; a pending
// signal absorbs further emits until it is received.
type Chan struct {
	c chan struct{}
}

func New(bufferSize int) *Chan {
	return &Chan{
		c: make(chan struct{}, bufferSize),
	}
}

// Emit sends a signal without blocking.
func (c *Chan) Emit() {
	select {
	case c.c <- struct{}{}:
	default:
	}
}

// C returns the receive side for select.
func (c *Chan) C() <-chan struct{} {
	return c.c
}
