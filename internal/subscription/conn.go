package subscription

import (
	"sync"

	"github.com/rcliao/memory-hub/internal/model"
)

// Gap tells a live client that events were dropped for it.
type Gap struct {
	Type        string `json:"type"`
	Missed      int    `json:"missed"`
	LastEventID int64  `json:"last_event_id"`
}

// Frame is one item on a live connection: an event or a gap marker.
type Frame struct {
	Event *model.WireEvent
	Gap   *Gap
}

// Conn is an ephemeral, at-most-once subscription. Events are offered
// without blocking; when the buffer is full the event is dropped for this
// connection only and a gap marker precedes the next delivered frame.
type Conn struct {
	ID       string
	Filter   *Filter
	Protocol string

	mu          sync.Mutex
	frames      chan Frame
	missed      int
	lastDropped int64
	dropped     int
	closed      bool
	done        chan struct{}
	release     func(*Conn)
}

func newConn(id string, f *Filter, buffer int, release func(*Conn)) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		ID:      id,
		Filter:  f,
		frames:  make(chan Frame, buffer),
		done:    make(chan struct{}),
		release: release,
	}
}

// Frames is closed when the connection is closed.
func (c *Conn) Frames() <-chan Frame { return c.frames }

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dropped returns how many events were dropped for this connection.
func (c *Conn) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// offer never blocks.
func (c *Conn) offer(ev model.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	if c.missed > 0 {
		gap := Frame{Gap: &Gap{Type: "gap", Missed: c.missed, LastEventID: c.lastDropped}}
		select {
		case c.frames <- gap:
			c.missed = 0
		default:
			c.drop(ev.ID)
			return
		}
	}

	w := ev.Wire()
	select {
	case c.frames <- Frame{Event: &w}:
	default:
		c.drop(ev.ID)
	}
}

func (c *Conn) drop(id int64) {
	c.missed++
	c.dropped++
	c.lastDropped = id
}

// Close deregisters the connection and releases its buffer.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	close(c.frames)
	c.mu.Unlock()

	if c.release != nil {
		c.release(c)
	}
}
