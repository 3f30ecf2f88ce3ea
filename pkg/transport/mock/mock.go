// Package mock provides test doubles for the transport package interfaces.
//
// Use Dialer to verify Dial calls and hand out a controlled Conn. Use Conn to
// inject inbound events and inspect what the session sent.
//
// Example:
//
//	conn := mock.NewConn()
//	d := &mock.Dialer{Conn: conn}
//	// ... start a session using d ...
//	conn.Emit(transport.Event{Kind: transport.EventOpened})
//	conn.Finish(transport.Event{Kind: transport.EventClosed, Reason: "bye"})
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/nullxes/luna/pkg/transport"
)

// Ensure the mocks implement the transport interfaces at compile time.
var (
	_ transport.Dialer = (*Dialer)(nil)
	_ transport.Conn   = (*Conn)(nil)
)

// DialCall records a single invocation of Dialer.Dial.
type DialCall struct {
	// Cfg is the Config passed to Dial.
	Cfg transport.Config
}

// Dialer is a mock implementation of transport.Dialer.
type Dialer struct {
	mu sync.Mutex

	// Conn is returned by Dial. If nil, Dial returns a fresh Conn and stores
	// it here.
	Conn *Conn

	// DialErr, if non-nil, is returned as the error from Dial.
	DialErr error

	// Gate, if non-nil, holds Dial until it is closed or the context passed to
	// Dial is cancelled. A cancelled Dial still returns Conn, as a real dial
	// that completed just before noticing cancellation would.
	Gate chan struct{}

	// Entered, if non-nil, receives one value each time Dial is entered.
	Entered chan struct{}

	// DialCalls records every call to Dial in order.
	DialCalls []DialCall
}

// Dial records the call and returns Conn, DialErr.
func (d *Dialer) Dial(ctx context.Context, cfg transport.Config) (transport.Conn, error) {
	d.mu.Lock()
	d.DialCalls = append(d.DialCalls, DialCall{Cfg: cfg})
	gate, entered := d.Gate, d.Entered
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	if d.Conn == nil {
		d.Conn = NewConn()
	}
	return d.Conn, nil
}

// Calls returns a snapshot of DialCalls.
func (d *Dialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.DialCalls)
}

// CurrentConn returns the Conn handed out by Dial.
func (d *Dialer) CurrentConn() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Conn
}

// Conn is a mock implementation of transport.Conn.
type Conn struct {
	events chan transport.Event
	done   chan struct{}

	mu        sync.Mutex
	finished  bool
	closeOnce sync.Once

	// SendErr, if non-nil, is returned by every SendRealtimeInput call.
	SendErr error

	// SendGate, if non-nil, holds every SendRealtimeInput until it is closed.
	SendGate chan struct{}

	// SendEntered, if non-nil, is signalled without blocking each time
	// SendRealtimeInput is entered.
	SendEntered chan struct{}

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SentInputs records every successful SendRealtimeInput in order.
	SentInputs []transport.RealtimeInput

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewConn returns an open Conn with a buffered event channel.
func NewConn() *Conn {
	return &Conn{
		events: make(chan transport.Event, 256),
		done:   make(chan struct{}),
	}
}

// Emit delivers ev on the event channel. It reports false if the connection
// was closed or finished first.
func (c *Conn) Emit(ev transport.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// Finish delivers a terminal event and closes the event channel, as a real
// connection does when the remote closes or fails.
func (c *Conn) Finish(ev transport.Event) bool {
	ok := c.Emit(ev)
	c.shutdown()
	return ok
}

// SendRealtimeInput records the call and returns SendErr.
func (c *Conn) SendRealtimeInput(_ context.Context, in transport.RealtimeInput) error {
	c.mu.Lock()
	gate, entered := c.SendGate, c.SendEntered
	c.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.SentInputs = append(c.SentInputs, in)
	return nil
}

// Events returns the inbound event channel.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Close records the call, closes the event channel and returns CloseErr.
func (c *Conn) Close() error {
	c.shutdown()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCallCount++
	return c.CloseErr
}

// Sent returns a snapshot of SentInputs.
func (c *Conn) Sent() []transport.RealtimeInput {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.SentInputs)
}

// Closes returns CloseCallCount.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CloseCallCount
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done) // unblocks a pending Emit before we take the lock
		c.mu.Lock()
		c.finished = true
		close(c.events)
		c.mu.Unlock()
	})
}
