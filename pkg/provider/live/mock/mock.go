// Package mock provides test doubles for the live package interfaces.
//
// Use Endpoint to verify Connect calls and hand out controlled connections.
// Use Conn to script inbound events and inspect the audio chunks that were
// sent.
//
// Example:
//
//	conn := mock.NewConn()
//	ep := &mock.Endpoint{Conn: conn}
//	c, _ := ep.Connect(ctx, cfg)
//	conn.Emit(live.Event{Kind: live.EventReady})
//	conn.Fail(errors.New("network down"))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var (
	_ live.Endpoint = (*Endpoint)(nil)
	_ live.Conn     = (*Conn)(nil)
)

// eventBuffer bounds the number of scripted events that may be pending.
const eventBuffer = 256

// ConnectCall records a single invocation of Endpoint.Connect.
type ConnectCall struct {
	// Cfg is the Config passed to Connect.
	Cfg live.Config
}

// Endpoint is a mock implementation of live.Endpoint.
type Endpoint struct {
	mu sync.Mutex

	// Conn is returned by Connect. If nil, Connect returns a fresh Conn.
	Conn *Conn

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Conn, ConnectErr.
func (e *Endpoint) Connect(_ context.Context, cfg live.Config) (live.Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ConnectCalls = append(e.ConnectCalls, ConnectCall{Cfg: cfg})
	if e.ConnectErr != nil {
		return nil, e.ConnectErr
	}
	if e.Conn == nil {
		return NewConn(), nil
	}
	return e.Conn, nil
}

// Calls returns a copy of ConnectCalls.
func (e *Endpoint) Calls() []ConnectCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ConnectCall(nil), e.ConnectCalls...)
}

// Conn is a mock implementation of live.Conn driven by the test.
type Conn struct {
	events chan live.Event

	mu     sync.Mutex
	ended  bool
	err    error
	sent   []audio.EncodedChunk
	closes int

	// SendErr, if non-nil, is returned by Send.
	SendErr error
}

// NewConn returns a Conn with an open events channel.
func NewConn() *Conn {
	return &Conn{events: make(chan live.Event, eventBuffer)}
}

// Emit queues an inbound event. Events emitted after the connection ended
// are discarded. At most 256 events may be pending.
func (c *Conn) Emit(ev live.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.events <- ev
}

// Fail ends the connection with err, as a transport failure would.
func (c *Conn) Fail(err error) { c.end(err) }

// Finish ends the connection cleanly, as a normal remote close would.
func (c *Conn) Finish() { c.end(nil) }

func (c *Conn) end(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	c.ended = true
	c.err = err
	close(c.events)
}

// Send records chunk. It returns SendErr when set and live.ErrClosed after
// the connection ended.
func (c *Conn) Send(_ context.Context, chunk audio.EncodedChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return live.ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, chunk)
	return nil
}

// Sent returns a copy of every chunk accepted by Send, in order.
func (c *Conn) Sent() []audio.EncodedChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedChunk(nil), c.sent...)
}

// WaitSent polls until at least n chunks were sent or timeout elapses, and
// returns what was sent.
func (c *Conn) WaitSent(n int, timeout time.Duration) []audio.EncodedChunk {
	deadline := time.Now().Add(timeout)
	for {
		sent := c.Sent()
		if len(sent) >= n || time.Now().After(deadline) {
			return sent
		}
		time.Sleep(time.Millisecond)
	}
}

// Events implements live.Conn.
func (c *Conn) Events() <-chan live.Event { return c.events }

// Err implements live.Conn.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the connection cleanly. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.end(nil)
	return nil
}

// Closed reports whether the connection has ended for any reason.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

// CallCountClose returns how many times Close was called.
func (c *Conn) CallCountClose() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}
