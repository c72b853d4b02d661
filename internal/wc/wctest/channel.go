// Package wctest provides an in-memory session channel for tests.
package wctest

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/rsksmart/RSKWalletConnect/internal/wc"
)

// Channel records everything sent to the peer and lets a test inject events.
type Channel struct {
	events chan wc.Event

	mu        sync.Mutex
	requests  []wc.Request
	responses []wc.Response
	closed    bool
	sendErr   error
	once      sync.Once
}

var _ wc.Channel = (*Channel)(nil)

func NewChannel() *Channel {
	return &Channel{events: make(chan wc.Event, 64)}
}

// Push delivers an event as if it arrived from the peer.
func (c *Channel) Push(ev wc.Event) {
	c.events <- ev
}

// FailSends makes every later send return err.
func (c *Channel) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *Channel) Events() <-chan wc.Event { return c.events }

func (c *Channel) ClientID() string { return "wallet-client" }

func (c *Channel) SendRequest(_ context.Context, req wc.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendable(); err != nil {
		return err
	}
	c.requests = append(c.requests, req)
	return nil
}

func (c *Channel) SendResponse(_ context.Context, resp wc.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendable(); err != nil {
		return err
	}
	c.responses = append(c.responses, resp)
	return nil
}

func (c *Channel) sendable() error {
	if c.closed {
		return errors.Wrap(wc.ErrChannel, "closed")
	}
	if c.sendErr != nil {
		return errors.Wrap(wc.ErrChannel, c.sendErr.Error())
	}
	return nil
}

func (c *Channel) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.events)
	})
	return nil
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Requests() []wc.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wc.Request(nil), c.requests...)
}

func (c *Channel) Responses() []wc.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wc.Response(nil), c.responses...)
}

// ResponsesFor returns the responses carrying a given request id.
func (c *Channel) ResponsesFor(id int64) []wc.Response {
	var out []wc.Response
	for _, r := range c.Responses() {
		if r.ID == id {
			out = append(out, r)
		}
	}
	return out
}

// Dialer hands out a prepared channel, or fails with Err.
type Dialer struct {
	Channel *Channel
	Err     error

	mu    sync.Mutex
	dials []wc.URI
}

func (d *Dialer) Dial(_ context.Context, uri wc.URI) (wc.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, uri)
	if d.Err != nil {
		return nil, errors.Wrap(wc.ErrChannel, d.Err.Error())
	}
	return d.Channel, nil
}

func (d *Dialer) Dials() []wc.URI {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]wc.URI(nil), d.dials...)
}
