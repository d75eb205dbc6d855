package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
	"github.com/ardnew/softfpga/pkg/slot"
)

// DefaultMaxInFlight is the default number of requests a client may have
// outstanding at once.
const DefaultMaxInFlight = 64

// call is the per-tag rendezvous between a request and its response.
type call struct {
	ch chan frame
}

// Client is a [hal.RegisterSpace] served by a remote [Server].
//
// Requests from concurrent callers are pipelined on one connection and
// matched to their responses by tag. Tags are slots of a [slot.Pool]; callers
// beyond the pool capacity wait for a tag to free up.
type Client struct {
	conn        net.Conn
	onInterrupt hal.InterruptHandler
	maxInFlight int

	wmu      sync.Mutex // Serializes frame writes
	inflight *semaphore.Weighted
	calls    *slot.Pool[call]

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
	err        error // Set before done is closed
	unexpected *pkg.Throttle
}

// Option configures a Client.
type Option func(*Client)

// WithInterruptHandler sets the function receiving interrupts pushed by the
// server. It runs on the client's reader goroutine and must not block.
func WithInterruptHandler(h hal.InterruptHandler) Option {
	return func(c *Client) { c.onInterrupt = h }
}

// WithMaxInFlight bounds the number of outstanding requests.
func WithMaxInFlight(n int) Option {
	return func(c *Client) {
		if n > 0 && n <= 1<<16 {
			c.maxInFlight = n
		}
	}
}

// Dial connects to a server at address on the named network.
func Dial(ctx context.Context, network, address string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient starts a client on an established connection. The client owns
// conn and closes it on Close.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:        conn,
		maxInFlight: DefaultMaxInFlight,
		done:        make(chan struct{}),
		readerDone:  make(chan struct{}),
		unexpected:  pkg.NewThrottle(time.Second, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.inflight = semaphore.NewWeighted(int64(c.maxInFlight))
	c.calls = slot.New[call](c.maxInFlight)
	for i := range c.maxInFlight {
		c.calls.Get(slot.Handle(i)).ch = make(chan frame, 1)
	}
	go c.readLoop()
	return c
}

// ReadCtl implements [hal.RegisterSpace].
func (c *Client) ReadCtl(ctx context.Context, addr uint64, buf []byte) error {
	if len(buf) > MaxPayload {
		return fmt.Errorf("read 0x%x: %d bytes: %w", addr, len(buf), pkg.ErrInvalidParameter)
	}
	f, err := c.do(ctx, msgRead, encodeRead(addr, len(buf)))
	if err != nil {
		return fmt.Errorf("read 0x%x: %w", addr, err)
	}
	if len(f.payload) != len(buf) {
		return fmt.Errorf("read 0x%x: got %d bytes, want %d: %w",
			addr, len(f.payload), len(buf), pkg.ErrInvalidCommand)
	}
	copy(buf, f.payload)
	return nil
}

// WriteCtl implements [hal.RegisterSpace].
func (c *Client) WriteCtl(ctx context.Context, addr uint64, data []byte) error {
	if len(data) > MaxWrite {
		return fmt.Errorf("write 0x%x: %d bytes: %w", addr, len(data), pkg.ErrInvalidParameter)
	}
	if _, err := c.do(ctx, msgWrite, encodeWrite(addr, data)); err != nil {
		return fmt.Errorf("write 0x%x: %w", addr, err)
	}
	return nil
}

// Close closes the connection and waits for the reader to exit. Requests in
// flight fail with [pkg.ErrClosed].
func (c *Client) Close() error {
	c.shutdown(pkg.ErrClosed)
	<-c.readerDone
	return nil
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection ended, or nil while it is up.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) do(ctx context.Context, typ msgType, payload []byte) (frame, error) {
	select {
	case <-c.done:
		return frame{}, fmt.Errorf("%v: %w", typ, c.err)
	default:
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return frame{}, fmt.Errorf("%w: %w", pkg.ErrInterrupted, err)
	}

	h, err := c.calls.Acquire()
	if err != nil {
		c.inflight.Release(1)
		return frame{}, fmt.Errorf("%v: %d requests in flight: %w", typ, c.calls.Len(), err)
	}
	cl := c.calls.Get(h)

	c.wmu.Lock()
	err = writeFrame(c.conn, frame{typ: typ, tag: uint16(h), payload: payload})
	c.wmu.Unlock()
	if err != nil {
		c.release(h)
		// A rejected frame left the stream untouched.
		if !errors.Is(err, pkg.ErrInvalidParameter) {
			c.shutdown(err)
		}
		return frame{}, err
	}

	select {
	case f := <-cl.ch:
		c.release(h)
		if f.status != pkg.StatusOK {
			return f, fmt.Errorf("remote %v: %s: %w", typ, f.payload, f.status.Error())
		}
		return f, nil

	case <-c.done:
		c.release(h)
		return frame{}, fmt.Errorf("%v: %w", typ, c.err)

	case <-ctx.Done():
		// The tag stays claimed until the late response arrives so that it
		// cannot be matched to a newer request.
		go func() {
			select {
			case <-cl.ch:
			case <-c.done:
			}
			c.release(h)
		}()
		return frame{}, fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
	}
}

func (c *Client) release(h slot.Handle) {
	// Drop a response that raced with shutdown.
	select {
	case <-c.calls.Get(h).ch:
	default:
	}
	if err := c.calls.Release(h); err != nil {
		pkg.LogError(pkg.ComponentHAL, "release request tag", "tag", int(h), "error", err)
	}
	c.inflight.Release(1)
}

func (c *Client) readLoop() {
	defer close(c.readerDone)
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %w", pkg.ErrClosed, err))
			return
		}

		switch f.typ {
		case msgInterrupt:
			source, err := decodeInterrupt(f.payload)
			if err != nil {
				c.unexpected.Warn(pkg.ComponentHAL, "malformed interrupt frame", "error", err)
				continue
			}
			if c.onInterrupt != nil {
				c.onInterrupt(source)
			}

		case msgReadResp, msgWriteResp:
			h := slot.Handle(f.tag)
			if int(h) >= c.calls.Cap() || !c.calls.InUse(h) {
				c.unexpected.Warn(pkg.ComponentHAL, "response for idle tag", "tag", f.tag, "type", f.typ.String())
				continue
			}
			select {
			case c.calls.Get(h).ch <- f:
			default:
				c.unexpected.Warn(pkg.ComponentHAL, "duplicate response", "tag", f.tag, "type", f.typ.String())
			}

		default:
			c.unexpected.Warn(pkg.ComponentHAL, "unexpected frame", "type", f.typ.String())
		}
	}
}

func (c *Client) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()
	})
}
