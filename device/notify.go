package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softfpga/pkg"
)

// Sink receives completion notifications for a processing element.
type Sink interface {
	Notify(ctx context.Context, id uint32) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, id uint32) error

// Notify calls f(ctx, id).
func (f SinkFunc) Notify(ctx context.Context, id uint32) error {
	return f(ctx, id)
}

// RingState is a snapshot of a notification ring.
type RingState struct {
	Capacity    int
	WriteIdx    int
	ReadIdx     int
	Outstanding int
}

// NotificationChannel is a bounded FIFO of completed source ids. One
// producer class (deferred interrupt work) signals it and one consumer reads
// it. The producer is throttled: once more than HighWater ids are
// outstanding, Signal blocks until reads bring the count down to LowWater.
//
// Every wait is interruptible through its context. An interrupted Signal or
// Read leaves the ring untouched.
type NotificationChannel struct {
	mu          sync.Mutex
	ring        []uint32
	writeIdx    int
	readIdx     int
	outstanding int
	highWater   int
	lowWater    int

	// hasData is closed and replaced whenever an id is pushed; belowLow is
	// closed and replaced whenever an id is popped.
	hasData  chan struct{}
	belowLow chan struct{}
	done     chan struct{}
	closed   bool

	overflow *pkg.Throttle
	metrics  *deviceMetrics
}

// NewNotificationChannel creates a channel from cfg. Unset thresholds default
// to capacity-2 (high) and capacity/2 (low).
func NewNotificationChannel(cfg NotifyConfig) (*NotificationChannel, error) {
	high, low := cfg.thresholds()
	switch {
	case cfg.Capacity < 1:
		return nil, fmt.Errorf("notification capacity %d: %w", cfg.Capacity, pkg.ErrInvalidParameter)
	case high >= cfg.Capacity:
		return nil, fmt.Errorf("high water %d not below capacity %d: %w", high, cfg.Capacity, pkg.ErrInvalidParameter)
	case low < 0 || low >= cfg.Capacity:
		return nil, fmt.Errorf("low water %d outside [0, %d): %w", low, cfg.Capacity, pkg.ErrInvalidParameter)
	}
	return &NotificationChannel{
		ring:      make([]uint32, cfg.Capacity),
		highWater: high,
		lowWater:  low,
		hasData:   make(chan struct{}),
		belowLow:  make(chan struct{}),
		done:      make(chan struct{}),
		overflow:  pkg.NewThrottle(time.Second, 1),
	}, nil
}

// Signal appends id to the ring, blocking first if the producer is over the
// high-water mark. It must only be called from a context that may block.
func (c *NotificationChannel) Signal(ctx context.Context, id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return pkg.ErrClosed
	}
	if c.outstanding > c.highWater {
		for c.outstanding > c.lowWater {
			wait := c.belowLow
			c.mu.Unlock()
			err := c.wait(ctx, wait)
			c.mu.Lock()
			if err != nil {
				return err
			}
			if c.closed {
				return pkg.ErrClosed
			}
		}
	}

	if c.outstanding == len(c.ring) {
		// Unreachable while highWater < capacity. The oldest id is lost.
		c.readIdx = (c.readIdx + 1) % len(c.ring)
		c.outstanding--
		c.metrics.ringOverflow()
		c.overflow.Warn(pkg.ComponentNotify, "notification ring overflow, oldest entry lost",
			"capacity", len(c.ring))
	}

	c.ring[c.writeIdx] = id
	c.writeIdx = (c.writeIdx + 1) % len(c.ring)
	c.outstanding++
	c.metrics.notified(c.outstanding)

	close(c.hasData)
	c.hasData = make(chan struct{})
	return nil
}

// Notify implements Sink by signalling the channel.
func (c *NotificationChannel) Notify(ctx context.Context, id uint32) error {
	return c.Signal(ctx, id)
}

// Read removes and returns the oldest id, blocking while the ring is empty.
func (c *NotificationChannel) Read(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.outstanding == 0 {
		if c.closed {
			return 0, pkg.ErrClosed
		}
		wait := c.hasData
		c.mu.Unlock()
		err := c.wait(ctx, wait)
		c.mu.Lock()
		if err != nil {
			return 0, err
		}
	}

	id := c.ring[c.readIdx]
	c.readIdx = (c.readIdx + 1) % len(c.ring)
	c.outstanding--
	c.metrics.consumed(c.outstanding)

	close(c.belowLow)
	c.belowLow = make(chan struct{})
	return id, nil
}

// TryRead returns the oldest id without blocking. The second result is false
// if the ring is empty.
func (c *NotificationChannel) TryRead() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outstanding == 0 {
		return 0, false
	}
	id := c.ring[c.readIdx]
	c.readIdx = (c.readIdx + 1) % len(c.ring)
	c.outstanding--
	c.metrics.consumed(c.outstanding)

	close(c.belowLow)
	c.belowLow = make(chan struct{})
	return id, true
}

// State returns a snapshot of the ring indices and counters.
func (c *NotificationChannel) State() RingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return RingState{
		Capacity:    len(c.ring),
		WriteIdx:    c.writeIdx,
		ReadIdx:     c.readIdx,
		Outstanding: c.outstanding,
	}
}

// Thresholds returns the high- and low-water marks.
func (c *NotificationChannel) Thresholds() (high, low int) {
	return c.highWater, c.lowWater
}

// Close wakes every blocked Signal and Read with [pkg.ErrClosed]. Ids still
// in the ring can be drained by Read.
func (c *NotificationChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// wait blocks until ch is closed, the channel is closed or ctx is done.
func (c *NotificationChannel) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
	}
}
