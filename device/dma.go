package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// chunk is one sub-transfer of a copy: its offset and length in the caller's
// buffer, the transfer buffer it travels through and its sequence number.
type chunk struct {
	off int
	n   int
	buf int
	seq uint64
}

// chunkCount returns the number of chunks needed to move length bytes.
func chunkCount(length, chunkSize int) int {
	return (length + chunkSize - 1) / chunkSize
}

// dmaChannel is one direction of a DMA engine.
type dmaChannel struct {
	dir hal.Direction

	// lock serializes transfers in this direction. It is a channel so that
	// waiting for it can be interrupted.
	lock chan struct{}

	bufs   [][]byte
	bufSeq []uint64 // last sequence number issued through each buffer
	next   int      // buffer for the next chunk, strictly round-robin

	issued    atomic.Uint64 // last sequence number issued
	processed atomic.Uint64 // last sequence number the device completed
	floor     atomic.Uint64 // first sequence number of the current transfer
	faultSeq  atomic.Uint64 // first faulted sequence number at or above floor

	// ackMu orders completions; it is never held across a blocking call.
	ackMu sync.Mutex

	// wake has room for one pending signal; only the lock holder waits.
	wake chan struct{}
}

func newDMAChannel(dir hal.Direction, cfg DMAConfig) *dmaChannel {
	c := &dmaChannel{
		dir:    dir,
		lock:   make(chan struct{}, 1),
		bufs:   make([][]byte, cfg.Buffers),
		bufSeq: make([]uint64, cfg.Buffers),
		wake:   make(chan struct{}, 1),
	}
	for i := range c.bufs {
		c.bufs[i] = make([]byte, cfg.ChunkSize)
	}
	return c
}

// DMAEngine moves byte buffers between host and device memory through a
// fixed set of transfer buffers per direction. A buffer is reused only after
// the device has acknowledged the chunk last issued through it.
//
// Opposite directions run concurrently; transfers in the same direction are
// serialized. Within one transfer, up to Buffers chunks are in flight.
type DMAEngine struct {
	name    string
	index   int
	unit    hal.DMAUnit
	cfg     DMAConfig
	dirs    [2]*dmaChannel
	metrics *deviceMetrics

	done      chan struct{}
	closeOnce sync.Once
}

// NewDMAEngine creates an engine driving unit. The configuration must be
// valid (see [Config.Validate]).
func NewDMAEngine(name string, unit hal.DMAUnit, cfg DMAConfig) *DMAEngine {
	index, _ := hal.DMAIndex(name)
	return &DMAEngine{
		name:  name,
		index: index,
		unit:  unit,
		cfg:   cfg,
		dirs: [2]*dmaChannel{
			hal.ToDevice:   newDMAChannel(hal.ToDevice, cfg),
			hal.FromDevice: newDMAChannel(hal.FromDevice, cfg),
		},
		done: make(chan struct{}),
	}
}

// Name returns the status descriptor name of the engine.
func (e *DMAEngine) Name() string {
	return e.name
}

// Config returns the engine configuration.
func (e *DMAEngine) Config() DMAConfig {
	return e.cfg
}

// Processed returns the completion counter of dir.
func (e *DMAEngine) Processed(dir hal.Direction) uint64 {
	return e.dirs[dir].processed.Load()
}

// Issued returns the last sequence number issued in dir.
func (e *DMAEngine) Issued(dir hal.Direction) uint64 {
	return e.dirs[dir].issued.Load()
}

// Acknowledge records the completion of the oldest outstanding chunk in dir.
// It only contends with other completions and is safe to call from interrupt
// delivery. A completion with nothing outstanding is ignored.
func (e *DMAEngine) Acknowledge(dir hal.Direction, fault bool) {
	if dir > hal.FromDevice {
		return
	}
	c := e.dirs[dir]
	c.ackMu.Lock()
	p := c.processed.Load()
	if p >= c.issued.Load() {
		c.ackMu.Unlock()
		pkg.LogDebug(pkg.ComponentDMA, "spurious completion",
			"engine", e.name, "direction", dir.String())
		return
	}
	seq := p + 1
	// The fault is published before the completion so that a waiter seeing
	// seq processed also sees its fault.
	if fault {
		if f := c.faultSeq.Load(); f == 0 || f < c.floor.Load() {
			c.faultSeq.Store(seq)
		}
	}
	c.processed.Store(seq)
	c.ackMu.Unlock()
	if fault {
		e.metrics.dmaFault(e.index, dir)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// CopyTo copies data to device memory at devAddr and returns once every chunk
// has been acknowledged. On failure it returns the number of leading bytes
// the device confirmed.
func (e *DMAEngine) CopyTo(ctx context.Context, devAddr uint64, data []byte) (int, error) {
	if devAddr%e.cfg.Alignment != 0 {
		return 0, fmt.Errorf("copy to 0x%x: alignment %d: %w", devAddr, e.cfg.Alignment, pkg.ErrMisaligned)
	}
	c := e.dirs[hal.ToDevice]
	if err := e.lock(ctx, c); err != nil {
		return 0, err
	}
	defer e.unlock(c)

	first := c.issued.Load() + 1
	c.floor.Store(first)

	chunks := make([]chunk, 0, chunkCount(len(data), e.cfg.ChunkSize))
	fail := func(err error) (int, error) {
		n := e.confirmed(c, first, chunks)
		e.metrics.dmaDone(e.index, c.dir, n)
		return n, err
	}

	for off := 0; off < len(data); off += e.cfg.ChunkSize {
		n := min(e.cfg.ChunkSize, len(data)-off)
		b := c.next
		if err := e.waitSeq(ctx, c, first, c.bufSeq[b]); err != nil {
			return fail(err)
		}
		copy(c.bufs[b][:n], data[off:off+n])
		ck := chunk{off: off, n: n, buf: b}
		if err := e.issue(c, &ck, devAddr+uint64(off)); err != nil {
			return fail(err)
		}
		chunks = append(chunks, ck)
	}

	for _, ck := range chunks {
		if err := e.waitSeq(ctx, c, first, ck.seq); err != nil {
			return fail(err)
		}
	}
	e.metrics.dmaDone(e.index, c.dir, len(data))
	return len(data), nil
}

// CopyFrom copies len(data) bytes of device memory at devAddr into data. A
// chunk's bytes are copied out of its transfer buffer only after the device
// acknowledged it. On failure it returns the number of leading bytes copied.
func (e *DMAEngine) CopyFrom(ctx context.Context, devAddr uint64, data []byte) (int, error) {
	if devAddr%e.cfg.Alignment != 0 {
		return 0, fmt.Errorf("copy from 0x%x: alignment %d: %w", devAddr, e.cfg.Alignment, pkg.ErrMisaligned)
	}
	c := e.dirs[hal.FromDevice]
	if err := e.lock(ctx, c); err != nil {
		return 0, err
	}
	defer e.unlock(c)

	first := c.issued.Load() + 1
	c.floor.Store(first)

	var copied int
	pending := make([]chunk, 0, e.cfg.Buffers)
	drain := func() error {
		ck := pending[0]
		if err := e.waitSeq(ctx, c, first, ck.seq); err != nil {
			return err
		}
		copy(data[ck.off:ck.off+ck.n], c.bufs[ck.buf][:ck.n])
		copied += ck.n
		pending = pending[1:]
		return nil
	}
	fail := func(err error) (int, error) {
		e.metrics.dmaDone(e.index, c.dir, copied)
		return copied, err
	}

	for off := 0; off < len(data); off += e.cfg.ChunkSize {
		n := min(e.cfg.ChunkSize, len(data)-off)
		if len(pending) == len(c.bufs) {
			if err := drain(); err != nil {
				return fail(err)
			}
		}
		b := c.next
		// The buffer may still carry a chunk of an earlier, interrupted transfer.
		if err := e.waitSeq(ctx, c, first, c.bufSeq[b]); err != nil {
			return fail(err)
		}
		ck := chunk{off: off, n: n, buf: b}
		if err := e.issue(c, &ck, devAddr+uint64(off)); err != nil {
			return fail(err)
		}
		pending = append(pending, ck)
	}

	for len(pending) > 0 {
		if err := drain(); err != nil {
			return fail(err)
		}
	}
	e.metrics.dmaDone(e.index, c.dir, copied)
	return copied, nil
}

// Close stops the engine. Blocked transfers return [pkg.ErrClosed].
func (e *DMAEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		err = e.unit.Close()
	})
	return err
}

func (e *DMAEngine) lock(ctx context.Context, c *dmaChannel) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, err)
	}
	select {
	case <-e.done:
		return pkg.ErrClosed
	default:
	}
	select {
	case c.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
	case <-e.done:
		return pkg.ErrClosed
	}
}

func (e *DMAEngine) unlock(c *dmaChannel) {
	<-c.lock
}

// issue assigns the next sequence number to ck and hands it to the unit.
// Called with the direction lock held.
func (e *DMAEngine) issue(c *dmaChannel, ck *chunk, devAddr uint64) error {
	ck.seq = c.issued.Load() + 1
	cmd := hal.DMACommand{
		Dir:     c.dir,
		Buffer:  ck.buf,
		Data:    c.bufs[ck.buf][:ck.n],
		DevAddr: devAddr,
		Seq:     ck.seq,
	}
	// Publish the sequence number first so a fast completion is not taken
	// for a spurious one.
	c.issued.Store(ck.seq)
	if err := e.unit.Issue(cmd); err != nil {
		c.issued.Store(ck.seq - 1)
		return fmt.Errorf("issue %s chunk %d on %s: %w: %w", c.dir, ck.seq, e.name, pkg.ErrHardwareFault, err)
	}
	c.bufSeq[ck.buf] = ck.seq
	c.next = (ck.buf + 1) % len(c.bufs)
	e.metrics.dmaIssued(e.index, c.dir)
	return nil
}

// waitSeq blocks until the device has completed seq. A fault reported for a
// chunk of the current transfer (at or after first) up to seq aborts the wait.
func (e *DMAEngine) waitSeq(ctx context.Context, c *dmaChannel, first, seq uint64) error {
	for {
		// processed is loaded first: a fault is stored before its completion.
		p := c.processed.Load()
		if f := c.faultSeq.Load(); f != 0 && f >= first && f <= seq {
			return fmt.Errorf("%s chunk %d on %s: %w", c.dir, f, e.name, pkg.ErrHardwareFault)
		}
		if p >= seq {
			return nil
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", pkg.ErrInterrupted, ctx.Err())
		case <-e.done:
			return pkg.ErrClosed
		}
	}
}

// confirmed returns the number of leading bytes of chunks the device
// completed without fault.
func (e *DMAEngine) confirmed(c *dmaChannel, first uint64, chunks []chunk) int {
	p := c.processed.Load()
	f := c.faultSeq.Load()
	faulted := f != 0 && f >= first
	n := 0
	for _, ck := range chunks {
		if ck.seq > p || (faulted && ck.seq >= f) {
			break
		}
		n += ck.n
	}
	return n
}
