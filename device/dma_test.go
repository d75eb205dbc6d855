package device

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softfpga/device/hal"
	"github.com/ardnew/softfpga/pkg"
)

// memUnit is a DMA unit backed by a byte slice. Unless manual is set, a
// worker started by run completes commands in issue order and reports each
// completion through ack.
type memUnit struct {
	mem    []byte
	ack    func(dir hal.Direction, fault bool)
	queue  chan hal.DMACommand
	quit   chan struct{}
	once   sync.Once

	mu     sync.Mutex
	manual bool
	faults map[uint64]bool // to-device sequence numbers that fault
	lens   []int
	closed bool
}

func newMemUnit(size int) *memUnit {
	return &memUnit{
		mem:    make([]byte, size),
		queue:  make(chan hal.DMACommand, 256),
		quit:   make(chan struct{}),
		faults: make(map[uint64]bool),
	}
}

func (u *memUnit) Issue(cmd hal.DMACommand) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return pkg.ErrClosed
	}
	u.lens = append(u.lens, len(cmd.Data))
	manual := u.manual
	u.mu.Unlock()
	if !manual {
		u.queue <- cmd
	}
	return nil
}

func (u *memUnit) Close() error {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	u.once.Do(func() { close(u.quit) })
	return nil
}

func (u *memUnit) run() {
	for {
		select {
		case <-u.quit:
			return
		case cmd := <-u.queue:
			u.mu.Lock()
			fault := cmd.Dir == hal.ToDevice && u.faults[cmd.Seq]
			u.mu.Unlock()
			end := cmd.DevAddr + uint64(len(cmd.Data))
			if end > uint64(len(u.mem)) {
				fault = true
			}
			if !fault {
				if cmd.Dir == hal.ToDevice {
					copy(u.mem[cmd.DevAddr:end], cmd.Data)
				} else {
					copy(cmd.Data, u.mem[cmd.DevAddr:end])
				}
			}
			u.ack(cmd.Dir, fault)
		}
	}
}

func (u *memUnit) chunkLens() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.lens...)
}

func testDMAConfig() DMAConfig {
	return DMAConfig{ChunkSize: 16, Buffers: 2, Alignment: 8}
}

func newTestEngine(t *testing.T, cfg DMAConfig, u *memUnit) *DMAEngine {
	t.Helper()
	e := NewDMAEngine("dma0", u, cfg)
	u.ack = e.Acknowledge
	go u.run()
	t.Cleanup(func() { e.Close() })
	return e
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestDMAEngineChunking(t *testing.T) {
	tests := []struct {
		name   string
		length int
		chunks int
	}{
		{name: "empty", length: 0, chunks: 0},
		{name: "one byte", length: 1, chunks: 1},
		{name: "exact chunk", length: 16, chunks: 1},
		{name: "chunk plus one", length: 17, chunks: 2},
		{name: "many", length: 100, chunks: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newMemUnit(1024)
			e := newTestEngine(t, testDMAConfig(), u)

			n, err := e.CopyTo(context.Background(), 64, pattern(tt.length))
			if err != nil {
				t.Fatalf("CopyTo() error = %v", err)
			}
			if n != tt.length {
				t.Errorf("CopyTo() = %d, want %d", n, tt.length)
			}
			lens := u.chunkLens()
			if len(lens) != tt.chunks {
				t.Errorf("issued %d chunks, want %d", len(lens), tt.chunks)
			}
			sum := 0
			for _, l := range lens {
				sum += l
			}
			if sum != tt.length {
				t.Errorf("chunk lengths sum to %d, want %d", sum, tt.length)
			}
			if got := e.Processed(hal.ToDevice); got != uint64(tt.chunks) {
				t.Errorf("Processed() = %d, want %d", got, tt.chunks)
			}
		})
	}
}

func TestDMAEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	u := newMemUnit(4096)
	e := newTestEngine(t, testDMAConfig(), u)

	want := pattern(333)
	n, err := e.CopyTo(ctx, 128, want)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Equal(t, want, u.mem[128:128+len(want)])

	got := make([]byte, len(want))
	n, err = e.CopyFrom(ctx, 128, got)
	require.NoError(t, err)
	require.Equal(t, len(want), n)
	require.Equal(t, want, got)
}

func TestDMAEngineMisaligned(t *testing.T) {
	u := newMemUnit(1024)
	e := newTestEngine(t, testDMAConfig(), u)

	n, err := e.CopyTo(context.Background(), 3, pattern(40))
	require.ErrorIs(t, err, pkg.ErrMisaligned)
	require.Zero(t, n)

	n, err = e.CopyFrom(context.Background(), 12, make([]byte, 40))
	require.ErrorIs(t, err, pkg.ErrMisaligned)
	require.Zero(t, n)

	require.Empty(t, u.chunkLens(), "misaligned copy issued chunks")
}

func TestDMAEngineFault(t *testing.T) {
	ctx := context.Background()
	u := newMemUnit(1024)
	u.faults[3] = true
	e := newTestEngine(t, testDMAConfig(), u)

	data := pattern(80) // five chunks
	n, err := e.CopyTo(ctx, 0, data)
	require.ErrorIs(t, err, pkg.ErrHardwareFault)
	require.Equal(t, 32, n, "bytes confirmed before the faulted chunk")
	require.Equal(t, data[:32], u.mem[:32])

	// The engine and device remain usable.
	n, err = e.CopyTo(ctx, 512, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func TestDMAEngineFinalChunkFault(t *testing.T) {
	ctx := context.Background()
	u := newMemUnit(1024)
	const rounds = 64
	for i := range uint64(rounds) {
		u.faults[3*i+3] = true // last of each three-chunk copy
	}
	e := newTestEngine(t, testDMAConfig(), u)

	data := pattern(48)
	for i := range rounds {
		n, err := e.CopyTo(ctx, 0, data)
		require.ErrorIs(t, err, pkg.ErrHardwareFault, "round %d", i)
		require.Equal(t, 32, n, "round %d", i)
	}
	require.Equal(t, uint64(3*rounds), e.Processed(hal.ToDevice))
}

func TestDMAEngineFromDeviceFault(t *testing.T) {
	u := newMemUnit(64)
	e := newTestEngine(t, testDMAConfig(), u)
	copy(u.mem, pattern(64))

	// The third chunk runs past device memory and faults.
	got := make([]byte, 48)
	n, err := e.CopyFrom(context.Background(), 24, got)
	require.ErrorIs(t, err, pkg.ErrHardwareFault)
	require.Equal(t, 32, n)
	require.Equal(t, u.mem[24:56], got[:32])
}

func TestDMAEngineInterrupted(t *testing.T) {
	u := newMemUnit(1024)
	u.manual = true
	e := newTestEngine(t, testDMAConfig(), u)

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := e.CopyTo(ctx, 0, pattern(64)) // four chunks, two buffers
		done <- result{n, err}
	}()

	require.Eventually(t, func() bool { return e.Issued(hal.ToDevice) == 2 }, time.Second, time.Millisecond)
	e.Acknowledge(hal.ToDevice, false)
	require.Eventually(t, func() bool { return e.Issued(hal.ToDevice) == 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case r := <-done:
		require.ErrorIs(t, r.err, pkg.ErrInterrupted)
		require.Equal(t, 16, r.n)
	case <-time.After(2 * time.Second):
		t.Fatal("CopyTo() still blocked after cancel")
	}
	require.Equal(t, uint64(3), e.Issued(hal.ToDevice), "chunks issued after cancel")

	// Late completions of the abandoned chunks are still counted.
	e.Acknowledge(hal.ToDevice, false)
	e.Acknowledge(hal.ToDevice, true)
	require.Equal(t, uint64(3), e.Processed(hal.ToDevice))

	// A stale fault does not fail the next transfer.
	u.mu.Lock()
	u.manual = false
	u.mu.Unlock()
	n, err := e.CopyTo(context.Background(), 256, pattern(40))
	require.NoError(t, err)
	require.Equal(t, 40, n)
}

func TestDMAEngineSpuriousAcknowledge(t *testing.T) {
	u := newMemUnit(64)
	e := newTestEngine(t, testDMAConfig(), u)

	e.Acknowledge(hal.FromDevice, false)
	e.Acknowledge(hal.ToDevice, true)
	require.Zero(t, e.Processed(hal.FromDevice))
	require.Zero(t, e.Processed(hal.ToDevice))
	e.Acknowledge(hal.Direction(7), false)
}

func TestDMAEngineConcurrentDirections(t *testing.T) {
	ctx := context.Background()
	u := newMemUnit(8192)
	e := newTestEngine(t, testDMAConfig(), u)
	src := pattern(1000)
	copy(u.mem[4096:], src)

	out := pattern(900)
	in := make([]byte, len(src))
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			_, err := e.CopyTo(ctx, 0, out)
			return err
		})
		g.Go(func() error {
			_, err := e.CopyFrom(ctx, 4096, in)
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.True(t, bytes.Equal(out, u.mem[:len(out)]))
	require.True(t, bytes.Equal(src, in))
}

func TestDMAEngineClose(t *testing.T) {
	u := newMemUnit(1024)
	u.manual = true
	e := newTestEngine(t, testDMAConfig(), u)

	done := make(chan error, 1)
	go func() {
		_, err := e.CopyFrom(context.Background(), 0, make([]byte, 64))
		done <- err
	}()
	require.Eventually(t, func() bool { return e.Issued(hal.FromDevice) == 2 }, time.Second, time.Millisecond)
	require.NoError(t, e.Close())
	require.ErrorIs(t, requireDone(t, done), pkg.ErrClosed)

	_, err := e.CopyTo(context.Background(), 0, pattern(8))
	require.ErrorIs(t, err, pkg.ErrClosed)
}
