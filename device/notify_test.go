package device

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softfpga/pkg"
)

func intPtr(n int) *int { return &n }

func newTestChannel(t *testing.T, capacity int) *NotificationChannel {
	t.Helper()
	c, err := NewNotificationChannel(NotifyConfig{Capacity: capacity})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// settle is how long a goroutine is given to make progress it should not make.
const settle = 50 * time.Millisecond

func requireBlocked(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		t.Fatalf("call returned (err = %v), want blocked", err)
	case <-time.After(settle):
	}
}

func requireDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked")
		return nil
	}
}

func TestNotificationChannelFIFO(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 8)

	for _, id := range []uint32{0xa, 0xb, 0xc} {
		require.NoError(t, c.Signal(ctx, id))
	}
	var got []uint32
	for range 3 {
		id, err := c.Read(ctx)
		require.NoError(t, err)
		got = append(got, id)
	}
	if diff := cmp.Diff([]uint32{0xa, 0xb, 0xc}, got); diff != "" {
		t.Errorf("Read() order mismatch (-want +got):\n%s", diff)
	}
	if s := c.State(); s.Outstanding != 0 || s.ReadIdx != s.WriteIdx {
		t.Errorf("State() = %+v, want drained", s)
	}
}

func TestNotificationChannelBackpressure(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 8)

	for i := range 6 {
		require.NoError(t, c.Signal(ctx, uint32(i)))
	}

	// 6 outstanding is not above the high-water mark of 6.
	seventh := make(chan error, 1)
	go func() { seventh <- c.Signal(ctx, 6) }()
	require.NoError(t, requireDone(t, seventh))
	require.Equal(t, 7, c.State().Outstanding)

	eighth := make(chan error, 1)
	go func() { eighth <- c.Signal(ctx, 7) }()
	requireBlocked(t, eighth)

	// Two reads leave 5 outstanding, still above the low-water mark of 4.
	for want := range uint32(2) {
		id, err := c.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	requireBlocked(t, eighth)

	id, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), id)
	require.NoError(t, requireDone(t, eighth))
	require.Equal(t, 5, c.State().Outstanding)

	for want := uint32(3); want < 8; want++ {
		id, err := c.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
}

func TestNotificationChannelReadCancel(t *testing.T) {
	c := newTestChannel(t, 4)
	require.NoError(t, c.Signal(context.Background(), 1))
	_, err := c.Read(context.Background())
	require.NoError(t, err)
	before := c.State()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx)
		done <- err
	}()
	requireBlocked(t, done)
	cancel()

	err = requireDone(t, done)
	require.ErrorIs(t, err, pkg.ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	if diff := cmp.Diff(before, c.State()); diff != "" {
		t.Errorf("State() changed by interrupted Read (-before +after):\n%s", diff)
	}
}

func TestNotificationChannelSignalCancel(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 4) // high 2, low 2
	for i := range 3 {
		require.NoError(t, c.Signal(ctx, uint32(i)))
	}
	before := c.State()

	sctx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	err := c.Signal(sctx, 99)
	require.ErrorIs(t, err, pkg.ErrInterrupted)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	if diff := cmp.Diff(before, c.State()); diff != "" {
		t.Errorf("State() changed by interrupted Signal (-before +after):\n%s", diff)
	}

	for want := range uint32(3) {
		id, err := c.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	_, ok := c.TryRead()
	require.False(t, ok, "interrupted Signal pushed an id")
}

// Small rings are where the default thresholds coincide or invert.
func TestNotificationChannelSmallCapacities(t *testing.T) {
	const n = 200
	for _, capacity := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("capacity %d", capacity), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c := newTestChannel(t, capacity)

			produced := make(chan error, 1)
			go func() {
				for i := range uint32(n) {
					if err := c.Signal(ctx, i); err != nil {
						produced <- err
						return
					}
					if s := c.State(); s.Outstanding > capacity {
						produced <- errors.New("outstanding above capacity")
						return
					}
				}
				produced <- nil
			}()

			for want := range uint32(n) {
				id, err := c.Read(ctx)
				require.NoError(t, err, "capacity %d", capacity)
				require.Equal(t, want, id, "capacity %d", capacity)
			}
			require.NoError(t, <-produced, "capacity %d", capacity)
			require.Zero(t, c.overflow.Suppressed())
		})
	}
}

func TestNotificationChannelThresholds(t *testing.T) {
	tests := []struct {
		name      string
		cfg       NotifyConfig
		high, low int
		wantErr   bool
	}{
		{name: "defaults", cfg: NotifyConfig{Capacity: 8}, high: 6, low: 4},
		{name: "capacity 1", cfg: NotifyConfig{Capacity: 1}, high: -1, low: 0},
		{name: "capacity 2", cfg: NotifyConfig{Capacity: 2}, high: 0, low: 1},
		{name: "capacity 3", cfg: NotifyConfig{Capacity: 3}, high: 1, low: 1},
		{name: "explicit", cfg: NotifyConfig{Capacity: 16, HighWater: intPtr(12), LowWater: intPtr(2)}, high: 12, low: 2},
		{name: "zero capacity", cfg: NotifyConfig{}, wantErr: true},
		{name: "high at capacity", cfg: NotifyConfig{Capacity: 4, HighWater: intPtr(4)}, wantErr: true},
		{name: "negative low", cfg: NotifyConfig{Capacity: 4, LowWater: intPtr(-1)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewNotificationChannel(tt.cfg)
			if tt.wantErr {
				require.ErrorIs(t, err, pkg.ErrInvalidParameter)
				return
			}
			require.NoError(t, err)
			high, low := c.Thresholds()
			require.Equal(t, tt.high, high)
			require.Equal(t, tt.low, low)
		})
	}
}

func TestNotificationChannelOverflowDropsOldest(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 4)
	c.highWater = len(c.ring) // disable throttling to force the loss path

	for i := range uint32(6) {
		require.NoError(t, c.Signal(ctx, i))
	}
	require.Equal(t, 4, c.State().Outstanding)

	var got []uint32
	for {
		id, ok := c.TryRead()
		if !ok {
			break
		}
		got = append(got, id)
	}
	if diff := cmp.Diff([]uint32{2, 3, 4, 5}, got); diff != "" {
		t.Errorf("ids after overflow mismatch (-want +got):\n%s", diff)
	}
}

func TestNotificationChannelClose(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 4)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx)
		done <- err
	}()
	requireBlocked(t, done)

	require.NoError(t, c.Close())
	require.ErrorIs(t, requireDone(t, done), pkg.ErrClosed)
	require.ErrorIs(t, c.Signal(ctx, 1), pkg.ErrClosed)
	require.NoError(t, c.Close())
}

func TestNotificationChannelDrainAfterClose(t *testing.T) {
	ctx := context.Background()
	c := newTestChannel(t, 4)
	require.NoError(t, c.Signal(ctx, 7))
	require.NoError(t, c.Close())

	id, err := c.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(7), id)
	_, err = c.Read(ctx)
	require.ErrorIs(t, err, pkg.ErrClosed)
}
