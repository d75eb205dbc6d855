package device

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ardnew/softfpga/device/hal"
)

func TestNewMetricsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("second NewMetrics() on the same registry error = nil")
	}
	if _, err := NewMetrics(nil); err != nil {
		t.Errorf("NewMetrics(nil) error = %v", err)
	}
}

func TestNilMetrics(t *testing.T) {
	var d *deviceMetrics
	d.interrupt(hal.SourcePE)
	d.notified(1)
	d.consumed(0)
	d.ringOverflow()
	d.dmaIssued(0, hal.ToDevice)
	d.dmaDone(0, hal.ToDevice, 10)
	d.dmaFault(0, hal.FromDevice)
	d.setHolders([numAccessModes]int{1, 0, 0})

	var m *Metrics
	if m.forDevice("fake0") != nil {
		t.Error("nil Metrics produced device metrics")
	}
}

func TestDeviceMetrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatal(err)
	}
	b := newFakeBackend("fake0")
	bus, err := NewBus(ctx, testConfig(), m, fakeDriver{backends: []hal.Backend{b}})
	if err != nil {
		t.Fatal(err)
	}
	defer bus.Close()
	dev, _ := bus.Device(0)

	inst, err := dev.Acquire(ctx, Exclusive)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.Acquire(ctx, Monitor); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.holders.WithLabelValues("fake0", "exclusive")); got != 1 {
		t.Errorf("exclusive holders = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.holders.WithLabelValues("fake0", "monitor")); got != 1 {
		t.Errorf("monitor holders = %v, want 1", got)
	}

	b.raise(4)
	if _, err := inst.ReadNotification(ctx); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.interrupts.WithLabelValues("fake0", "pe")); got != 1 {
		t.Errorf("pe interrupts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.notifications.WithLabelValues("fake0")); got != 1 {
		t.Errorf("notifications = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.outstanding.WithLabelValues("fake0")); got != 0 {
		t.Errorf("outstanding = %v, want 0", got)
	}

	// 200 bytes in 64-byte chunks.
	if _, err := inst.CopyTo(ctx, 0, 0, pattern(200)); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.dmaChunks.WithLabelValues("fake0", "0", "to-device")); got != 4 {
		t.Errorf("dma chunks = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.dmaBytes.WithLabelValues("fake0", "0", "to-device")); got != 200 {
		t.Errorf("dma bytes = %v, want 200", got)
	}
	if got := testutil.ToFloat64(m.interrupts.WithLabelValues("fake0", "dma")); got != 4 {
		t.Errorf("dma interrupts = %v, want 4", got)
	}

	if err := dev.Release(Monitor); err != nil {
		t.Fatal(err)
	}
	if err := dev.Release(Exclusive); err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(m.holders.WithLabelValues("fake0", "exclusive")); got != 0 {
		t.Errorf("exclusive holders after release = %v, want 0", got)
	}
}
