package device

import (
	"strconv"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softfpga/device/hal"
)

const metricsNamespace = "softfpga"

// Metrics holds the prometheus collectors shared by all devices on a bus.
// A nil *Metrics disables collection.
type Metrics struct {
	interrupts    *prometheus.CounterVec
	notifications *prometheus.CounterVec
	outstanding   *prometheus.GaugeVec
	overflows     *prometheus.CounterVec
	dmaBytes      *prometheus.CounterVec
	dmaChunks     *prometheus.CounterVec
	dmaFaults     *prometheus.CounterVec
	holders       *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		interrupts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "interrupts_total",
			Help:      "Interrupts delivered, by decoded source kind.",
		}, []string{"device", "kind"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_total",
			Help:      "Completion ids pushed into the notification ring.",
		}, []string{"device"}),
		outstanding: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_outstanding",
			Help:      "Completion ids waiting to be read.",
		}, []string{"device"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notification_overflows_total",
			Help:      "Completion ids lost to ring overflow.",
		}, []string{"device"}),
		dmaBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dma_bytes_total",
			Help:      "Bytes confirmed by DMA completion counters.",
		}, []string{"device", "engine", "direction"}),
		dmaChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dma_chunks_total",
			Help:      "DMA chunks issued to the device.",
		}, []string{"device", "engine", "direction"}),
		dmaFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dma_faults_total",
			Help:      "DMA chunks completed with device error flags.",
		}, []string{"device", "engine", "direction"}),
		holders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "device_holders",
			Help:      "Current device holders by access mode.",
		}, []string{"device", "mode"}),
	}

	if reg == nil {
		return m, nil
	}
	var result *multierror.Error
	for _, c := range []prometheus.Collector{
		m.interrupts, m.notifications, m.outstanding, m.overflows,
		m.dmaBytes, m.dmaChunks, m.dmaFaults, m.holders,
	} {
		if err := reg.Register(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return m, result.ErrorOrNil()
}

func (m *Metrics) forDevice(name string) *deviceMetrics {
	if m == nil {
		return nil
	}
	return &deviceMetrics{m: m, device: name}
}

// deviceMetrics binds Metrics to one device label. All methods accept a nil
// receiver.
type deviceMetrics struct {
	m      *Metrics
	device string
}

func (d *deviceMetrics) interrupt(kind hal.SourceKind) {
	if d == nil {
		return
	}
	d.m.interrupts.WithLabelValues(d.device, kind.String()).Inc()
}

func (d *deviceMetrics) notified(outstanding int) {
	if d == nil {
		return
	}
	d.m.notifications.WithLabelValues(d.device).Inc()
	d.m.outstanding.WithLabelValues(d.device).Set(float64(outstanding))
}

func (d *deviceMetrics) consumed(outstanding int) {
	if d == nil {
		return
	}
	d.m.outstanding.WithLabelValues(d.device).Set(float64(outstanding))
}

func (d *deviceMetrics) ringOverflow() {
	if d == nil {
		return
	}
	d.m.overflows.WithLabelValues(d.device).Inc()
}

func (d *deviceMetrics) dmaIssued(engine int, dir hal.Direction) {
	if d == nil {
		return
	}
	d.m.dmaChunks.WithLabelValues(d.device, strconv.Itoa(engine), dir.String()).Inc()
}

func (d *deviceMetrics) dmaDone(engine int, dir hal.Direction, n int) {
	if d == nil || n == 0 {
		return
	}
	d.m.dmaBytes.WithLabelValues(d.device, strconv.Itoa(engine), dir.String()).Add(float64(n))
}

func (d *deviceMetrics) dmaFault(engine int, dir hal.Direction) {
	if d == nil {
		return
	}
	d.m.dmaFaults.WithLabelValues(d.device, strconv.Itoa(engine), dir.String()).Inc()
}

func (d *deviceMetrics) setHolders(refs [numAccessModes]int) {
	if d == nil {
		return
	}
	for mode, n := range refs {
		d.m.holders.WithLabelValues(d.device, AccessMode(mode).String()).Set(float64(n))
	}
}
