package packets

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Some Metrics to start with
// Since a path has always exactly one transport, these are also
// transport metrics. Counters only count payload bytes, headers are
// accounted in the frame counters of Metrics.
type PathMetrics struct {
	ReadBytes        int64
	LastReadBytes    int64
	ReadPackets      int64
	WrittenBytes     int64
	LastWrittenBytes int64
	WrittenPackets   int64
	ReadBandwidth    []int64
	WrittenBandwidth []int64
	UpdateInterval   time.Duration
	CreatedAt        time.Time
	JoinedAt         time.Time
}

// Only the most recent samples are kept
const maxBandwidthSamples = 64

func NewPathMetrics(updateInterval time.Duration, now time.Time) *PathMetrics {
	return &PathMetrics{
		UpdateInterval:   updateInterval,
		CreatedAt:        now,
		ReadBandwidth:    make([]int64, 0),
		WrittenBandwidth: make([]int64, 0),
	}
}

func (m *PathMetrics) AverageReadBandwidth() int64 {
	return average(m.ReadBandwidth)
}

func (m *PathMetrics) AverageWriteBandwidth() int64 {
	return average(m.WrittenBandwidth)
}

func average(samples []int64) int64 {
	if len(samples) == 0 {
		return 0
	}
	var val int64
	for _, item := range samples {
		val += item
	}
	return val / int64(len(samples))
}

// Tick samples bytes/s since the last tick
func (m *PathMetrics) Tick() {
	if m.UpdateInterval <= 0 {
		m.UpdateInterval = 1000 * time.Millisecond
	}

	readBw := int64(float64(m.ReadBytes-m.LastReadBytes) / m.UpdateInterval.Seconds())
	writeBw := int64(float64(m.WrittenBytes-m.LastWrittenBytes) / m.UpdateInterval.Seconds())
	m.ReadBandwidth = appendSample(m.ReadBandwidth, readBw)
	m.WrittenBandwidth = appendSample(m.WrittenBandwidth, writeBw)
	m.LastReadBytes = m.ReadBytes
	m.LastWrittenBytes = m.WrittenBytes
}

func appendSample(samples []int64, v int64) []int64 {
	samples = append(samples, v)
	if len(samples) > maxBandwidthSamples {
		samples = samples[len(samples)-maxBandwidthSamples:]
	}
	return samples
}

// Metrics exports protocol wide counters to prometheus. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	bytes       *prometheus.CounterVec
	frames      *prometheus.CounterVec
	joins       *prometheus.CounterVec
	paths       prometheus.Gauge
	connections prometheus.Gauge
}

// NewMetrics registers the collectors with reg. With a nil registerer the
// collectors are created but not registered anywhere.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdtp",
			Name:      "path_payload_bytes_total",
			Help:      "Payload bytes moved over bonded paths.",
		}, []string{"direction"}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdtp",
			Name:      "path_frames_total",
			Help:      "Frames moved over paths, including control frames.",
		}, []string{"direction", "kind"}),
		joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mdtp",
			Name:      "path_bonding_total",
			Help:      "Outcome of path bonding attempts.",
		}, []string{"result"}),
		paths: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mdtp",
			Name:      "connected_paths",
			Help:      "Paths currently in connected state.",
		}),
		connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mdtp",
			Name:      "connections",
			Help:      "Connections currently open.",
		}),
	}
}

func (m *Metrics) DataWritten(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("tx").Add(float64(n))
	m.frames.WithLabelValues("tx", "data").Inc()
}

func (m *Metrics) DataRead(n int) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("rx").Add(float64(n))
	m.frames.WithLabelValues("rx", "data").Inc()
}

func (m *Metrics) ControlWritten() {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("tx", "control").Inc()
}

func (m *Metrics) ControlRead() {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("rx", "control").Inc()
}

// Bonded records the outcome of a bonding handshake on one path
func (m *Metrics) Bonded(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.joins.WithLabelValues("connected").Inc()
		m.paths.Inc()
		return
	}
	m.joins.WithLabelValues("failed").Inc()
}

// PathDown is called once for a path leaving the connected state
func (m *Metrics) PathDown() {
	if m == nil {
		return
	}
	m.paths.Dec()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
