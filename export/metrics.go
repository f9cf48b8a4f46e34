package export

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors of the export subsystem.
type Metrics struct {
	BuffersPushed    prometheus.Counter
	BytesPushed      prometheus.Counter
	BuffersDiscarded prometheus.Counter
	Acks             prometheus.Counter
	AcksDiscarded    prometheus.Counter
	AcksRejected     prometheus.Counter
	AcksForwarded    prometheus.Counter
	SourcesDrained   prometheus.Counter
	Generations      prometheus.Gauge
	AckableMailboxes *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BuffersPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "buffers_pushed_total",
			Help: "Export buffers routed to a data source.",
		}),
		BytesPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "bytes_pushed_total",
			Help: "Bytes of export buffers routed to a data source.",
		}),
		BuffersDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "buffers_discarded_total",
			Help: "Export buffers for an unknown partition or table.",
		}),
		Acks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "acks_total",
			Help: "Acks applied to a data source.",
		}),
		AcksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "acks_discarded_total",
			Help: "Acks for an unknown partition or table.",
		}),
		AcksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "acks_rejected_total",
			Help: "Messages delivered to an ack mailbox that were not valid acks.",
		}),
		AcksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "acks_forwarded_total",
			Help: "Acks sent to peer ack mailboxes.",
		}),
		SourcesDrained: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nexusexport", Name: "sources_drained_total",
			Help: "Data sources that drained.",
		}),
		Generations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nexusexport", Name: "generations",
			Help: "Generations currently open.",
		}),
		AckableMailboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "nexusexport", Name: "ackable_mailboxes",
			Help: "Peer mailboxes allowed to ack a partition.",
		}, []string{"epoch", "partition"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BuffersPushed, m.BytesPushed, m.BuffersDiscarded,
			m.Acks, m.AcksDiscarded, m.AcksRejected, m.AcksForwarded,
			m.SourcesDrained, m.Generations, m.AckableMailboxes,
		)
	}
	return m
}
