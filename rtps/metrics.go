package rtps

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rtps"

// participantMetrics holds the counters of a single participant.
type participantMetrics struct {
	packetsSent     prometheus.Counter
	packetsReceived prometheus.Counter
	bytesSent       prometheus.Counter
	bytesReceived   prometheus.Counter
	sendErrors      prometheus.Counter

	samplesWritten  *prometheus.CounterVec
	samplesReceived *prometheus.CounterVec

	participants prometheus.Gauge
	matched      *prometheus.GaugeVec
}

func newParticipantMetrics() *participantMetrics {
	const subsystem = "participant"

	return &participantMetrics{
		packetsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Number of RTPS messages sent",
		}),
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Number of RTPS messages received",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sent_bytes_total",
			Help:      "Number of bytes sent",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "received_bytes_total",
			Help:      "Number of bytes received",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Number of messages the transport failed to send",
		}),
		samplesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_written_total",
			Help:      "Number of samples written by local writers",
		}, []string{"topic"}),
		samplesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_received_total",
			Help:      "Number of samples delivered to local readers",
		}, []string{"topic"}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovered_participants",
			Help:      "Number of remote participants currently known",
		}),
		matched: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "matched_endpoints",
			Help:      "Number of remote endpoints matched with local endpoints",
		}, []string{"topic", "kind"}),
	}
}

func (m *participantMetrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.packetsSent,
		m.packetsReceived,
		m.bytesSent,
		m.bytesReceived,
		m.sendErrors,
		m.samplesWritten,
		m.samplesReceived,
		m.participants,
		m.matched,
	}
}
