// Package metrics exposes prometheus counters and histograms for the
// milter core: sessions, protocol errors, commands processed, and verdict
// actions applied. Registration happens once at package init, matching
// the package-level prometheus.New*Vec + MustRegister pattern used
// throughout the mail-scanning stack this core is grounded on.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SessionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "session",
		Name:      "accepted_total",
		Help:      "Milter connections accepted.",
	})

	SessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "session",
		Name:      "finished_total",
		Help:      "Milter connections that finished, labeled by reason.",
	}, []string{"reason"})

	ProtocolErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "session",
		Name:      "protocol_errors_total",
		Help:      "Sessions terminated by a protocol error.",
	})

	CommandsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "command",
		Name:      "processed_total",
		Help:      "Milter commands processed, labeled by command byte.",
	}, []string{"command"})

	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "io",
		Name:      "bytes_read_total",
		Help:      "Bytes read from MTA connections.",
	})

	BytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "io",
		Name:      "bytes_written_total",
		Help:      "Bytes written to MTA connections.",
	})

	VerdictActionsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "milterd",
		Subsystem: "verdict",
		Name:      "actions_applied_total",
		Help:      "Verdict actions applied, labeled by scanner action name.",
	}, []string{"action"})

	ScanRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "milterd",
		Subsystem: "scan",
		Name:      "request_duration_seconds",
		Help:      "Time spent waiting for the scanner's HTTP response.",
		Buckets:   prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		SessionsAccepted,
		SessionsFinished,
		ProtocolErrors,
		CommandsProcessed,
		BytesRead,
		BytesWritten,
		VerdictActionsApplied,
		ScanRequestDuration,
	)
}
