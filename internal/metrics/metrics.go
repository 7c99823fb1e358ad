// Registers:
//
//	#krakenclient_reinitializations_total
//	#krakenclient_checksum_failures_total{pair}
//	#krakenclient_frames_total{channel}
//	#krakenclient_unknown_events_total{channel}
//	#krakenclient_pending_actions{kind}
//	#krakenclient_action_timeouts_total{kind}
//	#go_* and process_* system metrics
//
// The local server exposes them on /metrics with the Prometheus HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once              sync.Once
	reinitializations prometheus.Counter
	checksumFailures  *prometheus.CounterVec
	frames            *prometheus.CounterVec
	unknownEvents     *prometheus.CounterVec
	pendingActions    *prometheus.GaugeVec
	actionTimeouts    *prometheus.CounterVec
)

func Init() {
	once.Do(func() {
		reinitializations = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "krakenclient_reinitializations_total",
			Help: "Number of full session reinitializations triggered by the watchdog",
		})
		checksumFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krakenclient_checksum_failures_total",
				Help: "Number of order book checksum mismatches",
			},
			[]string{"pair"},
		)
		frames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krakenclient_frames_total",
				Help: "Number of inbound websocket frames",
			},
			[]string{"channel"},
		)
		unknownEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krakenclient_unknown_events_total",
				Help: "Number of dropped frames with an unknown or malformed event",
			},
			[]string{"channel"},
		)
		pendingActions = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "krakenclient_pending_actions",
				Help: "Number of requests waiting for an acknowledgement",
			},
			[]string{"kind"},
		)
		actionTimeouts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "krakenclient_action_timeouts_total",
				Help: "Number of requests that timed out waiting for an acknowledgement",
			},
			[]string{"kind"},
		)

		_ = prometheus.Register(reinitializations)
		_ = prometheus.Register(checksumFailures)
		_ = prometheus.Register(frames)
		_ = prometheus.Register(unknownEvents)
		_ = prometheus.Register(pendingActions)
		_ = prometheus.Register(actionTimeouts)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncReinitialization counts one watchdog reinitialization.
func IncReinitialization() {
	if reinitializations != nil {
		reinitializations.Inc()
	}
}

// IncChecksumFailure counts a checksum mismatch for pair.
func IncChecksumFailure(pair string) {
	if checksumFailures != nil {
		checksumFailures.WithLabelValues(pair).Inc()
	}
}

// IncFrame counts an inbound frame on channel.
func IncFrame(channel string) {
	if frames != nil {
		frames.WithLabelValues(channel).Inc()
	}
}

// IncUnknownEvent counts a dropped frame on channel.
func IncUnknownEvent(channel string) {
	if unknownEvents != nil {
		unknownEvents.WithLabelValues(channel).Inc()
	}
}

// AddPending moves the pending gauge of kind by delta.
func AddPending(kind string, delta float64) {
	if pendingActions != nil {
		pendingActions.WithLabelValues(kind).Add(delta)
	}
}

// IncTimeout counts a timed out request of kind.
func IncTimeout(kind string) {
	if actionTimeouts != nil {
		actionTimeouts.WithLabelValues(kind).Inc()
	}
}
