package host

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/reglet-dev/aici-sdk/go/session"
)

// Metrics holds the Prometheus collectors of a Runtime. A nil *Metrics
// records nothing.
type Metrics struct {
	sessionsStarted prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	guestCalls      *prometheus.HistogramVec
	guestErrors     *prometheus.CounterVec
	hostCalls       *prometheus.CounterVec
	biasReads       prometheus.Counter
	liveSessions    prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aici",
			Name:      "sessions_started_total",
			Help:      "Sessions created.",
		}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aici",
			Name:      "sessions_closed_total",
			Help:      "Sessions closed, by reason.",
		}, []string{"reason"}),
		guestCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aici",
			Name:      "guest_call_duration_seconds",
			Help:      "Duration of calls into guest modules.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"op"}),
		guestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aici",
			Name:      "guest_errors_total",
			Help:      "Failed calls into guest modules.",
		}, []string{"op"}),
		hostCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aici",
			Name:      "host_calls_total",
			Help:      "Host functions invoked by guests.",
		}, []string{"function"}),
		biasReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aici",
			Name:      "bias_reads_total",
			Help:      "Logit bias buffers read back from guests.",
		}),
		liveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aici",
			Name:      "sessions_live",
			Help:      "Sessions currently open.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.sessionsStarted, m.sessionsClosed, m.guestCalls, m.guestErrors, m.hostCalls, m.biasReads, m.liveSessions,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.liveSessions.Inc()
}

func (m *Metrics) sessionClosed(reason CloseReason) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason.String()).Inc()
	m.liveSessions.Dec()
}

func (m *Metrics) hostCall(name string, _ time.Duration) {
	if m == nil {
		return
	}
	m.hostCalls.WithLabelValues(name).Inc()
}

// observe records guest call durations and bias reads from session events.
func (m *Metrics) observe(e session.Event) {
	if m == nil || e.Phase != session.PhaseReturn {
		return
	}
	if e.Op == session.OpReadBias {
		m.biasReads.Inc()
		return
	}
	m.guestCalls.WithLabelValues(e.Op.String()).Observe(e.Duration.Seconds())
	if e.Err != nil {
		m.guestErrors.WithLabelValues(e.Op.String()).Inc()
	}
}
