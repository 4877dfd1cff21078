package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mediagate/internal/core/domain"
	"mediagate/internal/core/ports"
)

// PrometheusCollector records coordinator activity: live requests, open
// provider sessions, enumerations and request outcomes.
type PrometheusCollector struct {
	requestsActive  *prometheus.GaugeVec
	sessionsOpen    *prometheus.GaugeVec
	devicesKnown    *prometheus.GaugeVec
	enumerations    *prometheus.CounterVec
	requestOutcomes *prometheus.CounterVec
	requestDuration prometheus.Histogram
}

var _ ports.MetricsRecorder = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		requestsActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_requests_active",
			Help: "Number of live device requests by request type",
		}, []string{"request_type"}),

		sessionsOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_sessions_open",
			Help: "Number of open provider sessions by stream type",
		}, []string{"stream_type"}),

		devicesKnown: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mediagate_devices_known",
			Help: "Number of devices in the last enumeration by stream type",
		}, []string{"stream_type"}),

		enumerations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagate_enumerations_total",
			Help: "Total number of device enumerations started",
		}, []string{"stream_type"}),

		requestOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mediagate_request_outcomes_total",
			Help: "Total number of finished device requests by outcome",
		}, []string{"request_type", "outcome"}),

		requestDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediagate_request_duration_seconds",
			Help:    "Lifetime of device requests from submission to removal",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
}

func (p *PrometheusCollector) RequestAdded(requestType domain.RequestType) {
	p.requestsActive.WithLabelValues(requestType.String()).Inc()
}

func (p *PrometheusCollector) RequestFinished(requestType domain.RequestType, outcome string, seconds float64) {
	p.requestsActive.WithLabelValues(requestType.String()).Dec()
	p.requestOutcomes.WithLabelValues(requestType.String(), outcome).Inc()
	p.requestDuration.Observe(seconds)
}

func (p *PrometheusCollector) SessionOpened(streamType domain.MediaStreamType) {
	p.sessionsOpen.WithLabelValues(streamType.String()).Inc()
}

func (p *PrometheusCollector) SessionClosed(streamType domain.MediaStreamType) {
	p.sessionsOpen.WithLabelValues(streamType.String()).Dec()
}

func (p *PrometheusCollector) EnumerationStarted(streamType domain.MediaStreamType) {
	p.enumerations.WithLabelValues(streamType.String()).Inc()
}

func (p *PrometheusCollector) DevicesKnown(streamType domain.MediaStreamType, count int) {
	p.devicesKnown.WithLabelValues(streamType.String()).Set(float64(count))
}
