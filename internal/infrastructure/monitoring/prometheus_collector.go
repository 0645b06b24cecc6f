package monitoring

import (
	"net/http"
	"time"

	"meetclient/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector records client-side meeting metrics on its own registry.
type PrometheusCollector struct {
	registry *prometheus.Registry

	meetingsEntered    prometheus.Counter
	meetingsFailed     *prometheus.CounterVec
	enterDuration      prometheus.Histogram
	eventsReceived     *prometheus.CounterVec
	activeParticipants prometheus.Gauge

	channelReconnects prometheus.Counter
	framesDropped     *prometheus.CounterVec
	sendsDropped      *prometheus.CounterVec

	apiLatency *prometheus.HistogramVec
}

func NewPrometheusCollector() *PrometheusCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &PrometheusCollector{
		registry: reg,

		meetingsEntered: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetclient_meetings_entered_total",
			Help: "Meetings that reached the joined state",
		}),

		meetingsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetclient_meetings_failed_total",
			Help: "Meeting attempts that failed, by stage",
		}, []string{"stage"}),

		enterDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meetclient_meeting_enter_duration_seconds",
			Help:    "Time from enter request to joined",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),

		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetclient_realtime_events_received_total",
			Help: "Realtime events dispatched, by type",
		}, []string{"type"}),

		activeParticipants: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meetclient_active_participants",
			Help: "Participants currently believed present in the meeting",
		}),

		channelReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "meetclient_channel_reconnects_total",
			Help: "Realtime channel reconnect attempts",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetclient_channel_frames_dropped_total",
			Help: "Inbound frames dropped, by reason",
		}, []string{"reason"}),

		sendsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meetclient_channel_sends_dropped_total",
			Help: "Outbound events dropped, by reason",
		}, []string{"reason"}),

		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meetclient_api_request_duration_seconds",
			Help:    "Backend request latency by route and outcome",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"route", "outcome"}),
	}
}

func (p *PrometheusCollector) RecordMeetingEntered(d time.Duration) {
	p.meetingsEntered.Inc()
	p.enterDuration.Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordMeetingFailed(stage string) {
	p.meetingsFailed.WithLabelValues(stage).Inc()
}

func (p *PrometheusCollector) RecordEventReceived(eventType domain.EventType) {
	p.eventsReceived.WithLabelValues(string(eventType)).Inc()
}

func (p *PrometheusCollector) SetActiveParticipants(n int) {
	p.activeParticipants.Set(float64(n))
}

func (p *PrometheusCollector) RecordReconnect() {
	p.channelReconnects.Inc()
}

func (p *PrometheusCollector) RecordFrameDropped(reason string) {
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordSendDropped(reason string) {
	p.sendsDropped.WithLabelValues(reason).Inc()
}

// ObserveAPICall records one backend request. outcome is "ok" or an error code.
func (p *PrometheusCollector) ObserveAPICall(route, outcome string, d time.Duration) {
	p.apiLatency.WithLabelValues(route, outcome).Observe(d.Seconds())
}

func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collector's registry in the Prometheus text format.
func (p *PrometheusCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
