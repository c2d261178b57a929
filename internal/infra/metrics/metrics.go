package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "voicehome_"

const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
)

var (
	registerOnce sync.Once

	commandsTotal *prometheus.CounterVec

	transcriptionsTotal  *prometheus.CounterVec
	transcriptionLatency *prometheus.HistogramVec

	transitionsTotal *prometheus.CounterVec
	actuatorTotal    *prometheus.CounterVec

	uplinkConnected prometheus.Gauge
	uplinkAttempts  prometheus.Counter
	telemetryTotal  *prometheus.CounterVec

	observers prometheus.Gauge
)

// Init registers the process metrics. Helpers are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		commandsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Voice commands handled by outcome status",
			},
			[]string{"status"},
		)
		transcriptionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "transcriptions_total",
				Help: "Transcription requests by result",
			},
			[]string{"result"},
		)
		transcriptionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "transcription_latency_seconds",
				Help:    "Transcription round trip latency in seconds",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"result"},
		)
		transitionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "device_transitions_total",
				Help: "Committed device state transitions by action",
			},
			[]string{"action"},
		)
		actuatorTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "actuator_commands_total",
				Help: "Control commands forwarded to the actuator network by transport and result",
			},
			[]string{"transport", "result"},
		)
		uplinkConnected = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "uplink_connected",
				Help: "1 while the telemetry uplink is connected",
			},
		)
		uplinkAttempts = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "uplink_reconnect_attempts_total",
				Help: "Scheduled telemetry uplink reconnect attempts",
			},
		)
		telemetryTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "telemetry_updates_total",
				Help: "Telemetry cache updates by kind",
			},
			[]string{"kind"},
		)
		observers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "observers",
				Help: "Connected realtime observers",
			},
		)

		prometheus.MustRegister(
			commandsTotal,
			transcriptionsTotal,
			transcriptionLatency,
			transitionsTotal,
			actuatorTotal,
			uplinkConnected,
			uplinkAttempts,
			telemetryTotal,
			observers,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveCommand(status string) {
	if commandsTotal != nil {
		commandsTotal.WithLabelValues(status).Inc()
	}
}

func ObserveTranscription(result string, duration time.Duration) {
	if transcriptionsTotal != nil {
		transcriptionsTotal.WithLabelValues(result).Inc()
	}
	if transcriptionLatency != nil {
		transcriptionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

func ObserveTransition(action string) {
	if transitionsTotal != nil {
		transitionsTotal.WithLabelValues(action).Inc()
	}
}

func ObserveActuator(transport string, err error) {
	if actuatorTotal == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	actuatorTotal.WithLabelValues(transport, result).Inc()
}

func SetUplinkConnected(connected bool) {
	if uplinkConnected == nil {
		return
	}
	if connected {
		uplinkConnected.Set(1)
		return
	}
	uplinkConnected.Set(0)
}

func ObserveReconnectAttempt() {
	if uplinkAttempts != nil {
		uplinkAttempts.Inc()
	}
}

func ObserveTelemetry(kind string) {
	if telemetryTotal != nil {
		telemetryTotal.WithLabelValues(kind).Inc()
	}
}

func SetObservers(n int) {
	if observers != nil {
		observers.Set(float64(n))
	}
}
