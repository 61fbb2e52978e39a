package monitor

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus series kept by the monitor.
type Metrics struct {
	Readings    prometheus.Counter
	Timeouts    prometheus.Counter
	Faults      *prometheus.CounterVec
	Reconnects  prometheus.Counter
	Alerts      prometheus.Counter
	Connected   prometheus.Gauge
	Temperature prometheus.Gauge
	Humidity    prometheus.Gauge
	Threshold   prometheus.Gauge
	Overheated  prometheus.Gauge
}

// NewMetrics creates the series and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "readings_total",
			Help: "Successful sensor reads.",
		}),
		Timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envmon", Subsystem: "device", Name: "timeouts_total",
			Help: "Commands the device did not answer in time.",
		}),
		Faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "envmon", Subsystem: "device", Name: "faults_total",
			Help: "Serial link faults by kind.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envmon", Subsystem: "device", Name: "reconnects_total",
			Help: "Times the connection was dropped and reopened.",
		}),
		Alerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "overheat_alerts_total",
			Help: "Transitions into the overheated state.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envmon", Subsystem: "device", Name: "connected",
			Help: "1 while the device port is open.",
		}),
		Temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "temperature_celsius",
			Help: "Last temperature reading.",
		}),
		Humidity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "humidity_percent",
			Help: "Last relative humidity reading.",
		}),
		Threshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "threshold_celsius",
			Help: "Temperature limit stored on the device.",
		}),
		Overheated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "envmon", Subsystem: "sensor", Name: "overheated",
			Help: "1 while temperature is at or above the limit.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Readings, m.Timeouts, m.Faults, m.Reconnects, m.Alerts,
			m.Connected, m.Temperature, m.Humidity, m.Threshold, m.Overheated)
	}
	return m
}
