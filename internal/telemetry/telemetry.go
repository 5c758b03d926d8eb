// Package telemetry exports read-cycle instruments to Prometheus and serves
// a small status API.
package telemetry

import (
	"context"

	"codeberg.org/mutker/meterreader/internal/health"
	"codeberg.org/mutker/meterreader/internal/reader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "meterreader"

// Instruments holds every collector of the reader. It implements
// health.Observer and reader.Recorder.
type Instruments struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	sensorValue   prometheus.Gauge
	acceptedValue prometheus.Gauge
	delta         prometheus.Gauge
	healthMask    prometheus.Gauge
	streak        prometheus.Gauge
	faultsRaised  *prometheus.CounterVec
	faultActive   *prometheus.GaugeVec
	reinits       prometheus.Counter
	brokerUp      prometheus.Gauge
	brokerLost    prometheus.Counter
}

func New() *Instruments {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	i := &Instruments{
		registry: reg,
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Read cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a read cycle, idle excluded.",
			Buckets:   []float64{.5, 1, 2, 5, 10, 20, 30, 60},
		}),
		sensorValue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sensor_value",
			Help:      "Value reported by the last cycle.",
		}),
		acceptedValue: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "accepted_value",
			Help:      "Last accepted meter value.",
		}),
		delta: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delta",
			Help:      "Delta reported by the last cycle.",
		}),
		healthMask: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "health_mask",
			Help:      "Health bitmask reported by the last cycle.",
		}),
		streak: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "error_streak",
			Help:      "Consecutive unhealthy cycles.",
		}),
		faultsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "faults_raised_total",
			Help:      "Fault transitions from clear to set.",
		}, []string{"fault"}),
		faultActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fault_active",
			Help:      "1 while the fault bit is set.",
		}, []string{"fault"}),
		reinits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reinitializations_total",
			Help:      "Escalations after the error streak threshold.",
		}),
		brokerUp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while a broker session is up.",
		}),
		brokerLost: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_disconnects_total",
			Help:      "Failed connects and lost sessions.",
		}),
	}

	for _, f := range health.AllFaults {
		i.faultActive.WithLabelValues(f.String()).Set(0)
		i.faultsRaised.WithLabelValues(f.String())
	}

	return i
}

// Registry is the gatherer behind /metrics.
func (i *Instruments) Registry() *prometheus.Registry {
	return i.registry
}

func (i *Instruments) FaultRaised(f health.Fault) {
	i.faultsRaised.WithLabelValues(f.String()).Inc()
	i.faultActive.WithLabelValues(f.String()).Set(1)
}

func (i *Instruments) FaultHealed(f health.Fault) {
	i.faultActive.WithLabelValues(f.String()).Set(0)
}

func (i *Instruments) Reinitialized() {
	i.reinits.Inc()
	for _, f := range health.AllFaults {
		i.faultActive.WithLabelValues(f.String()).Set(0)
	}
}

// BrokerState tracks the messaging connection.
func (i *Instruments) BrokerState(connected bool, _ error) {
	if connected {
		i.brokerUp.Set(1)
		return
	}
	i.brokerUp.Set(0)
	i.brokerLost.Inc()
}

func (i *Instruments) RecordCycle(_ context.Context, res reader.CycleResult) error {
	i.cycles.WithLabelValues(outcome(res)).Inc()
	i.cycleDuration.Observe(res.Duration.Seconds())
	i.sensorValue.Set(res.SensorValue)
	i.acceptedValue.Set(res.AcceptedValue)
	i.delta.Set(res.Delta)
	i.healthMask.Set(float64(res.Health))
	i.streak.Set(float64(res.Streak))
	return nil
}

func outcome(res reader.CycleResult) string {
	switch {
	case res.AbortedAt != reader.StageNone:
		return "aborted"
	case res.Accepted:
		return "accepted"
	case res.Health.Has(health.FaultPlausibility):
		return "rejected"
	default:
		return "unchanged"
	}
}
