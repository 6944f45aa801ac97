// Package metrics exports storage operation outcomes to Prometheus.
package metrics

import (
	"time"

	"github.com/breez/sync-storage/syncstorage"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sync_storage"

// Observer implements syncstorage.Observer.
type Observer struct {
	Operations       *prometheus.CounterVec
	Duration         *prometheus.HistogramVec
	ClockRegressions *prometheus.CounterVec
	QuotaRejections  prometheus.Counter
	PurgedRecords    prometheus.Counter
}

var _ syncstorage.Observer = (*Observer)(nil)

// NewObserver creates the collectors and registers them with reg.
func NewObserver(reg prometheus.Registerer) *Observer {
	o := &Observer{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "total",
				Help:      "Storage operations by outcome",
			},
			[]string{"op", "kind"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "operations",
				Name:      "duration_seconds",
				Help:      "Storage operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
			[]string{"op", "kind"},
		),
		ClockRegressions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "clock_regressions_total",
				Help:      "Observed collection stamps that did not move forward",
			},
			[]string{"op"},
		),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_rejections_total",
			Help:      "Writes rejected for exceeding the user quota",
		}),
		PurgedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Expired records removed by the reaper",
		}),
	}
	reg.MustRegister(o.Operations, o.Duration, o.ClockRegressions, o.QuotaRejections, o.PurgedRecords)
	return o
}

func (o *Observer) Done(op string, err error, took time.Duration) {
	kind := "ok"
	if err != nil {
		kind = syncstorage.KindOf(err).String()
	}
	o.Operations.WithLabelValues(op, kind).Inc()
	o.Duration.WithLabelValues(op, kind).Observe(took.Seconds())
}

func (o *Observer) ClockRegression(op string) {
	o.ClockRegressions.WithLabelValues(op).Inc()
}

func (o *Observer) QuotaRejected() {
	o.QuotaRejections.Inc()
}

func (o *Observer) Purged(count int) {
	o.PurgedRecords.Add(float64(count))
}
