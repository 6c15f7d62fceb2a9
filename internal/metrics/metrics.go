package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	ReconcileSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "novaspace",
		Name:      "reconcile_seconds",
		Help:      "Duration of reconcile cycles.",
		Buckets:   prometheus.DefBuckets,
	})
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "reconcile_cycles_total",
		Help:      "Reconcile cycles by outcome.",
	}, []string{"outcome"})
	SpacesByPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "novaspace",
		Name:      "address_spaces",
		Help:      "Address spaces observed in the last cycle, by phase.",
	}, []string{"phase"})
	ResourceOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "resource_operations_total",
		Help:      "Create/delete calls issued against the cluster.",
	}, []string{"op", "result"})
	CertErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "cert_provision_errors_total",
		Help:      "Certificate provisioning failures by provider.",
	}, []string{"provider"})
	EventsPublishedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "novaspace",
		Name:      "events_published_total",
		Help:      "Phase transition events handed to the telemetry buffer.",
	})
)

func init() {
	ctrlmetrics.Registry.MustRegister(ReconcileSeconds, CyclesTotal, SpacesByPhase, ResourceOpsTotal, CertErrorsTotal, EventsPublishedTotal)
}

// ObserveResourceOp counts one create or delete call by result.
func ObserveResourceOp(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ResourceOpsTotal.WithLabelValues(op, result).Inc()
}
