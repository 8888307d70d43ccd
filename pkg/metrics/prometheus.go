package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EnvironmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erm_environments_total",
			Help: "Total number of environment transitions by status",
		},
		[]string{"template", "status"},
	)

	PortsAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erm_host_ports_allocated",
			Help: "Number of host ports currently reserved",
		},
	)

	GPUsAllocated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "erm_gpus_allocated",
			Help: "Number of GPU indices currently reserved",
		},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erm_quota_denials_total",
			Help: "Total number of allocation requests denied by quota",
		},
		[]string{"reason"},
	)

	AccessDenials = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erm_access_denials_total",
			Help: "Total number of requests rejected by ownership checks",
		},
	)

	RuntimeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erm_runtime_errors_total",
			Help: "Total number of container runtime errors by kind",
		},
		[]string{"op", "kind"},
	)

	ReconcilePasses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erm_reconcile_passes_total",
			Help: "Total number of completed reconciliation passes",
		},
	)

	ReconcileRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "erm_reconcile_repairs_total",
			Help: "Total number of reconciliation repairs by action",
		},
		[]string{"action"},
	)

	LedgerCorruptions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "erm_ledger_corruptions_total",
			Help: "Total number of detected ledger corruption events",
		},
	)
)
