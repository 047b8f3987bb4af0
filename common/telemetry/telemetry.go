package telemetry

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/madsci/workcell/common/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry holds observability components
type Telemetry struct {
	log         *logger.Logger
	pprofAddr   string
	metricsAddr string
	registry    *prometheus.Registry

	WorkflowsSubmitted prometheus.Counter
	WorkflowsCompleted prometheus.Counter
	WorkflowsFailed    prometheus.Counter
	WorkflowsCancelled prometheus.Counter
	StepsDispatched    prometheus.Counter
	SchedulerTicks     prometheus.Counter
	QueueLength        prometheus.Gauge
}

// New creates telemetry components with a dedicated Prometheus registry
func New(pprofPort, metricsPort int, log *logger.Logger) *Telemetry {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Telemetry{
		log:         log,
		pprofAddr:   fmt.Sprintf("localhost:%d", pprofPort),
		metricsAddr: fmt.Sprintf("localhost:%d", metricsPort),
		registry:    registry,

		WorkflowsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_workflows_submitted_total",
			Help: "Workflows accepted by the control plane",
		}),
		WorkflowsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_workflows_completed_total",
			Help: "Workflows that reached completed status",
		}),
		WorkflowsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_workflows_failed_total",
			Help: "Workflows that reached failed status",
		}),
		WorkflowsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_workflows_cancelled_total",
			Help: "Workflows that reached cancelled status",
		}),
		StepsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_steps_dispatched_total",
			Help: "Steps dispatched to nodes",
		}),
		SchedulerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "workcell_scheduler_ticks_total",
			Help: "Scheduler loop iterations",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "workcell_queue_length",
			Help: "Workflows currently queued",
		}),
	}
}

// Start starts telemetry endpoints
func (t *Telemetry) Start(ctx context.Context) error {
	go func() {
		t.log.Info("pprof server starting", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server error", "error", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{}))
		t.log.Info("metrics server starting", "addr", t.metricsAddr)
		if err := http.ListenAndServe(t.metricsAddr, mux); err != nil {
			t.log.Error("metrics server error", "error", err)
		}
	}()

	return nil
}

// RecordDuration records operation duration
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	duration := time.Since(start)
	t.log.Debug("operation completed",
		"operation", operation,
		"duration_ms", duration.Milliseconds(),
	)
}
