package engine

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rulegate/internal/domain"
	"rulegate/internal/store"
)

var tracer = otel.Tracer("rulegate/engine")

var (
	// gateDecisions counts activation and publish attempts by outcome and gate code.
	gateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulegate_gate_decisions_total",
		Help: "Activation gate decisions by result and gate code",
	}, []string{"result", "code"})

	canaryRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulegate_canary_runs_total",
		Help: "Canary optimize runs by outcome",
	}, []string{"outcome"})

	reviewsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulegate_reviews_applied_total",
		Help: "Reviews reconciled by review status",
	}, []string{"status"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rulegate_tasks_finished_total",
		Help: "Task runs by final status",
	}, []string{"status"})

	mirrorFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rulegate_mirror_failures_total",
		Help: "Units of work rejected by the relational mirror",
	})
)

// update wraps Store.Update and counts mirror failures.
func (e Engine) update(ctx context.Context, fn func(tx *store.Txn) error) error {
	err := e.Store.Update(ctx, fn)
	var ce *domain.ConsistencyError
	if errors.As(err, &ce) {
		mirrorFailures.Inc()
		e.Log.WithError(err).WithField("op", ce.Op).Error("mirror write failed")
	}
	return err
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
