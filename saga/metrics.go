package saga

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type orchestratorMetrics struct {
	sagasStarted     metric.Int64Counter
	sagasCompleted   metric.Int64Counter
	sagasCompensated metric.Int64Counter
	sagasFailed      metric.Int64Counter
	stepsCompleted   metric.Int64Counter
	stepsFailed      metric.Int64Counter
	sagaDuration     metric.Float64Histogram
}

func newOrchestratorMetrics(provider metric.MeterProvider) (orchestratorMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("saga.orchestrator")

	var (
		metrics orchestratorMetrics
		err     error
	)

	metrics.sagasStarted, err = meter.Int64Counter(
		"saga.instances.started",
		metric.WithDescription("Number of saga instances started"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.started counter: %w", err)
	}

	metrics.sagasCompleted, err = meter.Int64Counter(
		"saga.instances.completed",
		metric.WithDescription("Number of saga instances that completed every step"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.completed counter: %w", err)
	}

	metrics.sagasCompensated, err = meter.Int64Counter(
		"saga.instances.compensated",
		metric.WithDescription("Number of saga instances that were fully compensated after a step failure"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.compensated counter: %w", err)
	}

	metrics.sagasFailed, err = meter.Int64Counter(
		"saga.instances.failed",
		metric.WithDescription("Number of saga instances that reached the FAILED state"),
		metric.WithUnit("{saga}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instances.failed counter: %w", err)
	}

	metrics.stepsCompleted, err = meter.Int64Counter(
		"saga.steps.completed",
		metric.WithDescription("Number of saga steps that completed successfully"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.steps.completed counter: %w", err)
	}

	metrics.stepsFailed, err = meter.Int64Counter(
		"saga.steps.failed",
		metric.WithDescription("Number of saga steps that reported failure or timed out"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.steps.failed counter: %w", err)
	}

	metrics.sagaDuration, err = meter.Float64Histogram(
		"saga.instance.duration",
		metric.WithDescription("Wall time from saga start to a terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return orchestratorMetrics{}, fmt.Errorf("create saga.instance.duration histogram: %w", err)
	}

	return metrics, nil
}
