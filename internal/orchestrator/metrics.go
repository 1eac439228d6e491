package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	routed     metric.Int64Counter
	dropped    metric.Int64Counter
	anomalies  metric.Int64Counter
	cycles     metric.Int64Counter
	cycleTime  metric.Float64Histogram
	efficiency metric.Float64Gauge
}

func newInstruments(m metric.Meter, o *Orchestrator) (*instruments, error) {
	var (
		inst instruments
		errs []error
		err  error
	)
	if inst.routed, err = m.Int64Counter("mercado.messages.routed",
		metric.WithDescription("Messages delivered to an agent inbox")); err != nil {
		errs = append(errs, err)
	}
	if inst.dropped, err = m.Int64Counter("mercado.messages.dropped",
		metric.WithDescription("Messages dropped during routing")); err != nil {
		errs = append(errs, err)
	}
	if inst.anomalies, err = m.Int64Counter("mercado.anomalies",
		metric.WithDescription("Market anomalies detected")); err != nil {
		errs = append(errs, err)
	}
	if inst.cycles, err = m.Int64Counter("mercado.cycles",
		metric.WithDescription("Coordination cycles completed")); err != nil {
		errs = append(errs, err)
	}
	if inst.cycleTime, err = m.Float64Histogram("mercado.cycle.duration",
		metric.WithUnit("ms")); err != nil {
		errs = append(errs, err)
	}
	if inst.efficiency, err = m.Float64Gauge("mercado.market.efficiency",
		metric.WithDescription("Composite market efficiency score of the last cycle")); err != nil {
		errs = append(errs, err)
	}
	if _, err = m.Int64ObservableGauge("mercado.agents.active",
		metric.WithDescription("Active registered agents"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(len(o.reg.Load().active())))
			return nil
		})); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("orchestrator: create instruments: %w", errors.Join(errs...))
	}
	return &inst, nil
}

func (i *instruments) recordCycle(ctx context.Context, r *CycleResult) {
	if i == nil {
		return
	}
	i.cycles.Add(ctx, 1)
	i.routed.Add(ctx, int64(r.Routed))
	i.dropped.Add(ctx, int64(r.Dropped))
	i.cycleTime.Record(ctx, float64(r.Duration.Microseconds())/1000)
	i.efficiency.Record(ctx, r.Efficiency.Score)
	for _, a := range r.Anomalies {
		i.anomalies.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(a.Kind)),
			attribute.String("severity", string(a.Severity)),
		))
	}
}
