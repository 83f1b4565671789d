package tracker

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// trackerMetrics holds the instruments created once at Load.
type trackerMetrics struct {
	postParse     metric.Int64Counter
	executorStart metric.Int64Counter
	utilityHashed metric.Int64Counter
	lookups       metric.Int64Counter

	foundOpt    metric.MeasurementOption
	notFoundOpt metric.MeasurementOption

	registration metric.Registration
}

func newTrackerMetrics(m metric.Meter, t *Tracker) (*trackerMetrics, error) {
	tm := &trackerMetrics{
		foundOpt:    metric.WithAttributes(attribute.Bool("found", true)),
		notFoundOpt: metric.WithAttributes(attribute.Bool("found", false)),
	}

	var err error

	tm.postParse, err = m.Int64Counter(
		"queryid.hook.post_parse",
		metric.WithDescription("Post-parse hook invocations by registered backends"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create post_parse counter: %w", err)
	}

	tm.executorStart, err = m.Int64Counter(
		"queryid.hook.executor_start",
		metric.WithDescription("Executor start hook invocations by registered backends"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create executor_start counter: %w", err)
	}

	tm.utilityHashed, err = m.Int64Counter(
		"queryid.utility.hashed",
		metric.WithDescription("Utility statements given a synthetic identifier"),
		metric.WithUnit("{statement}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create utility counter: %w", err)
	}

	tm.lookups, err = m.Int64Counter(
		"queryid.lookup",
		metric.WithDescription("Lookups by process id"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lookup counter: %w", err)
	}

	recorded, err := m.Int64ObservableGauge(
		"queryid.slots.recorded",
		metric.WithDescription("Registry slots holding a non-zero identifier"),
		metric.WithUnit("{slot}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create recorded gauge: %w", err)
	}

	tm.registration, err = m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if reg := t.registry.Load(); reg != nil {
			o.ObserveInt64(recorded, int64(reg.Recorded()))
		}
		return nil
	}, recorded)
	if err != nil {
		return nil, fmt.Errorf("register recorded gauge: %w", err)
	}

	return tm, nil
}

func (m *trackerMetrics) recordLookup(found bool) {
	opt := m.notFoundOpt
	if found {
		opt = m.foundOpt
	}
	m.lookups.Add(context.Background(), 1, opt)
}

func (m *trackerMetrics) unregister() {
	if m.registration == nil {
		return
	}
	_ = m.registration.Unregister()
	m.registration = nil
}
