// internal/chaos/experiments.go
package chaos

import (
	"context"
	"time"

	"fcglibraries/internal/messaging"
)

// ExperimentOptions scales the predefined experiments.
type ExperimentOptions struct {
	Duration       time.Duration
	SampleEvery    time.Duration
	Items          int
	Concurrency    int
	QuiesceTimeout time.Duration
}

func (o ExperimentOptions) withDefaults() ExperimentOptions {
	if o.Duration <= 0 {
		o.Duration = 10 * time.Second
	}
	if o.SampleEvery <= 0 {
		o.SampleEvery = 500 * time.Millisecond
	}
	if o.Items <= 0 {
		o.Items = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 16
	}
	if o.QuiesceTimeout <= 0 {
		o.QuiesceTimeout = 30 * time.Second
	}
	return o
}

// RegisterExperiments registers all predefined experiments against rig.
func RegisterExperiments(engine *Engine, rig *Rig, opts ExperimentOptions) {
	opts = opts.withDefaults()
	engine.Register(DuplicateDeliveryExperiment(rig, opts))
	engine.Register(ReorderedDeliveryExperiment(rig, opts))
	engine.Register(ConcurrentStatusUpdatesExperiment(rig, opts))
	engine.Register(BrokerOutageExperiment(rig, opts))
	engine.Register(UpstreamDeletionExperiment(rig, opts))
}

// steadyState is shared by every experiment: the projection matches the
// streams, nothing was dead-lettered and no item changed status twice.
func steadyState(rig *Rig) []Metric {
	return []Metric{
		{
			Name:      "projection_drift",
			Query:     func(ctx context.Context) (float64, error) { n, err := rig.Drift(ctx); return float64(n), err },
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "dead_letters",
			Query:     func(ctx context.Context) (float64, error) { return float64(rig.DeadLetters()), nil },
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "double_transitions",
			Query:     func(ctx context.Context) (float64, error) { n, err := rig.DoubleTransitions(ctx); return float64(n), err },
			Threshold: Threshold{Operator: "==", Value: 0},
		},
		{
			Name:      "backlog",
			Query:     func(ctx context.Context) (float64, error) { n, err := rig.Backlog(ctx); return float64(n), err },
			Threshold: Threshold{Operator: "==", Value: 0},
		},
	}
}

func zero(v float64) bool { return v == 0 }

func converged() []Assertion {
	return []Assertion{
		{Metric: "projection_drift", Condition: zero, Message: "Projection should match the event streams once delivery settles"},
		{Metric: "dead_letters", Condition: zero, Message: "No message should be dead-lettered"},
		{Metric: "double_transitions", Condition: zero, Message: "No item should change status more than once"},
		{Metric: "backlog", Condition: zero, Message: "Outbox and consumer queues should drain"},
	}
}

func recoverAction(rig *Rig, opts ExperimentOptions) Action {
	return Action{
		Type:   "recover",
		Target: "broker",
		Execute: func(ctx context.Context) error {
			rig.SetFaults(messaging.Faults{})
			rig.SetBrokerDown(false)
			return rig.Quiesce(ctx, opts.QuiesceTimeout)
		},
	}
}

func loadAction(rig *Rig, opts ExperimentOptions, settle bool) Action {
	return Action{
		Type:   "load",
		Target: "libraries",
		Execute: func(ctx context.Context) error {
			ids, err := rig.CreateItems(ctx, opts.Items, opts.Concurrency)
			if err != nil {
				return err
			}
			if !settle {
				return nil
			}
			return rig.SettlePayments(ctx, ids)
		},
	}
}

// DuplicateDeliveryExperiment delivers about half of all messages twice.
func DuplicateDeliveryExperiment(rig *Rig, opts ExperimentOptions) Experiment {
	return Experiment{
		Name:        "duplicate-delivery",
		Hypothesis:  "Redelivered events and payment outcomes are applied once",
		SteadyState: steadyState(rig),
		Method: []Action{
			{
				Type:   "faults",
				Target: "broker",
				Execute: func(ctx context.Context) error {
					rig.SetFaults(messaging.Faults{DuplicateRate: 0.5})
					return nil
				},
			},
			loadAction(rig, opts, true),
		},
		Rollback:    []Action{recoverAction(rig, opts)},
		Validation:  converged(),
		Duration:    opts.Duration,
		SampleEvery: opts.SampleEvery,
	}
}

// ReorderedDeliveryExperiment shuffles every fetched batch so status updates
// may overtake the creation they depend on.
func ReorderedDeliveryExperiment(rig *Rig, opts ExperimentOptions) Experiment {
	return Experiment{
		Name:        "reordered-delivery",
		Hypothesis:  "The projection converges when events arrive out of order",
		SteadyState: steadyState(rig),
		Method: []Action{
			{
				Type:   "faults",
				Target: "broker",
				Execute: func(ctx context.Context) error {
					rig.SetFaults(messaging.Faults{DuplicateRate: 0.2, Shuffle: true})
					return nil
				},
			},
			loadAction(rig, opts, true),
		},
		Rollback:    []Action{recoverAction(rig, opts)},
		Validation:  converged(),
		Duration:    opts.Duration,
		SampleEvery: opts.SampleEvery,
	}
}

// ConcurrentStatusUpdatesExperiment races conflicting status commands on
// every new item.
func ConcurrentStatusUpdatesExperiment(rig *Rig, opts ExperimentOptions) Experiment {
	return Experiment{
		Name:        "concurrent-status-updates",
		Hypothesis:  "Exactly one of several concurrent status commands wins",
		SteadyState: steadyState(rig),
		Method: []Action{
			{
				Type:   "load",
				Target: "libraries",
				Execute: func(ctx context.Context) error {
					ids, err := rig.CreateItems(ctx, opts.Items, opts.Concurrency)
					if err != nil {
						return err
					}
					return rig.RaceStatusUpdates(ctx, ids, 6)
				},
			},
		},
		Rollback:    []Action{recoverAction(rig, opts)},
		Validation:  converged(),
		Duration:    opts.Duration,
		SampleEvery: opts.SampleEvery,
	}
}

// BrokerOutageExperiment refuses every outbox publish while commands keep
// arriving.
func BrokerOutageExperiment(rig *Rig, opts ExperimentOptions) Experiment {
	return Experiment{
		Name:        "broker-outage",
		Hypothesis:  "Commands succeed during a broker outage and the outbox drains after it",
		SteadyState: steadyState(rig),
		Method: []Action{
			{
				Type:   "outage",
				Target: "broker",
				Execute: func(ctx context.Context) error {
					rig.SetBrokerDown(true)
					return nil
				},
			},
			loadAction(rig, opts, false),
		},
		Rollback:    []Action{recoverAction(rig, opts)},
		Validation:  converged(),
		Duration:    opts.Duration,
		SampleEvery: opts.SampleEvery,
	}
}

// UpstreamDeletionExperiment announces user deletions while duplicates are
// injected.
func UpstreamDeletionExperiment(rig *Rig, opts ExperimentOptions) Experiment {
	return Experiment{
		Name:        "upstream-deletion",
		Hypothesis:  "Repeated user deletions remove each item once",
		SteadyState: steadyState(rig),
		Method: []Action{
			{
				Type:   "faults",
				Target: "broker",
				Execute: func(ctx context.Context) error {
					rig.SetFaults(messaging.Faults{DuplicateRate: 0.5, Shuffle: true})
					return nil
				},
			},
			{
				Type:   "load",
				Target: "users",
				Execute: func(ctx context.Context) error {
					return rig.DeleteUsers(ctx, 5)
				},
			},
		},
		Rollback:    []Action{recoverAction(rig, opts)},
		Validation:  converged(),
		Duration:    opts.Duration,
		SampleEvery: opts.SampleEvery,
	}
}
