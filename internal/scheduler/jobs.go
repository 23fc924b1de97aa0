package scheduler

import (
	"context"
)

// Enforcer applies retention policies and reports how many points it removed.
type Enforcer interface {
	Enforce() int
}

// Syncer pulls every federated source.
type Syncer interface {
	SyncAll(ctx context.Context) (map[string]map[string]float64, error)
}

// Flusher persists in-memory state.
type Flusher interface {
	Flush(ctx context.Context) error
}

// RetentionJob enforces retention on spec.
func RetentionJob(spec string, e Enforcer) Job {
	return Job{
		Name: "retention",
		Spec: spec,
		Run: func(context.Context) error {
			e.Enforce()
			return nil
		},
	}
}

// FederationJob syncs all federated sources on spec.
func FederationJob(spec string, s Syncer) Job {
	return Job{
		Name: "federation_sync",
		Spec: spec,
		Run: func(ctx context.Context) error {
			_, err := s.SyncAll(ctx)
			return err
		},
	}
}

// FlushJob persists telemetry history on spec.
func FlushJob(spec string, f Flusher) Job {
	return Job{Name: "telemetry_flush", Spec: spec, Run: f.Flush}
}
