package migration

import (
	"context"
	"fmt"

	"github.com/cabinetdb/cabinet/kv"
	"go.uber.org/zap"
)

// Runner applies the steps of a sequence against an open upgrade
// transaction. A step runs iff its version lies inside the traversed range
// (oldVersion, newVersion]; version numbers double as both build order and
// already-applied markers, which is correct because each store has exactly
// one linear migration sequence.
type Runner struct {
	logger *zap.Logger
	seq    *Sequence
}

// NewRunner constructs and configures a new Runner.
func NewRunner(logger *zap.Logger, seq *Sequence) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger: logger,
		seq:    seq,
	}
}

// Upgrade applies every step whose version falls in the traversed range, in
// ascending order. The first failing step is propagated and the upgrade
// transaction is abandoned by the caller; there is no explicit rollback.
// Its signature matches the upgrade callback of the bolt store.
func (r *Runner) Upgrade(ctx context.Context, oldVersion, newVersion uint64, tx kv.SchemaTx) error {
	steps := r.seq.Steps()

	var pending int
	for _, step := range steps {
		if oldVersion < step.Version() && step.Version() <= newVersion {
			pending++
		}
	}

	if pending > 0 {
		r.logger.Info("Bringing up schema migrations",
			zap.Uint64("old_version", oldVersion),
			zap.Uint64("new_version", newVersion),
			zap.Int("migration_count", pending))
	}

	for _, step := range steps {
		if step.Version() <= oldVersion {
			r.logStepEvent(step, "skipped")
			continue
		}
		if step.Version() > newVersion {
			break
		}

		r.logStepEvent(step, "started")

		if err := step.Run(ctx, tx); err != nil {
			return fmt.Errorf("up to version %d: %w", step.Version(), err)
		}

		r.logStepEvent(step, "completed")
	}

	return nil
}

func (r *Runner) logStepEvent(step *Step, event string) {
	r.logger.Debug(
		"Executing schema migration step",
		zap.Uint64("step_version", step.Version()),
		zap.String("migration_event", event),
	)
}
