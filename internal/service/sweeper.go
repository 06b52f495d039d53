package service

import (
	"context"
	"time"

	"github.com/ledgerline/be-approval-engine/internal/errors"
	"github.com/ledgerline/be-approval-engine/internal/logger"
)

// OverdueSweeper periodically finds pending workflows past their step
// deadline and applies the overdue policy through the ActionProcessor. The
// sweep is idempotent per instance, so overlapping or repeated runs are safe.
type OverdueSweeper struct {
	store     InstanceStore
	processor *ActionProcessor
	log       *logger.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewOverdueSweeper creates a new OverdueSweeper.
func NewOverdueSweeper(store InstanceStore, processor *ActionProcessor, log *logger.Logger, interval time.Duration, batchSize int) *OverdueSweeper {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OverdueSweeper{
		store:     store,
		processor: processor,
		log:       log,
		interval:  interval,
		batchSize: batchSize,
		now:       time.Now,
	}
}

// Run executes sweeps on a ticker until ctx is cancelled.
func (s *OverdueSweeper) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("Overdue sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("Overdue sweeper stopped")
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error().Err(err).Msg("Overdue sweep failed")
			}
		}
	}
}

// SweepOnce processes one batch of overdue instances. Per-instance failures
// are logged and do not abort the batch; an escalation-target failure marks
// that workflow failed and is surfaced in the log only.
func (s *OverdueSweeper) SweepOnce(ctx context.Context) error {
	overdue, err := s.store.FindOverdue(ctx, s.now(), s.batchSize)
	if err != nil {
		return err
	}
	if len(overdue) == 0 {
		return nil
	}

	handled := 0
	for _, inst := range overdue {
		ok, err := s.processor.HandleOverdue(ctx, inst.ID)
		if err != nil {
			if errors.Is(err, errors.ErrCodeEscalationTarget) {
				s.log.Error().Err(err).
					Str("workflow_code", inst.Code).
					Msg("Workflow failed: escalation target missing")
				continue
			}
			s.log.Warn().Err(err).
				Str("workflow_code", inst.Code).
				Msg("Could not handle overdue workflow")
			continue
		}
		if ok {
			handled++
		}
	}

	s.log.Info().
		Int("overdue", len(overdue)).
		Int("handled", handled).
		Msg("Overdue sweep completed")
	return nil
}
