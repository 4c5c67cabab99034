package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"otcdesk/internal/alerting"
	"otcdesk/internal/config"
	"otcdesk/internal/domain"
	"otcdesk/internal/scheduler"
	"otcdesk/internal/store"
)

// Sweeper runs one full reconciliation pass.
type Sweeper interface {
	ReconcileAllActive(ctx context.Context) ([]domain.ReconciliationOutcome, error)
}

// Service drives scheduled reconciliation sweeps and routes the corrections
// to operators. An advisory lock keeps concurrent deployments from sweeping
// the same interval twice.
type Service struct {
	scheduler  *scheduler.Scheduler
	reconciler Sweeper
	notifier   alerting.Notifier
	logger     zerolog.Logger

	alertsOn bool
	locker   store.AdvisoryLocker
	lockKey  int64
}

// New constructs the reconciliation daemon.
func New(cfg *config.Config, sched *scheduler.Scheduler, reconciler Sweeper, locker store.AdvisoryLocker, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	return &Service{
		scheduler:  sched,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		alertsOn:   cfg.Alerting.Enabled,
		locker:     locker,
		lockKey:    cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the aligned reconciliation loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessBucket)
}

// ProcessBucket runs one sweep under the advisory lock.
func (s *Service) ProcessBucket(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("bucket", bucket).Msg("skip bucket because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeBucket(ctx, bucket)
}

func (s *Service) executeBucket(ctx context.Context, bucket time.Time) error {
	outcomes, err := s.reconciler.ReconcileAllActive(ctx)
	if err != nil {
		return fmt.Errorf("reconcile sweep: %w", err)
	}

	corrected := 0
	for _, outcome := range outcomes {
		if !outcome.Corrected {
			continue
		}
		corrected++
		s.dispatchAlert(ctx, bucket, outcome)
	}

	s.logger.Info().Time("bucket", bucket).
		Int("audited", len(outcomes)).
		Int("corrected", corrected).
		Msg("reconciliation sweep recorded")
	return nil
}

func (s *Service) dispatchAlert(ctx context.Context, bucket time.Time, outcome domain.ReconciliationOutcome) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		Event:    alerting.EventDriftCorrected,
		Chain:    string(outcome.Chain),
		RecordID: outcome.RecordID,
		Before:   outcome.LocalStatus,
		After:    outcome.LedgerStatus,
		At:       bucket,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("record", outcome.RecordID).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
