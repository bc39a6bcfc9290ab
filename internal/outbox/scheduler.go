package outbox

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

type SchedulerStore interface {
	FetchPending(ctx context.Context, limit int, createdAfter time.Time) ([]domain.OutboxMessage, error)
	ResetStuck(ctx context.Context, updatedBefore time.Time, limit int, now time.Time) (int64, error)
	RequeueFailed(ctx context.Context, updatedBefore time.Time, maxRetries, limit int, now time.Time) (int64, error)
	DeletePublishedBefore(ctx context.Context, publishedBefore time.Time) (int64, error)
}

type ProcessedEventPruner interface {
	DeleteProcessedBefore(ctx context.Context, processedBefore time.Time) (int64, error)
}

type Enqueuer interface {
	SchedulePublishing(ctx context.Context, eventIDs ...string) int
}

type SchedulerConfig struct {
	PendingBatchSize    int
	PendingScanInterval time.Duration
	// PendingScanMaxAge, when positive, limits the pending scan to rows
	// created within that window.
	PendingScanMaxAge time.Duration

	StuckBatchSize     int
	StuckThreshold     time.Duration
	StuckSweepInterval time.Duration
	RetryAttempts      int

	CleanupRetention   time.Duration
	CleanupInterval    time.Duration
	ProcessedRetention time.Duration
}

// Scheduler runs the pending scan, the stuck-row sweep and the retention
// sweep. Each sweep is single-flight within this instance: a tick that fires
// while the previous run of the same sweep is in progress is dropped.
type Scheduler struct {
	store    SchedulerStore
	pruner   ProcessedEventPruner
	enqueuer Enqueuer
	cfg      SchedulerConfig
	logger   *zap.Logger
	now      func() time.Time

	pendingRunning atomic.Bool
	stuckRunning   atomic.Bool
	cleanupRunning atomic.Bool
	wg             sync.WaitGroup
}

func NewScheduler(store SchedulerStore, pruner ProcessedEventPruner, enqueuer Enqueuer, cfg SchedulerConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		pruner:   pruner,
		enqueuer: enqueuer,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled and in-flight sweeps have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Outbox scheduler starting",
		zap.Duration("pending_scan_interval", s.cfg.PendingScanInterval),
		zap.Duration("stuck_sweep_interval", s.cfg.StuckSweepInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval))

	var loops sync.WaitGroup
	loops.Add(3)
	go s.loop(ctx, &loops, "pending-scan", s.cfg.PendingScanInterval, &s.pendingRunning, s.tickPending)
	go s.loop(ctx, &loops, "stuck-sweep", s.cfg.StuckSweepInterval, &s.stuckRunning, s.tickStuck)
	go s.loop(ctx, &loops, "retention-sweep", s.cfg.CleanupInterval, &s.cleanupRunning, s.tickRetention)
	loops.Wait()
	s.wg.Wait()
	s.logger.Info("Outbox scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, loops *sync.WaitGroup, name string, interval time.Duration, guard *atomic.Bool, fn func(ctx context.Context)) {
	defer loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.trigger(ctx, name, interval, guard, fn) {
				s.logger.Debug("Previous run still in progress, skipping tick", zap.String("sweep", name))
			}
		}
	}
}

// trigger starts fn in the background unless guard shows a run in progress.
// The run is bounded by timeout and recovers panics.
func (s *Scheduler) trigger(ctx context.Context, name string, timeout time.Duration, guard *atomic.Bool, fn func(ctx context.Context)) bool {
	if !guard.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer guard.Store(false)
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("Outbox sweep panicked", zap.String("sweep", name), zap.Any("panic", p))
			}
		}()
		tctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		fn(tctx)
	}()
	return true
}

func (s *Scheduler) tickPending(ctx context.Context) {
	if _, err := s.ScanPending(ctx); err != nil {
		s.logger.Error("Pending scan failed", zap.Error(err))
	}
}

func (s *Scheduler) tickStuck(ctx context.Context) {
	if _, err := s.SweepStuck(ctx); err != nil {
		s.logger.Error("Stuck sweep failed", zap.Error(err))
	}
}

func (s *Scheduler) tickRetention(ctx context.Context) {
	if _, err := s.SweepRetention(ctx); err != nil {
		s.logger.Error("Retention sweep failed", zap.Error(err))
	}
}

// ScanPending enqueues a publish job for every PENDING row it finds and
// returns how many jobs were newly enqueued.
func (s *Scheduler) ScanPending(ctx context.Context) (int, error) {
	var createdAfter time.Time
	if s.cfg.PendingScanMaxAge > 0 {
		createdAfter = s.now().Add(-s.cfg.PendingScanMaxAge)
	}
	rows, err := s.store.FetchPending(ctx, s.cfg.PendingBatchSize, createdAfter)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.EventID
	}
	enqueued := s.enqueuer.SchedulePublishing(ctx, ids...)
	if enqueued > 0 {
		s.logger.Debug("Enqueued pending outbox events", zap.Int("found", len(rows)), zap.Int("enqueued", enqueued))
	}
	return enqueued, nil
}

// SweepStuck returns PUBLISHING rows whose claim went stale to PENDING,
// counting the lost attempt, and gives FAILED rows that still have attempts
// left back to the pending scan.
func (s *Scheduler) SweepStuck(ctx context.Context) (int64, error) {
	now := s.now()
	cutoff := now.Add(-s.cfg.StuckThreshold)

	reset, err := s.store.ResetStuck(ctx, cutoff, s.cfg.StuckBatchSize, now)
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		s.logger.Warn("Reset stuck outbox events", zap.Int64("count", reset), zap.Duration("threshold", s.cfg.StuckThreshold))
	}

	requeued, err := s.store.RequeueFailed(ctx, cutoff, s.cfg.RetryAttempts, s.cfg.StuckBatchSize, now)
	if err != nil {
		return reset, err
	}
	if requeued > 0 {
		s.logger.Info("Requeued failed outbox events", zap.Int64("count", requeued))
	}
	return reset + requeued, nil
}

// SweepRetention deletes PUBLISHED rows older than the retention window and,
// when configured, old processed-event ledger rows.
func (s *Scheduler) SweepRetention(ctx context.Context) (int64, error) {
	now := s.now()
	deleted, err := s.store.DeletePublishedBefore(ctx, now.Add(-s.cfg.CleanupRetention))
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("Deleted published outbox events", zap.Int64("deletedCount", deleted))
	}

	if s.pruner != nil && s.cfg.ProcessedRetention > 0 {
		pruned, err := s.pruner.DeleteProcessedBefore(ctx, now.Add(-s.cfg.ProcessedRetention))
		if err != nil {
			return deleted, err
		}
		if pruned > 0 {
			s.logger.Info("Pruned processed event ledger", zap.Int64("prunedCount", pruned))
		}
	}
	return deleted, nil
}
