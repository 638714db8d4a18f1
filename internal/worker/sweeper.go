package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"docchat/internal/model"
	"docchat/internal/notify"
	"docchat/internal/repository"
)

const DefaultSweepInterval = time.Minute

type StaleUploadStore interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]model.Upload, error)
	UpdateStatus(ctx context.Context, id string, from, to model.UploadStatus) error
}

// Sweeper fails uploads that stayed in processing longer than staleAfter,
// which happens when a handoff expired or a worker died mid-job.
type Sweeper struct {
	uploads    StaleUploadStore
	notifier   notify.Notifier
	staleAfter time.Duration
	interval   time.Duration
	logger     *slog.Logger
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(uploads StaleUploadStore, notifier notify.Notifier, staleAfter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		uploads:    uploads,
		notifier:   notifier,
		staleAfter: staleAfter,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Sweep runs one pass and returns how many uploads it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	const batch = 100
	before := s.now().Add(-s.staleAfter)
	failed := 0

	for {
		stale, err := s.uploads.ListStale(ctx, before, batch)
		if err != nil {
			return failed, err
		}
		progressed := 0
		for _, u := range stale {
			err := s.uploads.UpdateStatus(ctx, u.ID, model.UploadProcessing, model.UploadFailed)
			if errors.Is(err, repository.ErrStatusConflict) {
				continue
			}
			if err != nil {
				return failed, err
			}
			progressed++
			failed++
			s.logger.Warn("stale upload marked failed", "upload_id", u.ID, "updated_at", u.UpdatedAt)
			if err := s.notifier.Notify(ctx, notify.Notification{
				Kind:             notify.KindFailed,
				UploadID:         u.ID,
				OwnerID:          u.OwnerID,
				OriginalFilename: u.OriginalFilename,
				Reason:           "processing timed out",
			}); err != nil {
				s.logger.Warn("notify owner failed", "upload_id", u.ID, "error", err)
			}
		}
		if len(stale) < batch || progressed == 0 {
			return failed, nil
		}
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			if n, err := s.Sweep(sweepCtx); err != nil {
				s.logger.Error("sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("sweep finished", "failed", n)
			}
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (s *Sweeper) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
