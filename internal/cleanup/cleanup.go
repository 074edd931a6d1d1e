// Package cleanup deletes completed demos once they are past their retention age.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

// JobLister finds completed jobs old enough to expire.
type JobLister interface {
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*storage.Job, error)
}

// Deleter removes a demo file together with its record.
type Deleter interface {
	Delete(ctx context.Context, id string) error
}

// Result summarizes one sweep.
type Result struct {
	Deleted int
	Errors  int
}

type Sweeper struct {
	jobs      JobLister
	deleter   Deleter
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewSweeper(jobs JobLister, deleter Deleter, tel *telemetry.Telemetry) *Sweeper {
	return &Sweeper{jobs: jobs, deleter: deleter, telemetry: tel, now: time.Now}
}

// Sweep deletes every completed job downloaded strictly before cutoff. A failed
// deletion is counted and the sweep moves on.
func (s *Sweeper) Sweep(ctx context.Context, cutoff time.Time) (Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	expired, err := s.jobs.ListCompletedBefore(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list expired demos: %w", err)
	}

	var (
		res   Result
		freed int64
	)

	for _, job := range expired {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if err := s.deleter.Delete(ctx, job.ID); err != nil {
			logger.Error("failed to delete expired demo", "job_id", job.ID, "file_path", job.FilePath, "err", err)

			res.Errors++

			continue
		}

		res.Deleted++
		freed += job.FileSize

		logger.Debug("deleted expired demo", "job_id", job.ID, "file_path", job.FilePath)
	}

	s.telemetry.RecordCleanup(res.Deleted)

	if len(expired) > 0 {
		logger.Info("retention sweep finished",
			"deleted", res.Deleted,
			"errors", res.Errors,
			"freed", humanize.Bytes(uint64(freed)),
			"cutoff", cutoff)
	}

	return res, nil
}

// Run sweeps demos older than keepFor right away and then every interval until
// ctx is done.
func (s *Sweeper) Run(ctx context.Context, keepFor, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("retention sweep scheduled", "keep_for", keepFor, "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx, s.now().Add(-keepFor)); err != nil && ctx.Err() == nil {
			logger.Error("retention sweep failed", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("shutting down retention sweep")

			return
		case <-ticker.C:
		}
	}
}
