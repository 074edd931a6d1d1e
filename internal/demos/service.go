// Package demos is the entry point for submitting, querying and deleting demo jobs.
package demos

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/queue"
	"github.com/italolelis/cs2_demo_downloader/internal/sharecode"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Filter narrows List. Status is matched exactly when set.
type Filter struct {
	Status string
	Limit  int
	Offset int
}

type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Fetching    int `json:"fetching"`
	Downloading int `json:"downloading"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

type Service struct {
	repo  storage.JobRepository
	queue queue.Queue
	fs    afero.Fs
}

func NewService(repo storage.JobRepository, q queue.Queue, fs afero.Fs) *Service {
	return &Service{repo: repo, queue: q, fs: fs}
}

// Submit creates a PENDING job for code and queues it. Nothing is stored for an
// invalid sharecode.
func (s *Service) Submit(ctx context.Context, code string) (*storage.Job, error) {
	code = strings.TrimSpace(code)

	if code == "" {
		return nil, &ValidationError{Message: "sharecode is required"}
	}

	if !sharecode.Validate(code) {
		return nil, &ValidationError{Message: "invalid sharecode format"}
	}

	job := &storage.Job{ID: uuid.NewString(), Sharecode: code}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, &ConflictError{Sharecode: code, Err: err}
		}

		return nil, fmt.Errorf("failed to create demo: %w", err)
	}

	if err := s.queue.Enqueue(ctx, queue.Payload{ID: job.ID, Sharecode: job.Sharecode}); err != nil {
		// Without a queue entry the job would sit in PENDING forever.
		if delErr := s.repo.DeleteJob(context.WithoutCancel(ctx), job.ID); delErr != nil {
			logctx.LoggerFromContext(ctx).Error("failed to roll back unqueued demo", "job_id", job.ID, "err", delErr)
		}

		return nil, fmt.Errorf("failed to queue demo: %w", err)
	}

	logctx.LoggerFromContext(ctx).Info("demo submitted", "job_id", job.ID, "sharecode", code)

	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*storage.Job, error) {
	job, err := s.repo.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &NotFoundError{Resource: "demo", ID: id}
		}

		return nil, fmt.Errorf("failed to get demo: %w", err)
	}

	return job, nil
}

// List returns jobs newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]*storage.Job, error) {
	status := storage.Status(strings.ToUpper(f.Status))
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid status: %s", f.Status)}
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	limit = min(limit, MaxListLimit)

	jobs, err := s.repo.ListJobs(ctx, storage.JobFilter{
		Status: status,
		Limit:  limit,
		Offset: max(f.Offset, 0),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list demos: %w", err)
	}

	return jobs, nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	counts, err := s.repo.CountJobs(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count demos: %w", err)
	}

	st := Stats{
		Pending:     counts[storage.StatusPending],
		Fetching:    counts[storage.StatusFetchingURL],
		Downloading: counts[storage.StatusDownloading],
		Completed:   counts[storage.StatusCompleted],
		Failed:      counts[storage.StatusFailed],
	}
	st.Total = st.Pending + st.Fetching + st.Downloading + st.Completed + st.Failed

	return st, nil
}

// FilePath returns a completed job whose demo file is present in storage.
func (s *Service) FilePath(ctx context.Context, id string) (*storage.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if job.Status != storage.StatusCompleted {
		return nil, &ValidationError{Message: fmt.Sprintf("demo %s is not completed (status: %s)", id, job.Status)}
	}

	exists, err := afero.Exists(s.fs, job.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat demo file: %w", err)
	}

	if !exists {
		return nil, &NotFoundError{Resource: "demo file", ID: id}
	}

	return job, nil
}

// Open returns the demo file of a completed job. The caller closes it.
func (s *Service) Open(ctx context.Context, id string) (afero.File, *storage.Job, error) {
	job, err := s.FilePath(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	f, err := s.fs.Open(job.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, &NotFoundError{Resource: "demo file", ID: id}
		}

		return nil, nil, fmt.Errorf("failed to open demo file: %w", err)
	}

	return f, job, nil
}

// Delete removes the demo file and the job record. A file that cannot be removed
// does not stop the record from being deleted; both failures are reported.
func (s *Service) Delete(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx).With("job_id", id)

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	var fileErr, recordErr error

	if job.FilePath != "" {
		if err := s.fs.Remove(job.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			fileErr = &FileRemovalError{Path: job.FilePath, Err: err}
			logger.Error("failed to remove demo file", "file_path", job.FilePath, "err", err)
		}
	}

	if err := s.repo.DeleteJob(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) && fileErr == nil {
			return &NotFoundError{Resource: "demo", ID: id}
		}

		recordErr = &RecordRemovalError{ID: id, Err: err}
		logger.Error("failed to remove demo record", "err", err)
	}

	if fileErr != nil || recordErr != nil {
		return errors.Join(fileErr, recordErr)
	}

	logger.Info("demo deleted", "file_path", job.FilePath)

	return nil
}
