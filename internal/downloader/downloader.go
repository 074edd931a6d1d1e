// Package downloader runs demo acquisition jobs pulled from the queue.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/cs2_demo_downloader/internal/downloader/progress"
	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/queue"
	"github.com/italolelis/cs2_demo_downloader/internal/session"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
	"github.com/italolelis/cs2_demo_downloader/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// DemoExt is appended to the match id to name a stored demo.
	DemoExt = ".dem.bz2"
	partExt = ".part"

	progressInterval = 32 * 1024 * 1024
	dequeueBackoff   = time.Second
	failureBuffer    = 16

	// Partial files untouched for this long belong to attempts that died with their process.
	stalePartAge = 24 * time.Hour
)

// MetadataResolver turns a sharecode into coordinator match data.
type MetadataResolver interface {
	RequestMetadata(ctx context.Context, sharecode string) (*session.MatchInfo, error)
}

// CompletionHook is told about every job that reached COMPLETED. Its errors are
// logged and never change the job.
type CompletionHook interface {
	OnCompleted(ctx context.Context, job *storage.Job) error
}

// CompletionHookFunc adapts a function to CompletionHook.
type CompletionHookFunc func(ctx context.Context, job *storage.Job) error

func (f CompletionHookFunc) OnCompleted(ctx context.Context, job *storage.Job) error {
	return f(ctx, job)
}

// JobFailure describes a job that spent its whole attempt budget.
type JobFailure struct {
	JobID     string
	Sharecode string
	Attempts  int
	Error     string
}

type Downloader struct {
	demosDir    string
	concurrency int
	policy      queue.Policy
	instanceID  string

	repo     storage.JobRepository
	queue    queue.Queue
	resolver MetadataResolver
	fetcher  transfer.Fetcher
	fs       afero.Fs
	hooks    []namedHook

	telemetry *telemetry.Telemetry
	now       func() time.Time

	OnJobFailed chan *JobFailure
}

type namedHook struct {
	name string
	hook CompletionHook
}

type Option func(*Downloader)

// WithPolicy sets the retry policy applied to failed attempts.
func WithPolicy(p queue.Policy) Option {
	return func(d *Downloader) { d.policy = p }
}

// WithConcurrency sets how many jobs run at the same time.
func WithConcurrency(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithCompletionHook registers a hook run, in registration order, after a job completes.
func WithCompletionHook(name string, h CompletionHook) Option {
	return func(d *Downloader) { d.hooks = append(d.hooks, namedHook{name: name, hook: h}) }
}

// WithInstanceID names this process in logs and queue claims.
func WithInstanceID(id string) Option {
	return func(d *Downloader) {
		if id != "" {
			d.instanceID = id
		}
	}
}

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) { d.telemetry = tel }
}

func NewDownloader(
	demosDir string,
	repo storage.JobRepository,
	q queue.Queue,
	resolver MetadataResolver,
	fetcher transfer.Fetcher,
	fs afero.Fs,
	opts ...Option,
) *Downloader {
	d := &Downloader{
		demosDir:    demosDir,
		concurrency: 1,
		policy:      queue.DefaultPolicy(),
		instanceID:  GenerateInstanceID(),
		repo:        repo,
		queue:       q,
		resolver:    resolver,
		fetcher:     fetcher,
		fs:          fs,
		now:         time.Now,
		OnJobFailed: make(chan *JobFailure, failureBuffer),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Close releases the event channel. Call it after Run has returned.
func (d *Downloader) Close() {
	close(d.OnJobFailed)
}

// Run drains the queue with the configured number of workers until ctx is done
// or the queue is closed.
func (d *Downloader) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("starting acquisition workers", "concurrency", d.concurrency, "instance_id", d.instanceID)

	d.removeStaleParts(ctx)

	g, ctx := errgroup.WithContext(ctx)

	for i := range d.concurrency {
		wctx := logctx.WithLogger(ctx, logger.With("worker_id", workerID(d.instanceID, i)))

		g.Go(func() error {
			return d.work(wctx)
		})
	}

	err := g.Wait()

	logger.Info("acquisition workers stopped")

	return err
}

func (d *Downloader) work(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	for {
		delivery, err := d.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}

			logger.Error("failed to dequeue job", "err", err)
			d.telemetry.RecordSystemError("downloader", "dequeue")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(dequeueBackoff):
			}

			continue
		}

		d.Handle(ctx, delivery)
	}
}

// Handle runs one delivery and settles it with the queue according to the retry policy.
func (d *Downloader) Handle(ctx context.Context, delivery *queue.Delivery) {
	logger := logctx.LoggerFromContext(ctx).With(
		"job_id", delivery.Payload.ID,
		"sharecode", delivery.Payload.Sharecode,
		"attempt", delivery.Attempt,
	)
	ctx = logctx.WithLogger(ctx, logger)

	err := d.telemetry.InstrumentJob(ctx, func(ctx context.Context) error {
		return d.process(ctx, delivery.Payload)
	})

	// The outcome is settled even when the worker is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if err == nil {
		if ackErr := d.queue.Ack(settleCtx, delivery); ackErr != nil {
			logger.Error("failed to ack job", "err", ackErr)
		}

		return
	}

	if delay, ok := d.policy.Next(delivery.Attempt); ok {
		logger.Warn("attempt failed, scheduling retry", "err", err, "retry_in", delay)

		if retryErr := d.queue.Retry(settleCtx, delivery, delay); retryErr != nil {
			logger.Error("failed to schedule retry", "err", retryErr)
		}

		return
	}

	logger.Error("job failed permanently", "err", err)

	if buryErr := d.queue.Bury(settleCtx, delivery, err.Error()); buryErr != nil {
		logger.Error("failed to move job to the failed set", "err", buryErr)
	}

	select {
	case d.OnJobFailed <- &JobFailure{
		JobID:     delivery.Payload.ID,
		Sharecode: delivery.Payload.Sharecode,
		Attempts:  delivery.Attempt,
		Error:     err.Error(),
	}:
	default:
		logger.Warn("failure event dropped, no listener keeping up")
	}
}

// process runs one attempt. A nil error means the delivery is done with: the job
// completed now, completed earlier, or no longer exists.
func (d *Downloader) process(ctx context.Context, p queue.Payload) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	job, err := d.repo.GetJob(ctx, p.ID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warn("job no longer exists, dropping delivery")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	if job.Status == storage.StatusCompleted {
		if job.NotifiedAt != nil {
			logger.Info("job already completed, skipping redelivery")

			return nil
		}

		logger.Info("job completed without running completion hooks, running them now")
		d.notify(ctx, job)

		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while acquiring demo", "panic", r)
			d.telemetry.RecordSystemError("downloader", "panic")

			err = fmt.Errorf("panic while acquiring demo: %v", r)
			d.fail(ctx, job.ID, err)
		}
	}()

	if err := d.acquire(ctx, job); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Warn("job deleted while running, dropping delivery")

			return nil
		}

		d.fail(ctx, job.ID, err)

		return err
	}

	logger.Info("demo acquired",
		"match_id", job.MatchID,
		"file_path", job.FilePath,
		"file_size", humanize.Bytes(uint64(job.FileSize)))

	d.notify(ctx, job)

	return nil
}

// acquire walks job through FETCHING_URL, DOWNLOADING and COMPLETED, persisting
// every step before starting the next. job is updated in place.
func (d *Downloader) acquire(ctx context.Context, job *storage.Job) error {
	if err := d.repo.BeginAttempt(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to start attempt: %w", err)
	}

	info, err := d.resolver.RequestMetadata(ctx, job.Sharecode)
	if err != nil {
		return err
	}

	meta := storage.MatchMetadata{
		MatchID:   info.MatchID,
		MatchDate: info.MatchDate,
		DemoURL:   info.DemoURL,
		Duration:  info.Duration,
		Score:     info.Score,
		GameType:  info.GameType,
		Players:   toPlayers(info.Players),
	}

	if err := d.repo.RecordMetadata(ctx, job.ID, meta); err != nil {
		return fmt.Errorf("failed to record match metadata: %w", err)
	}

	targetPath := filepath.Join(d.demosDir, info.MatchID+DemoExt)

	size, err := d.DownloadFile(ctx, info.DemoURL, targetPath)
	if err != nil {
		return err
	}

	downloadedAt := d.now().UTC()

	if err := d.repo.CompleteJob(ctx, job.ID, targetPath, size, downloadedAt); err != nil {
		// No record points at the file, so it must not stay behind.
		if rmErr := d.fs.Remove(targetPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logctx.LoggerFromContext(ctx).Error("failed to remove unrecorded demo", "file_path", targetPath, "err", rmErr)
		}

		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	job.Status = storage.StatusCompleted
	job.MatchID = meta.MatchID
	job.MatchDate = meta.MatchDate
	job.DemoURL = meta.DemoURL
	job.Duration = meta.Duration
	job.Score = meta.Score
	job.GameType = meta.GameType
	job.Players = meta.Players
	job.FilePath = targetPath
	job.FileSize = size
	job.Error = ""
	job.DownloadedAt = &downloadedAt

	return nil
}

// DownloadFile streams url into targetPath and returns the stored size. The data
// lands in a sibling .part file, unique per call, so a crash never leaves a
// truncated demo under the final name.
func (d *Downloader) DownloadFile(ctx context.Context, url, targetPath string) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	body, total, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := d.ensureTargetDir(targetPath, logger); err != nil {
		return 0, err
	}

	out, err := afero.TempFile(d.fs, filepath.Dir(targetPath), filepath.Base(targetPath)+".*"+partExt)
	if err != nil {
		return 0, transfer.Errorf("create", err)
	}

	partPath := out.Name()

	if err := d.writeFile(ctx, out, body, url, targetPath, total); err != nil {
		out.Close()
		d.fs.Remove(partPath)

		return 0, err
	}

	if err := out.Close(); err != nil {
		d.fs.Remove(partPath)

		return 0, transfer.Errorf("close", err)
	}

	if err := d.fs.Chmod(partPath, filePerm); err != nil {
		d.fs.Remove(partPath)

		return 0, transfer.Errorf("chmod", err)
	}

	if err := d.fs.Rename(partPath, targetPath); err != nil {
		d.fs.Remove(partPath)

		return 0, transfer.Errorf("rename", err)
	}

	info, err := d.fs.Stat(targetPath)
	if err != nil {
		return 0, transfer.Errorf("stat", err)
	}

	d.telemetry.RecordBytesDownloaded(info.Size())

	logger.Info("downloaded and saved file", "target", targetPath, "file_size", humanize.Bytes(uint64(info.Size())))

	return info.Size(), nil
}

func (d *Downloader) fail(ctx context.Context, id string, cause error) {
	logger := logctx.LoggerFromContext(ctx)

	// A cancelled attempt is still recorded so the job never stays mid-flight.
	if err := d.repo.FailJob(context.WithoutCancel(ctx), id, cause.Error()); err != nil {
		logger.Error("failed to record job failure", "err", err, "cause", cause)
	}
}

// notify runs the completion hooks and then marks the job notified. A crash in
// between leaves the marker unset and the redelivery runs the hooks again.
func (d *Downloader) notify(ctx context.Context, job *storage.Job) {
	logger := logctx.LoggerFromContext(ctx)

	for _, h := range d.hooks {
		if err := h.hook.OnCompleted(ctx, job); err != nil {
			logger.Error("completion hook failed", "hook", h.name, "err", err)
		}
	}

	notifiedAt := d.now().UTC()

	if err := d.repo.MarkNotified(context.WithoutCancel(ctx), job.ID, notifiedAt); err != nil {
		logger.Error("failed to record completion hooks", "err", err)

		return
	}

	job.NotifiedAt = &notifiedAt
}

func (d *Downloader) removeStaleParts(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	parts, err := afero.Glob(d.fs, filepath.Join(d.demosDir, "*"+partExt))
	if err != nil {
		logger.Warn("failed to list partial downloads", "err", err)

		return
	}

	cutoff := d.now().Add(-stalePartAge)

	for _, p := range parts {
		info, err := d.fs.Stat(p)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := d.fs.Remove(p); err != nil {
			logger.Warn("failed to remove partial download", "file_path", p, "err", err)

			continue
		}

		logger.Info("removed partial download", "file_path", p, "file_size", humanize.Bytes(uint64(info.Size())))
	}
}

func (d *Downloader) ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := d.fs.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return transfer.Errorf("mkdir", err)
	}

	return nil
}

func (d *Downloader) writeFile(ctx context.Context, out io.Writer, reader io.Reader, url, targetPath string, totalBytes int64) error {
	logger := logctx.LoggerFromContext(ctx)

	if totalBytes > 0 {
		logger.Info("downloading file", "file_path", targetPath, "file_size", humanize.Bytes(uint64(totalBytes)))
	} else {
		logger.Info("downloading file", "file_path", targetPath)
	}

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.Debug("download progress",
				"url", url,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.Debug("download progress", "url", url, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(reader, totalBytes, progressInterval, progressCb)

	if _, err := io.Copy(out, pr); err != nil {
		return transfer.Errorf("write", err)
	}

	return nil
}

func toPlayers(stats []session.PlayerStats) []storage.Player {
	if len(stats) == 0 {
		return nil
	}

	players := make([]storage.Player, len(stats))
	for i, s := range stats {
		players[i] = storage.Player{
			AccountID: s.AccountID,
			Kills:     s.Kills,
			Deaths:    s.Deaths,
			Assists:   s.Assists,
			MVPs:      s.MVPs,
			Headshots: s.Headshots,
		}
	}

	return players
}
