package downloader

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/cs2_demo_downloader/internal/queue"
	"github.com/italolelis/cs2_demo_downloader/internal/session"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
	"github.com/italolelis/cs2_demo_downloader/internal/storage/sqlite"
	"github.com/italolelis/cs2_demo_downloader/internal/transfer"
)

const testSharecode = "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE"

// recordingRepo remembers every status a job was successfully moved to.
type recordingRepo struct {
	storage.JobRepository

	completeErr error

	mu       sync.Mutex
	statuses []storage.Status
}

func (r *recordingRepo) record(err error, s storage.Status) error {
	if err == nil {
		r.mu.Lock()
		r.statuses = append(r.statuses, s)
		r.mu.Unlock()
	}

	return err
}

func (r *recordingRepo) CreateJob(ctx context.Context, job *storage.Job) error {
	return r.record(r.JobRepository.CreateJob(ctx, job), storage.StatusPending)
}

func (r *recordingRepo) BeginAttempt(ctx context.Context, id string) error {
	return r.record(r.JobRepository.BeginAttempt(ctx, id), storage.StatusFetchingURL)
}

func (r *recordingRepo) RecordMetadata(ctx context.Context, id string, meta storage.MatchMetadata) error {
	return r.record(r.JobRepository.RecordMetadata(ctx, id, meta), storage.StatusDownloading)
}

func (r *recordingRepo) CompleteJob(ctx context.Context, id, path string, size int64, at time.Time) error {
	if r.completeErr != nil {
		return r.completeErr
	}

	return r.record(r.JobRepository.CompleteJob(ctx, id, path, size, at), storage.StatusCompleted)
}

func (r *recordingRepo) FailJob(ctx context.Context, id, message string) error {
	return r.record(r.JobRepository.FailJob(ctx, id, message), storage.StatusFailed)
}

func (r *recordingRepo) Statuses() []storage.Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]storage.Status(nil), r.statuses...)
}

type fakeResolver struct {
	calls atomic.Int32
	info  *session.MatchInfo
	err   error
}

func (f *fakeResolver) RequestMetadata(_ context.Context, _ string) (*session.MatchInfo, error) {
	f.calls.Add(1)

	if f.err != nil {
		return nil, f.err
	}

	return f.info, nil
}

type fakeFetcher struct {
	body    string
	err     error
	onFetch func()
}

func (f *fakeFetcher) Fetch(context.Context, string) (io.ReadCloser, int64, error) {
	if f.onFetch != nil {
		f.onFetch()
	}

	if f.err != nil {
		return nil, 0, f.err
	}

	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

type fixture struct {
	repo     *recordingRepo
	queue    *queue.MemoryQueue
	resolver *fakeResolver
	fetcher  *fakeFetcher
	fs       afero.Fs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := sqlite.InitDB(filepath.Join(t.TempDir(), "demos.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	q := queue.NewMemoryQueue()
	t.Cleanup(func() { q.Close() })

	return &fixture{
		repo:  &recordingRepo{JobRepository: sqlite.NewJobRepository(db)},
		queue: q,
		resolver: &fakeResolver{info: &session.MatchInfo{
			MatchID:  "3602942343486423079",
			DemoURL:  "http://replay1.valve.net/730/003602942343486423079_1234.dem.bz2",
			Duration: 2710,
			Score:    "13-11",
			GameType: 8,
			Players: []session.PlayerStats{
				{AccountID: 222, Kills: 21},
				{AccountID: 111, Kills: 9},
			},
		}},
		fetcher: &fakeFetcher{body: "BZh91AY&SY demo bytes"},
		fs:      afero.NewMemMapFs(),
	}
}

func (f *fixture) downloader(opts ...Option) *Downloader {
	opts = append([]Option{WithPolicy(queue.Policy{MaxAttempts: 3, Backoff: time.Millisecond})}, opts...)

	return NewDownloader("/demos", f.repo, f.queue, f.resolver, f.fetcher, f.fs, opts...)
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()

	ctx := context.Background()
	require.NoError(t, f.repo.CreateJob(ctx, &storage.Job{ID: id, Sharecode: testSharecode}))
	require.NoError(t, f.queue.Enqueue(ctx, queue.Payload{ID: id, Sharecode: testSharecode}))
}

func (f *fixture) handleNext(t *testing.T, d *Downloader) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	delivery, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)

	d.Handle(context.Background(), delivery)
}

func TestDownloader_CompletesJob(t *testing.T) {
	f := newFixture(t)

	var hooked []*storage.Job

	d := f.downloader(WithCompletionHook("test", CompletionHookFunc(func(_ context.Context, job *storage.Job) error {
		hooked = append(hooked, job)

		return nil
	})))

	f.submit(t, "job-1")
	f.handleNext(t, d)

	assert.Equal(t, []storage.Status{
		storage.StatusPending,
		storage.StatusFetchingURL,
		storage.StatusDownloading,
		storage.StatusCompleted,
	}, f.repo.Statuses())

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)

	assert.Equal(t, storage.StatusCompleted, job.Status)
	assert.Equal(t, "/demos/3602942343486423079.dem.bz2", job.FilePath)
	assert.EqualValues(t, len(f.fetcher.body), job.FileSize)
	assert.NotNil(t, job.DownloadedAt)
	assert.Empty(t, job.Error)
	require.Len(t, job.Players, 2)
	assert.EqualValues(t, 222, job.Players[0].AccountID)
	assert.EqualValues(t, 111, job.Players[1].AccountID)

	content, err := afero.ReadFile(f.fs, "/demos/3602942343486423079.dem.bz2")
	require.NoError(t, err)
	assert.Equal(t, f.fetcher.body, string(content))

	parts, err := afero.Glob(f.fs, "/demos/*.part")
	require.NoError(t, err)
	assert.Empty(t, parts)
	assert.NotNil(t, job.NotifiedAt)

	require.Len(t, hooked, 1)
	assert.Equal(t, storage.StatusCompleted, hooked[0].Status)
	assert.Equal(t, job.FilePath, hooked[0].FilePath)

	assert.Zero(t, f.queue.Len())
}

func TestDownloader_FailsAfterAttemptBudget(t *testing.T) {
	f := newFixture(t)
	f.resolver.err = &session.NoMatchDataError{Sharecode: testSharecode}

	d := f.downloader()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- d.Run(ctx) }()

	f.submit(t, "job-1")

	var failure *JobFailure
	select {
	case failure = <-d.OnJobFailed:
	case <-time.After(5 * time.Second):
		t.Fatal("job never failed permanently")
	}

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, "job-1", failure.JobID)
	assert.Equal(t, 3, failure.Attempts)
	assert.Contains(t, failure.Error, "no match data")
	assert.EqualValues(t, 3, f.resolver.calls.Load())

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "no match data")
	assert.Empty(t, job.FilePath)

	failed, err := f.queue.Failed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job-1", failed[0].Payload.ID)
}

func TestDownloader_RetryRestartsAttempt(t *testing.T) {
	f := newFixture(t)
	f.fetcher.err = &transfer.TransferError{Operation: "fetch", StatusCode: 503, Message: "Service Unavailable"}

	d := f.downloader()

	f.submit(t, "job-1")
	f.handleNext(t, d)

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "HTTP 503")

	f.fetcher.err = nil
	f.handleNext(t, d)

	job, err = f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, job.Status)
	assert.Empty(t, job.Error)

	assert.Equal(t, []storage.Status{
		storage.StatusPending,
		storage.StatusFetchingURL,
		storage.StatusDownloading,
		storage.StatusFailed,
		storage.StatusFetchingURL,
		storage.StatusDownloading,
		storage.StatusCompleted,
	}, f.repo.Statuses())
}

func TestDownloader_SkipsCompletedRedelivery(t *testing.T) {
	f := newFixture(t)
	d := f.downloader()

	f.submit(t, "job-1")
	f.handleNext(t, d)
	require.EqualValues(t, 1, f.resolver.calls.Load())

	require.NoError(t, f.queue.Enqueue(context.Background(), queue.Payload{ID: "job-1", Sharecode: testSharecode}))
	f.handleNext(t, d)

	assert.EqualValues(t, 1, f.resolver.calls.Load())
	assert.Zero(t, f.queue.Len())
}

func TestDownloader_DropsDeletedJob(t *testing.T) {
	f := newFixture(t)
	d := f.downloader()

	require.NoError(t, f.queue.Enqueue(context.Background(), queue.Payload{ID: "gone", Sharecode: testSharecode}))
	f.handleNext(t, d)

	assert.Zero(t, f.resolver.calls.Load())
	assert.Zero(t, f.queue.Len())

	failed, err := f.queue.Failed(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestDownloader_HookFailureKeepsJobCompleted(t *testing.T) {
	f := newFixture(t)

	var secondRan bool

	d := f.downloader(
		WithCompletionHook("webhook", CompletionHookFunc(func(context.Context, *storage.Job) error {
			return errors.New("connection refused")
		})),
		WithCompletionHook("archive", CompletionHookFunc(func(context.Context, *storage.Job) error {
			secondRan = true

			return nil
		})),
	)

	f.submit(t, "job-1")
	f.handleNext(t, d)

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, job.Status)
	assert.True(t, secondRan)
}

func TestDownloader_PanicFailsJob(t *testing.T) {
	f := newFixture(t)
	f.resolver.info = nil

	d := f.downloader(WithPolicy(queue.Policy{MaxAttempts: 1}))

	f.submit(t, "job-1")
	f.handleNext(t, d)

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "panic")

	failure := <-d.OnJobFailed
	assert.Equal(t, "job-1", failure.JobID)
}

func TestDownloader_DeletedDuringDownloadLeavesNoFile(t *testing.T) {
	f := newFixture(t)
	f.fetcher.onFetch = func() {
		require.NoError(t, f.repo.DeleteJob(context.Background(), "job-1"))
	}

	var hooked bool

	d := f.downloader(WithCompletionHook("test", CompletionHookFunc(func(context.Context, *storage.Job) error {
		hooked = true

		return nil
	})))

	f.submit(t, "job-1")
	f.handleNext(t, d)

	_, err := f.repo.GetJob(context.Background(), "job-1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	files, err := afero.Glob(f.fs, "/demos/*")
	require.NoError(t, err)
	assert.Empty(t, files)

	assert.False(t, hooked)
	assert.Zero(t, f.queue.Len())
}

func TestDownloader_CompletionWriteFailureRemovesFile(t *testing.T) {
	f := newFixture(t)
	f.repo.completeErr = errors.New("disk I/O error")

	d := f.downloader(WithPolicy(queue.Policy{MaxAttempts: 1}))

	f.submit(t, "job-1")
	f.handleNext(t, d)

	job, err := f.repo.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "disk I/O error")
	assert.Empty(t, job.FilePath)

	files, err := afero.Glob(f.fs, "/demos/*")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDownloader_RedeliveryRunsPendingHooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Completed by a worker that stopped before its hooks ran.
	require.NoError(t, f.repo.CreateJob(ctx, &storage.Job{ID: "job-1", Sharecode: testSharecode}))
	require.NoError(t, f.repo.BeginAttempt(ctx, "job-1"))
	require.NoError(t, f.repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{MatchID: "3602942343486423079"}))
	require.NoError(t, f.repo.CompleteJob(ctx, "job-1", "/demos/3602942343486423079.dem.bz2", 21, time.Now()))

	var calls atomic.Int32

	d := f.downloader(WithCompletionHook("test", CompletionHookFunc(func(_ context.Context, job *storage.Job) error {
		calls.Add(1)
		assert.Equal(t, "/demos/3602942343486423079.dem.bz2", job.FilePath)

		return nil
	})))

	require.NoError(t, f.queue.Enqueue(ctx, queue.Payload{ID: "job-1", Sharecode: testSharecode}))
	f.handleNext(t, d)

	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, f.resolver.calls.Load(), "a completed job is not acquired again")

	job, err := f.repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.NotNil(t, job.NotifiedAt)

	require.NoError(t, f.queue.Enqueue(ctx, queue.Payload{ID: "job-1", Sharecode: testSharecode}))
	f.handleNext(t, d)

	assert.EqualValues(t, 1, calls.Load(), "hooks run once per completion")
}

func TestDownloader_RunRemovesStaleParts(t *testing.T) {
	f := newFixture(t)
	d := f.downloader()

	require.NoError(t, afero.WriteFile(f.fs, "/demos/1.dem.bz2.old.part", []byte("x"), 0600))
	require.NoError(t, afero.WriteFile(f.fs, "/demos/2.dem.bz2.new.part", []byte("y"), 0600))
	require.NoError(t, afero.WriteFile(f.fs, "/demos/3.dem.bz2", []byte("z"), 0644))

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, f.fs.Chtimes("/demos/1.dem.bz2.old.part", old, old))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, d.Run(ctx))

	files, err := afero.Glob(f.fs, "/demos/*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"/demos/2.dem.bz2.new.part", "/demos/3.dem.bz2"}, files)
}
