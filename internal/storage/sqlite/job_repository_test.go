package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "demos.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return db
}

func createJob(t *testing.T, repo *JobRepository, id, sharecode string) *storage.Job {
	t.Helper()

	job := &storage.Job{ID: id, Sharecode: sharecode}
	require.NoError(t, repo.CreateJob(context.Background(), job))

	return job
}

func TestJobRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	created := createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")
	assert.Equal(t, storage.StatusPending, created.Status)

	got, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)

	assert.Equal(t, "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee", got.Sharecode)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Empty(t, got.MatchID)
	assert.Nil(t, got.MatchDate)
	assert.Nil(t, got.DownloadedAt)
	assert.Nil(t, got.Players)
	assert.WithinDuration(t, created.CreatedAt, got.CreatedAt, time.Microsecond)
}

func TestJobRepository_CreateDuplicateSharecode(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")

	err := repo.CreateJob(context.Background(), &storage.Job{ID: "job-2", Sharecode: "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee"})
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestJobRepository_GetMissing(t *testing.T) {
	repo := NewJobRepository(newTestDB(t))

	_, err := repo.GetJob(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobRepository_SuccessPath(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")

	require.NoError(t, repo.BeginAttempt(ctx, "job-1"))

	matchDate := time.Date(2024, 3, 1, 20, 15, 0, 0, time.UTC)
	players := []storage.Player{
		{AccountID: 10, Kills: 20, Deaths: 11, Assists: 3, MVPs: 4, Headshots: 9},
		{AccountID: 11, Kills: 7, Deaths: 18},
	}

	require.NoError(t, repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{
		MatchID:   "3602942343486423079",
		MatchDate: &matchDate,
		DemoURL:   "http://replay185.valve.net/730/003602942343486423079_1204538345.dem.bz2",
		Duration:  2710,
		Score:     "13-11",
		GameType:  8,
		Players:   players,
	}))

	job, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusDownloading, job.Status)
	assert.Equal(t, players, job.Players)
	require.NotNil(t, job.MatchDate)
	assert.True(t, matchDate.Equal(*job.MatchDate))

	downloadedAt := time.Now().UTC()
	require.NoError(t, repo.CompleteJob(ctx, "job-1", "/demos/3602942343486423079.dem.bz2", 1024, downloadedAt))

	job, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, job.Status)
	assert.Equal(t, "/demos/3602942343486423079.dem.bz2", job.FilePath)
	assert.EqualValues(t, 1024, job.FileSize)
	require.NotNil(t, job.DownloadedAt)
	assert.WithinDuration(t, downloadedAt, *job.DownloadedAt, time.Microsecond)
	assert.Empty(t, job.Error)
}

func TestJobRepository_InvalidTransitions(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")

	err := repo.CompleteJob(ctx, "job-1", "/x", 1, time.Now())
	require.ErrorIs(t, err, storage.ErrInvalidTransition, "PENDING cannot skip to COMPLETED")

	err = repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{MatchID: "1"})
	require.ErrorIs(t, err, storage.ErrInvalidTransition, "PENDING cannot skip to DOWNLOADING")

	err = repo.FailJob(ctx, "missing", "boom")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobRepository_CompletedIsTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")
	require.NoError(t, repo.BeginAttempt(ctx, "job-1"))
	require.NoError(t, repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{MatchID: "1", DemoURL: "http://x"}))
	require.NoError(t, repo.CompleteJob(ctx, "job-1", "/x", 1, time.Now()))

	require.ErrorIs(t, repo.FailJob(ctx, "job-1", "late"), storage.ErrInvalidTransition)
	require.ErrorIs(t, repo.BeginAttempt(ctx, "job-1"), storage.ErrInvalidTransition)
}

func TestJobRepository_RetryClearsPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")
	require.NoError(t, repo.BeginAttempt(ctx, "job-1"))
	require.NoError(t, repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{
		MatchID: "42",
		DemoURL: "http://x",
		Players: []storage.Player{{AccountID: 1}},
	}))
	require.NoError(t, repo.FailJob(ctx, "job-1", "download failed"))

	job, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, job.Status)
	assert.Equal(t, "download failed", job.Error)
	assert.Equal(t, "42", job.MatchID, "metadata survives a failure")

	require.NoError(t, repo.BeginAttempt(ctx, "job-1"))

	job, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFetchingURL, job.Status)
	assert.Empty(t, job.Error)
	assert.Empty(t, job.MatchID)
	assert.Empty(t, job.DemoURL)
	assert.Nil(t, job.Players)
}

func TestJobRepository_ListAndCount(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		job := &storage.Job{ID: id, Sharecode: "CSGO-" + id, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		require.NoError(t, repo.CreateJob(ctx, job))
	}

	require.NoError(t, repo.BeginAttempt(ctx, "b"))
	require.NoError(t, repo.FailJob(ctx, "b", "x"))

	jobs, err := repo.ListJobs(ctx, storage.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "c", jobs[0].ID, "newest first")
	assert.Equal(t, "a", jobs[2].ID)

	jobs, err = repo.ListJobs(ctx, storage.JobFilter{Status: storage.StatusFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)

	jobs, err = repo.ListJobs(ctx, storage.JobFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].ID)

	counts, err := repo.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[storage.StatusPending])
	assert.Equal(t, 1, counts[storage.StatusFailed])
	assert.Equal(t, 0, counts[storage.StatusCompleted])
}

func TestJobRepository_ListCompletedBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	cutoff := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	complete := func(id string, at time.Time) {
		createJob(t, repo, id, "CSGO-"+id)
		require.NoError(t, repo.BeginAttempt(ctx, id))
		require.NoError(t, repo.RecordMetadata(ctx, id, storage.MatchMetadata{MatchID: id, DemoURL: "http://x"}))
		require.NoError(t, repo.CompleteJob(ctx, id, "/demos/"+id, 1, at))
	}

	complete("old", cutoff.Add(-time.Hour))
	complete("exact", cutoff)
	complete("new", cutoff.Add(time.Hour))
	createJob(t, repo, "pending", "CSGO-pending")

	jobs, err := repo.ListCompletedBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "old", jobs[0].ID)
}

func TestJobRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")

	require.NoError(t, repo.DeleteJob(ctx, "job-1"))
	require.ErrorIs(t, repo.DeleteJob(ctx, "job-1"), storage.ErrNotFound)

	_, err := repo.GetJob(ctx, "job-1")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestInstrumentedJobRepository_NilTelemetry(t *testing.T) {
	ctx := context.Background()
	repo := NewInstrumentedJobRepository(newTestDB(t), nil)

	require.NoError(t, repo.CreateJob(ctx, &storage.Job{ID: "job-1", Sharecode: "CSGO-x"}))

	job, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "CSGO-x", job.Sharecode)

	_, err = repo.GetJob(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestJobRepository_MarkNotified(t *testing.T) {
	ctx := context.Background()
	repo := NewJobRepository(newTestDB(t))

	createJob(t, repo, "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")

	at := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	require.ErrorIs(t, repo.MarkNotified(ctx, "job-1", at), storage.ErrNotFound, "only completed jobs can be marked")
	require.ErrorIs(t, repo.MarkNotified(ctx, "missing", at), storage.ErrNotFound)

	require.NoError(t, repo.BeginAttempt(ctx, "job-1"))
	require.NoError(t, repo.RecordMetadata(ctx, "job-1", storage.MatchMetadata{MatchID: "42"}))
	require.NoError(t, repo.CompleteJob(ctx, "job-1", "/demos/42.dem.bz2", 10, at))

	job, err := repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Nil(t, job.NotifiedAt)

	require.NoError(t, repo.MarkNotified(ctx, "job-1", at))

	job, err = repo.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, job.NotifiedAt)
	assert.True(t, at.Equal(*job.NotifiedAt))
}

func TestInitDB_ReopenKeepsMigratedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demos.db")

	db, err := InitDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = InitDB(path)
	require.NoError(t, err)
	defer db.Close()

	createJob(t, NewJobRepository(db), "job-1", "CSGO-aaaaa-bbbbb-ccccc-ddddd-eeeee")
}
