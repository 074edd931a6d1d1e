package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

const jobColumns = `id, sharecode, status, match_id, match_date, demo_url, duration, score, game_type,
	players, file_path, file_size, error, downloaded_at, notified_at, created_at, updated_at`

type JobRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewJobRepository(dbConn *sql.DB) *JobRepository {
	return &JobRepository{db: dbConn, now: time.Now}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *storage.Job) error {
	now := r.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}

	job.UpdatedAt = now

	if job.Status == "" {
		job.Status = storage.StatusPending
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO demos (id, sharecode, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.Sharecode, job.Status, formatTime(job.CreatedAt), formatTime(job.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sharecode %s: %w", job.Sharecode, storage.ErrConflict)
		}

		return err
	}

	return nil
}

func (r *JobRepository) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM demos WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}

	return job, err
}

// ListJobs returns jobs newest first.
func (r *JobRepository) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM demos`

	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`

		args = append(args, filter.Status)
	}

	query += ` ORDER BY created_at DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`

		args = append(args, filter.Limit, filter.Offset)
	}

	return r.queryJobs(ctx, query, args...)
}

func (r *JobRepository) CountJobs(ctx context.Context) (map[storage.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM demos GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[storage.Status]int, len(storage.Statuses))
	for _, s := range storage.Statuses {
		counts[s] = 0
	}

	for rows.Next() {
		var (
			status storage.Status
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts[status] = count
	}

	return counts, rows.Err()
}

// ListCompletedBefore returns completed jobs whose download finished strictly before cutoff.
func (r *JobRepository) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*storage.Job, error) {
	return r.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM demos WHERE status = ? AND downloaded_at IS NOT NULL AND downloaded_at < ? ORDER BY downloaded_at`,
		storage.StatusCompleted, formatTime(cutoff),
	)
}

func (r *JobRepository) DeleteJob(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM demos WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

func (r *JobRepository) BeginAttempt(ctx context.Context, id string) error {
	return r.transition(ctx, id, storage.StatusFetchingURL,
		`match_id = NULL, match_date = NULL, demo_url = NULL, duration = NULL, score = NULL,
		game_type = NULL, players = NULL, file_path = NULL, file_size = NULL, error = NULL, downloaded_at = NULL,
		notified_at = NULL`,
	)
}

func (r *JobRepository) RecordMetadata(ctx context.Context, id string, meta storage.MatchMetadata) error {
	players := meta.Players
	if players == nil {
		players = []storage.Player{}
	}

	encoded, err := json.Marshal(players)
	if err != nil {
		return fmt.Errorf("failed to encode players: %w", err)
	}

	return r.transition(ctx, id, storage.StatusDownloading,
		`match_id = ?, match_date = ?, demo_url = ?, duration = ?, score = ?, game_type = ?, players = ?`,
		meta.MatchID, nullableTime(meta.MatchDate), meta.DemoURL, meta.Duration, meta.Score, meta.GameType, string(encoded),
	)
}

func (r *JobRepository) CompleteJob(ctx context.Context, id, filePath string, fileSize int64, downloadedAt time.Time) error {
	return r.transition(ctx, id, storage.StatusCompleted,
		`file_path = ?, file_size = ?, downloaded_at = ?, error = NULL`,
		filePath, fileSize, formatTime(downloadedAt),
	)
}

func (r *JobRepository) FailJob(ctx context.Context, id, message string) error {
	return r.transition(ctx, id, storage.StatusFailed,
		`error = ?, file_path = NULL, file_size = NULL, downloaded_at = NULL, notified_at = NULL`,
		message,
	)
}

// MarkNotified records that the completion hooks of a completed job have run.
func (r *JobRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE demos SET notified_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		formatTime(at), formatTime(r.now()), id, storage.StatusCompleted,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("completed job %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

// transition sets status to next, guarded by the statuses allowed to move there,
// together with the given assignments.
func (r *JobRepository) transition(ctx context.Context, id string, next storage.Status, assignments string, args ...any) error {
	var from []storage.Status

	for _, s := range storage.Statuses {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(from)), ", ")

	query := fmt.Sprintf(`UPDATE demos SET status = ?, updated_at = ?, %s WHERE id = ? AND status IN (%s)`, assignments, placeholders)

	params := make([]any, 0, len(args)+len(from)+3)
	params = append(params, next, formatTime(r.now()))
	params = append(params, args...)
	params = append(params, id)

	for _, s := range from {
		params = append(params, s)
	}

	res, err := r.db.ExecContext(ctx, query, params...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected > 0 {
		return nil
	}

	var current storage.Status

	err = r.db.QueryRowContext(ctx, `SELECT status FROM demos WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}

	if err != nil {
		return err
	}

	return fmt.Errorf("job %s from %s to %s: %w", id, current, next, storage.ErrInvalidTransition)
}

func (r *JobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*storage.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*storage.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*storage.Job, error) {
	var (
		job          storage.Job
		matchID      sql.NullString
		matchDate    sql.NullString
		demoURL      sql.NullString
		duration     sql.NullInt32
		score        sql.NullString
		gameType     sql.NullInt64
		players      sql.NullString
		filePath     sql.NullString
		fileSize     sql.NullInt64
		errMsg       sql.NullString
		downloadedAt sql.NullString
		notifiedAt   sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := s.Scan(&job.ID, &job.Sharecode, &job.Status, &matchID, &matchDate, &demoURL, &duration, &score, &gameType,
		&players, &filePath, &fileSize, &errMsg, &downloadedAt, &notifiedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	job.MatchID = matchID.String
	job.DemoURL = demoURL.String
	job.Duration = duration.Int32
	job.Score = score.String
	job.GameType = uint32(gameType.Int64)
	job.FilePath = filePath.String
	job.FileSize = fileSize.Int64
	job.Error = errMsg.String

	if players.Valid && players.String != "" {
		if err := json.Unmarshal([]byte(players.String), &job.Players); err != nil {
			return nil, fmt.Errorf("failed to decode players of job %s: %w", job.ID, err)
		}
	}

	if job.MatchDate, err = parseNullableTime(matchDate); err != nil {
		return nil, err
	}

	if job.NotifiedAt, err = parseNullableTime(notifiedAt); err != nil {
		return nil, err
	}

	if job.DownloadedAt, err = parseNullableTime(downloadedAt); err != nil {
		return nil, err
	}

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}

	return &job, nil
}
