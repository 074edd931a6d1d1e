package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

const deliveryColumns = `id, demo_id, url, status, attempts, last_attempt, response, created_at`

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(dbConn *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: dbConn}
}

func (r *DeliveryRepository) CreateDelivery(ctx context.Context, d *storage.DeliveryAttempt) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	if d.Status == "" {
		d.Status = storage.DeliveryPending
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhooks (id, demo_id, url, status, attempts, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		d.ID, d.JobID, d.URL, d.Status, d.Attempts, formatTime(d.CreatedAt),
	)

	return err
}

func (r *DeliveryRepository) GetDelivery(ctx context.Context, id string) (*storage.DeliveryAttempt, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM webhooks WHERE id = ?`, id)

	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, storage.ErrNotFound)
	}

	return d, err
}

func (r *DeliveryRepository) RecordDeliveryResult(ctx context.Context, id string, status storage.DeliveryStatus, response string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET status = ?, response = ?, last_attempt = ?, attempts = attempts + 1 WHERE id = ?`,
		status, response, formatTime(at), id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return fmt.Errorf("delivery %s: %w", id, storage.ErrNotFound)
	}

	return nil
}

// ListRetryableDeliveries returns failed deliveries that have been attempted fewer than maxAttempts times, oldest first.
func (r *DeliveryRepository) ListRetryableDeliveries(ctx context.Context, maxAttempts, limit int) ([]*storage.DeliveryAttempt, error) {
	return r.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhooks WHERE status = ? AND attempts < ? ORDER BY created_at LIMIT ?`,
		storage.DeliveryFailed, maxAttempts, limit,
	)
}

func (r *DeliveryRepository) ListDeliveriesForJob(ctx context.Context, jobID string) ([]*storage.DeliveryAttempt, error) {
	return r.queryDeliveries(ctx,
		`SELECT `+deliveryColumns+` FROM webhooks WHERE demo_id = ? ORDER BY created_at`,
		jobID,
	)
}

func (r *DeliveryRepository) queryDeliveries(ctx context.Context, query string, args ...any) ([]*storage.DeliveryAttempt, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deliveries []*storage.DeliveryAttempt

	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}

		deliveries = append(deliveries, d)
	}

	return deliveries, rows.Err()
}

func scanDelivery(s scanner) (*storage.DeliveryAttempt, error) {
	var (
		d           storage.DeliveryAttempt
		lastAttempt sql.NullString
		response    sql.NullString
		createdAt   string
	)

	if err := s.Scan(&d.ID, &d.JobID, &d.URL, &d.Status, &d.Attempts, &lastAttempt, &response, &createdAt); err != nil {
		return nil, err
	}

	d.Response = response.String

	var err error

	if d.LastAttempt, err = parseNullableTime(lastAttempt); err != nil {
		return nil, err
	}

	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}

	return &d, nil
}
