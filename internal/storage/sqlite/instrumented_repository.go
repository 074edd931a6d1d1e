package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/cs2_demo_downloader/internal/storage"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

// InstrumentedJobRepository wraps JobRepository with telemetry.
type InstrumentedJobRepository struct {
	repo      *JobRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobRepository creates a new instrumented job repository.
func NewInstrumentedJobRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedJobRepository {
	return &InstrumentedJobRepository{
		repo:      NewJobRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedJobRepository) CreateJob(ctx context.Context, job *storage.Job) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_job", func(ctx context.Context) error {
		return r.repo.CreateJob(ctx, job)
	})
}

func (r *InstrumentedJobRepository) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	return instrument(ctx, r.telemetry, "get_job", func(ctx context.Context) (*storage.Job, error) {
		return r.repo.GetJob(ctx, id)
	})
}

func (r *InstrumentedJobRepository) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*storage.Job, error) {
	return instrument(ctx, r.telemetry, "list_jobs", func(ctx context.Context) ([]*storage.Job, error) {
		return r.repo.ListJobs(ctx, filter)
	})
}

func (r *InstrumentedJobRepository) CountJobs(ctx context.Context) (map[storage.Status]int, error) {
	return instrument(ctx, r.telemetry, "count_jobs", r.repo.CountJobs)
}

func (r *InstrumentedJobRepository) ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*storage.Job, error) {
	return instrument(ctx, r.telemetry, "list_completed_before", func(ctx context.Context) ([]*storage.Job, error) {
		return r.repo.ListCompletedBefore(ctx, cutoff)
	})
}

func (r *InstrumentedJobRepository) DeleteJob(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_job", func(ctx context.Context) error {
		return r.repo.DeleteJob(ctx, id)
	})
}

func (r *InstrumentedJobRepository) BeginAttempt(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "begin_attempt", func(ctx context.Context) error {
		return r.repo.BeginAttempt(ctx, id)
	})
}

func (r *InstrumentedJobRepository) RecordMetadata(ctx context.Context, id string, meta storage.MatchMetadata) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_metadata", func(ctx context.Context) error {
		return r.repo.RecordMetadata(ctx, id, meta)
	})
}

func (r *InstrumentedJobRepository) CompleteJob(ctx context.Context, id, filePath string, fileSize int64, downloadedAt time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "complete_job", func(ctx context.Context) error {
		return r.repo.CompleteJob(ctx, id, filePath, fileSize, downloadedAt)
	})
}

func (r *InstrumentedJobRepository) FailJob(ctx context.Context, id, message string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "fail_job", func(ctx context.Context) error {
		return r.repo.FailJob(ctx, id, message)
	})
}

func (r *InstrumentedJobRepository) MarkNotified(ctx context.Context, id string, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "mark_notified", func(ctx context.Context) error {
		return r.repo.MarkNotified(ctx, id, at)
	})
}

// InstrumentedDeliveryRepository wraps DeliveryRepository with telemetry.
type InstrumentedDeliveryRepository struct {
	repo      *DeliveryRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedDeliveryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDeliveryRepository {
	return &InstrumentedDeliveryRepository{
		repo:      NewDeliveryRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDeliveryRepository) CreateDelivery(ctx context.Context, d *storage.DeliveryAttempt) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_delivery", func(ctx context.Context) error {
		return r.repo.CreateDelivery(ctx, d)
	})
}

func (r *InstrumentedDeliveryRepository) GetDelivery(ctx context.Context, id string) (*storage.DeliveryAttempt, error) {
	return instrument(ctx, r.telemetry, "get_delivery", func(ctx context.Context) (*storage.DeliveryAttempt, error) {
		return r.repo.GetDelivery(ctx, id)
	})
}

func (r *InstrumentedDeliveryRepository) RecordDeliveryResult(ctx context.Context, id string, status storage.DeliveryStatus, response string, at time.Time) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_delivery_result", func(ctx context.Context) error {
		return r.repo.RecordDeliveryResult(ctx, id, status, response, at)
	})
}

func (r *InstrumentedDeliveryRepository) ListRetryableDeliveries(ctx context.Context, maxAttempts, limit int) ([]*storage.DeliveryAttempt, error) {
	return instrument(ctx, r.telemetry, "list_retryable_deliveries", func(ctx context.Context) ([]*storage.DeliveryAttempt, error) {
		return r.repo.ListRetryableDeliveries(ctx, maxAttempts, limit)
	})
}

func (r *InstrumentedDeliveryRepository) ListDeliveriesForJob(ctx context.Context, jobID string) ([]*storage.DeliveryAttempt, error) {
	return instrument(ctx, r.telemetry, "list_deliveries_for_job", func(ctx context.Context) ([]*storage.DeliveryAttempt, error) {
		return r.repo.ListDeliveriesForJob(ctx, jobID)
	})
}

func instrument[T any](ctx context.Context, tel *telemetry.Telemetry, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T

	err := tel.InstrumentDBOperation(ctx, operation, func(ctx context.Context) error {
		var err error

		result, err = fn(ctx)

		return err
	})

	return result, err
}
