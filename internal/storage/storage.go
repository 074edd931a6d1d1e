package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrConflict          = errors.New("record already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the acquisition state of a demo job.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusFetchingURL Status = "FETCHING_URL"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// Statuses lists every job status in lifecycle order.
var Statuses = []Status{StatusPending, StatusFetchingURL, StatusDownloading, StatusCompleted, StatusFailed}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFetchingURL, StatusDownloading, StatusCompleted, StatusFailed:
		return true
	}

	return false
}

// CanTransition reports whether a job may move from s to next. The success path
// never skips a stage, any non-terminal stage may fail, and a failed (or interrupted)
// job may begin a new attempt at FETCHING_URL.
func (s Status) CanTransition(next Status) bool {
	switch next {
	case StatusFetchingURL:
		return s != StatusCompleted
	case StatusDownloading:
		return s == StatusFetchingURL
	case StatusCompleted:
		return s == StatusDownloading
	case StatusFailed:
		return s != StatusCompleted
	}

	return false
}

// Player is one row of per-player match statistics, kept in the order the
// coordinator reported them.
type Player struct {
	AccountID uint32 `json:"accountId"`
	Kills     int32  `json:"kills"`
	Deaths    int32  `json:"deaths"`
	Assists   int32  `json:"assists"`
	MVPs      int32  `json:"mvps"`
	Headshots int32  `json:"headshots"`
}

// Job represents a persisted demo acquisition job.
type Job struct {
	ID           string
	Sharecode    string
	Status       Status
	MatchID      string
	MatchDate    *time.Time
	DemoURL      string
	Duration     int32
	Score        string
	GameType     uint32
	Players      []Player
	FilePath     string
	FileSize     int64
	Error        string
	DownloadedAt *time.Time
	NotifiedAt   *time.Time // completion hooks ran for the current attempt
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// MatchMetadata is the coordinator data recorded on a job before its file is fetched.
type MatchMetadata struct {
	MatchID   string
	MatchDate *time.Time
	DemoURL   string
	Duration  int32
	Score     string
	GameType  uint32
	Players   []Player
}

// JobFilter narrows ListJobs. A zero Status matches every job.
type JobFilter struct {
	Status Status
	Limit  int
	Offset int
}

type JobRepository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountJobs(ctx context.Context) (map[Status]int, error)
	ListCompletedBefore(ctx context.Context, cutoff time.Time) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error

	// BeginAttempt moves a job to FETCHING_URL and discards data from any previous attempt.
	BeginAttempt(ctx context.Context, id string) error
	// RecordMetadata stores coordinator data and moves the job to DOWNLOADING.
	RecordMetadata(ctx context.Context, id string, meta MatchMetadata) error
	CompleteJob(ctx context.Context, id, filePath string, fileSize int64, downloadedAt time.Time) error
	FailJob(ctx context.Context, id, message string) error
	// MarkNotified records that the completion hooks ran for a COMPLETED job.
	MarkNotified(ctx context.Context, id string, at time.Time) error
}

// DeliveryStatus is the state of a webhook delivery attempt.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// DeliveryAttempt records a webhook notification for a completed job.
type DeliveryAttempt struct {
	ID          string
	JobID       string
	URL         string
	Status      DeliveryStatus
	Attempts    int
	LastAttempt *time.Time
	Response    string
	CreatedAt   time.Time
}

type DeliveryRepository interface {
	CreateDelivery(ctx context.Context, d *DeliveryAttempt) error
	GetDelivery(ctx context.Context, id string) (*DeliveryAttempt, error)
	// RecordDeliveryResult stores the outcome of one attempt and increments the attempt count.
	RecordDeliveryResult(ctx context.Context, id string, status DeliveryStatus, response string, at time.Time) error
	ListRetryableDeliveries(ctx context.Context, maxAttempts, limit int) ([]*DeliveryAttempt, error)
	ListDeliveriesForJob(ctx context.Context, jobID string) ([]*DeliveryAttempt, error)
}
