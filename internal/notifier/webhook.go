// Package notifier announces completed demos to webhook consumers and sends
// operator alerts.
package notifier

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

const (
	UserAgent          = "CS2-Demo-Downloader/1.0"
	SignatureHeader    = "X-Webhook-Signature"
	EventDemoCompleted = "demo.completed"

	// MaxDeliveryAttempts bounds how often one delivery is tried, retries included.
	MaxDeliveryAttempts = 3

	defaultTimeout  = 10 * time.Second
	retryBatchSize  = 10
	maxResponseBody = 1024
)

// Payload is the webhook body. Field order is fixed so the serialized form,
// and therefore the signature, is canonical.
type Payload struct {
	Event        string     `json:"event"`
	DemoID       string     `json:"demoId"`
	Sharecode    string     `json:"sharecode"`
	MatchID      string     `json:"matchId"`
	Status       string     `json:"status"`
	DownloadedAt *time.Time `json:"downloadedAt"`
}

func NewPayload(job *storage.Job) Payload {
	return Payload{
		Event:        EventDemoCompleted,
		DemoID:       job.ID,
		Sharecode:    job.Sharecode,
		MatchID:      job.MatchID,
		Status:       string(job.Status),
		DownloadedAt: job.DownloadedAt,
	}
}

// Sign returns the hex HMAC-SHA256 of body keyed with secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
}

// Dispatcher delivers completion webhooks and records every attempt.
type Dispatcher struct {
	cfg        WebhookConfig
	httpClient *http.Client
	deliveries storage.DeliveryRepository
	jobs       storage.JobRepository
	telemetry  *telemetry.Telemetry
	now        func() time.Time
}

func NewDispatcher(
	cfg WebhookConfig,
	deliveries storage.DeliveryRepository,
	jobs storage.JobRepository,
	tel *telemetry.Telemetry,
) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Dispatcher{
		cfg:        cfg,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		deliveries: deliveries,
		jobs:       jobs,
		telemetry:  tel,
		now:        time.Now,
	}
}

// NotifyCompleted records a new delivery for job and sends it.
func (d *Dispatcher) NotifyCompleted(ctx context.Context, job *storage.Job) error {
	attempt := &storage.DeliveryAttempt{
		ID:    uuid.NewString(),
		JobID: job.ID,
		URL:   d.cfg.URL,
	}

	if err := d.deliveries.CreateDelivery(ctx, attempt); err != nil {
		return fmt.Errorf("failed to record webhook delivery: %w", err)
	}

	return d.deliver(ctx, attempt, NewPayload(job))
}

// RetryFailed redelivers a batch of failed attempts that still have budget left
// and returns how many were sent successfully.
func (d *Dispatcher) RetryFailed(ctx context.Context) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	pending, err := d.deliveries.ListRetryableDeliveries(ctx, MaxDeliveryAttempts, retryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list retryable deliveries: %w", err)
	}

	var sent int

	for _, attempt := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}

		job, err := d.jobs.GetJob(ctx, attempt.JobID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				d.record(ctx, attempt, storage.DeliveryFailed, "demo no longer exists")

				continue
			}

			return sent, fmt.Errorf("failed to load demo %s: %w", attempt.JobID, err)
		}

		if err := d.deliver(ctx, attempt, NewPayload(job)); err != nil {
			logger.Warn("webhook retry failed", "delivery_id", attempt.ID, "attempts", attempt.Attempts+1, "err", err)

			continue
		}

		sent++
	}

	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, attempt *storage.DeliveryAttempt, payload Payload) error {
	logger := logctx.LoggerFromContext(ctx).With("delivery_id", attempt.ID, "job_id", attempt.JobID)

	statusCode, summary, err := d.post(ctx, attempt.URL, payload)
	if err != nil {
		d.record(ctx, attempt, storage.DeliveryFailed, summary)
		d.telemetry.RecordWebhookDelivery("failed")

		return &WebhookDeliveryError{DeliveryID: attempt.ID, StatusCode: statusCode, Err: err}
	}

	d.record(ctx, attempt, storage.DeliverySent, summary)
	d.telemetry.RecordWebhookDelivery("sent")

	logger.Info("webhook delivered", "url", attempt.URL, "status_code", statusCode)

	return nil
}

// post sends payload to url and returns the status code and a summary of the response.
func (d *Dispatcher) post(ctx context.Context, url string, payload Payload) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err.Error(), fmt.Errorf("failed to marshal payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error(), fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)

	if d.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(d.cfg.Secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err.Error(), err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	summary := fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, summary, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return resp.StatusCode, summary, nil
}

func (d *Dispatcher) record(ctx context.Context, attempt *storage.DeliveryAttempt, status storage.DeliveryStatus, summary string) {
	err := d.deliveries.RecordDeliveryResult(context.WithoutCancel(ctx), attempt.ID, status, summary, d.now().UTC())
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record webhook result", "delivery_id", attempt.ID, "err", err)
	}
}
