// Package archive mirrors completed demos to object storage.
package archive

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/storage"
)

const contentType = "application/x-bzip2"

type Archiver struct {
	bucket *blob.Bucket
	fs     afero.Fs
}

// Open opens the bucket at bucketURL, e.g. file:///srv/demos, s3://bucket?region=eu-west-1
// or gs://bucket. A prefix= query parameter scopes every key.
func Open(ctx context.Context, bucketURL string, fs afero.Fs) (*Archiver, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive bucket: %w", err)
	}

	return New(bkt, fs), nil
}

func New(bucket *blob.Bucket, fs afero.Fs) *Archiver {
	return &Archiver{bucket: bucket, fs: fs}
}

// Key returns the object key of a job's demo.
func Key(job *storage.Job) string {
	return job.MatchID + ".dem.bz2"
}

// Archive uploads the stored demo of a completed job.
func (a *Archiver) Archive(ctx context.Context, job *storage.Job) error {
	if job.Status != storage.StatusCompleted || job.FilePath == "" {
		return fmt.Errorf("demo %s has no stored file to archive", job.ID)
	}

	src, err := a.fs.Open(job.FilePath)
	if err != nil {
		return fmt.Errorf("failed to open demo file: %w", err)
	}
	defer src.Close()

	key := Key(job)

	// Cancelling the writer's context discards a partial upload.
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := a.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to create archive writer: %w", err)
	}

	n, err := io.Copy(w, src)
	if err != nil {
		cancel()
		w.Close()

		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finish upload of %s: %w", key, err)
	}

	logctx.LoggerFromContext(ctx).Info("demo archived", "job_id", job.ID, "key", key, "bytes", n)

	return nil
}

func (a *Archiver) Close() error {
	return a.bucket.Close()
}
