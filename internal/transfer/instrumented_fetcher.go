package transfer

import (
	"context"
	"io"

	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

// InstrumentedFetcher wraps Fetcher with telemetry.
type InstrumentedFetcher struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedFetcher creates a new instrumented fetcher.
func NewInstrumentedFetcher(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedFetcher {
	return &InstrumentedFetcher{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch opens the artifact stream with telemetry. Only the time to first byte is traced.
func (f *InstrumentedFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	var (
		body io.ReadCloser
		size int64
	)

	err := f.telemetry.InstrumentOperation(ctx, "transfer_fetch", "transfer", func(ctx context.Context) error {
		var err error

		body, size, err = f.fetcher.Fetch(ctx, url)

		return err
	})
	if err != nil {
		return nil, 0, err
	}

	return body, size, nil
}
