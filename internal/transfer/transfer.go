// Package transfer fetches demo archives from the replay servers.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
)

const (
	UserAgent = "CS2-Demo-Downloader/1.0"

	dialTimeout           = 10 * time.Second
	responseHeaderTimeout = 30 * time.Second
	maxErrorBody          = 512
)

// Fetcher opens a stream of the artifact at url. size is -1 when unknown.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

type HTTPFetcher struct {
	httpClient *http.Client
}

// NewHTTPFetcher returns a Fetcher with bounded connect and response-header waits.
// The body itself streams for as long as the caller's context allows.
func NewHTTPFetcher() *HTTPFetcher {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = (&net.Dialer{Timeout: dialTimeout}).DialContext
	base.ResponseHeaderTimeout = responseHeaderTimeout

	return &HTTPFetcher{
		httpClient: &http.Client{Transport: otelhttp.NewTransport(base)},
	}
}

var _ Fetcher = (*HTTPFetcher)(nil)

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, &TransferError{Operation: "fetch", Message: "invalid demo URL", Err: err}
	}

	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TransferError{Operation: "fetch", Message: err.Error(), Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()

		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Debug("non-200 response", "status", resp.StatusCode, "body", string(b))

		return nil, 0, &TransferError{
			Operation:  "fetch",
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
		}
	}

	return resp.Body, resp.ContentLength, nil
}

// Errorf wraps a local I/O failure while storing a transfer.
func Errorf(operation string, err error) error {
	return &TransferError{Operation: operation, Message: fmt.Sprint(err), Err: err}
}
