package transfer_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/cs2_demo_downloader/internal/transfer"
)

func TestHTTPFetcher_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, transfer.UserAgent, r.UserAgent())
		w.Header().Set("Content-Length", "4")
		w.Write([]byte("BZh9"))
	}))
	defer ts.Close()

	body, size, err := transfer.NewHTTPFetcher().Fetch(context.Background(), ts.URL+"/730/1.dem.bz2")
	require.NoError(t, err)

	defer body.Close()

	b, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "BZh9", string(b))
	assert.EqualValues(t, 4, size)
}

func TestHTTPFetcher_NonOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer ts.Close()

	fetcher := transfer.NewInstrumentedFetcher(transfer.NewHTTPFetcher(), nil)

	_, _, err := fetcher.Fetch(context.Background(), ts.URL)

	var transferErr *transfer.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Equal(t, http.StatusNotFound, transferErr.StatusCode)
	assert.Equal(t, "fetch", transferErr.Operation)
}
