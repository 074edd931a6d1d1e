package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var content string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		content = body["content"]

		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	msg := JobFailedMessage("job-1", "CSGO-AAAAA-BBBBB-CCCCC-DDDDD-EEEEE", 3, "no match data received")

	require.NoError(t, NewDiscordNotifier(ts.URL).Notify(context.Background(), msg))
	assert.Contains(t, content, "after 3 attempts")
	assert.Contains(t, content, "job-1")
}

func TestDiscordNotifier_Errors(t *testing.T) {
	assert.Error(t, NewDiscordNotifier("").Notify(context.Background(), "hi"))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer ts.Close()

	err := NewDiscordNotifier(ts.URL).Notify(context.Background(), "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
