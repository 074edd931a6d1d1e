// Package gateway implements session.Transport against the HTTP/JSON API of a
// game coordinator gateway.
package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/session"
)

const (
	sessionCookie       = "gc_session"
	defaultPollInterval = time.Second
	maxErrorBody        = 512
)

// ErrSessionLost is reported when the gateway no longer knows our session.
var ErrSessionLost = errors.New("coordinator session lost")

type Client struct {
	BaseURL      string
	PollInterval time.Duration
	httpClient   *http.Client
	insecure     bool

	mu      sync.RWMutex
	handler session.Handler
	cookie  string
}

type Option func(*Client)

// WithInsecureSkipVerify accepts any certificate the gateway presents.
func WithInsecureSkipVerify() Option {
	return func(c *Client) { c.insecure = true }
}

// WithPollInterval sets the delay between readiness polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.PollInterval = d
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:      baseURL,
		PollInterval: defaultPollInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if c.insecure {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	// Deadlines come from the caller's context; readiness long-polls for up to a minute.
	c.httpClient = &http.Client{Transport: otelhttp.NewTransport(base)}

	return c
}

var _ session.Transport = (*Client)(nil)

func (c *Client) SetHandler(h session.Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *Client) Login(ctx context.Context, creds session.Credentials) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "session.login")

	resp, err := c.do(ctx, http.MethodPost, "/v1/session/login", map[string]string{
		"username": creds.Username,
		"password": creds.Password,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("login", resp)
	}

	var cookie string

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			cookie = ck.Value
		}
	}

	if cookie == "" {
		return fmt.Errorf("login response carried no %s cookie", sessionCookie)
	}

	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()

	logger.Debug("logged in")

	return nil
}

// AwaitReady polls the gateway until the coordinator welcomes the session.
// 202 means still negotiating.
func (c *Client) AwaitReady(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "session.ready")

	for {
		resp, err := c.do(ctx, http.MethodGet, "/v1/session/ready", nil)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			resp.Body.Close()
			logger.Debug("coordinator ready")

			return nil
		case http.StatusAccepted:
			resp.Body.Close()
		default:
			err := statusError("ready", resp)
			resp.Body.Close()

			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.PollInterval):
		}
	}
}

// RequestGame posts the request and hands the reply to the registered handler
// before returning.
func (c *Client) RequestGame(ctx context.Context, req session.GameRequest) error {
	resp, err := c.do(ctx, http.MethodPost, "/v1/games", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusGone:
		if handler != nil {
			handler.HandleDisconnect(ctx, ErrSessionLost)
		}

		return ErrSessionLost
	default:
		return statusError("request game", resp)
	}

	var reply session.GameReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("failed to decode game reply: %w", err)
	}

	if reply.RequestID == 0 {
		reply.RequestID = req.RequestID
	}

	if handler != nil {
		handler.HandleGameReply(ctx, reply)
	}

	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	c.mu.RLock()
	loggedIn := c.cookie != ""
	c.mu.RUnlock()

	if !loggedIn {
		return nil
	}

	resp, err := c.do(ctx, http.MethodPost, "/v1/session/logout", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.cookie = ""
	c.mu.Unlock()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return statusError("logout", resp)
	}

	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s %s body: %w", method, path, err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}
	c.mu.RUnlock()

	return c.httpClient.Do(req)
}

func statusError(operation string, resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return fmt.Errorf("gateway %s failed (HTTP %d): %s", operation, resp.StatusCode, bytes.TrimSpace(b))
}
