package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/italolelis/cs2_demo_downloader/internal/logctx"
	"github.com/italolelis/cs2_demo_downloader/internal/sharecode"
	"github.com/italolelis/cs2_demo_downloader/internal/telemetry"
)

const (
	DefaultConnectTimeout = 60 * time.Second
	DefaultRequestTimeout = 15 * time.Second

	logoutTimeout = 5 * time.Second
)

type Option func(*Manager)

func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Manager) { m.requestTimeout = d }
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) { m.telemetry = t }
}

// Manager owns the coordinator session. At most one handshake is in flight at a
// time and concurrent metadata requests are correlated by request id.
type Manager struct {
	transport      Transport
	creds          Credentials
	connectTimeout time.Duration
	requestTimeout time.Duration
	telemetry      *telemetry.Telemetry

	connect singleflight.Group
	nextID  atomic.Uint64

	mu      sync.Mutex
	state   State
	pending map[uint64]chan GameReply
}

func NewManager(transport Transport, creds Credentials, opts ...Option) *Manager {
	m := &Manager{
		transport:      transport,
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		pending:        make(map[uint64]chan GameReply),
	}

	for _, opt := range opts {
		opt(m)
	}

	transport.SetHandler(m)

	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// Connect establishes the session if needed. Callers arriving while a handshake
// is in progress wait for it and share its outcome.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() == Connected {
		return nil
	}

	// The handshake outlives any single caller: a waiter giving up must not abort it for the rest.
	result := m.connect.DoChan("connect", func() (any, error) {
		return nil, m.handshake(context.WithoutCancel(ctx))
	})

	select {
	case res := <-result:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) handshake(ctx context.Context) error {
	m.mu.Lock()
	if m.state == Connected {
		m.mu.Unlock()

		return nil
	}

	m.state = Connecting
	m.mu.Unlock()

	logger := logctx.LoggerFromContext(ctx)
	logger.Info("connecting to game coordinator")

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	err := m.telemetry.InstrumentSessionOperation(ctx, "connect", func(ctx context.Context) error {
		if err := m.transport.Login(ctx, m.creds); err != nil {
			return m.connectError(ctx, "login", err)
		}

		if err := m.transport.AwaitReady(ctx); err != nil {
			return m.connectError(ctx, "ready", err)
		}

		return nil
	})
	if err != nil {
		m.setState(Disconnected)

		logoutCtx, cancelLogout := context.WithTimeout(context.WithoutCancel(ctx), logoutTimeout)
		defer cancelLogout()

		if logoutErr := m.transport.Logout(logoutCtx); logoutErr != nil {
			logger.Debug("logout after failed handshake", "err", logoutErr)
		}

		logger.Error("failed to connect to game coordinator", "err", err)

		return err
	}

	m.mu.Lock()
	if m.state != Connecting {
		m.mu.Unlock()

		return &ConnectionError{Stage: "ready", Err: ErrClosed}
	}

	m.state = Connected
	m.mu.Unlock()

	logger.Info("connected to game coordinator")

	return nil
}

func (m *Manager) connectError(ctx context.Context, stage string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ProtocolTimeoutError{Operation: "coordinator " + stage, Timeout: m.connectTimeout}
	}

	return &ConnectionError{Stage: stage, Err: err}
}

// RequestMetadata resolves a sharecode into match metadata, connecting first if needed.
func (m *Manager) RequestMetadata(ctx context.Context, code string) (*MatchInfo, error) {
	decoded, err := sharecode.Decode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to decode sharecode %s: %w", code, err)
	}

	if err := m.Connect(ctx); err != nil {
		return nil, err
	}

	var info *MatchInfo

	err = m.telemetry.InstrumentSessionOperation(ctx, "request_game", func(ctx context.Context) error {
		reply, err := m.roundTrip(ctx, GameRequest{
			Sharecode: code,
			MatchID:   decoded.MatchID,
			OutcomeID: decoded.OutcomeID,
			Token:     decoded.Token,
		})
		if err != nil {
			return err
		}

		info, err = extractMatchInfo(code, decoded.MatchID, reply.Matches)

		return err
	})

	return info, err
}

func (m *Manager) roundTrip(ctx context.Context, req GameRequest) (GameReply, error) {
	req.RequestID = m.nextID.Add(1)
	replies := make(chan GameReply, 1)

	m.mu.Lock()
	if m.state != Connected {
		m.mu.Unlock()

		return GameReply{}, &ConnectionError{Stage: "request", Err: ErrClosed}
	}

	m.pending[req.RequestID] = replies
	m.mu.Unlock()

	defer m.forget(req.RequestID)

	ctx, cancel := context.WithTimeout(ctx, m.requestTimeout)
	defer cancel()

	if err := m.transport.RequestGame(ctx, req); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return GameReply{}, &ProtocolTimeoutError{Operation: "match info", Timeout: m.requestTimeout}
		}

		return GameReply{}, &ConnectionError{Stage: "request", Err: err}
	}

	select {
	case reply := <-replies:
		return reply, reply.Err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return GameReply{}, &ProtocolTimeoutError{Operation: "match info", Timeout: m.requestTimeout}
		}

		return GameReply{}, ctx.Err()
	}
}

func (m *Manager) forget(id uint64) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// HandleGameReply delivers a reply to the request that issued it.
func (m *Manager) HandleGameReply(ctx context.Context, reply GameReply) {
	m.mu.Lock()
	replies, ok := m.pending[reply.RequestID]
	delete(m.pending, reply.RequestID)
	m.mu.Unlock()

	if !ok {
		logctx.LoggerFromContext(ctx).Debug("dropping reply for unknown request", "request_id", reply.RequestID)

		return
	}

	replies <- reply
}

// HandleDisconnect marks the session as lost and fails every outstanding request.
func (m *Manager) HandleDisconnect(ctx context.Context, err error) {
	logctx.LoggerFromContext(ctx).Warn("game coordinator session lost", "err", err)

	m.drop(&ConnectionError{Stage: "session", Err: err})
}

// Disconnect tears the session down. It always leaves the manager Disconnected.
func (m *Manager) Disconnect(ctx context.Context) {
	if !m.drop(&ConnectionError{Stage: "session", Err: ErrClosed}) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	if err := m.transport.Logout(ctx); err != nil {
		logctx.LoggerFromContext(ctx).Warn("failed to log out of game coordinator", "err", err)
	}

	logctx.LoggerFromContext(ctx).Info("disconnected from game coordinator")
}

// drop moves to Disconnected and fails pending requests with cause. It reports
// whether the session was up before.
func (m *Manager) drop(cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasUp := m.state != Disconnected
	m.state = Disconnected

	for id, replies := range m.pending {
		replies <- GameReply{RequestID: id, Err: cause}

		delete(m.pending, id)
	}

	return wasUp
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}
