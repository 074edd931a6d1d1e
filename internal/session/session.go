// Package session keeps a single authenticated session to the game coordinator
// and multiplexes match metadata requests over it.
package session

import (
	"context"
	"time"
)

// State is the lifecycle state of the coordinator session.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}

	return "unknown"
}

type Credentials struct {
	Username string
	Password string
}

// GameRequest asks the coordinator for the match encoded in a sharecode.
// RequestID is echoed back on the matching GameReply.
type GameRequest struct {
	RequestID uint64 `json:"requestId"`
	Sharecode string `json:"sharecode"`
	MatchID   uint64 `json:"matchId,string"`
	OutcomeID uint64 `json:"outcomeId,string"`
	Token     uint32 `json:"token"`
}

// GameReply carries the coordinator answer for one GameRequest.
type GameReply struct {
	RequestID uint64  `json:"requestId"`
	Matches   []Match `json:"matches"`

	// Err is set by the manager when the request is abandoned, never by transports.
	Err error `json:"-"`
}

type Match struct {
	MatchID    uint64       `json:"matchid,string"`
	MatchTime  uint32       `json:"matchtime"`
	RoundStats []RoundStats `json:"roundstatsall"`
}

// RoundStats is a per-round snapshot. Player arrays are indexed like
// Reservation.AccountIDs.
type RoundStats struct {
	Map            string      `json:"map"`
	MatchDuration  int32       `json:"match_duration"`
	TeamScores     []int32     `json:"team_scores"`
	Reservation    Reservation `json:"reservation"`
	EnemyKills     []int32     `json:"enemy_kills"`
	Deaths         []int32     `json:"deaths"`
	Assists        []int32     `json:"assists"`
	MVPs           []int32     `json:"mvps"`
	EnemyHeadshots []int32     `json:"enemy_headshots"`
}

type Reservation struct {
	GameType   uint32   `json:"game_type"`
	AccountIDs []uint32 `json:"account_ids"`
}

// Handler receives asynchronous events from a Transport.
type Handler interface {
	HandleGameReply(ctx context.Context, reply GameReply)
	HandleDisconnect(ctx context.Context, err error)
}

// Transport is the narrow contract to the remote coordination service.
type Transport interface {
	SetHandler(h Handler)
	Login(ctx context.Context, creds Credentials) error
	// AwaitReady blocks until the coordinator accepts requests.
	AwaitReady(ctx context.Context) error
	// RequestGame sends a request; the reply arrives through Handler.HandleGameReply.
	RequestGame(ctx context.Context, req GameRequest) error
	Logout(ctx context.Context) error
}

// PlayerStats is one player's line from the final round of a match.
type PlayerStats struct {
	AccountID uint32
	Kills     int32
	Deaths    int32
	Assists   int32
	MVPs      int32
	Headshots int32
}

// MatchInfo is the metadata resolved for a sharecode.
type MatchInfo struct {
	MatchID   string
	MatchDate *time.Time
	DemoURL   string
	Duration  int32
	GameType  uint32
	Score     string
	Players   []PlayerStats
}
