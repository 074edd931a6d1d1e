package session

import (
	"fmt"
	"strconv"
	"time"
)

// extractMatchInfo builds MatchInfo from a coordinator reply. The match whose id
// equals the decoded sharecode id is preferred; otherwise the first one is used.
// Metadata comes from the last round, which holds the final scoreboard.
func extractMatchInfo(sharecode string, matchID uint64, matches []Match) (*MatchInfo, error) {
	if len(matches) == 0 {
		return nil, &NoMatchDataError{Sharecode: sharecode}
	}

	match := matches[0]

	for _, m := range matches {
		if m.MatchID == matchID {
			match = m

			break
		}
	}

	id := strconv.FormatUint(match.MatchID, 10)

	if len(match.RoundStats) == 0 {
		return nil, &NoDownloadURLError{MatchID: id}
	}

	last := match.RoundStats[len(match.RoundStats)-1]
	if last.Map == "" {
		return nil, &NoDownloadURLError{MatchID: id}
	}

	info := &MatchInfo{
		MatchID:  id,
		DemoURL:  last.Map,
		Duration: last.MatchDuration,
		GameType: last.Reservation.GameType,
		Players:  make([]PlayerStats, 0, len(last.Reservation.AccountIDs)),
	}

	if match.MatchTime > 0 {
		date := time.Unix(int64(match.MatchTime), 0).UTC()
		info.MatchDate = &date
	}

	if len(last.TeamScores) == 2 {
		info.Score = fmt.Sprintf("%d-%d", last.TeamScores[0], last.TeamScores[1])
	}

	for i, accountID := range last.Reservation.AccountIDs {
		info.Players = append(info.Players, PlayerStats{
			AccountID: accountID,
			Kills:     at(last.EnemyKills, i),
			Deaths:    at(last.Deaths, i),
			Assists:   at(last.Assists, i),
			MVPs:      at(last.MVPs, i),
			Headshots: at(last.EnemyHeadshots, i),
		})
	}

	return info, nil
}

func at(values []int32, i int) int32 {
	if i < len(values) {
		return values[i]
	}

	return 0
}
