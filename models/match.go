// models/match.go
package models

import (
	"fmt"
	"strings"
	"time"
)

// MatchType decides which reward schedule entry applies.
type MatchType string

const (
	MatchTypePvP MatchType = "pvp"
	MatchTypeBot MatchType = "bot"
)

// ParseMatchType is case-insensitive ("PvP", "pvp", "BOT" ...).
func ParseMatchType(s string) (MatchType, error) {
	switch MatchType(strings.ToLower(strings.TrimSpace(s))) {
	case MatchTypePvP:
		return MatchTypePvP, nil
	case MatchTypeBot:
		return MatchTypeBot, nil
	default:
		return "", fmt.Errorf("unknown match type %q", s)
	}
}

// MatchOutcome is what the match-completion collaborator hands over once a
// game with a winner has ended.
type MatchOutcome struct {
	GameSessionID string    `json:"game_session_id"`
	WinnerID      string    `json:"winner_id"`
	WalletAddress string    `json:"wallet_address,omitempty"` // optional, resolved from wallet_mirror when empty
	MatchType     MatchType `json:"match_type"`
	Result        string    `json:"result"`
	EndedAt       time.Time `json:"ended_at"`
}
