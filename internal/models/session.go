// internal/models/session.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionWaiting    SessionStatus = "waiting"
	SessionInProgress SessionStatus = "in_progress"
	SessionCompleted  SessionStatus = "completed"
)

// CanTransitionTo reports whether the session may move from s to next.
// The lifecycle is strictly waiting -> in_progress -> completed.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case SessionWaiting:
		return next == SessionInProgress
	case SessionInProgress:
		return next == SessionCompleted
	default:
		return false
	}
}

// Reasons a session can end.
const (
	EndReasonScoreReached   = "score_reached"
	EndReasonCardsExhausted = "cards_exhausted"
)

// Session is one instance of a game, identified by a shareable code.
type Session struct {
	ID            uuid.UUID     `json:"id"`
	Code          string        `json:"code"`
	Status        SessionStatus `json:"status"`
	CurrentRound  int           `json:"currentRound"`
	ScoreToWin    int           `json:"scoreToWin"`
	MaxPlayers    int           `json:"maxPlayers"`
	HandSize      int           `json:"handSize"`
	RoundTimerSec int           `json:"roundTimerSec"` // 0 => no timer; display only
	CardPoolIDs   []uuid.UUID   `json:"cardPoolIds"`
	HostPlayerID  uuid.UUID     `json:"hostPlayerId"`
	EndReason     string        `json:"endReason,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}
