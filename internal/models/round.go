// internal/models/round.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoundStatus is the lifecycle state of a Round.
type RoundStatus string

const (
	RoundPending     RoundStatus = "pending"
	RoundSubmissions RoundStatus = "submissions"
	RoundJudging     RoundStatus = "judging"
	RoundComplete    RoundStatus = "complete"
)

// CanTransitionTo reports whether the round may move from r to next.
func (r RoundStatus) CanTransitionTo(next RoundStatus) bool {
	switch r {
	case RoundPending:
		return next == RoundSubmissions
	case RoundSubmissions:
		return next == RoundJudging
	case RoundJudging:
		return next == RoundComplete
	default:
		return false
	}
}

// Round is one prompt-and-judging cycle within a session.
type Round struct {
	ID                  uuid.UUID   `json:"id"`
	SessionID           uuid.UUID   `json:"sessionId"`
	Number              int         `json:"number"`
	PromptCardID        uuid.UUID   `json:"promptCardId"`
	JudgeID             uuid.UUID   `json:"judgeId"`
	Status              RoundStatus `json:"status"`
	WinnerID            uuid.UUID   `json:"winnerId,omitempty"`
	WinningSubmissionID uuid.UUID   `json:"winningSubmissionId,omitempty"`
	StartedAt           time.Time   `json:"startedAt"`
	CompletedAt         *time.Time  `json:"completedAt,omitempty"`
}

// Submission is a player's chosen response card(s) for a round.
// SubmittedAt is used for display ordering only.
type Submission struct {
	ID          uuid.UUID   `json:"id"`
	RoundID     uuid.UUID   `json:"roundId"`
	PlayerID    uuid.UUID   `json:"playerId"`
	CardIDs     []uuid.UUID `json:"cardIds"`
	SubmittedAt time.Time   `json:"submittedAt"`
}
