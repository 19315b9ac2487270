package models

import (
	"time"

	"github.com/google/uuid"
)

// Player is a session-scoped participant.
type Player struct {
	ID          uuid.UUID `json:"id"`
	SessionID   uuid.UUID `json:"sessionId"`
	Nickname    string    `json:"nickname"`
	Score       int       `json:"score"`
	IsHost      bool      `json:"isHost"`
	IsConnected bool      `json:"isConnected"`

	// JoinOrder is the 1-based position in which the player joined; judge rotation follows it.
	JoinOrder int       `json:"joinOrder"`
	JoinedAt  time.Time `json:"joinedAt"`
}
