// internal/game/events.go
package game

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GameEventType is an enum-like type for broadcasting game actions.
type GameEventType string

const (
	EventPlayerJoined       GameEventType = "player-joined"
	EventPlayerLeft         GameEventType = "player-left"
	EventPlayerDisconnected GameEventType = "player-disconnected"
	EventPlayerReconnected  GameEventType = "player-reconnected"
	EventPresenceUpdate     GameEventType = "presence-update" // full online ID list
	EventGameStarted        GameEventType = "game-started"
	EventRoundStarted       GameEventType = "round-started"
	EventCardSubmitted      GameEventType = "card-submitted" // counts only, never card content
	EventJudgingStarted     GameEventType = "judging-started"
	EventWinnerSelected     GameEventType = "winner-selected"
	EventNextRound          GameEventType = "next-round"
	EventGameEnded          GameEventType = "game-ended"
	EventError              GameEventType = "error"
	EventGameState          GameEventType = "gameState"    // private snapshot
	EventHeartbeatAck       GameEventType = "heartbeat-ack" // reply to a client heartbeat
)

// GameEvent is the envelope sent to clients.
type GameEvent struct {
	Type    GameEventType  `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	State   *GameState     `json:"state,omitempty"`
}

// Notifier fans events out to connected clients. Calls must not block.
type Notifier interface {
	Broadcast(sessionCode string, ev GameEvent)
	SendToPlayer(sessionCode string, playerID uuid.UUID, ev GameEvent)
}

// Presence answers who is online right now.
type Presence interface {
	ConnectedPlayers(sessionCode string) []uuid.UUID
	IsConnected(playerID uuid.UUID) bool
}

// ErrorEvent builds the generic error notice sent to a single client.
func ErrorEvent(message string) GameEvent {
	return GameEvent{Type: EventError, Payload: map[string]any{"message": message}}
}

// PresenceEvent builds a presence-update carrying the full online list.
func PresenceEvent(online []uuid.UUID) GameEvent {
	if online == nil {
		online = []uuid.UUID{}
	}
	return GameEvent{Type: EventPresenceUpdate, Payload: map[string]any{"onlinePlayerIds": online}}
}

// EncodeEvent marshals a GameEvent into JSON bytes.
// Logs a warning and returns empty JSON "{}" on marshalling error.
func EncodeEvent(logger *logrus.Logger, ev GameEvent) []byte {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warnf("failed to marshal GameEvent type %s: %v", ev.Type, err)
		return []byte("{}")
	}
	return data
}

type nopNotifier struct{}

func (nopNotifier) Broadcast(string, GameEvent)               {}
func (nopNotifier) SendToPlayer(string, uuid.UUID, GameEvent) {}
