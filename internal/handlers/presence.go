// internal/handlers/presence.go
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/broadcast"
	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/presence"
)

const cleanupTimeout = 5 * time.Second

// joinSession binds a socket to a player in a session: presence first, then
// the broadcast group, then the persisted flag and the notifications. The
// connecting client always gets a fresh snapshot.
func (s *Server) joinSession(ctx context.Context, client *broadcast.Client, code string, playerID uuid.UUID) error {
	code = strings.ToUpper(code)
	view, err := s.Engine.GetSession(ctx, code)
	if err != nil {
		return err
	}
	member := false
	for _, p := range view.Players {
		if p.ID == playerID {
			member = true
			break
		}
	}
	if !member {
		return errors.PermissionDenied("player is not part of session %s", code)
	}

	res := s.Tracker.PlayerConnected(client.SocketID, playerID, code)
	s.Gateway.Join(code, client)

	log := s.logger.WithFields(logrus.Fields{"session": code, "player": playerID, "socket": client.SocketID})
	if res.Evicted != nil {
		s.Gateway.Drop(res.Evicted.SocketID)
		s.closeSocket(res.Evicted.SocketID, SupersededError, "replaced by a newer connection")
		log.WithField("evicted", res.Evicted.SocketID).Info("player reconnected on a new socket")
	}

	if !res.Duplicate {
		if err := s.Engine.SetPlayerConnected(ctx, playerID, true); err != nil {
			log.WithError(err).Warn("failed to persist connected flag")
		}
		if res.Reconnected {
			s.Gateway.Broadcast(code, game.GameEvent{
				Type:    game.EventPlayerReconnected,
				Payload: map[string]any{"playerId": playerID},
			})
		}
		s.Gateway.Broadcast(code, game.PresenceEvent(s.Tracker.ConnectedPlayers(code)))
	}

	s.sendState(ctx, client, code, playerID)
	return nil
}

// leaveSession removes the socket from the session without closing it.
func (s *Server) leaveSession(ctx context.Context, client *broadcast.Client, code string) error {
	code = strings.ToUpper(code)
	if !s.Gateway.Leave(code, client.SocketID) {
		return errors.FailedPrecondition("not joined to session %s", code)
	}
	conn, ok := s.Tracker.Lookup(client.SocketID)
	if !ok || conn.SessionCode != code {
		return nil
	}
	if conn, ok = s.Tracker.PlayerDisconnected(client.SocketID); ok {
		s.playerOffline(ctx, conn, game.EventPlayerLeft)
	}
	return nil
}

// socketClosed runs when a socket's read loop ends.
func (s *Server) socketClosed(socketID uuid.UUID) {
	s.Gateway.Drop(socketID)
	conn, ok := s.Tracker.PlayerDisconnected(socketID)
	if !ok {
		// never joined, or already superseded by a newer socket
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.playerOffline(ctx, conn, game.EventPlayerDisconnected)
}

// OnStale handles a connection evicted by the presence sweeper. The tracker
// has already dropped it.
func (s *Server) OnStale(conn presence.Connection) {
	s.Gateway.Drop(conn.SocketID)
	s.closeSocket(conn.SocketID, StaleConnectionError, "heartbeat timeout")

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	s.playerOffline(ctx, conn, game.EventPlayerDisconnected)
}

// playerOffline persists the flag, tells the session, and lets the round
// advance if it was only waiting on this player.
func (s *Server) playerOffline(ctx context.Context, conn presence.Connection, evType game.GameEventType) {
	log := s.logger.WithFields(logrus.Fields{"session": conn.SessionCode, "player": conn.PlayerID, "socket": conn.SocketID})
	log.Infof("player went offline (%s)", evType)

	if err := s.Engine.SetPlayerConnected(ctx, conn.PlayerID, false); err != nil {
		log.WithError(err).Warn("failed to persist connected flag")
	}
	s.Gateway.Broadcast(conn.SessionCode, game.GameEvent{
		Type:    evType,
		Payload: map[string]any{"playerId": conn.PlayerID},
	})
	s.Gateway.Broadcast(conn.SessionCode, game.PresenceEvent(s.Tracker.ConnectedPlayers(conn.SessionCode)))

	if err := s.Engine.CheckRoundProgress(ctx, conn.SessionCode); err != nil && !errors.Is(err, errors.CodeNotFound) {
		log.WithError(err).Warn("failed to re-check round progress")
	}
}

// sendState writes a private snapshot straight to one socket.
func (s *Server) sendState(ctx context.Context, client *broadcast.Client, code string, playerID uuid.UUID) {
	st, err := s.Engine.GetFullGameState(ctx, code, &playerID)
	if err != nil {
		s.sendError(client, err)
		return
	}
	client.Write(game.EncodeEvent(s.logger, game.GameEvent{Type: game.EventGameState, State: st}))
}

// sendError writes the generic error notice with the error's reason.
func (s *Server) sendError(client *broadcast.Client, err error) {
	client.Write(game.EncodeEvent(s.logger, game.ErrorEvent(errors.Convert(err).Message)))
}
