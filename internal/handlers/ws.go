// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/auth"
	"github.com/jason-s-yu/verdict/internal/broadcast"
	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/middleware"
)

// Client -> server message types.
const (
	MsgJoinSession      = "joinSession"
	MsgLeaveSession     = "leaveSession"
	MsgHeartbeat        = "heartbeat"
	MsgRequestGameState = "requestGameState"
)

const readLimit = 4096

// ClientMessage is one incoming socket message.
type ClientMessage struct {
	Type        string    `json:"type"`
	SessionCode string    `json:"sessionCode,omitempty"`
	PlayerID    uuid.UUID `json:"playerId,omitempty"`
}

// GameWSHandler upgrades the connection, authenticates the player token and
// runs the read loop. The socket does nothing until the client sends
// joinSession.
func GameWSHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"game"},
			OriginPatterns: s.AllowedOrigins,
		})
		if err != nil {
			logger.Warnf("WebSocket accept error: %v", err)
			return
		}
		defer c.CloseNow()

		if c.Subprotocol() != "game" {
			logger.Warnf("client connected with invalid subprotocol: %q", c.Subprotocol())
			c.Close(BadSubprotocolError, "client must use the 'game' subprotocol")
			return
		}

		claims, err := socketClaims(s.Signer, r)
		if err != nil {
			logger.Warnf("websocket authentication failed from %s: %v", r.RemoteAddr, err)
			c.Close(InvalidAuthTokenError, "invalid auth token")
			return
		}
		c.SetReadLimit(readLimit)

		socketID := uuid.New()
		middleware.LogWebSocketConnect(logger, r.RemoteAddr, socketID.String())
		s.Metrics.ConnectionOpened()
		defer s.Metrics.ConnectionClosed()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		var closeOnce sync.Once
		s.registerSocket(socketID, func(code websocket.StatusCode, reason string) {
			closeOnce.Do(func() {
				go c.Close(code, reason)
			})
		})

		client := s.Gateway.NewClient(socketID, claims.PlayerID)
		go broadcast.WritePump(ctx, c, client, logger)

		err = readMessages(ctx, c, s, client, claims)

		s.unregisterSocket(socketID)
		s.socketClosed(socketID)
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, socketID.String(), err)
	}
}

// socketClaims accepts the usual header or cookie token, or a token query
// parameter for browser clients that cannot set headers on an upgrade.
func socketClaims(signer *auth.Signer, r *http.Request) (auth.Claims, error) {
	tok, err := auth.TokenFromHeaders(r.Header.Get("Authorization"), r.Header.Get("Cookie"))
	if err != nil {
		tok = r.URL.Query().Get("token")
	}
	if tok == "" {
		return auth.Claims{}, auth.ErrNoToken
	}
	return signer.Verify(tok)
}

// readMessages reads until the socket closes. A normal close returns nil.
func readMessages(ctx context.Context, c *websocket.Conn, s *Server, client *broadcast.Client, claims auth.Claims) error {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, SupersededError, StaleConnectionError:
				return nil
			}
			return err
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.sendError(client, errors.InvalidArgument("invalid message: %v", err))
			continue
		}
		if err := s.handleMessage(ctx, client, claims, msg); err != nil {
			s.sendError(client, err)
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, client *broadcast.Client, claims auth.Claims, msg ClientMessage) error {
	switch msg.Type {
	case MsgJoinSession:
		if err := checkIdentity(claims, msg); err != nil {
			return err
		}
		return s.joinSession(ctx, client, claims.SessionCode, claims.PlayerID)

	case MsgLeaveSession:
		code := msg.SessionCode
		if code == "" {
			code = claims.SessionCode
		}
		return s.leaveSession(ctx, client, code)

	case MsgHeartbeat:
		s.Tracker.Heartbeat(client.SocketID)
		client.Write(game.EncodeEvent(s.logger, game.GameEvent{
			Type:    game.EventHeartbeatAck,
			Payload: map[string]any{"timestamp": time.Now().UnixMilli()},
		}))
		return nil

	case MsgRequestGameState:
		if err := checkIdentity(claims, msg); err != nil {
			return err
		}
		s.sendState(ctx, client, claims.SessionCode, claims.PlayerID)
		return nil

	default:
		return errors.InvalidArgument("unknown message type %q", msg.Type)
	}
}

// checkIdentity rejects messages naming a session or player other than the
// token's. Omitted fields default to the token's.
func checkIdentity(claims auth.Claims, msg ClientMessage) error {
	if msg.SessionCode != "" && !strings.EqualFold(msg.SessionCode, claims.SessionCode) {
		return errors.PermissionDenied("token is not valid for session %s", strings.ToUpper(msg.SessionCode))
	}
	if msg.PlayerID != uuid.Nil && msg.PlayerID != claims.PlayerID {
		return errors.PermissionDenied("token does not belong to player %s", msg.PlayerID)
	}
	return nil
}
