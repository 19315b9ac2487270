// internal/handlers/sessions.go
package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/models"
)

type createSessionResponse struct {
	Session *models.Session `json:"session"`
	Player  *models.Player  `json:"player"`
	Players []models.Player `json:"players"`
	Token   string          `json:"token"`
}

type joinSessionRequest struct {
	Nickname string `json:"nickname"`
}

type joinSessionResponse struct {
	Player *models.Player `json:"player"`
	Token  string         `json:"token"`
}

type submitCardsRequest struct {
	CardIDs []uuid.UUID `json:"cardIds"`
}

type selectWinnerRequest struct {
	SubmissionID uuid.UUID `json:"submissionId"`
}

// CreateSessionHandler creates a session with the caller as host and returns
// the host's player token.
//
// Request payload:
//
//	{
//	  "hostNickname": "alice",
//	  "scoreToWin": 5,
//	  "cardPoolIds": ["..."]
//	}
func CreateSessionHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req game.CreateSessionRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(logger, w, r, err)
			return
		}

		view, err := s.Engine.CreateSession(r.Context(), req)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}

		var host *models.Player
		for i := range view.Players {
			if view.Players[i].IsHost {
				host = &view.Players[i]
			}
		}
		if host == nil {
			writeError(logger, w, r, errors.Internal(fmt.Errorf("session %s has no host", view.Session.Code)))
			return
		}
		token, err := s.Signer.Issue(host.ID, view.Session.Code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		setTokenCookie(w, s.Signer, token)
		writeJSON(logger, w, http.StatusCreated, createSessionResponse{
			Session: view.Session,
			Player:  host,
			Players: view.Players,
			Token:   token,
		})
	}
}

// JoinSessionHandler adds a player to a waiting session by code.
func JoinSessionHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		var req joinSessionRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(logger, w, r, err)
			return
		}

		player, err := s.Engine.JoinSession(r.Context(), code, req.Nickname)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		token, err := s.Signer.Issue(player.ID, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		setTokenCookie(w, s.Signer, token)
		writeJSON(logger, w, http.StatusCreated, joinSessionResponse{Player: player, Token: token})
	}
}

// GetSessionHandler returns the session settings and player list. It needs
// no token so a join screen can preview the session.
func GetSessionHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Engine.GetSession(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, view)
	}
}

// StartGameHandler starts the game. Only the host may call it.
func StartGameHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		claims, err := authenticate(s.Signer, r, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}

		round, err := s.Engine.StartGame(r.Context(), code, claims.PlayerID)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, round)
	}
}

// SubmitCardsHandler plays cards from the caller's hand into a round.
func SubmitCardsHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		claims, err := authenticate(s.Signer, r, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		roundID, err := pathUUID(r, "roundID")
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		var req submitCardsRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(logger, w, r, err)
			return
		}

		sub, err := s.Engine.SubmitCards(r.Context(), code, roundID, claims.PlayerID, req.CardIDs)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusCreated, sub)
	}
}

// SelectWinnerHandler lets the round's judge pick the winning submission.
func SelectWinnerHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		claims, err := authenticate(s.Signer, r, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		roundID, err := pathUUID(r, "roundID")
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		var req selectWinnerRequest
		if err := decodeJSON(r, &req, false); err != nil {
			writeError(logger, w, r, err)
			return
		}

		res, err := s.Engine.SelectWinner(r.Context(), code, roundID, claims.PlayerID, req.SubmissionID)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, res)
	}
}

func GetCurrentRoundHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		round, err := s.Engine.GetCurrentRound(r.Context(), chi.URLParam(r, "code"))
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, round)
	}
}

// GetPlayerHandHandler returns the caller's own hand.
func GetPlayerHandHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		claims, err := authenticate(s.Signer, r, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}

		hand, err := s.Engine.GetPlayerHand(r.Context(), code, claims.PlayerID)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		if hand == nil {
			hand = []models.Card{}
		}
		writeJSON(logger, w, http.StatusOK, map[string]any{"cards": hand})
	}
}

// GetGameStateHandler returns the visibility-filtered snapshot for the caller.
func GetGameStateHandler(logger *logrus.Logger, s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := chi.URLParam(r, "code")
		claims, err := authenticate(s.Signer, r, code)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}

		st, err := s.Engine.GetFullGameState(r.Context(), code, &claims.PlayerID)
		if err != nil {
			writeError(logger, w, r, err)
			return
		}
		writeJSON(logger, w, http.StatusOK, st)
	}
}
