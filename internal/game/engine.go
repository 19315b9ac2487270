// internal/game/engine.go
package game

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jason-s-yu/verdict/internal/catalog"
	"github.com/jason-s-yu/verdict/internal/config"
	"github.com/jason-s-yu/verdict/internal/dealer"
	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/eventlog"
	"github.com/jason-s-yu/verdict/internal/metrics"
	"github.com/jason-s-yu/verdict/internal/models"
	"github.com/jason-s-yu/verdict/internal/store"
)

const maxCodeAttempts = 5

// Config wires an Engine to its collaborators. Store and Catalog are required.
type Config struct {
	Store    store.Store
	Catalog  catalog.Catalog
	Dealer   *dealer.Dealer
	Presence Presence
	Notifier Notifier
	EventLog eventlog.Log
	Metrics  *metrics.Metrics
	Limits   config.GameLimits
	Logger   *logrus.Logger
}

// Engine runs the session and round state machines. Every mutating call is a
// single store transaction that locks the session row first; notifications go
// out only after that transaction commits.
type Engine struct {
	store    store.Store
	catalog  catalog.Catalog
	dealer   *dealer.Dealer
	presence Presence
	notifier Notifier
	events   eventlog.Log
	metrics  *metrics.Metrics
	limits   config.GameLimits
	logger   *logrus.Logger

	now func() time.Time
}

func NewEngine(c Config) *Engine {
	e := &Engine{
		store:    c.Store,
		catalog:  c.Catalog,
		dealer:   c.Dealer,
		presence: c.Presence,
		notifier: c.Notifier,
		events:   c.EventLog,
		metrics:  c.Metrics,
		limits:   c.Limits,
		logger:   c.Logger,
		now:      time.Now,
	}
	if e.dealer == nil {
		e.dealer = dealer.New(c.Catalog)
	}
	if e.notifier == nil {
		e.notifier = nopNotifier{}
	}
	if e.events == nil {
		e.events = eventlog.Discard{}
	}
	if e.logger == nil {
		e.logger = logrus.New()
	}
	if e.limits.MaxNicknameLen == 0 {
		e.limits = config.DefaultGameLimits()
	}
	return e
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// SessionView is a session together with its players in join order.
type SessionView struct {
	Session *models.Session `json:"session"`
	Players []models.Player `json:"players"`
}

// WinnerResult describes a judged round and what followed it.
type WinnerResult struct {
	Round     *models.Round   `json:"round"`
	WinnerID  uuid.UUID       `json:"winnerId"`
	Score     int             `json:"score"`
	Session   *models.Session `json:"session"`
	NextRound *models.Round   `json:"nextRound,omitempty"`
}

// CreateSession validates the settings, allocates a unique code and inserts
// the session with its host as the first player.
func (e *Engine) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionView, error) {
	const op = "createSession"
	if err := req.applyDefaults(e.limits); err != nil {
		return nil, e.fail(op, err)
	}

	now := e.now()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := newSessionCode()
		if err != nil {
			return nil, e.fail(op, err)
		}

		session := &models.Session{
			ID:            uuid.New(),
			Code:          code,
			Status:        models.SessionWaiting,
			ScoreToWin:    req.ScoreToWin,
			MaxPlayers:    req.MaxPlayers,
			HandSize:      req.HandSize,
			RoundTimerSec: req.RoundTimerSec,
			CardPoolIDs:   slices.Clone(req.CardPoolIDs),
			CreatedAt:     now,
		}
		host := &models.Player{
			ID:        uuid.New(),
			SessionID: session.ID,
			Nickname:  req.HostNickname,
			IsHost:    true,
			JoinOrder: 1,
			JoinedAt:  now,
		}
		session.HostPlayerID = host.ID

		err = e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := tx.InsertSession(ctx, session); err != nil {
				return err
			}
			if err := tx.InsertPlayer(ctx, host); err != nil {
				return err
			}
			if len(req.CustomCards) == 0 {
				return nil
			}
			cards := make([]models.Card, 0, len(req.CustomCards))
			for _, c := range req.CustomCards {
				cards = append(cards, models.Card{ID: uuid.New(), Type: c.Type, Text: c.Text, Pick: c.Pick})
			}
			return tx.InsertCustomCards(ctx, session.ID, cards)
		})
		if stderrors.Is(err, store.ErrConflict) {
			// session code collision
			continue
		}
		if err != nil {
			return nil, e.fail(op, err)
		}

		e.logger.WithFields(logrus.Fields{
			"session": session.Code,
			"host":    host.ID,
		}).Info("session created")
		e.logAction(session, "session-created", host.ID, uuid.Nil, map[string]any{
			"scoreToWin": session.ScoreToWin,
			"handSize":   session.HandSize,
			"maxPlayers": session.MaxPlayers,
		})
		return &SessionView{Session: session, Players: []models.Player{*host}}, nil
	}
	return nil, e.fail(op, fmt.Errorf("no unique session code after %d attempts", maxCodeAttempts))
}

// JoinSession adds a player to a session that has not started yet.
func (e *Engine) JoinSession(ctx context.Context, code, nickname string) (*models.Player, error) {
	const op = "joinSession"
	nick, err := validateNickname(nickname, e.limits)
	if err != nil {
		return nil, e.fail(op, err)
	}

	var (
		session *models.Session
		player  *models.Player
	)
	err = e.mutate(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		session, player = s, nil
		if s.Status != models.SessionWaiting {
			return errors.FailedPrecondition("session %s is no longer accepting players", s.Code)
		}
		players, err := tx.ListPlayers(ctx, s.ID)
		if err != nil {
			return err
		}
		if len(players) >= s.MaxPlayers {
			return errors.FailedPrecondition("session %s is full", s.Code)
		}
		last := 0
		for _, p := range players {
			last = max(last, p.JoinOrder)
		}

		player = &models.Player{
			ID:        uuid.New(),
			SessionID: s.ID,
			Nickname:  nick,
			JoinOrder: last + 1,
			JoinedAt:  e.now(),
		}
		err = tx.InsertPlayer(ctx, player)
		if stderrors.Is(err, store.ErrConflict) {
			return errors.FailedPrecondition("nickname %q is already taken", nick)
		}
		return err
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.notifier.Broadcast(session.Code, GameEvent{
		Type:    EventPlayerJoined,
		Payload: map[string]any{"player": player},
	})
	e.logAction(session, "player-joined", player.ID, uuid.Nil, map[string]any{"nickname": player.Nickname})
	return player, nil
}

// GetSession returns the session and its players.
func (e *Engine) GetSession(ctx context.Context, code string) (*SessionView, error) {
	var view *SessionView
	err := e.read(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		players, err := tx.ListPlayers(ctx, s.ID)
		if err != nil {
			return err
		}
		view = &SessionView{Session: s, Players: players}
		return nil
	})
	if err != nil {
		return nil, e.fail("getSession", err)
	}
	return view, nil
}

// StartGame deals hands to the connected players and opens round 1.
func (e *Engine) StartGame(ctx context.Context, code string, requesterID uuid.UUID) (*models.Round, error) {
	const op = "startGame"
	var (
		session *models.Session
		round   *models.Round
		prompt  models.Card
		online  []models.Player
	)
	err := e.mutate(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		// the store may rerun this closure; nothing from a rolled back attempt survives
		session, round, prompt, online = nil, nil, models.Card{}, nil
		if s.Status != models.SessionWaiting {
			return errors.FailedPrecondition("session %s is %s", s.Code, s.Status)
		}
		if requesterID != s.HostPlayerID {
			return errors.PermissionDenied("only the host can start the game")
		}

		players, err := tx.ListPlayers(ctx, s.ID)
		if err != nil {
			return err
		}
		online = onlineInOrder(players, e.onlineSet(s.Code))
		if len(online) < e.limits.MinPlayers {
			return errors.FailedPrecondition("at least %d connected players are required, %d connected", e.limits.MinPlayers, len(online))
		}

		if _, err := e.dealer.DealInitialHands(ctx, tx, s, playerIDs(online)); err != nil {
			return err
		}
		prompt, err = e.dealer.DrawPrompt(ctx, tx, s)
		if err != nil {
			return err
		}

		round = &models.Round{
			ID:           uuid.New(),
			SessionID:    s.ID,
			Number:       1,
			PromptCardID: prompt.ID,
			JudgeID:      online[0].ID,
			Status:       models.RoundPending,
			StartedAt:    e.now(),
		}
		if err := transitionRound(round, models.RoundSubmissions); err != nil {
			return err
		}
		if err := tx.InsertRound(ctx, round); err != nil {
			return err
		}

		if err := transitionSession(s, models.SessionInProgress); err != nil {
			return err
		}
		s.CurrentRound = round.Number
		if err := tx.UpdateSession(ctx, s); err != nil {
			return err
		}
		session = s
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.metrics.GameStarted()
	e.logger.WithFields(logrus.Fields{
		"session": session.Code,
		"players": len(online),
		"judge":   round.JudgeID,
	}).Info("game started")

	e.notifier.Broadcast(session.Code, GameEvent{
		Type: EventGameStarted,
		Payload: map[string]any{
			"sessionCode": session.Code,
			"playerIds":   playerIDs(online),
		},
	})
	e.notifier.Broadcast(session.Code, GameEvent{
		Type:    EventRoundStarted,
		Payload: roundPayload(session, round, prompt, nicknameOf(online, round.JudgeID)),
	})
	e.pushStates(ctx, session.Code)
	e.logAction(session, "game-started", requesterID, round.ID, map[string]any{"players": playerIDs(online)})
	return round, nil
}

// SubmitCards records a player's response for the current round. The round
// moves to judging in the same transaction once every connected non-judge
// player who can play has submitted.
func (e *Engine) SubmitCards(ctx context.Context, code string, roundID, playerID uuid.UUID, cardIDs []uuid.UUID) (*models.Submission, error) {
	const op = "submitCards"
	if err := validateCardIDs(cardIDs); err != nil {
		return nil, e.fail(op, err)
	}

	var (
		session  *models.Session
		round    *models.Round
		sub      *models.Submission
		progress roundProgress
		reveal   []SubmissionState
	)
	err := e.mutate(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		session, round, sub, progress, reveal = s, nil, nil, roundProgress{}, nil
		if s.Status != models.SessionInProgress {
			return errors.FailedPrecondition("game is not in progress")
		}
		r, err := currentRound(ctx, tx, s, roundID)
		if err != nil {
			return err
		}
		round = r
		if r.Status != models.RoundSubmissions {
			return errors.FailedPrecondition("round %d is not accepting submissions", r.Number)
		}

		p, err := tx.GetPlayer(ctx, playerID)
		if stderrors.Is(err, store.ErrNotFound) || (err == nil && p.SessionID != s.ID) {
			return errors.PermissionDenied("player is not part of session %s", s.Code)
		}
		if err != nil {
			return err
		}
		if p.ID == r.JudgeID {
			return errors.PermissionDenied("the judge does not submit cards")
		}

		subs, err := tx.ListSubmissions(ctx, r.ID)
		if err != nil {
			return err
		}
		for _, other := range subs {
			if other.PlayerID == playerID {
				return errors.FailedPrecondition("already submitted for round %d", r.Number)
			}
		}

		prompt, err := e.card(ctx, tx, s, r.PromptCardID)
		if err != nil {
			return err
		}
		if len(cardIDs) != prompt.PickCount() {
			return errors.FailedPrecondition("this prompt needs %d card(s), got %d", prompt.PickCount(), len(cardIDs))
		}

		hand, err := tx.ListHand(ctx, s.ID, playerID)
		if err != nil {
			return err
		}
		held := toSet(hand)
		for _, id := range cardIDs {
			if !held[id] {
				return errors.FailedPrecondition("card %s is not in your hand", id)
			}
		}

		sub = &models.Submission{
			ID:          uuid.New(),
			RoundID:     r.ID,
			PlayerID:    playerID,
			CardIDs:     slices.Clone(cardIDs),
			SubmittedAt: e.now(),
		}
		if err := tx.InsertSubmission(ctx, sub); err != nil {
			if stderrors.Is(err, store.ErrConflict) {
				return errors.FailedPrecondition("already submitted for round %d", r.Number)
			}
			return err
		}
		if err := e.dealer.Discard(ctx, tx, playerID, cardIDs); err != nil {
			return err
		}

		progress, err = e.progress(ctx, tx, s, r, prompt.PickCount())
		if err != nil {
			return err
		}
		if progress.ready() {
			reveal, err = e.beginJudging(ctx, tx, s, r)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	e.metrics.Submitted()
	e.notifier.Broadcast(session.Code, GameEvent{
		Type: EventCardSubmitted,
		Payload: map[string]any{
			"roundId":        round.ID,
			"submittedCount": progress.Submitted,
			"expectedCount":  progress.Expected,
		},
	})
	if reveal != nil {
		e.announceJudging(session, round, reveal)
	}
	e.pushState(ctx, session.Code, playerID)
	e.logAction(session, "card-submitted", playerID, round.ID, map[string]any{"cardIds": cardIDs})
	return sub, nil
}

// SelectWinner scores the judge's pick and either ends the session or opens
// the next round with refilled hands and the next judge.
func (e *Engine) SelectWinner(ctx context.Context, code string, roundID, judgeID, submissionID uuid.UUID) (*WinnerResult, error) {
	const op = "selectWinner"
	var (
		res        WinnerResult
		winning    []models.Card
		players    []models.Player
		nextPrompt models.Card
	)
	err := e.mutate(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		res = WinnerResult{Session: s}
		winning, players, nextPrompt = nil, nil, models.Card{}
		if s.Status != models.SessionInProgress {
			return errors.FailedPrecondition("game is not in progress")
		}
		r, err := currentRound(ctx, tx, s, roundID)
		if err != nil {
			return err
		}
		if r.Status != models.RoundJudging {
			return errors.FailedPrecondition("round %d is not being judged", r.Number)
		}
		if judgeID != r.JudgeID {
			return errors.PermissionDenied("only the judge of round %d can pick a winner", r.Number)
		}

		sub, err := tx.GetSubmission(ctx, submissionID)
		if stderrors.Is(err, store.ErrNotFound) || (err == nil && sub.RoundID != r.ID) {
			return errors.NotFound("submission %s not found in round %d", submissionID, r.Number)
		}
		if err != nil {
			return err
		}

		if err := transitionRound(r, models.RoundComplete); err != nil {
			return err
		}
		now := e.now()
		r.WinnerID = sub.PlayerID
		r.WinningSubmissionID = sub.ID
		r.CompletedAt = &now
		if err := tx.UpdateRound(ctx, r); err != nil {
			return err
		}
		res.Round = r
		res.WinnerID = sub.PlayerID

		res.Score, err = tx.IncrementScore(ctx, sub.PlayerID)
		if err != nil {
			return err
		}
		cards, err := e.resolveCards(ctx, tx, s, sub.CardIDs)
		if err != nil {
			return err
		}
		winning = orderedCards(sub.CardIDs, cards)

		players, err = tx.ListPlayers(ctx, s.ID)
		if err != nil {
			return err
		}

		if res.Score >= s.ScoreToWin {
			return endSession(ctx, tx, s, models.EndReasonScoreReached)
		}

		res.NextRound, nextPrompt, err = e.advance(ctx, tx, s, r, players)
		if stderrors.Is(err, dealer.ErrNoPrompts) || stderrors.Is(err, dealer.ErrInsufficientCards) {
			e.logger.WithFields(logrus.Fields{"session": s.Code, "round": r.Number}).WithError(err).Info("cards exhausted, ending game")
			return endSession(ctx, tx, s, models.EndReasonCardsExhausted)
		}
		return err
	})
	if err != nil {
		return nil, e.fail(op, err)
	}

	session := res.Session
	e.metrics.RoundCompleted()
	e.notifier.Broadcast(session.Code, GameEvent{
		Type: EventWinnerSelected,
		Payload: map[string]any{
			"roundId":        res.Round.ID,
			"submissionId":   submissionID,
			"winnerId":       res.WinnerID,
			"winnerNickname": nicknameOf(players, res.WinnerID),
			"cards":          winning,
			"score":          res.Score,
			"scores":         scoreboard(players),
		},
	})

	if session.Status == models.SessionCompleted {
		e.metrics.GameEnded(session.EndReason)
		payload := map[string]any{
			"reason": session.EndReason,
			"scores": scoreboard(players),
		}
		if session.EndReason == models.EndReasonScoreReached {
			payload["winnerId"] = res.WinnerID
		}
		e.notifier.Broadcast(session.Code, GameEvent{Type: EventGameEnded, Payload: payload})
		e.logger.WithFields(logrus.Fields{"session": session.Code, "reason": session.EndReason}).Info("game ended")
	} else {
		e.notifier.Broadcast(session.Code, GameEvent{
			Type:    EventNextRound,
			Payload: roundPayload(session, res.NextRound, nextPrompt, nicknameOf(players, res.NextRound.JudgeID)),
		})
	}
	e.pushStates(ctx, session.Code)
	e.logAction(session, "winner-selected", res.WinnerID, res.Round.ID, map[string]any{
		"submissionId": submissionID,
		"score":        res.Score,
		"endReason":    session.EndReason,
	})
	return &res, nil
}

// GetCurrentRound returns the session's current round, or nil before the game starts.
func (e *Engine) GetCurrentRound(ctx context.Context, code string) (*models.Round, error) {
	var round *models.Round
	err := e.read(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		round = nil
		if s.CurrentRound == 0 {
			return nil
		}
		var err error
		round, err = tx.GetRoundByNumber(ctx, s.ID, s.CurrentRound)
		return err
	})
	if err != nil {
		return nil, e.fail("getCurrentRound", err)
	}
	return round, nil
}

// GetPlayerHand returns the cards the player holds; empty before dealing.
func (e *Engine) GetPlayerHand(ctx context.Context, code string, playerID uuid.UUID) ([]models.Card, error) {
	var hand []models.Card
	err := e.read(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		p, err := tx.GetPlayer(ctx, playerID)
		if stderrors.Is(err, store.ErrNotFound) || (err == nil && p.SessionID != s.ID) {
			return errors.PermissionDenied("player is not part of session %s", s.Code)
		}
		if err != nil {
			return err
		}
		hand, err = e.hand(ctx, tx, s, playerID)
		return err
	})
	if err != nil {
		return nil, e.fail("getPlayerHand", err)
	}
	return hand, nil
}

// SetPlayerConnected mirrors presence into the persistent player row.
func (e *Engine) SetPlayerConnected(ctx context.Context, playerID uuid.UUID, connected bool) error {
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.SetPlayerConnected(ctx, playerID, connected)
	})
	if err != nil {
		return e.fail("setPlayerConnected", err)
	}
	return nil
}

// CheckRoundProgress re-evaluates the judging trigger, for when a player the
// round was waiting on goes offline. It is a no-op unless the current round
// has at least one submission and nobody else online can still submit.
func (e *Engine) CheckRoundProgress(ctx context.Context, code string) error {
	var (
		session *models.Session
		round   *models.Round
		reveal  []SubmissionState
	)
	err := e.mutate(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		session, round, reveal = s, nil, nil
		if s.Status != models.SessionInProgress || s.CurrentRound == 0 {
			return nil
		}
		r, err := tx.GetRoundByNumber(ctx, s.ID, s.CurrentRound)
		if err != nil {
			return err
		}
		if r.Status != models.RoundSubmissions {
			return nil
		}
		prompt, err := e.card(ctx, tx, s, r.PromptCardID)
		if err != nil {
			return err
		}
		p, err := e.progress(ctx, tx, s, r, prompt.PickCount())
		if err != nil || !p.ready() {
			return err
		}
		round = r
		reveal, err = e.beginJudging(ctx, tx, s, r)
		return err
	})
	if err != nil {
		return e.fail("checkRoundProgress", err)
	}
	if reveal != nil {
		e.announceJudging(session, round, reveal)
	}
	return nil
}

// mutate runs fn against the locked session inside one transaction.
func (e *Engine) mutate(ctx context.Context, code string, fn func(context.Context, store.Tx, *models.Session) error) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.LockSessionByCode(ctx, code)
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NotFound("session %s not found", code)
		}
		if err != nil {
			return err
		}
		return fn(ctx, tx, s)
	})
}

// read is mutate without the row lock.
func (e *Engine) read(ctx context.Context, code string, fn func(context.Context, store.Tx, *models.Session) error) error {
	return e.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		s, err := tx.GetSessionByCode(ctx, code)
		if stderrors.Is(err, store.ErrNotFound) {
			return errors.NotFound("session %s not found", code)
		}
		if err != nil {
			return err
		}
		return fn(ctx, tx, s)
	})
}

// advance draws the next prompt, refills hands and opens the next round. The
// prompt is drawn before anything is written so exhaustion leaves no partial deal.
func (e *Engine) advance(ctx context.Context, tx store.Tx, s *models.Session, prev *models.Round, players []models.Player) (*models.Round, models.Card, error) {
	online := e.onlineSet(s.Code)

	prompt, err := e.dealer.DrawPrompt(ctx, tx, s)
	if err != nil {
		return nil, models.Card{}, err
	}
	if _, err := e.dealer.RefillHands(ctx, tx, s, playerIDs(onlineInOrder(players, online))); err != nil {
		return nil, models.Card{}, err
	}

	r := &models.Round{
		ID:           uuid.New(),
		SessionID:    s.ID,
		Number:       prev.Number + 1,
		PromptCardID: prompt.ID,
		JudgeID:      nextJudge(players, online, prev.JudgeID),
		Status:       models.RoundPending,
		StartedAt:    e.now(),
	}
	if err := transitionRound(r, models.RoundSubmissions); err != nil {
		return nil, models.Card{}, err
	}
	if err := tx.InsertRound(ctx, r); err != nil {
		return nil, models.Card{}, err
	}
	s.CurrentRound = r.Number
	if err := tx.UpdateSession(ctx, s); err != nil {
		return nil, models.Card{}, err
	}
	return r, prompt, nil
}

// beginJudging moves the round to judging and returns the anonymous reveal.
func (e *Engine) beginJudging(ctx context.Context, tx store.Tx, s *models.Session, r *models.Round) ([]SubmissionState, error) {
	if err := transitionRound(r, models.RoundJudging); err != nil {
		return nil, err
	}
	if err := tx.UpdateRound(ctx, r); err != nil {
		return nil, err
	}
	subs, err := tx.ListSubmissions(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	return e.anonymousSubmissions(ctx, tx, s, subs)
}

func (e *Engine) announceJudging(s *models.Session, r *models.Round, reveal []SubmissionState) {
	e.notifier.Broadcast(s.Code, GameEvent{
		Type: EventJudgingStarted,
		Payload: map[string]any{
			"roundId":     r.ID,
			"judgeId":     r.JudgeID,
			"submissions": reveal,
		},
	})
}

func endSession(ctx context.Context, tx store.Tx, s *models.Session, reason string) error {
	if err := transitionSession(s, models.SessionCompleted); err != nil {
		return err
	}
	s.EndReason = reason
	return tx.UpdateSession(ctx, s)
}

// roundProgress counts who the current round is still waiting on.
type roundProgress struct {
	Submitted int
	Expected  int
	Pending   []uuid.UUID
}

func (p roundProgress) ready() bool {
	return p.Submitted > 0 && len(p.Pending) == 0
}

// progress reports which online non-judge players can still submit. A player
// holding fewer cards than the prompt needs (one who was offline when hands
// were dealt) is not waited on.
func (e *Engine) progress(ctx context.Context, tx store.Tx, s *models.Session, r *models.Round, pick int) (roundProgress, error) {
	players, err := tx.ListPlayers(ctx, s.ID)
	if err != nil {
		return roundProgress{}, err
	}
	subs, err := tx.ListSubmissions(ctx, r.ID)
	if err != nil {
		return roundProgress{}, err
	}
	submitted := make(map[uuid.UUID]bool, len(subs))
	for _, sub := range subs {
		submitted[sub.PlayerID] = true
	}
	online := e.onlineSet(s.Code)

	p := roundProgress{Submitted: len(subs)}
	for _, pl := range players {
		if pl.ID == r.JudgeID || submitted[pl.ID] || !online[pl.ID] {
			continue
		}
		hand, err := tx.ListHand(ctx, s.ID, pl.ID)
		if err != nil {
			return roundProgress{}, err
		}
		if len(hand) < pick {
			continue
		}
		p.Pending = append(p.Pending, pl.ID)
	}
	p.Expected = p.Submitted + len(p.Pending)
	return p, nil
}

// currentRound loads roundID and checks it is the session's current round.
func currentRound(ctx context.Context, tx store.Tx, s *models.Session, roundID uuid.UUID) (*models.Round, error) {
	r, err := tx.GetRound(ctx, roundID)
	if stderrors.Is(err, store.ErrNotFound) || (err == nil && r.SessionID != s.ID) {
		return nil, errors.NotFound("round %s not found", roundID)
	}
	if err != nil {
		return nil, err
	}
	if r.Number != s.CurrentRound {
		return nil, errors.FailedPrecondition("round %d is not the current round", r.Number)
	}
	return r, nil
}

// resolveCards looks cards up in the catalog and the session's custom cards.
func (e *Engine) resolveCards(ctx context.Context, tx store.Tx, s *models.Session, ids []uuid.UUID) (map[uuid.UUID]models.Card, error) {
	out := make(map[uuid.UUID]models.Card, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	if len(s.CardPoolIDs) > 0 {
		found, err := e.catalog.GetCards(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("catalog lookup: %w", err)
		}
		for id, c := range found {
			out[id] = c
		}
	}
	if len(out) == len(ids) {
		return out, nil
	}

	want := toSet(ids)
	for _, t := range []models.CardType{models.CardPrompt, models.CardResponse} {
		custom, err := tx.ListCustomCards(ctx, s.ID, t)
		if err != nil {
			return nil, err
		}
		for _, c := range custom {
			if want[c.ID] {
				out[c.ID] = c
			}
		}
	}
	return out, nil
}

func (e *Engine) card(ctx context.Context, tx store.Tx, s *models.Session, id uuid.UUID) (models.Card, error) {
	cards, err := e.resolveCards(ctx, tx, s, []uuid.UUID{id})
	if err != nil {
		return models.Card{}, err
	}
	c, ok := cards[id]
	if !ok {
		return models.Card{}, fmt.Errorf("card %s missing from catalog", id)
	}
	return c, nil
}

func (e *Engine) hand(ctx context.Context, tx store.Tx, s *models.Session, playerID uuid.UUID) ([]models.Card, error) {
	ids, err := tx.ListHand(ctx, s.ID, playerID)
	if err != nil {
		return nil, err
	}
	cards, err := e.resolveCards(ctx, tx, s, ids)
	if err != nil {
		return nil, err
	}
	return orderedCards(ids, cards), nil
}

func (e *Engine) onlineSet(code string) map[uuid.UUID]bool {
	if e.presence == nil {
		return map[uuid.UUID]bool{}
	}
	return toSet(e.presence.ConnectedPlayers(code))
}

// pushState sends the player a private snapshot.
func (e *Engine) pushState(ctx context.Context, code string, playerID uuid.UUID) {
	st, err := e.GetFullGameState(ctx, code, &playerID)
	if err != nil {
		e.logger.WithFields(logrus.Fields{"session": code, "player": playerID}).WithError(err).Warn("failed to build game state")
		return
	}
	e.notifier.SendToPlayer(code, playerID, GameEvent{Type: EventGameState, State: st})
}

// pushStates sends every online player of the session their own snapshot.
func (e *Engine) pushStates(ctx context.Context, code string) {
	if e.presence == nil {
		return
	}
	for _, pid := range e.presence.ConnectedPlayers(code) {
		e.pushState(ctx, code, pid)
	}
}

// fail classifies err, counts rejections and logs internal failures.
func (e *Engine) fail(op string, err error) error {
	ce := classify(err)
	if ce.Code == errors.CodeInternal {
		e.logger.WithField("op", op).WithError(err).Error("game action failed")
	} else {
		e.logger.WithFields(logrus.Fields{"op": op, "code": ce.Code.String()}).Debug(ce.Message)
	}
	e.metrics.Rejected(op, ce.Code.String())
	return ce
}

func classify(err error) *errors.Error {
	var ce *errors.Error
	if stderrors.As(err, &ce) {
		return ce
	}
	switch {
	case stderrors.Is(err, store.ErrNotFound):
		return errors.New(errors.CodeNotFound, errors.WithCause(err), errors.WithMessagef("not found"))
	case stderrors.Is(err, store.ErrUnavailable), stderrors.Is(err, context.DeadlineExceeded):
		return errors.Unavailable(err)
	case stderrors.Is(err, dealer.ErrNoPrompts):
		return errors.New(errors.CodeResourceExhausted, errors.WithCause(err), errors.WithMessagef("no unused prompt cards remain"))
	case stderrors.Is(err, dealer.ErrInsufficientCards):
		return errors.New(errors.CodeResourceExhausted, errors.WithCause(err), errors.WithMessagef("not enough response cards remain"))
	case stderrors.Is(err, dealer.ErrNoCardSource):
		return errors.New(errors.CodeResourceExhausted, errors.WithCause(err), errors.WithMessagef("session has no cards to deal"))
	}
	return errors.Internal(err)
}

// logAction publishes an event-log record without blocking the caller.
func (e *Engine) logAction(s *models.Session, eventType string, playerID, roundID uuid.UUID, payload map[string]any) {
	rec := eventlog.Record{
		SessionID:   s.ID,
		SessionCode: s.Code,
		Type:        eventType,
		PlayerID:    playerID,
		RoundID:     roundID,
		Payload:     payload,
		Timestamp:   e.now().UnixMilli(),
	}
	go func(rec eventlog.Record) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := e.events.Append(ctx, rec); err != nil {
			e.logger.WithFields(logrus.Fields{"session": rec.SessionCode, "type": rec.Type}).WithError(err).Warn("failed to append event log record")
		}
	}(rec)
}

func transitionRound(r *models.Round, next models.RoundStatus) error {
	if !r.Status.CanTransitionTo(next) {
		return errors.FailedPrecondition("round %d cannot move from %s to %s", r.Number, r.Status, next)
	}
	r.Status = next
	return nil
}

func transitionSession(s *models.Session, next models.SessionStatus) error {
	if !s.Status.CanTransitionTo(next) {
		return errors.FailedPrecondition("session %s cannot move from %s to %s", s.Code, s.Status, next)
	}
	s.Status = next
	return nil
}

func roundPayload(s *models.Session, r *models.Round, prompt models.Card, judgeNickname string) map[string]any {
	payload := map[string]any{
		"roundId":       r.ID,
		"number":        r.Number,
		"status":        r.Status,
		"judgeId":       r.JudgeID,
		"judgeNickname": judgeNickname,
		"prompt":        prompt,
	}
	if d := deadline(s, r); d != nil {
		payload["deadline"] = d
	}
	return payload
}

// deadline is informational only; rounds never advance on their own.
func deadline(s *models.Session, r *models.Round) *time.Time {
	if s.RoundTimerSec <= 0 || r.Status != models.RoundSubmissions {
		return nil
	}
	d := r.StartedAt.Add(time.Duration(s.RoundTimerSec) * time.Second)
	return &d
}

func playerIDs(players []models.Player) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(players))
	for _, p := range players {
		ids = append(ids, p.ID)
	}
	return ids
}

func nicknameOf(players []models.Player, id uuid.UUID) string {
	for _, p := range players {
		if p.ID == id {
			return p.Nickname
		}
	}
	return ""
}

func scoreboard(players []models.Player) map[uuid.UUID]int {
	out := make(map[uuid.UUID]int, len(players))
	for _, p := range players {
		out[p.ID] = p.Score
	}
	return out
}

// orderedCards returns the resolved cards in the order of ids, skipping unknown IDs.
func orderedCards(ids []uuid.UUID, cards map[uuid.UUID]models.Card) []models.Card {
	out := make([]models.Card, 0, len(ids))
	for _, id := range ids {
		if c, ok := cards[id]; ok {
			out = append(out, c)
		}
	}
	return out
}
