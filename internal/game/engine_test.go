// internal/game/engine_test.go
package game

import (
	"context"
	stderrors "errors"
	"io"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jason-s-yu/verdict/internal/catalog"
	"github.com/jason-s-yu/verdict/internal/dealer"
	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/eventlog"
	"github.com/jason-s-yu/verdict/internal/models"
	"github.com/jason-s-yu/verdict/internal/presence"
	"github.com/jason-s-yu/verdict/internal/store"
)

// mockBroadcaster collects events instead of sending them over WS.
type mockBroadcaster struct {
	mu           sync.Mutex
	allEvents    []GameEvent               // Events sent to everyone
	playerEvents map[uuid.UUID][]GameEvent // Events sent to specific players
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		playerEvents: make(map[uuid.UUID][]GameEvent),
	}
}

func (mb *mockBroadcaster) Broadcast(_ string, ev GameEvent) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.allEvents = append(mb.allEvents, ev)
}

func (mb *mockBroadcaster) SendToPlayer(_ string, playerID uuid.UUID, ev GameEvent) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.playerEvents[playerID] = append(mb.playerEvents[playerID], ev)
}

func (mb *mockBroadcaster) eventsOfType(t GameEventType) []GameEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []GameEvent
	for _, ev := range mb.allEvents {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (mb *mockBroadcaster) getLastPlayerEvent(playerID uuid.UUID) *GameEvent {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	events, ok := mb.playerEvents[playerID]
	if !ok || len(events) == 0 {
		return nil
	}
	return &events[len(events)-1]
}

var errSerialization = stderrors.New("could not serialize access due to concurrent update")

// retryStore behaves like the PostgreSQL store under contention: an armed
// call runs fn to completion, rolls it back and runs it again, with between
// executed in the gap.
type retryStore struct {
	inner store.Store

	mu      sync.Mutex
	armed   int
	between func()
	retries int
}

func (s *retryStore) failNext(n int, between func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = n
	s.between = between
}

func (s *retryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.mu.Lock()
	fail := s.armed > 0
	if fail {
		s.armed--
		s.retries++
	}
	between := s.between
	s.mu.Unlock()

	if fail {
		err := s.inner.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := fn(ctx, tx); err != nil {
				return err
			}
			return errSerialization
		})
		if !stderrors.Is(err, errSerialization) {
			return err
		}
		if between != nil {
			between()
		}
	}
	return s.inner.WithTx(ctx, fn)
}

type testGame struct {
	engine   *Engine
	store    *retryStore
	tracker  *presence.Tracker
	mb       *mockBroadcaster
	code     string
	players  []models.Player // join order; players[0] is the host
	sockets  map[uuid.UUID]uuid.UUID
	handSize int
}

// setupTestGame creates a session with numPlayers players, all connected.
// prompts and responses size the single card pool.
func setupTestGame(t *testing.T, numPlayers, prompts, responses int, req CreateSessionRequest) *testGame {
	t.Helper()
	cat := catalog.NewMemory()
	pool := cat.AddPool(prompts, responses)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	g := &testGame{
		tracker: presence.NewTracker(),
		mb:      newMockBroadcaster(),
		sockets: map[uuid.UUID]uuid.UUID{},
		store:   &retryStore{inner: store.NewMemoryStore()},
	}
	g.engine = NewEngine(Config{
		Store:    g.store,
		Catalog:  cat,
		Dealer:   dealer.New(cat, dealer.WithRand(rand.New(rand.NewPCG(7, 11)))),
		Presence: g.tracker,
		Notifier: g.mb,
		Logger:   logger,
	})

	if req.HostNickname == "" {
		req.HostNickname = "Alice"
	}
	if len(req.CardPoolIDs) == 0 && len(req.CustomCards) == 0 {
		req.CardPoolIDs = []uuid.UUID{pool}
	}
	view, err := g.engine.CreateSession(context.Background(), req)
	require.NoError(t, err)
	g.code = view.Session.Code
	g.handSize = view.Session.HandSize
	g.players = append(g.players, view.Players[0])

	names := []string{"Bob", "Carol", "Dave", "Erin", "Frank", "Grace", "Heidi"}
	for i := 1; i < numPlayers; i++ {
		p, err := g.engine.JoinSession(context.Background(), g.code, names[i-1])
		require.NoError(t, err)
		g.players = append(g.players, *p)
	}
	for _, p := range g.players {
		g.connect(p.ID)
	}
	return g
}

func (g *testGame) connect(playerID uuid.UUID) {
	sock := uuid.New()
	g.sockets[playerID] = sock
	g.tracker.PlayerConnected(sock, playerID, g.code)
}

func (g *testGame) disconnect(playerID uuid.UUID) {
	g.tracker.PlayerDisconnected(g.sockets[playerID])
}

func (g *testGame) start(t *testing.T) *models.Round {
	t.Helper()
	r, err := g.engine.StartGame(context.Background(), g.code, g.players[0].ID)
	require.NoError(t, err)
	return r
}

func (g *testGame) hand(t *testing.T, playerID uuid.UUID) []models.Card {
	t.Helper()
	hand, err := g.engine.GetPlayerHand(context.Background(), g.code, playerID)
	require.NoError(t, err)
	return hand
}

// submitFirst plays the first card of the player's hand.
func (g *testGame) submitFirst(t *testing.T, roundID, playerID uuid.UUID) *models.Submission {
	t.Helper()
	hand := g.hand(t, playerID)
	require.NotEmpty(t, hand)
	sub, err := g.engine.SubmitCards(context.Background(), g.code, roundID, playerID, []uuid.UUID{hand[0].ID})
	require.NoError(t, err)
	return sub
}

func (g *testGame) currentRound(t *testing.T) *models.Round {
	t.Helper()
	r, err := g.engine.GetCurrentRound(context.Background(), g.code)
	require.NoError(t, err)
	return r
}

// assertNoDuplicateCards checks no card is in two hands or both in a hand and a submission.
func (g *testGame) assertNoDuplicateCards(t *testing.T, submitted ...uuid.UUID) {
	t.Helper()
	seen := map[uuid.UUID]bool{}
	for _, id := range submitted {
		seen[id] = true
	}
	for _, p := range g.players {
		for _, c := range g.hand(t, p.ID) {
			assert.False(t, seen[c.ID], "card %s allocated twice", c.ID)
			seen[c.ID] = true
		}
	}
}

func requireCode(t *testing.T, err error, code errors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, code), "expected %s, got %v", code, err)
}

func TestStartSubmitJudgeScenario(t *testing.T) {
	g := setupTestGame(t, 3, 10, 100, CreateSessionRequest{ScoreToWin: 3, HandSize: 5})
	a, b, c := g.players[0], g.players[1], g.players[2]

	round := g.start(t)
	assert.Equal(t, 1, round.Number)
	assert.Equal(t, a.ID, round.JudgeID)
	assert.Equal(t, models.RoundSubmissions, round.Status)
	for _, p := range g.players {
		assert.Len(t, g.hand(t, p.ID), 5)
	}
	require.Len(t, g.mb.eventsOfType(EventGameStarted), 1)
	require.Len(t, g.mb.eventsOfType(EventRoundStarted), 1)
	last := g.mb.getLastPlayerEvent(b.ID)
	require.NotNil(t, last)
	assert.Equal(t, EventGameState, last.Type)
	assert.Len(t, last.State.Hand, 5)

	subB := g.submitFirst(t, round.ID, b.ID)
	assert.Equal(t, models.RoundSubmissions, g.currentRound(t).Status)
	assert.Empty(t, g.mb.eventsOfType(EventJudgingStarted))
	assert.Len(t, g.hand(t, b.ID), 4)

	g.submitFirst(t, round.ID, c.ID)
	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
	require.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)
	submitted := g.mb.eventsOfType(EventCardSubmitted)
	require.Len(t, submitted, 2)
	assert.Equal(t, 1, submitted[0].Payload["submittedCount"])
	assert.Equal(t, 2, submitted[0].Payload["expectedCount"])
	assert.NotContains(t, submitted[0].Payload, "cards")

	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.WinnerID)
	assert.Equal(t, 1, res.Score)
	assert.Equal(t, models.RoundComplete, res.Round.Status)
	require.NotNil(t, res.NextRound)
	assert.Equal(t, 2, res.NextRound.Number)
	assert.Equal(t, b.ID, res.NextRound.JudgeID)
	assert.Equal(t, models.SessionInProgress, res.Session.Status)
	require.Len(t, g.mb.eventsOfType(EventWinnerSelected), 1)
	require.Len(t, g.mb.eventsOfType(EventNextRound), 1)

	// Hands are refilled for the next round.
	for _, p := range g.players {
		assert.Len(t, g.hand(t, p.ID), 5)
	}
	g.assertNoDuplicateCards(t, subB.CardIDs...)
}

func TestStartGameNeedsThreeConnected(t *testing.T) {
	g := setupTestGame(t, 3, 5, 100, CreateSessionRequest{})
	g.disconnect(g.players[2].ID)

	_, err := g.engine.StartGame(context.Background(), g.code, g.players[0].ID)
	requireCode(t, err, errors.CodeFailedPrecondition)

	view, err := g.engine.GetSession(context.Background(), g.code)
	require.NoError(t, err)
	assert.Equal(t, models.SessionWaiting, view.Session.Status)
	assert.Zero(t, view.Session.CurrentRound)
	assert.Empty(t, g.mb.eventsOfType(EventGameStarted))
	assert.Empty(t, g.hand(t, g.players[0].ID))

	round, err := g.engine.GetCurrentRound(context.Background(), g.code)
	require.NoError(t, err)
	assert.Nil(t, round)
}

func TestStartGameRejections(t *testing.T) {
	g := setupTestGame(t, 3, 5, 100, CreateSessionRequest{})

	_, err := g.engine.StartGame(context.Background(), g.code, g.players[1].ID)
	requireCode(t, err, errors.CodePermissionDenied)

	_, err = g.engine.StartGame(context.Background(), "ZZZZZZ", g.players[0].ID)
	requireCode(t, err, errors.CodeNotFound)

	g.start(t)
	_, err = g.engine.StartGame(context.Background(), g.code, g.players[0].ID)
	requireCode(t, err, errors.CodeFailedPrecondition)
}

func TestStartGameInsufficientCards(t *testing.T) {
	g := setupTestGame(t, 3, 5, 20, CreateSessionRequest{HandSize: 10})

	_, err := g.engine.StartGame(context.Background(), g.code, g.players[0].ID)
	requireCode(t, err, errors.CodeResourceExhausted)

	view, err := g.engine.GetSession(context.Background(), g.code)
	require.NoError(t, err)
	assert.Equal(t, models.SessionWaiting, view.Session.Status)
	for _, p := range g.players {
		assert.Empty(t, g.hand(t, p.ID))
	}
}

func TestSubmitCardNotInHand(t *testing.T) {
	g := setupTestGame(t, 3, 5, 100, CreateSessionRequest{})
	round := g.start(t)
	b, c := g.players[1], g.players[2]

	before := g.hand(t, b.ID)
	foreign := g.hand(t, c.ID)[0].ID

	_, err := g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{foreign})
	requireCode(t, err, errors.CodeFailedPrecondition)

	assert.ElementsMatch(t, before, g.hand(t, b.ID))
	st, err := g.engine.GetFullGameState(context.Background(), g.code, nil)
	require.NoError(t, err)
	assert.Zero(t, st.Round.SubmittedCount)
	assert.Empty(t, g.mb.eventsOfType(EventCardSubmitted))
}

func TestSubmitRejections(t *testing.T) {
	g := setupTestGame(t, 4, 5, 100, CreateSessionRequest{})
	a, b := g.players[0], g.players[1]

	_, err := g.engine.SubmitCards(context.Background(), g.code, uuid.New(), b.ID, []uuid.UUID{uuid.New()})
	requireCode(t, err, errors.CodeFailedPrecondition) // not started

	round := g.start(t)
	hand := g.hand(t, b.ID)

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, nil)
	requireCode(t, err, errors.CodeInvalidArgument)

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{hand[0].ID, hand[0].ID})
	requireCode(t, err, errors.CodeInvalidArgument)

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{hand[0].ID, hand[1].ID})
	requireCode(t, err, errors.CodeFailedPrecondition) // pick is 1

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, a.ID, []uuid.UUID{g.hand(t, a.ID)[0].ID})
	requireCode(t, err, errors.CodePermissionDenied) // judge

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, uuid.New(), []uuid.UUID{hand[0].ID})
	requireCode(t, err, errors.CodePermissionDenied)

	_, err = g.engine.SubmitCards(context.Background(), g.code, uuid.New(), b.ID, []uuid.UUID{hand[0].ID})
	requireCode(t, err, errors.CodeNotFound)

	g.submitFirst(t, round.ID, b.ID)
	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{g.hand(t, b.ID)[0].ID})
	requireCode(t, err, errors.CodeFailedPrecondition)

	// The judging trigger needs every online non-judge player.
	assert.Equal(t, models.RoundSubmissions, g.currentRound(t).Status)
}

func TestConcurrentSubmissionsTriggerJudgingOnce(t *testing.T) {
	g := setupTestGame(t, 8, 5, 200, CreateSessionRequest{HandSize: 5})
	round := g.start(t)

	hands := map[uuid.UUID]uuid.UUID{}
	for _, p := range g.players[1:] {
		hands[p.ID] = g.hand(t, p.ID)[0].ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(hands))
	for pid, card := range hands {
		wg.Add(1)
		go func(pid, card uuid.UUID) {
			defer wg.Done()
			_, err := g.engine.SubmitCards(context.Background(), g.code, round.ID, pid, []uuid.UUID{card})
			errs <- err
		}(pid, card)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
	assert.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)
	assert.Len(t, g.mb.eventsOfType(EventCardSubmitted), 7)
}

func TestConcurrentDuplicateSubmission(t *testing.T) {
	g := setupTestGame(t, 4, 5, 100, CreateSessionRequest{})
	round := g.start(t)
	b := g.players[1]
	hand := g.hand(t, b.ID)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(card uuid.UUID) {
			defer wg.Done()
			if _, err := g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{card}); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(hand[i].ID)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Len(t, g.hand(t, b.ID), g.handSize-1)
}

func TestConcurrentSelectWinnerScoresOnce(t *testing.T) {
	g := setupTestGame(t, 3, 10, 100, CreateSessionRequest{})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	subB := g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)

	var wg sync.WaitGroup
	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, errors.CodeFailedPrecondition), "unexpected error %v", err)
	}
	assert.Equal(t, 1, succeeded)

	view, err := g.engine.GetSession(context.Background(), g.code)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Session.CurrentRound)
	for _, p := range view.Players {
		if p.ID == b.ID {
			assert.Equal(t, 1, p.Score)
		} else {
			assert.Zero(t, p.Score)
		}
	}
}

func TestSelectWinnerRejections(t *testing.T) {
	g := setupTestGame(t, 3, 10, 100, CreateSessionRequest{})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	subB := g.submitFirst(t, round.ID, b.ID)

	_, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	requireCode(t, err, errors.CodeFailedPrecondition) // still in submissions

	g.submitFirst(t, round.ID, c.ID)

	_, err = g.engine.SelectWinner(context.Background(), g.code, round.ID, b.ID, subB.ID)
	requireCode(t, err, errors.CodePermissionDenied)

	_, err = g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, uuid.New())
	requireCode(t, err, errors.CodeNotFound)

	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
}

func TestScoreReachedEndsGame(t *testing.T) {
	g := setupTestGame(t, 3, 10, 100, CreateSessionRequest{ScoreToWin: 1})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	g.submitFirst(t, round.ID, b.ID)
	subC := g.submitFirst(t, round.ID, c.ID)

	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subC.ID)
	require.NoError(t, err)
	assert.Nil(t, res.NextRound)
	assert.Equal(t, models.SessionCompleted, res.Session.Status)
	assert.Equal(t, models.EndReasonScoreReached, res.Session.EndReason)

	ended := g.mb.eventsOfType(EventGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, models.EndReasonScoreReached, ended[0].Payload["reason"])
	assert.Equal(t, c.ID, ended[0].Payload["winnerId"])
	assert.Empty(t, g.mb.eventsOfType(EventNextRound))

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{g.hand(t, b.ID)[0].ID})
	requireCode(t, err, errors.CodeFailedPrecondition)

	st, err := g.engine.GetFullGameState(context.Background(), g.code, nil)
	require.NoError(t, err)
	require.NotNil(t, st.Round)
	assert.Equal(t, models.RoundComplete, st.Round.Status)
	require.NotNil(t, st.Round.WinnerID)
	assert.Equal(t, c.ID, *st.Round.WinnerID)
}

func TestCardsExhaustedEndsGame(t *testing.T) {
	// One prompt only: the game cannot advance past round 1.
	g := setupTestGame(t, 3, 1, 100, CreateSessionRequest{HandSize: 5})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	subB := g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)

	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Score)
	assert.Nil(t, res.NextRound)
	assert.Equal(t, models.SessionCompleted, res.Session.Status)
	assert.Equal(t, models.EndReasonCardsExhausted, res.Session.EndReason)

	ended := g.mb.eventsOfType(EventGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, models.EndReasonCardsExhausted, ended[0].Payload["reason"])

	// No refill happened.
	assert.Len(t, g.hand(t, b.ID), 4)
	assert.Len(t, g.hand(t, c.ID), 4)
}

func TestResponseExhaustionEndsGame(t *testing.T) {
	// 15 responses dealt at start and none spare for the refill.
	g := setupTestGame(t, 3, 5, 15, CreateSessionRequest{HandSize: 5})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	subB := g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)

	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EndReasonCardsExhausted, res.Session.EndReason)
	assert.Len(t, g.hand(t, b.ID), 4)

	r, err := g.engine.GetCurrentRound(context.Background(), g.code)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Number)
}

func TestJudgeRotationSkipsOfflinePlayers(t *testing.T) {
	g := setupTestGame(t, 4, 10, 200, CreateSessionRequest{})
	a, b, c, d := g.players[0], g.players[1], g.players[2], g.players[3]

	round := g.start(t)
	require.Equal(t, a.ID, round.JudgeID)
	subC := g.submitFirst(t, round.ID, c.ID)
	g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, d.ID)

	g.disconnect(b.ID)
	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subC.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, res.NextRound.JudgeID)

	// The offline player is not refilled.
	assert.Len(t, g.hand(t, b.ID), g.handSize-1)

	// Round 2: D submits, A submits, judge C picks; rotation wraps to D then A.
	g.connect(b.ID)
	r2 := res.NextRound
	subD := g.submitFirst(t, r2.ID, d.ID)
	g.submitFirst(t, r2.ID, a.ID)
	g.submitFirst(t, r2.ID, b.ID)
	res, err = g.engine.SelectWinner(context.Background(), g.code, r2.ID, c.ID, subD.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.NextRound.JudgeID)
	g.assertNoDuplicateCards(t)
}

func TestCheckRoundProgressAfterDisconnect(t *testing.T) {
	g := setupTestGame(t, 4, 10, 200, CreateSessionRequest{})
	round := g.start(t)
	b, c, d := g.players[1], g.players[2], g.players[3]

	// Nobody has submitted: losing players never jumps to judging.
	g.disconnect(c.ID)
	g.disconnect(d.ID)
	g.disconnect(b.ID)
	require.NoError(t, g.engine.CheckRoundProgress(context.Background(), g.code))
	assert.Equal(t, models.RoundSubmissions, g.currentRound(t).Status)

	g.connect(b.ID)
	g.connect(c.ID)
	g.connect(d.ID)
	g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)
	g.disconnect(d.ID)

	require.NoError(t, g.engine.CheckRoundProgress(context.Background(), g.code))
	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
	assert.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)

	// Idempotent once judging.
	require.NoError(t, g.engine.CheckRoundProgress(context.Background(), g.code))
	assert.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)
}

func TestGameStateVisibility(t *testing.T) {
	g := setupTestGame(t, 3, 10, 100, CreateSessionRequest{RoundTimerSec: 60})
	round := g.start(t)
	a, b, c := g.players[0], g.players[1], g.players[2]
	subB := g.submitFirst(t, round.ID, b.ID)

	st, err := g.engine.GetFullGameState(context.Background(), g.code, &b.ID)
	require.NoError(t, err)
	assert.Len(t, st.OnlinePlayerIDs, 3)
	assert.Len(t, st.Hand, g.handSize-1)
	require.NotNil(t, st.Round)
	assert.Equal(t, "Alice", st.Round.JudgeNickname)
	assert.Equal(t, 1, st.Round.SubmittedCount)
	assert.Equal(t, 2, st.Round.ExpectedCount)
	require.NotNil(t, st.Round.Deadline)
	require.Len(t, st.Submissions, 2)
	for _, s := range st.Submissions {
		assert.Empty(t, s.Cards, "card content leaked during submissions")
		assert.Nil(t, s.ID)
		require.NotNil(t, s.PlayerID)
		assert.Equal(t, *s.PlayerID == b.ID, s.HasSubmitted)
	}

	// Without a requester there is no hand.
	st, err = g.engine.GetFullGameState(context.Background(), g.code, nil)
	require.NoError(t, err)
	assert.Empty(t, st.Hand)

	// A stranger gets no hand either.
	stranger := uuid.New()
	st, err = g.engine.GetFullGameState(context.Background(), g.code, &stranger)
	require.NoError(t, err)
	assert.Empty(t, st.Hand)

	g.submitFirst(t, round.ID, c.ID)
	st, err = g.engine.GetFullGameState(context.Background(), g.code, &a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RoundJudging, st.Round.Status)
	assert.Nil(t, st.Round.Deadline)
	require.Len(t, st.Submissions, 2)
	for _, s := range st.Submissions {
		assert.Nil(t, s.PlayerID, "author leaked during judging")
		require.NotNil(t, s.ID)
		assert.Len(t, s.Cards, 1)
	}

	_, err = g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	require.NoError(t, err)

	// The session moved on; the previous round is complete.
	st, err = g.engine.GetFullGameState(context.Background(), g.code, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Round.Number)
	assert.Equal(t, b.ID, st.Round.JudgeID)
	for _, p := range st.Players {
		if p.ID == b.ID {
			assert.Equal(t, 1, p.Score)
		}
	}
}

func TestJoinSession(t *testing.T) {
	g := setupTestGame(t, 3, 5, 100, CreateSessionRequest{MaxPlayers: 4})

	_, err := g.engine.JoinSession(context.Background(), g.code, "  bob ")
	requireCode(t, err, errors.CodeFailedPrecondition)

	_, err = g.engine.JoinSession(context.Background(), g.code, "")
	requireCode(t, err, errors.CodeInvalidArgument)

	_, err = g.engine.JoinSession(context.Background(), "NOPE99", "Zed")
	requireCode(t, err, errors.CodeNotFound)

	p, err := g.engine.JoinSession(context.Background(), g.code, "Zed")
	require.NoError(t, err)
	assert.Equal(t, 4, p.JoinOrder)
	assert.False(t, p.IsHost)

	_, err = g.engine.JoinSession(context.Background(), g.code, "Yan")
	requireCode(t, err, errors.CodeFailedPrecondition) // full

	joined := g.mb.eventsOfType(EventPlayerJoined)
	assert.Len(t, joined, 3)
}

func TestJoinAfterStartRejected(t *testing.T) {
	g := setupTestGame(t, 3, 5, 100, CreateSessionRequest{})
	g.start(t)

	_, err := g.engine.JoinSession(context.Background(), g.code, "Late")
	requireCode(t, err, errors.CodeFailedPrecondition)
}

func TestCreateSessionValidation(t *testing.T) {
	g := setupTestGame(t, 1, 1, 1, CreateSessionRequest{})
	pool := []uuid.UUID{uuid.New()}

	cases := map[string]CreateSessionRequest{
		"hand size":   {HostNickname: "A", HandSize: 2, CardPoolIDs: pool},
		"score":       {HostNickname: "A", ScoreToWin: 51, CardPoolIDs: pool},
		"max players": {HostNickname: "A", MaxPlayers: 2, CardPoolIDs: pool},
		"timer":       {HostNickname: "A", RoundTimerSec: -1, CardPoolIDs: pool},
		"no cards":    {HostNickname: "A"},
		"nickname":    {HostNickname: "ThisNicknameIsFarTooLongToUse", CardPoolIDs: pool},
		"custom type": {HostNickname: "A", CustomCards: []CustomCard{{Type: "joker", Text: "x"}}},
		"custom text": {HostNickname: "A", CustomCards: []CustomCard{{Type: models.CardResponse}}},
		"nil pool":    {HostNickname: "A", CardPoolIDs: []uuid.UUID{uuid.Nil}},
		"custom pick": {HostNickname: "A", CustomCards: []CustomCard{{Type: models.CardPrompt, Text: "_ _", Pick: 99}}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.engine.CreateSession(context.Background(), req)
			requireCode(t, err, errors.CodeInvalidArgument)
		})
	}

	view, err := g.engine.CreateSession(context.Background(), CreateSessionRequest{HostNickname: "Host", CardPoolIDs: pool})
	require.NoError(t, err)
	assert.Len(t, view.Session.Code, codeLength)
	assert.Equal(t, 10, view.Session.HandSize)
	assert.Equal(t, 5, view.Session.ScoreToWin)
	assert.Equal(t, 10, view.Session.MaxPlayers)
	assert.True(t, view.Players[0].IsHost)
	assert.Equal(t, view.Players[0].ID, view.Session.HostPlayerID)
}

func TestCustomCardsOnlySession(t *testing.T) {
	var custom []CustomCard
	for i := 0; i < 12; i++ {
		custom = append(custom, CustomCard{Type: models.CardResponse, Text: "answer"})
	}
	custom = append(custom, CustomCard{Type: models.CardPrompt, Text: "Pick two: _ and _", Pick: 2})

	g := setupTestGame(t, 3, 0, 0, CreateSessionRequest{HandSize: 3, CustomCards: custom})
	round := g.start(t)
	b := g.players[1]

	st, err := g.engine.GetFullGameState(context.Background(), g.code, &b.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Round.Prompt.PickCount())
	require.Len(t, st.Hand, 3)
	assert.Equal(t, "answer", st.Hand[0].Text)

	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{st.Hand[0].ID})
	requireCode(t, err, errors.CodeFailedPrecondition)
	_, err = g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{st.Hand[0].ID, st.Hand[1].ID})
	require.NoError(t, err)
}

type recordingLog struct {
	ch chan eventlog.Record
}

func (r *recordingLog) Append(_ context.Context, rec eventlog.Record) error {
	r.ch <- rec
	return nil
}

func TestEventLogAppend(t *testing.T) {
	rec := &recordingLog{ch: make(chan eventlog.Record, 16)}
	cat := catalog.NewMemory()
	pool := cat.AddPool(3, 50)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	eng := NewEngine(Config{Store: store.NewMemoryStore(), Catalog: cat, EventLog: rec, Logger: logger})

	view, err := eng.CreateSession(context.Background(), CreateSessionRequest{HostNickname: "Host", CardPoolIDs: []uuid.UUID{pool}})
	require.NoError(t, err)

	got := <-rec.ch
	assert.Equal(t, "session-created", got.Type)
	assert.Equal(t, view.Session.ID, got.SessionID)
	assert.Equal(t, view.Session.Code, got.SessionCode)
}

func TestNextJudge(t *testing.T) {
	ps := []models.Player{{ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}, {ID: uuid.New()}}
	online := map[uuid.UUID]bool{ps[0].ID: true, ps[2].ID: true, ps[3].ID: true}

	assert.Equal(t, ps[2].ID, nextJudge(ps, online, ps[0].ID))
	assert.Equal(t, ps[3].ID, nextJudge(ps, online, ps[2].ID))
	assert.Equal(t, ps[0].ID, nextJudge(ps, online, ps[3].ID))
	assert.Equal(t, ps[2].ID, nextJudge(ps, online, ps[1].ID))
	assert.Equal(t, ps[1].ID, nextJudge(ps, map[uuid.UUID]bool{}, ps[0].ID))
}

func TestSubmitRetryDoesNotLeakJudging(t *testing.T) {
	g := setupTestGame(t, 4, 10, 200, CreateSessionRequest{})
	round := g.start(t)
	b, c, d := g.players[1], g.players[2], g.players[3]

	subC := g.submitFirst(t, round.ID, c.ID)
	g.disconnect(d.ID)

	// the first attempt sees D offline and opens judging; D is back before the retry
	card := g.hand(t, b.ID)[0].ID
	g.store.failNext(1, func() { g.connect(d.ID) })
	subB, err := g.engine.SubmitCards(context.Background(), g.code, round.ID, b.ID, []uuid.UUID{card})
	require.NoError(t, err)
	assert.Equal(t, 1, g.store.retries)

	assert.Equal(t, models.RoundSubmissions, g.currentRound(t).Status)
	assert.Empty(t, g.mb.eventsOfType(EventJudgingStarted))

	submitted := g.mb.eventsOfType(EventCardSubmitted)
	require.Len(t, submitted, 2)
	assert.Equal(t, 2, submitted[1].Payload["submittedCount"])
	assert.Equal(t, 3, submitted[1].Payload["expectedCount"])

	st, err := g.engine.GetFullGameState(context.Background(), g.code, &b.ID)
	require.NoError(t, err)
	require.Len(t, st.Submissions, 3)
	for _, sub := range st.Submissions {
		assert.Empty(t, sub.Cards, "cards must stay hidden during submissions")
	}

	assert.Len(t, g.hand(t, b.ID), g.handSize-1)
	g.assertNoDuplicateCards(t, subC.CardIDs[0], subB.CardIDs[0])

	g.submitFirst(t, round.ID, d.ID)
	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
	assert.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)
}

func TestSelectWinnerRetryScoresOnce(t *testing.T) {
	g := setupTestGame(t, 4, 10, 200, CreateSessionRequest{})
	round := g.start(t)
	a, b, c, d := g.players[0], g.players[1], g.players[2], g.players[3]
	subB := g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)
	g.submitFirst(t, round.ID, d.ID)

	// the first attempt would hand the next round to B; B drops before the retry
	g.store.failNext(1, func() { g.disconnect(b.ID) })
	res, err := g.engine.SelectWinner(context.Background(), g.code, round.ID, a.ID, subB.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, g.store.retries)
	assert.Equal(t, 1, res.Score)

	next := g.currentRound(t)
	require.NotNil(t, res.NextRound)
	assert.Equal(t, next.ID, res.NextRound.ID)
	assert.Equal(t, c.ID, next.JudgeID)
	assert.Equal(t, 2, next.Number)

	events := g.mb.eventsOfType(EventNextRound)
	require.Len(t, events, 1)
	assert.Equal(t, next.ID, events[0].Payload["roundId"])
	assert.Equal(t, c.ID, events[0].Payload["judgeId"])
	assert.Len(t, g.mb.eventsOfType(EventWinnerSelected), 1)

	view, err := g.engine.GetSession(context.Background(), g.code)
	require.NoError(t, err)
	for _, p := range view.Players {
		if p.ID == b.ID {
			assert.Equal(t, 1, p.Score)
		} else {
			assert.Zero(t, p.Score)
		}
	}

	// online players are topped up exactly once; B was offline at the refill
	for _, p := range []models.Player{c, d} {
		assert.Len(t, g.hand(t, p.ID), g.handSize)
	}
	assert.Len(t, g.hand(t, b.ID), g.handSize-1)
	g.assertNoDuplicateCards(t)
}

func TestCheckRoundProgressRetryDoesNotLeakJudging(t *testing.T) {
	g := setupTestGame(t, 4, 10, 200, CreateSessionRequest{})
	round := g.start(t)
	b, c, d := g.players[1], g.players[2], g.players[3]
	g.submitFirst(t, round.ID, b.ID)
	g.submitFirst(t, round.ID, c.ID)
	g.disconnect(d.ID)

	g.store.failNext(1, func() { g.connect(d.ID) })
	require.NoError(t, g.engine.CheckRoundProgress(context.Background(), g.code))
	assert.Equal(t, 1, g.store.retries)

	assert.Equal(t, models.RoundSubmissions, g.currentRound(t).Status)
	assert.Empty(t, g.mb.eventsOfType(EventJudgingStarted))

	// a retry that still ends ready announces judging once
	g.disconnect(d.ID)
	g.store.failNext(1, nil)
	require.NoError(t, g.engine.CheckRoundProgress(context.Background(), g.code))
	assert.Equal(t, models.RoundJudging, g.currentRound(t).Status)
	assert.Len(t, g.mb.eventsOfType(EventJudgingStarted), 1)
}
