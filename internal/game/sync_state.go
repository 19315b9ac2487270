// internal/game/sync_state.go
package game

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/models"
	"github.com/jason-s-yu/verdict/internal/store"
)

// PlayerState is one player as seen by everyone.
type PlayerState struct {
	ID        uuid.UUID `json:"id"`
	Nickname  string    `json:"nickname"`
	Score     int       `json:"score"`
	IsHost    bool      `json:"isHost"`
	IsOnline  bool      `json:"isOnline"`
	JoinOrder int       `json:"joinOrder"`
}

// RoundState is the current (or final) round.
type RoundState struct {
	ID                  uuid.UUID          `json:"id"`
	Number              int                `json:"number"`
	Status              models.RoundStatus `json:"status"`
	Prompt              models.Card        `json:"prompt"`
	JudgeID             uuid.UUID          `json:"judgeId"`
	JudgeNickname       string             `json:"judgeNickname"`
	SubmittedCount      int                `json:"submittedCount"`
	ExpectedCount       int                `json:"expectedCount"`
	WinnerID            *uuid.UUID         `json:"winnerId,omitempty"`
	WinningSubmissionID *uuid.UUID         `json:"winningSubmissionId,omitempty"`
	Deadline            *time.Time         `json:"deadline,omitempty"` // display only
}

// SubmissionState is a submission filtered by round status: during
// submissions only PlayerID and HasSubmitted are set, during judging only ID
// and Cards, and once complete everything.
type SubmissionState struct {
	ID           *uuid.UUID    `json:"id,omitempty"`
	PlayerID     *uuid.UUID    `json:"playerId,omitempty"`
	HasSubmitted bool          `json:"hasSubmitted"`
	Cards        []models.Card `json:"cards,omitempty"`
	IsWinner     bool          `json:"isWinner,omitempty"`
}

// GameState is the visibility-filtered snapshot pushed on connect and
// reconnect and returned for explicit state requests.
type GameState struct {
	Session         models.Session    `json:"session"`
	Players         []PlayerState     `json:"players"`
	OnlinePlayerIDs []uuid.UUID       `json:"onlinePlayerIds"`
	Round           *RoundState       `json:"round,omitempty"`
	Submissions     []SubmissionState `json:"submissions,omitempty"`
	Hand            []models.Card     `json:"hand,omitempty"` // requester's own hand only
}

// GetFullGameState builds the snapshot of a session. When playerID names a
// player of the session, that player's hand is included.
func (e *Engine) GetFullGameState(ctx context.Context, code string, playerID *uuid.UUID) (*GameState, error) {
	var st *GameState
	err := e.read(ctx, code, func(ctx context.Context, tx store.Tx, s *models.Session) error {
		players, err := tx.ListPlayers(ctx, s.ID)
		if err != nil {
			return err
		}
		online := e.onlineSet(s.Code)

		st = &GameState{
			Session:         *s,
			Players:         make([]PlayerState, 0, len(players)),
			OnlinePlayerIDs: []uuid.UUID{},
		}
		member := false
		for _, p := range players {
			st.Players = append(st.Players, PlayerState{
				ID:        p.ID,
				Nickname:  p.Nickname,
				Score:     p.Score,
				IsHost:    p.IsHost,
				IsOnline:  online[p.ID],
				JoinOrder: p.JoinOrder,
			})
			if online[p.ID] {
				st.OnlinePlayerIDs = append(st.OnlinePlayerIDs, p.ID)
			}
			if playerID != nil && p.ID == *playerID {
				member = true
			}
		}

		if s.CurrentRound > 0 && s.Status != models.SessionWaiting {
			r, err := tx.GetRoundByNumber(ctx, s.ID, s.CurrentRound)
			if err != nil {
				return err
			}
			st.Round, st.Submissions, err = e.roundState(ctx, tx, s, r, players)
			if err != nil {
				return err
			}
		}

		if member {
			st.Hand, err = e.hand(ctx, tx, s, *playerID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, e.fail("getFullGameState", err)
	}
	return st, nil
}

func (e *Engine) roundState(ctx context.Context, tx store.Tx, s *models.Session, r *models.Round, players []models.Player) (*RoundState, []SubmissionState, error) {
	prompt, err := e.card(ctx, tx, s, r.PromptCardID)
	if err != nil {
		return nil, nil, err
	}
	subs, err := tx.ListSubmissions(ctx, r.ID)
	if err != nil {
		return nil, nil, err
	}

	rs := &RoundState{
		ID:             r.ID,
		Number:         r.Number,
		Status:         r.Status,
		Prompt:         prompt,
		JudgeID:        r.JudgeID,
		JudgeNickname:  nicknameOf(players, r.JudgeID),
		SubmittedCount: len(subs),
		ExpectedCount:  len(subs),
		Deadline:       deadline(s, r),
	}
	if r.Status == models.RoundComplete {
		winner, winning := r.WinnerID, r.WinningSubmissionID
		rs.WinnerID = &winner
		rs.WinningSubmissionID = &winning
	}

	var out []SubmissionState
	switch r.Status {
	case models.RoundSubmissions:
		p, err := e.progress(ctx, tx, s, r, prompt.PickCount())
		if err != nil {
			return nil, nil, err
		}
		rs.ExpectedCount = p.Expected
		out = submissionStatus(subs, p.Pending)
	case models.RoundJudging:
		out, err = e.anonymousSubmissions(ctx, tx, s, subs)
	case models.RoundComplete:
		out, err = e.revealedSubmissions(ctx, tx, s, r, subs)
	}
	if err != nil {
		return nil, nil, err
	}
	return rs, out, nil
}

// submissionStatus lists who has and has not submitted, without card content.
func submissionStatus(subs []models.Submission, pending []uuid.UUID) []SubmissionState {
	out := make([]SubmissionState, 0, len(subs)+len(pending))
	for _, sub := range subs {
		pid := sub.PlayerID
		out = append(out, SubmissionState{PlayerID: &pid, HasSubmitted: true})
	}
	for _, id := range pending {
		pid := id
		out = append(out, SubmissionState{PlayerID: &pid})
	}
	return out
}

// anonymousSubmissions reveals card content without authors. Entries are
// ordered by submission ID so their order says nothing about who played first.
func (e *Engine) anonymousSubmissions(ctx context.Context, tx store.Tx, s *models.Session, subs []models.Submission) ([]SubmissionState, error) {
	cards, err := e.resolveCards(ctx, tx, s, submittedCardIDs(subs))
	if err != nil {
		return nil, err
	}
	out := make([]SubmissionState, 0, len(subs))
	for _, sub := range subs {
		id := sub.ID
		out = append(out, SubmissionState{
			ID:           &id,
			HasSubmitted: true,
			Cards:        orderedCards(sub.CardIDs, cards),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (e *Engine) revealedSubmissions(ctx context.Context, tx store.Tx, s *models.Session, r *models.Round, subs []models.Submission) ([]SubmissionState, error) {
	cards, err := e.resolveCards(ctx, tx, s, submittedCardIDs(subs))
	if err != nil {
		return nil, err
	}
	out := make([]SubmissionState, 0, len(subs))
	for _, sub := range subs {
		id, pid := sub.ID, sub.PlayerID
		out = append(out, SubmissionState{
			ID:           &id,
			PlayerID:     &pid,
			HasSubmitted: true,
			Cards:        orderedCards(sub.CardIDs, cards),
			IsWinner:     sub.ID == r.WinningSubmissionID,
		})
	}
	return out, nil
}

func submittedCardIDs(subs []models.Submission) []uuid.UUID {
	var ids []uuid.UUID
	for _, sub := range subs {
		ids = append(ids, sub.CardIDs...)
	}
	return ids
}
