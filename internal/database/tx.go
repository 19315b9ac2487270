// internal/database/tx.go
package database

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jason-s-yu/verdict/internal/models"
	"github.com/jason-s-yu/verdict/internal/store"
)

type pgTx struct {
	tx pgx.Tx
}

const sessionColumns = `id, code, status, current_round, score_to_win, max_players, hand_size,
	round_timer_sec, card_pool_ids, host_player_id, end_reason, created_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Code, &s.Status, &s.CurrentRound, &s.ScoreToWin, &s.MaxPlayers, &s.HandSize,
		&s.RoundTimerSec, &s.CardPoolIDs, &s.HostPlayerID, &s.EndReason, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *pgTx) LockSessionByCode(ctx context.Context, code string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1 FOR UPDATE`
	s, err := scanSession(t.tx.QueryRow(ctx, q, strings.ToUpper(code)))
	return s, translate("lock session", err)
}

func (t *pgTx) GetSessionByCode(ctx context.Context, code string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1`
	s, err := scanSession(t.tx.QueryRow(ctx, q, strings.ToUpper(code)))
	return s, translate("get session", err)
}

func (t *pgTx) InsertSession(ctx context.Context, s *models.Session) error {
	q := `
		INSERT INTO sessions (id, code, status, current_round, score_to_win, max_players, hand_size,
			round_timer_sec, card_pool_ids, host_player_id, end_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	pools := s.CardPoolIDs
	if pools == nil {
		pools = []uuid.UUID{}
	}
	_, err := t.tx.Exec(ctx, q, s.ID, s.Code, s.Status, s.CurrentRound, s.ScoreToWin, s.MaxPlayers, s.HandSize,
		s.RoundTimerSec, pools, s.HostPlayerID, s.EndReason, s.CreatedAt)
	return translate("insert session", err)
}

func (t *pgTx) UpdateSession(ctx context.Context, s *models.Session) error {
	q := `
		UPDATE sessions
		SET status = $2, current_round = $3, score_to_win = $4, max_players = $5, hand_size = $6,
			round_timer_sec = $7, host_player_id = $8, end_reason = $9
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, q, s.ID, s.Status, s.CurrentRound, s.ScoreToWin, s.MaxPlayers, s.HandSize,
		s.RoundTimerSec, s.HostPlayerID, s.EndReason)
	if err != nil {
		return translate("update session", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertCustomCards(ctx context.Context, sessionID uuid.UUID, cards []models.Card) error {
	rows := make([][]any, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, []any{c.ID, sessionID, c.Type, c.Text, c.Pick})
	}
	_, err := t.tx.CopyFrom(ctx,
		pgx.Identifier{"session_cards"},
		[]string{"id", "session_id", "type", "text", "pick"},
		pgx.CopyFromRows(rows),
	)
	return translate("insert custom cards", err)
}

func (t *pgTx) ListCustomCards(ctx context.Context, sessionID uuid.UUID, cardType models.CardType) ([]models.Card, error) {
	q := `SELECT id, type, text, pick FROM session_cards WHERE session_id = $1 AND type = $2 ORDER BY id`
	rows, err := t.tx.Query(ctx, q, sessionID, cardType)
	if err != nil {
		return nil, translate("list custom cards", err)
	}
	cards, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Card, error) {
		var c models.Card
		err := row.Scan(&c.ID, &c.Type, &c.Text, &c.Pick)
		return c, err
	})
	return cards, translate("list custom cards", err)
}

const playerColumns = `id, session_id, nickname, score, is_host, is_connected, join_order, joined_at`

func scanPlayer(row pgx.Row) (models.Player, error) {
	var p models.Player
	err := row.Scan(&p.ID, &p.SessionID, &p.Nickname, &p.Score, &p.IsHost, &p.IsConnected, &p.JoinOrder, &p.JoinedAt)
	return p, err
}

func (t *pgTx) InsertPlayer(ctx context.Context, p *models.Player) error {
	q := `
		INSERT INTO players (id, session_id, nickname, score, is_host, is_connected, join_order, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.tx.Exec(ctx, q, p.ID, p.SessionID, p.Nickname, p.Score, p.IsHost, p.IsConnected, p.JoinOrder, p.JoinedAt)
	return translate("insert player", err)
}

func (t *pgTx) GetPlayer(ctx context.Context, playerID uuid.UUID) (*models.Player, error) {
	p, err := scanPlayer(t.tx.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID))
	if err != nil {
		return nil, translate("get player", err)
	}
	return &p, nil
}

func (t *pgTx) ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+playerColumns+` FROM players WHERE session_id = $1 ORDER BY join_order`, sessionID)
	if err != nil {
		return nil, translate("list players", err)
	}
	players, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Player, error) {
		return scanPlayer(row)
	})
	return players, translate("list players", err)
}

func (t *pgTx) IncrementScore(ctx context.Context, playerID uuid.UUID) (int, error) {
	var score int
	err := t.tx.QueryRow(ctx, `UPDATE players SET score = score + 1 WHERE id = $1 RETURNING score`, playerID).Scan(&score)
	return score, translate("increment score", err)
}

func (t *pgTx) SetPlayerConnected(ctx context.Context, playerID uuid.UUID, connected bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE players SET is_connected = $2 WHERE id = $1`, playerID, connected)
	if err != nil {
		return translate("set player connected", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

const roundColumns = `id, session_id, number, prompt_card_id, judge_id, status, winner_id,
	winning_submission_id, started_at, completed_at`

func scanRound(row pgx.Row) (*models.Round, error) {
	var (
		r          models.Round
		winner     *uuid.UUID
		winningSub *uuid.UUID
	)
	err := row.Scan(&r.ID, &r.SessionID, &r.Number, &r.PromptCardID, &r.JudgeID, &r.Status, &winner,
		&winningSub, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		r.WinnerID = *winner
	}
	if winningSub != nil {
		r.WinningSubmissionID = *winningSub
	}
	return &r, nil
}

// nullable stores uuid.Nil as NULL.
func nullable(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (t *pgTx) InsertRound(ctx context.Context, r *models.Round) error {
	q := `
		INSERT INTO rounds (id, session_id, number, prompt_card_id, judge_id, status, winner_id,
			winning_submission_id, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := t.tx.Exec(ctx, q, r.ID, r.SessionID, r.Number, r.PromptCardID, r.JudgeID, r.Status,
		nullable(r.WinnerID), nullable(r.WinningSubmissionID), r.StartedAt, r.CompletedAt)
	return translate("insert round", err)
}

func (t *pgTx) GetRound(ctx context.Context, roundID uuid.UUID) (*models.Round, error) {
	r, err := scanRound(t.tx.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, roundID))
	return r, translate("get round", err)
}

func (t *pgTx) GetRoundByNumber(ctx context.Context, sessionID uuid.UUID, number int) (*models.Round, error) {
	q := `SELECT ` + roundColumns + ` FROM rounds WHERE session_id = $1 AND number = $2`
	r, err := scanRound(t.tx.QueryRow(ctx, q, sessionID, number))
	return r, translate("get round by number", err)
}

func (t *pgTx) UpdateRound(ctx context.Context, r *models.Round) error {
	q := `
		UPDATE rounds
		SET status = $2, winner_id = $3, winning_submission_id = $4, completed_at = $5
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, q, r.ID, r.Status, nullable(r.WinnerID), nullable(r.WinningSubmissionID), r.CompletedAt)
	if err != nil {
		return translate("update round", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) ListUsedPromptIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	return t.collectIDs(ctx, "list used prompts", `SELECT prompt_card_id FROM rounds WHERE session_id = $1`, sessionID)
}

func (t *pgTx) InsertSubmission(ctx context.Context, s *models.Submission) error {
	q := `
		INSERT INTO submissions (id, round_id, player_id, card_ids, submitted_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := t.tx.Exec(ctx, q, s.ID, s.RoundID, s.PlayerID, s.CardIDs, s.SubmittedAt)
	return translate("insert submission", err)
}

func scanSubmission(row pgx.Row) (models.Submission, error) {
	var s models.Submission
	err := row.Scan(&s.ID, &s.RoundID, &s.PlayerID, &s.CardIDs, &s.SubmittedAt)
	return s, err
}

func (t *pgTx) GetSubmission(ctx context.Context, submissionID uuid.UUID) (*models.Submission, error) {
	q := `SELECT id, round_id, player_id, card_ids, submitted_at FROM submissions WHERE id = $1`
	s, err := scanSubmission(t.tx.QueryRow(ctx, q, submissionID))
	if err != nil {
		return nil, translate("get submission", err)
	}
	return &s, nil
}

func (t *pgTx) ListSubmissions(ctx context.Context, roundID uuid.UUID) ([]models.Submission, error) {
	q := `SELECT id, round_id, player_id, card_ids, submitted_at FROM submissions WHERE round_id = $1 ORDER BY submitted_at, id`
	rows, err := t.tx.Query(ctx, q, roundID)
	if err != nil {
		return nil, translate("list submissions", err)
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Submission, error) {
		return scanSubmission(row)
	})
	return subs, translate("list submissions", err)
}

func (t *pgTx) ListHand(ctx context.Context, sessionID, playerID uuid.UUID) ([]uuid.UUID, error) {
	q := `SELECT card_id FROM hands WHERE session_id = $1 AND player_id = $2 ORDER BY card_id::text`
	return t.collectIDs(ctx, "list hand", q, sessionID, playerID)
}

func (t *pgTx) ListDealtCardIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	q := `
		SELECT card_id FROM hands WHERE session_id = $1
		UNION ALL
		SELECT unnest(s.card_ids) FROM submissions s JOIN rounds r ON r.id = s.round_id WHERE r.session_id = $1
	`
	return t.collectIDs(ctx, "list dealt cards", q, sessionID)
}

func (t *pgTx) AddToHand(ctx context.Context, sessionID, playerID uuid.UUID, cardIDs []uuid.UUID) error {
	if len(cardIDs) == 0 {
		return nil
	}
	q := `INSERT INTO hands (session_id, card_id, player_id) SELECT $1, unnest($3::uuid[]), $2`
	_, err := t.tx.Exec(ctx, q, sessionID, playerID, cardIDs)
	return translate("add to hand", err)
}

func (t *pgTx) RemoveFromHand(ctx context.Context, playerID uuid.UUID, cardIDs []uuid.UUID) error {
	if len(cardIDs) == 0 {
		return nil
	}
	var held int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM hands WHERE player_id = $1 AND card_id = ANY($2)`, playerID, cardIDs).Scan(&held)
	if err != nil {
		return translate("remove from hand", err)
	}
	if held != len(cardIDs) {
		return store.ErrNotFound
	}
	_, err = t.tx.Exec(ctx, `DELETE FROM hands WHERE player_id = $1 AND card_id = ANY($2)`, playerID, cardIDs)
	return translate("remove from hand", err)
}

func (t *pgTx) collectIDs(ctx context.Context, op, q string, args ...any) ([]uuid.UUID, error) {
	rows, err := t.tx.Query(ctx, q, args...)
	if err != nil {
		return nil, translate(op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return ids, translate(op, err)
}
