// internal/store/memory.go
package store

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/models"
)

// MemoryStore is an in-process Store. Transactions are serialized by a single
// mutex and run against a copy of the data that replaces the live copy only
// on success, so a failed unit of work leaves no trace.
type MemoryStore struct {
	mu   sync.Mutex
	data *memData
}

type memData struct {
	sessions    map[uuid.UUID]*models.Session
	codes       map[string]uuid.UUID
	customCards map[uuid.UUID][]models.Card
	players     map[uuid.UUID]*models.Player
	rounds      map[uuid.UUID]*models.Round
	submissions map[uuid.UUID]*models.Submission
	// hands maps session -> card -> holder, enforcing one holder per card.
	hands map[uuid.UUID]map[uuid.UUID]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memData{
		sessions:    map[uuid.UUID]*models.Session{},
		codes:       map[string]uuid.UUID{},
		customCards: map[uuid.UUID][]models.Card{},
		players:     map[uuid.UUID]*models.Player{},
		rounds:      map[uuid.UUID]*models.Round{},
		submissions: map[uuid.UUID]*models.Submission{},
		hands:       map[uuid.UUID]map[uuid.UUID]uuid.UUID{},
	}}
}

func (m *MemoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	work := m.data.clone()
	if err := fn(ctx, &memTx{d: work}); err != nil {
		return err
	}
	m.data = work
	return nil
}

func (d *memData) clone() *memData {
	c := &memData{
		sessions:    make(map[uuid.UUID]*models.Session, len(d.sessions)),
		codes:       make(map[string]uuid.UUID, len(d.codes)),
		customCards: make(map[uuid.UUID][]models.Card, len(d.customCards)),
		players:     make(map[uuid.UUID]*models.Player, len(d.players)),
		rounds:      make(map[uuid.UUID]*models.Round, len(d.rounds)),
		submissions: make(map[uuid.UUID]*models.Submission, len(d.submissions)),
		hands:       make(map[uuid.UUID]map[uuid.UUID]uuid.UUID, len(d.hands)),
	}
	for k, v := range d.sessions {
		s := *v
		s.CardPoolIDs = slices.Clone(v.CardPoolIDs)
		c.sessions[k] = &s
	}
	for k, v := range d.codes {
		c.codes[k] = v
	}
	for k, v := range d.customCards {
		c.customCards[k] = slices.Clone(v)
	}
	for k, v := range d.players {
		p := *v
		c.players[k] = &p
	}
	for k, v := range d.rounds {
		r := *v
		c.rounds[k] = &r
	}
	for k, v := range d.submissions {
		s := *v
		s.CardIDs = slices.Clone(v.CardIDs)
		c.submissions[k] = &s
	}
	for k, v := range d.hands {
		h := make(map[uuid.UUID]uuid.UUID, len(v))
		for card, holder := range v {
			h[card] = holder
		}
		c.hands[k] = h
	}
	return c
}

type memTx struct {
	d *memData
}

func (t *memTx) LockSessionByCode(ctx context.Context, code string) (*models.Session, error) {
	// WithTx already holds the store-wide lock.
	return t.GetSessionByCode(ctx, code)
}

func (t *memTx) GetSessionByCode(_ context.Context, code string) (*models.Session, error) {
	id, ok := t.d.codes[strings.ToUpper(code)]
	if !ok {
		return nil, ErrNotFound
	}
	s := *t.d.sessions[id]
	s.CardPoolIDs = slices.Clone(s.CardPoolIDs)
	return &s, nil
}

func (t *memTx) InsertSession(_ context.Context, s *models.Session) error {
	if _, ok := t.d.codes[s.Code]; ok {
		return ErrConflict
	}
	if _, ok := t.d.sessions[s.ID]; ok {
		return ErrConflict
	}
	cp := *s
	cp.CardPoolIDs = slices.Clone(s.CardPoolIDs)
	t.d.sessions[s.ID] = &cp
	t.d.codes[s.Code] = s.ID
	return nil
}

func (t *memTx) UpdateSession(_ context.Context, s *models.Session) error {
	cur, ok := t.d.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	cp := *s
	cp.Code = cur.Code
	cp.CardPoolIDs = slices.Clone(s.CardPoolIDs)
	t.d.sessions[s.ID] = &cp
	return nil
}

func (t *memTx) InsertCustomCards(_ context.Context, sessionID uuid.UUID, cards []models.Card) error {
	t.d.customCards[sessionID] = append(t.d.customCards[sessionID], cards...)
	return nil
}

func (t *memTx) ListCustomCards(_ context.Context, sessionID uuid.UUID, cardType models.CardType) ([]models.Card, error) {
	var out []models.Card
	for _, c := range t.d.customCards[sessionID] {
		if c.Type == cardType {
			out = append(out, c)
		}
	}
	return out, nil
}

func (t *memTx) InsertPlayer(_ context.Context, p *models.Player) error {
	for _, other := range t.d.players {
		if other.SessionID == p.SessionID && strings.EqualFold(other.Nickname, p.Nickname) {
			return ErrConflict
		}
	}
	cp := *p
	t.d.players[p.ID] = &cp
	return nil
}

func (t *memTx) GetPlayer(_ context.Context, playerID uuid.UUID) (*models.Player, error) {
	p, ok := t.d.players[playerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (t *memTx) ListPlayers(_ context.Context, sessionID uuid.UUID) ([]models.Player, error) {
	var out []models.Player
	for _, p := range t.d.players {
		if p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out, nil
}

func (t *memTx) IncrementScore(_ context.Context, playerID uuid.UUID) (int, error) {
	p, ok := t.d.players[playerID]
	if !ok {
		return 0, ErrNotFound
	}
	p.Score++
	return p.Score, nil
}

func (t *memTx) SetPlayerConnected(_ context.Context, playerID uuid.UUID, connected bool) error {
	p, ok := t.d.players[playerID]
	if !ok {
		return ErrNotFound
	}
	p.IsConnected = connected
	return nil
}

func (t *memTx) InsertRound(_ context.Context, r *models.Round) error {
	for _, other := range t.d.rounds {
		if other.SessionID == r.SessionID && other.Number == r.Number {
			return ErrConflict
		}
	}
	cp := *r
	t.d.rounds[r.ID] = &cp
	return nil
}

func (t *memTx) GetRound(_ context.Context, roundID uuid.UUID) (*models.Round, error) {
	r, ok := t.d.rounds[roundID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) GetRoundByNumber(_ context.Context, sessionID uuid.UUID, number int) (*models.Round, error) {
	for _, r := range t.d.rounds {
		if r.SessionID == sessionID && r.Number == number {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdateRound(_ context.Context, r *models.Round) error {
	if _, ok := t.d.rounds[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	t.d.rounds[r.ID] = &cp
	return nil
}

func (t *memTx) ListUsedPromptIDs(_ context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, r := range t.d.rounds {
		if r.SessionID == sessionID {
			out = append(out, r.PromptCardID)
		}
	}
	return out, nil
}

func (t *memTx) InsertSubmission(_ context.Context, s *models.Submission) error {
	for _, other := range t.d.submissions {
		if other.RoundID == s.RoundID && other.PlayerID == s.PlayerID {
			return ErrConflict
		}
	}
	cp := *s
	cp.CardIDs = slices.Clone(s.CardIDs)
	t.d.submissions[s.ID] = &cp
	return nil
}

func (t *memTx) GetSubmission(_ context.Context, submissionID uuid.UUID) (*models.Submission, error) {
	s, ok := t.d.submissions[submissionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	cp.CardIDs = slices.Clone(s.CardIDs)
	return &cp, nil
}

func (t *memTx) ListSubmissions(_ context.Context, roundID uuid.UUID) ([]models.Submission, error) {
	var out []models.Submission
	for _, s := range t.d.submissions {
		if s.RoundID == roundID {
			cp := *s
			cp.CardIDs = slices.Clone(s.CardIDs)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (t *memTx) ListHand(_ context.Context, sessionID, playerID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for card, holder := range t.d.hands[sessionID] {
		if holder == playerID {
			out = append(out, card)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (t *memTx) ListDealtCardIDs(_ context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for card := range t.d.hands[sessionID] {
		out = append(out, card)
	}
	for _, s := range t.d.submissions {
		r, ok := t.d.rounds[s.RoundID]
		if ok && r.SessionID == sessionID {
			out = append(out, s.CardIDs...)
		}
	}
	return out, nil
}

func (t *memTx) AddToHand(_ context.Context, sessionID, playerID uuid.UUID, cardIDs []uuid.UUID) error {
	h, ok := t.d.hands[sessionID]
	if !ok {
		h = map[uuid.UUID]uuid.UUID{}
		t.d.hands[sessionID] = h
	}
	for _, id := range cardIDs {
		if _, taken := h[id]; taken {
			return ErrConflict
		}
		h[id] = playerID
	}
	return nil
}

func (t *memTx) RemoveFromHand(_ context.Context, playerID uuid.UUID, cardIDs []uuid.UUID) error {
	p, ok := t.d.players[playerID]
	if !ok {
		return ErrNotFound
	}
	h := t.d.hands[p.SessionID]
	for _, id := range cardIDs {
		if holder, ok := h[id]; !ok || holder != playerID {
			return ErrNotFound
		}
	}
	for _, id := range cardIDs {
		delete(h, id)
	}
	return nil
}
