// internal/dealer/dealer.go
package dealer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/catalog"
	"github.com/jason-s-yu/verdict/internal/models"
	"github.com/jason-s-yu/verdict/internal/store"
)

var (
	ErrNoCardSource      = errors.New("dealer: session has no card pool or custom cards")
	ErrNoPlayers         = errors.New("dealer: no players to deal to")
	ErrInsufficientCards = errors.New("dealer: not enough response cards remain")
	ErrNoPrompts         = errors.New("dealer: no unused prompt cards remain")
)

// Dealer allocates cards to hands. It holds no game state of its own: every
// method works through the caller's transaction so allocation commits or
// rolls back together with the surrounding game mutation.
type Dealer struct {
	catalog catalog.Catalog

	mu  sync.Mutex
	rng *rand.Rand
}

type Option func(*Dealer)

// WithRand makes shuffling deterministic.
func WithRand(r *rand.Rand) Option {
	return func(d *Dealer) {
		d.rng = r
	}
}

func New(cat catalog.Catalog, opts ...Option) *Dealer {
	d := &Dealer{catalog: cat}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DealInitialHands gives each player HandSize distinct response cards and
// returns the cards dealt per player.
func (d *Dealer) DealInitialHands(ctx context.Context, tx store.Tx, session *models.Session, playerIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	if len(playerIDs) == 0 {
		return nil, ErrNoPlayers
	}

	available, err := d.availableResponses(ctx, tx, session)
	if err != nil {
		return nil, err
	}
	need := len(playerIDs) * session.HandSize
	if len(available) < need {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCards, need, len(available))
	}

	d.shuffle(available)

	dealt := make(map[uuid.UUID][]uuid.UUID, len(playerIDs))
	for i, pid := range playerIDs {
		cards := available[i*session.HandSize : (i+1)*session.HandSize]
		if err := tx.AddToHand(ctx, session.ID, pid, cards); err != nil {
			return nil, fmt.Errorf("deal to %s: %w", pid, err)
		}
		dealt[pid] = cards
	}
	return dealt, nil
}

// RefillHands tops every player back up to HandSize. Either every shortfall
// is filled or nothing is written and ErrInsufficientCards is returned.
func (d *Dealer) RefillHands(ctx context.Context, tx store.Tx, session *models.Session, playerIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	shortfall := make(map[uuid.UUID]int, len(playerIDs))
	total := 0
	for _, pid := range playerIDs {
		hand, err := tx.ListHand(ctx, session.ID, pid)
		if err != nil {
			return nil, fmt.Errorf("list hand %s: %w", pid, err)
		}
		if n := session.HandSize - len(hand); n > 0 {
			shortfall[pid] = n
			total += n
		}
	}
	if total == 0 {
		return map[uuid.UUID][]uuid.UUID{}, nil
	}

	available, err := d.availableResponses(ctx, tx, session)
	if err != nil {
		return nil, err
	}
	if len(available) < total {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientCards, total, len(available))
	}

	d.shuffle(available)

	dealt := make(map[uuid.UUID][]uuid.UUID, len(shortfall))
	next := 0
	for _, pid := range playerIDs {
		n := shortfall[pid]
		if n == 0 {
			continue
		}
		cards := available[next : next+n]
		next += n
		if err := tx.AddToHand(ctx, session.ID, pid, cards); err != nil {
			return nil, fmt.Errorf("refill %s: %w", pid, err)
		}
		dealt[pid] = cards
	}
	return dealt, nil
}

// DrawPrompt picks a prompt uniformly from those no earlier round used.
// Prompts needing more responses than the session's hand size are never
// drawn since no player could answer them.
func (d *Dealer) DrawPrompt(ctx context.Context, tx store.Tx, session *models.Session) (models.Card, error) {
	prompts, err := d.eligible(ctx, tx, session, models.CardPrompt)
	if err != nil {
		return models.Card{}, err
	}
	used, err := tx.ListUsedPromptIDs(ctx, session.ID)
	if err != nil {
		return models.Card{}, fmt.Errorf("list used prompts: %w", err)
	}
	exclude := toSet(used)

	var unused []models.Card
	for _, c := range prompts {
		if !exclude[c.ID] && c.PickCount() <= session.HandSize {
			unused = append(unused, c)
		}
	}
	if len(unused) == 0 {
		return models.Card{}, ErrNoPrompts
	}
	return unused[d.intN(len(unused))], nil
}

// Discard removes cards from a player's hand without returning them to the
// draw pile.
func (d *Dealer) Discard(ctx context.Context, tx store.Tx, playerID uuid.UUID, cardIDs []uuid.UUID) error {
	if len(cardIDs) == 0 {
		return nil
	}
	return tx.RemoveFromHand(ctx, playerID, cardIDs)
}

func (d *Dealer) availableResponses(ctx context.Context, tx store.Tx, session *models.Session) ([]uuid.UUID, error) {
	cards, err := d.eligible(ctx, tx, session, models.CardResponse)
	if err != nil {
		return nil, err
	}
	dealt, err := tx.ListDealtCardIDs(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list dealt cards: %w", err)
	}
	exclude := toSet(dealt)

	out := make([]uuid.UUID, 0, len(cards))
	for _, c := range cards {
		if !exclude[c.ID] {
			out = append(out, c.ID)
		}
	}
	return out, nil
}

// eligible returns the session's pool cards plus its custom cards of one type.
func (d *Dealer) eligible(ctx context.Context, tx store.Tx, session *models.Session, cardType models.CardType) ([]models.Card, error) {
	custom, err := tx.ListCustomCards(ctx, session.ID, cardType)
	if err != nil {
		return nil, fmt.Errorf("list custom cards: %w", err)
	}
	if len(session.CardPoolIDs) == 0 && len(custom) == 0 && !d.hasCustomCards(ctx, tx, session) {
		return nil, ErrNoCardSource
	}

	var pool []models.Card
	if len(session.CardPoolIDs) > 0 {
		pool, err = d.catalog.ListCards(ctx, session.CardPoolIDs, cardType)
		if err != nil {
			return nil, fmt.Errorf("list pool cards: %w", err)
		}
	}
	return append(pool, custom...), nil
}

func (d *Dealer) hasCustomCards(ctx context.Context, tx store.Tx, session *models.Session) bool {
	for _, t := range []models.CardType{models.CardPrompt, models.CardResponse} {
		cards, err := tx.ListCustomCards(ctx, session.ID, t)
		if err == nil && len(cards) > 0 {
			return true
		}
	}
	return false
}

func (d *Dealer) shuffle(ids []uuid.UUID) {
	swap := func(i, j int) { ids[i], ids[j] = ids[j], ids[i] }
	if d.rng == nil {
		rand.Shuffle(len(ids), swap)
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng.Shuffle(len(ids), swap)
}

func (d *Dealer) intN(n int) int {
	if d.rng == nil {
		return rand.IntN(n)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rng.IntN(n)
}

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
