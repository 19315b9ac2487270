// internal/catalog/catalog.go
package catalog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/models"
)

// Catalog is the read-only card source that sessions deal from.
type Catalog interface {
	// ListCards returns every card of the given type in any of the pools.
	ListCards(ctx context.Context, poolIDs []uuid.UUID, cardType models.CardType) ([]models.Card, error)
	// GetCards resolves card IDs; unknown IDs are absent from the result.
	GetCards(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Card, error)
}

// Memory is an in-process catalog used by tests and local runs.
type Memory struct {
	mu    sync.RWMutex
	cards map[uuid.UUID]models.Card
	order []uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{cards: map[uuid.UUID]models.Card{}}
}

// Add registers cards, assigning IDs to any that lack one.
func (m *Memory) Add(cards ...models.Card) []models.Card {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Card, 0, len(cards))
	for _, c := range cards {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		if _, ok := m.cards[c.ID]; !ok {
			m.order = append(m.order, c.ID)
		}
		m.cards[c.ID] = c
		out = append(out, c)
	}
	return out
}

// AddPool generates a pool of numbered prompt and response cards.
func (m *Memory) AddPool(prompts, responses int) uuid.UUID {
	pool := uuid.New()
	var cards []models.Card
	for i := 0; i < prompts; i++ {
		cards = append(cards, models.Card{PoolID: pool, Type: models.CardPrompt, Text: "Prompt _", Pick: 1})
	}
	for i := 0; i < responses; i++ {
		cards = append(cards, models.Card{PoolID: pool, Type: models.CardResponse, Text: "Response"})
	}
	m.Add(cards...)
	return pool
}

func (m *Memory) ListCards(_ context.Context, poolIDs []uuid.UUID, cardType models.CardType) ([]models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in := make(map[uuid.UUID]bool, len(poolIDs))
	for _, id := range poolIDs {
		in[id] = true
	}
	var out []models.Card
	for _, id := range m.order {
		c := m.cards[id]
		if c.Type == cardType && in[c.PoolID] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetCards(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Card, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]models.Card, len(ids))
	for _, id := range ids {
		if c, ok := m.cards[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}
