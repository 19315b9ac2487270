// internal/database/catalog.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jason-s-yu/verdict/internal/catalog"
	"github.com/jason-s-yu/verdict/internal/models"
)

// Catalog reads card pools from the cards table.
type Catalog struct {
	pool *pgxpool.Pool
}

var _ catalog.Catalog = (*Catalog)(nil)

func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func scanCard(row pgx.CollectableRow) (models.Card, error) {
	var c models.Card
	err := row.Scan(&c.ID, &c.PoolID, &c.Type, &c.Text, &c.Pick)
	return c, err
}

func (c *Catalog) ListCards(ctx context.Context, poolIDs []uuid.UUID, cardType models.CardType) ([]models.Card, error) {
	if len(poolIDs) == 0 {
		return nil, nil
	}
	q := `SELECT id, pool_id, type, text, pick FROM cards WHERE pool_id = ANY($1) AND type = $2 ORDER BY id`
	rows, err := c.pool.Query(ctx, q, poolIDs, cardType)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	cards, err := pgx.CollectRows(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	return cards, nil
}

func (c *Catalog) GetCards(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]models.Card, error) {
	out := make(map[uuid.UUID]models.Card, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.pool.Query(ctx, `SELECT id, pool_id, type, text, pick FROM cards WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get cards: %w", err)
	}
	cards, err := pgx.CollectRows(rows, scanCard)
	if err != nil {
		return nil, fmt.Errorf("get cards: %w", err)
	}
	for _, card := range cards {
		out[card.ID] = card
	}
	return out, nil
}

// CreatePool inserts a named pool and its cards in one transaction. Prompts
// without a pick count get 1.
func (c *Catalog) CreatePool(ctx context.Context, name string, cards []models.Card) (uuid.UUID, error) {
	poolID := uuid.New()
	err := pgx.BeginTxFunc(ctx, c.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO card_pools (id, name) VALUES ($1, $2)`, poolID, name); err != nil {
			return err
		}
		rows := make([][]any, 0, len(cards))
		for _, card := range cards {
			if card.ID == uuid.Nil {
				card.ID = uuid.New()
			}
			if card.Type == models.CardPrompt && card.Pick < 1 {
				card.Pick = 1
			}
			rows = append(rows, []any{card.ID, poolID, card.Type, card.Text, card.Pick})
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"cards"}, []string{"id", "pool_id", "type", "text", "pick"}, pgx.CopyFromRows(rows))
		return err
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("create card pool: %w", err)
	}
	return poolID, nil
}
