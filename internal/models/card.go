package models

import "github.com/google/uuid"

type CardType string

const (
	CardPrompt   CardType = "prompt"
	CardResponse CardType = "response"
)

// Card is a catalog or session custom card. PoolID is uuid.Nil for custom cards.
type Card struct {
	ID     uuid.UUID `json:"id"`
	PoolID uuid.UUID `json:"poolId,omitempty"`
	Type   CardType  `json:"type"`
	Text   string    `json:"text"`
	Pick   int       `json:"pick,omitempty"` // number of response cards a prompt asks for
}

// PickCount returns the number of responses a prompt requires, defaulting to 1.
func (c Card) PickCount() int {
	if c.Pick < 1 {
		return 1
	}
	return c.Pick
}
