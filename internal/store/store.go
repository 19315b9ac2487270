// internal/store/store.go
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("store: conflict")
	// ErrUnavailable marks a transient failure that was rolled back; the
	// whole unit of work is safe to retry.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store runs units of work atomically. Every game mutation happens inside
// exactly one WithTx call; fn's writes are visible to others only if it
// returns nil.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a transaction.
type Tx interface {
	// LockSessionByCode loads the session and holds its row lock until the
	// transaction ends. All mutations of a session start here.
	LockSessionByCode(ctx context.Context, code string) (*models.Session, error)
	GetSessionByCode(ctx context.Context, code string) (*models.Session, error)
	InsertSession(ctx context.Context, s *models.Session) error
	UpdateSession(ctx context.Context, s *models.Session) error

	InsertCustomCards(ctx context.Context, sessionID uuid.UUID, cards []models.Card) error
	ListCustomCards(ctx context.Context, sessionID uuid.UUID, cardType models.CardType) ([]models.Card, error)

	InsertPlayer(ctx context.Context, p *models.Player) error
	GetPlayer(ctx context.Context, playerID uuid.UUID) (*models.Player, error)
	// ListPlayers returns the session's players ordered by JoinOrder.
	ListPlayers(ctx context.Context, sessionID uuid.UUID) ([]models.Player, error)
	IncrementScore(ctx context.Context, playerID uuid.UUID) (int, error)
	SetPlayerConnected(ctx context.Context, playerID uuid.UUID, connected bool) error

	InsertRound(ctx context.Context, r *models.Round) error
	GetRound(ctx context.Context, roundID uuid.UUID) (*models.Round, error)
	// GetRoundByNumber returns ErrNotFound when the session has no such round.
	GetRoundByNumber(ctx context.Context, sessionID uuid.UUID, number int) (*models.Round, error)
	UpdateRound(ctx context.Context, r *models.Round) error
	ListUsedPromptIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)

	InsertSubmission(ctx context.Context, s *models.Submission) error
	GetSubmission(ctx context.Context, submissionID uuid.UUID) (*models.Submission, error)
	// ListSubmissions returns the round's submissions ordered by SubmittedAt.
	ListSubmissions(ctx context.Context, roundID uuid.UUID) ([]models.Submission, error)

	ListHand(ctx context.Context, sessionID, playerID uuid.UUID) ([]uuid.UUID, error)
	// ListDealtCardIDs returns every card currently held or ever submitted in the session.
	ListDealtCardIDs(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
	AddToHand(ctx context.Context, sessionID, playerID uuid.UUID, cardIDs []uuid.UUID) error
	// RemoveFromHand deletes exactly the given (player, card) rows. It returns
	// ErrNotFound, and removes nothing, if any card is not in the player's hand.
	RemoveFromHand(ctx context.Context, playerID uuid.UUID, cardIDs []uuid.UUID) error
}
