// internal/game/rules.go
package game

import (
	"crypto/rand"
	"math/big"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/jason-s-yu/verdict/internal/config"
	"github.com/jason-s-yu/verdict/internal/errors"
	"github.com/jason-s-yu/verdict/internal/models"
)

// codeAlphabet omits characters that are easily confused (0/O, 1/I/L).
const (
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// CustomCard is a session-scoped card supplied at creation.
type CustomCard struct {
	Type models.CardType `json:"type"`
	Text string          `json:"text"`
	Pick int             `json:"pick,omitempty"`
}

// CreateSessionRequest carries the host's chosen settings. Zero values take
// the configured defaults.
type CreateSessionRequest struct {
	HostNickname  string       `json:"hostNickname"`
	ScoreToWin    int          `json:"scoreToWin,omitempty"`
	MaxPlayers    int          `json:"maxPlayers,omitempty"`
	HandSize      int          `json:"handSize,omitempty"`
	RoundTimerSec int          `json:"roundTimerSec,omitempty"`
	CardPoolIDs   []uuid.UUID  `json:"cardPoolIds,omitempty"`
	CustomCards   []CustomCard `json:"customCards,omitempty"`
}

// applyDefaults fills unset settings and validates everything against limits.
func (r *CreateSessionRequest) applyDefaults(limits config.GameLimits) error {
	nick, err := validateNickname(r.HostNickname, limits)
	if err != nil {
		return err
	}
	r.HostNickname = nick

	if r.ScoreToWin == 0 {
		r.ScoreToWin = limits.DefaultScoreToWin
	}
	if r.MaxPlayers == 0 {
		r.MaxPlayers = limits.DefaultMaxPlayers
	}
	if r.HandSize == 0 {
		r.HandSize = limits.DefaultHandSize
	}

	if r.ScoreToWin < limits.MinScoreToWin || r.ScoreToWin > limits.MaxScoreToWin {
		return errors.InvalidArgument("scoreToWin must be between %d and %d", limits.MinScoreToWin, limits.MaxScoreToWin)
	}
	if r.MaxPlayers < limits.MinPlayers || r.MaxPlayers > limits.MaxPlayers {
		return errors.InvalidArgument("maxPlayers must be between %d and %d", limits.MinPlayers, limits.MaxPlayers)
	}
	if r.HandSize < limits.MinHandSize || r.HandSize > limits.MaxHandSize {
		return errors.InvalidArgument("handSize must be between %d and %d", limits.MinHandSize, limits.MaxHandSize)
	}
	if r.RoundTimerSec < 0 || r.RoundTimerSec > limits.MaxRoundTimerSec {
		return errors.InvalidArgument("roundTimerSec must be between 0 and %d", limits.MaxRoundTimerSec)
	}
	if len(r.CardPoolIDs) == 0 && len(r.CustomCards) == 0 {
		return errors.InvalidArgument("at least one card pool or custom card is required")
	}

	seen := make(map[uuid.UUID]bool, len(r.CardPoolIDs))
	for _, id := range r.CardPoolIDs {
		if id == uuid.Nil || seen[id] {
			return errors.InvalidArgument("invalid or duplicate card pool id %s", id)
		}
		seen[id] = true
	}

	for i, c := range r.CustomCards {
		if strings.TrimSpace(c.Text) == "" {
			return errors.InvalidArgument("customCards[%d]: text is required", i)
		}
		switch c.Type {
		case models.CardResponse:
			r.CustomCards[i].Pick = 0
		case models.CardPrompt:
			if c.Pick == 0 {
				r.CustomCards[i].Pick = 1
			}
			if c.Pick < 0 || c.Pick > r.HandSize {
				return errors.InvalidArgument("customCards[%d]: pick must be between 1 and handSize", i)
			}
		default:
			return errors.InvalidArgument("customCards[%d]: unknown card type %q", i, c.Type)
		}
	}
	return nil
}

func validateNickname(nick string, limits config.GameLimits) (string, error) {
	nick = strings.TrimSpace(nick)
	n := utf8.RuneCountInString(nick)
	if n == 0 || n > limits.MaxNicknameLen {
		return "", errors.InvalidArgument("nickname must be 1 to %d characters", limits.MaxNicknameLen)
	}
	return nick, nil
}

func validateCardIDs(cardIDs []uuid.UUID) error {
	if len(cardIDs) == 0 {
		return errors.InvalidArgument("no cards submitted")
	}
	seen := make(map[uuid.UUID]bool, len(cardIDs))
	for _, id := range cardIDs {
		if seen[id] {
			return errors.InvalidArgument("card %s submitted twice", id)
		}
		seen[id] = true
	}
	return nil
}

func newSessionCode() (string, error) {
	var sb strings.Builder
	base := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// onlineInOrder returns the online players in join order.
func onlineInOrder(players []models.Player, online map[uuid.UUID]bool) []models.Player {
	var out []models.Player
	for _, p := range players {
		if online[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

// nextJudge picks the first online player after prev in join order, wrapping.
// With nobody online it falls back to the next player in join order.
func nextJudge(players []models.Player, online map[uuid.UUID]bool, prev uuid.UUID) uuid.UUID {
	if len(players) == 0 {
		return uuid.Nil
	}
	idx := -1
	for i, p := range players {
		if p.ID == prev {
			idx = i
			break
		}
	}
	n := len(players)
	for step := 1; step <= n; step++ {
		p := players[(idx+step+n)%n]
		if online[p.ID] {
			return p.ID
		}
	}
	return players[(idx+1+n)%n].ID
}

func toSet(ids []uuid.UUID) map[uuid.UUID]bool {
	set := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
