package admission

import (
	"log/slog"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

type Outcome int

const (
	Allowed Outcome = iota
	Disallowed
	BudgetExceeded
)

func (o Outcome) String() string {
	switch o {
	case Allowed:
		return "allowed"
	case Disallowed:
		return "disallowed"
	case BudgetExceeded:
		return "budget_exceeded"
	default:
		return "unknown"
	}
}

// BudgetSource answers the only ledger question admission needs.
type BudgetSource interface {
	RemainingBudget(user core.UserID) float64
}

// Gate is the single admission check in front of every pipeline. On a
// negative outcome the caller sends exactly one notice and stops processing
// the triggering event.
type Gate struct {
	IsAllowed func(core.UserID) bool

	// IsAdmin, when non-nil, exempts admins from the budget ceiling. They
	// still must be on the allow-list.
	IsAdmin func(core.UserID) bool

	Budget BudgetSource
	Logger *slog.Logger
}

func (g *Gate) Check(user core.UserID, chat core.ChatID) Outcome {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if g.IsAllowed != nil && !g.IsAllowed(user) {
		logger.Warn("user not allowed", "user_id", int64(user), "chat_id", int64(chat))
		return Disallowed
	}
	if g.IsAdmin != nil && g.IsAdmin(user) {
		return Allowed
	}
	if g.Budget != nil && g.Budget.RemainingBudget(user) <= 0 {
		logger.Warn("user budget exhausted", "user_id", int64(user), "chat_id", int64(chat))
		return BudgetExceeded
	}
	return Allowed
}
