package admission

import (
	"math"
	"testing"

	"github.com/voxgate/voxgate/pkg/bot/core"
)

type fixedBudget float64

func (f fixedBudget) RemainingBudget(core.UserID) float64 { return float64(f) }

func TestCheck_Disallowed(t *testing.T) {
	g := &Gate{
		IsAllowed: func(u core.UserID) bool { return u == 1 },
		Budget:    fixedBudget(math.Inf(1)),
	}
	if got := g.Check(2, 10); got != Disallowed {
		t.Fatalf("outcome = %v, want Disallowed", got)
	}
	if got := g.Check(1, 10); got != Allowed {
		t.Fatalf("outcome = %v, want Allowed", got)
	}
}

func TestCheck_BudgetExceeded(t *testing.T) {
	g := &Gate{
		IsAllowed: func(core.UserID) bool { return true },
		Budget:    fixedBudget(0),
	}
	if got := g.Check(1, 10); got != BudgetExceeded {
		t.Fatalf("outcome = %v, want BudgetExceeded", got)
	}
}

func TestCheck_AdminsExemptFromBudgetNotAllowList(t *testing.T) {
	g := &Gate{
		IsAllowed: func(u core.UserID) bool { return u == 1 },
		IsAdmin:   func(core.UserID) bool { return true },
		Budget:    fixedBudget(0),
	}
	if got := g.Check(1, 10); got != Allowed {
		t.Fatalf("outcome = %v, want admin past the budget check", got)
	}
	if got := g.Check(2, 10); got != Disallowed {
		t.Fatalf("outcome = %v, admin status must not bypass the allow-list", got)
	}
}

func TestCheck_AllowListRunsBeforeBudget(t *testing.T) {
	g := &Gate{
		IsAllowed: func(core.UserID) bool { return false },
		Budget:    fixedBudget(0),
	}
	if got := g.Check(1, 10); got != Disallowed {
		t.Fatalf("outcome = %v, want Disallowed before budget", got)
	}
}
