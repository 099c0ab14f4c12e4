// Package ledger manages prepaid credit balances. Estimates are checked at
// submission; the final debit happens exactly once per job at the transition
// into success, using the actual delivered quantity.
package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/postpull/postpull/internal/store"
)

// Ledger wraps the store's balance primitives. Balances are only ever
// mutated through atomic read-modify-write statements in the store, never
// cached across external calls.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Ledger.
func New(s store.Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: s, logger: logger.With("component", "ledger")}
}

// CheckBalance reports whether the user's balance covers the estimate, and
// the exact shortfall when it does not.
func (l *Ledger) CheckBalance(ctx context.Context, userID string, estimate int64) (sufficient bool, shortfall int64, err error) {
	user, err := l.store.GetUser(ctx, userID)
	if err != nil {
		return false, 0, fmt.Errorf("check balance: %w", err)
	}
	if user == nil {
		return false, 0, fmt.Errorf("check balance: user not found: %s", userID)
	}
	if user.Balance < estimate {
		return false, estimate - user.Balance, nil
	}
	return true, 0, nil
}

// DebitFinal charges the final cost against the user's balance. The debit is
// a single atomic conditional update; callers must invoke this at most once
// per job (the job's compare-and-set transition is the gate).
func (l *Ledger) DebitFinal(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	if err := l.store.DebitBalance(ctx, userID, amount); err != nil {
		return fmt.Errorf("debit %d from %s: %w", amount, userID, err)
	}
	l.logger.Info("balance debited", "user_id", userID, "amount", amount)
	return nil
}

// Credit tops up the user's balance. The payment-gateway flow that collects
// the money is outside this service; this is the admin-facing entry.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	if err := l.store.AddBalance(ctx, userID, amount); err != nil {
		return fmt.Errorf("credit %d to %s: %w", amount, userID, err)
	}
	l.logger.Info("balance credited", "user_id", userID, "amount", amount)
	return nil
}
