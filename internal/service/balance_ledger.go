package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/logger"
	"github.com/pesio-ai/be-hr-approvals/internal/metrics"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// ledgerPrecision is the number of fractional digits balances are kept at.
const ledgerPrecision = 2

// BalanceLedger maintains allocated/used/pending per (user, leave type, year).
// Every mutation is a read-modify-write on a locked row inside one transaction.
type BalanceLedger struct {
	tx    Transactor
	store BalanceStore
	log   *logger.Logger
	now   func() time.Time
}

// NewBalanceLedger creates a new BalanceLedger.
func NewBalanceLedger(tx Transactor, store BalanceStore, log *logger.Logger) *BalanceLedger {
	return &BalanceLedger{
		tx:    tx,
		store: store,
		log:   log.Component("balance_ledger"),
		now:   time.Now,
	}
}

// GetOrCreate returns the balance for key, creating a zeroed row on first access.
func (l *BalanceLedger) GetOrCreate(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return l.store.GetOrCreate(ctx, key)
}

// Available returns max(0, allocated - used - pending) for key.
func (l *BalanceLedger) Available(ctx context.Context, key repository.BalanceKey) (decimal.Decimal, error) {
	b, err := l.GetOrCreate(ctx, key)
	if err != nil {
		return decimal.Zero, err
	}
	return b.Available(), nil
}

// Allocate adds days to allocated and records an allocation entry. Upper
// bounds are the caller's concern.
func (l *BalanceLedger) Allocate(ctx context.Context, key repository.BalanceKey, days decimal.Decimal, reason string, actorID *string) (*repository.LeaveBalance, error) {
	if days.IsNegative() {
		return nil, errors.InvalidInput("days", "allocation must not be negative")
	}
	days = days.Round(ledgerPrecision)

	return l.mutate(ctx, "allocate", key, func(ctx context.Context, b *repository.LeaveBalance) error {
		b.Allocated = b.Allocated.Add(days)
		return l.store.AppendAdjustment(ctx, &repository.LeaveBalanceAdjustment{
			BalanceID:   b.ID,
			UserID:      b.UserID,
			LeaveTypeID: b.LeaveTypeID,
			Year:        b.Year,
			Kind:        repository.AdjustmentAllocation,
			Delta:       days,
			Reason:      reason,
			ActorID:     actorID,
			CreatedAt:   l.now(),
		})
	})
}

// AddPending reserves days for a submitted request.
func (l *BalanceLedger) AddPending(ctx context.Context, key repository.BalanceKey, days decimal.Decimal) (*repository.LeaveBalance, error) {
	if days.IsNegative() {
		return nil, errors.InvalidInput("days", "pending days must not be negative")
	}
	days = days.Round(ledgerPrecision)

	return l.mutate(ctx, "add_pending", key, func(_ context.Context, b *repository.LeaveBalance) error {
		b.Pending = b.Pending.Add(days)
		return nil
	})
}

// RemovePending releases reserved days, clamping pending at zero.
func (l *BalanceLedger) RemovePending(ctx context.Context, key repository.BalanceKey, days decimal.Decimal) (*repository.LeaveBalance, error) {
	if days.IsNegative() {
		return nil, errors.InvalidInput("days", "pending days must not be negative")
	}
	days = days.Round(ledgerPrecision)

	return l.mutate(ctx, "remove_pending", key, func(_ context.Context, b *repository.LeaveBalance) error {
		b.Pending = subClamped(b.Pending, days)
		return nil
	})
}

// Approve moves days from pending to used in one locked step.
func (l *BalanceLedger) Approve(ctx context.Context, key repository.BalanceKey, days decimal.Decimal) (*repository.LeaveBalance, error) {
	if days.IsNegative() {
		return nil, errors.InvalidInput("days", "approved days must not be negative")
	}
	days = days.Round(ledgerPrecision)

	return l.mutate(ctx, "approve", key, func(_ context.Context, b *repository.LeaveBalance) error {
		b.Pending = subClamped(b.Pending, days)
		b.Used = b.Used.Add(days)
		return nil
	})
}

// Adjust applies a signed admin correction to allocated. A negative result
// is allowed as an explicit override.
func (l *BalanceLedger) Adjust(ctx context.Context, key repository.BalanceKey, delta decimal.Decimal, reason, actorID string) (*repository.LeaveBalance, error) {
	if reason == "" {
		return nil, errors.InvalidInput("reason", "adjustment reason is required")
	}
	if actorID == "" {
		return nil, errors.InvalidInput("actor_id", "adjustment actor is required")
	}
	delta = delta.Round(ledgerPrecision)

	b, err := l.mutate(ctx, "adjust", key, func(ctx context.Context, b *repository.LeaveBalance) error {
		b.Allocated = b.Allocated.Add(delta)
		return l.store.AppendAdjustment(ctx, &repository.LeaveBalanceAdjustment{
			BalanceID:   b.ID,
			UserID:      b.UserID,
			LeaveTypeID: b.LeaveTypeID,
			Year:        b.Year,
			Kind:        repository.AdjustmentManual,
			Delta:       delta,
			Reason:      reason,
			ActorID:     &actorID,
			CreatedAt:   l.now(),
		})
	})
	if err != nil {
		return nil, err
	}

	if b.Allocated.IsNegative() {
		l.log.Warn().
			Str("user_id", key.UserID).
			Str("leave_type_id", key.LeaveTypeID).
			Int("year", key.Year).
			Str("allocated", b.Allocated.String()).
			Str("actor_id", actorID).
			Msg("Balance allocation driven negative by adjustment")
	}
	return b, nil
}

// Reset zeroes every matching balance of a user across all years and records
// one reset entry. A nil actorID marks an automatic reset.
func (l *BalanceLedger) Reset(ctx context.Context, userID string, leaveTypeID *string, reason string, actorID *string) (int, error) {
	if userID == "" {
		return 0, errors.InvalidInput("user_id", "user is required")
	}
	if reason == "" {
		return 0, errors.InvalidInput("reason", "reset reason is required")
	}

	var count int
	err := l.tx.InTransaction(ctx, func(ctx context.Context) error {
		balances, err := l.store.LockForReset(ctx, userID, leaveTypeID)
		if err != nil {
			return err
		}

		now := l.now()
		for _, b := range balances {
			b.Allocated = decimal.Zero
			b.Used = decimal.Zero
			b.Pending = decimal.Zero
			b.UpdatedAt = now
			if err := l.store.Save(ctx, b); err != nil {
				return err
			}
		}
		count = len(balances)

		return l.store.AppendReset(ctx, &repository.LeaveBalanceReset{
			UserID:      userID,
			LeaveTypeID: leaveTypeID,
			Reason:      reason,
			ActorID:     actorID,
			RowsReset:   count,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return 0, err
	}

	metrics.LedgerMutationsTotal.WithLabelValues("reset").Inc()
	l.log.Info().
		Str("user_id", userID).
		Bool("automatic", actorID == nil).
		Int("rows_reset", count).
		Msg("Leave balances reset")
	return count, nil
}

// ListAdjustments returns the allocation and adjustment history for key.
func (l *BalanceLedger) ListAdjustments(ctx context.Context, key repository.BalanceKey) ([]*repository.LeaveBalanceAdjustment, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	return l.store.ListAdjustments(ctx, key)
}

// mutate applies fn to the locked row for key and saves it.
func (l *BalanceLedger) mutate(
	ctx context.Context,
	op string,
	key repository.BalanceKey,
	fn func(ctx context.Context, b *repository.LeaveBalance) error,
) (*repository.LeaveBalance, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var out *repository.LeaveBalance
	err := l.tx.InTransaction(ctx, func(ctx context.Context) error {
		b, err := l.store.LockForUpdate(ctx, key)
		if err != nil {
			return err
		}
		if err := fn(ctx, b); err != nil {
			return err
		}
		b.UpdatedAt = l.now()
		if err := l.store.Save(ctx, b); err != nil {
			return err
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LedgerMutationsTotal.WithLabelValues(op).Inc()
	l.log.Debug().
		Str("operation", op).
		Str("user_id", key.UserID).
		Str("leave_type_id", key.LeaveTypeID).
		Int("year", key.Year).
		Str("allocated", out.Allocated.String()).
		Str("used", out.Used.String()).
		Str("pending", out.Pending.String()).
		Msg("Balance updated")
	return out, nil
}

func validateKey(key repository.BalanceKey) error {
	if key.UserID == "" {
		return errors.InvalidInput("user_id", "user is required")
	}
	if key.LeaveTypeID == "" {
		return errors.InvalidInput("leave_type_id", "leave type is required")
	}
	if key.Year < 1 {
		return errors.InvalidInput("year", "year must be positive")
	}
	return nil
}

// subClamped returns max(0, a - b).
func subClamped(a, b decimal.Decimal) decimal.Decimal {
	return decimal.Max(decimal.Zero, a.Sub(b))
}
