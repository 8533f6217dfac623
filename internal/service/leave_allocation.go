package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

var (
	monthsPerYear = decimal.NewFromInt(12)
	// averageDaysPerMonth is 365.25 / 12 rounded the way contracts are prorated.
	averageDaysPerMonth = decimal.RequireFromString("30.44")
)

// AllocateAnnual grants a full-year entitlement.
func (l *BalanceLedger) AllocateAnnual(ctx context.Context, key repository.BalanceKey, days decimal.Decimal, actorID *string) (*repository.LeaveBalance, error) {
	return l.Allocate(ctx, key, days, fmt.Sprintf("annual allocation %d", key.Year), actorID)
}

// AllocateAccrual grants annualDays/12 for each accrued month.
func (l *BalanceLedger) AllocateAccrual(ctx context.Context, key repository.BalanceKey, annualDays decimal.Decimal, months int, actorID *string) (*repository.LeaveBalance, error) {
	if months < 1 || months > 12 {
		return nil, errors.InvalidInput("months", "accrual months must be between 1 and 12")
	}
	days := annualDays.Div(monthsPerYear).Mul(decimal.NewFromInt(int64(months))).Round(ledgerPrecision)
	return l.Allocate(ctx, key, days, fmt.Sprintf("accrual %d month(s)", months), actorID)
}

// AllocateProrated grants the share of annualDays covered by a contract
// within key.Year. A nil contractEnd means open-ended.
func (l *BalanceLedger) AllocateProrated(
	ctx context.Context,
	key repository.BalanceKey,
	annualDays decimal.Decimal,
	contractStart time.Time,
	contractEnd *time.Time,
	actorID *string,
) (*repository.LeaveBalance, error) {
	days, err := ProratedDays(annualDays, key.Year, contractStart, contractEnd)
	if err != nil {
		return nil, err
	}
	return l.Allocate(ctx, key, days, "contract prorated allocation", actorID)
}

// ProratedDays computes annual/12 * (covered days / 30.44) for the part of
// [contractStart, contractEnd] that falls in year, rounded to two places.
func ProratedDays(annualDays decimal.Decimal, year int, contractStart time.Time, contractEnd *time.Time) (decimal.Decimal, error) {
	if annualDays.IsNegative() {
		return decimal.Zero, errors.InvalidInput("annual_days", "annual entitlement must not be negative")
	}
	if contractEnd != nil && contractEnd.Before(contractStart) {
		return decimal.Zero, errors.InvalidInput("contract_end", "contract end is before contract start")
	}

	yearStart := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	yearEnd := time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC)

	from := truncateDay(contractStart)
	if from.Before(yearStart) {
		from = yearStart
	}
	to := yearEnd
	if contractEnd != nil && truncateDay(*contractEnd).Before(to) {
		to = truncateDay(*contractEnd)
	}
	if to.Before(from) {
		return decimal.Zero, nil
	}
	if from.Equal(yearStart) && to.Equal(yearEnd) {
		return annualDays.Round(ledgerPrecision), nil
	}

	covered := decimal.NewFromInt(int64(to.Sub(from).Hours()/24) + 1)
	months := decimal.Min(monthsPerYear, covered.Div(averageDaysPerMonth))
	return annualDays.Div(monthsPerYear).Mul(months).Round(ledgerPrecision), nil
}

// BulkResult reports per-user outcomes of a bulk allocation.
type BulkResult struct {
	Succeeded []string
	Failed    map[string]error
}

// BulkAllocate grants the same allocation to many users. Each user is its
// own transaction; one failure does not stop the rest.
func (l *BalanceLedger) BulkAllocate(
	ctx context.Context,
	userIDs []string,
	leaveTypeID string,
	year int,
	days decimal.Decimal,
	reason string,
	actorID *string,
) *BulkResult {
	result := &BulkResult{Failed: make(map[string]error)}
	for _, userID := range userIDs {
		key := repository.BalanceKey{UserID: userID, LeaveTypeID: leaveTypeID, Year: year}
		if _, err := l.Allocate(ctx, key, days, reason, actorID); err != nil {
			l.log.Warn().Err(err).
				Str("user_id", userID).
				Str("leave_type_id", leaveTypeID).
				Int("year", year).
				Msg("Bulk allocation failed for user")
			result.Failed[userID] = err
			continue
		}
		result.Succeeded = append(result.Succeeded, userID)
	}

	l.log.Info().
		Str("leave_type_id", leaveTypeID).
		Int("year", year).
		Int("succeeded", len(result.Succeeded)).
		Int("failed", len(result.Failed)).
		Msg("Bulk allocation completed")
	return result
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
