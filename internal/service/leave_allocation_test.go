package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestProratedDays(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		end   *time.Time
		want  string
	}{
		{
			name:  "full year caps at twelve months",
			start: date(2024, time.June, 1),
			want:  "24",
		},
		{
			name:  "starts mid year, open ended",
			start: date(2025, time.July, 1),
			// 184 days / 30.44 = 6.0447 months; 24/12 * 6.0447 = 12.09
			want: "12.09",
		},
		{
			name:  "ends before the year",
			start: date(2023, time.January, 1),
			end:   ptrTime(date(2024, time.December, 31)),
			want:  "0",
		},
		{
			name:  "one month contract",
			start: date(2025, time.March, 1),
			end:   ptrTime(date(2025, time.March, 31)),
			// 31 / 30.44 = 1.0184 months; 2 * 1.0184 = 2.04
			want: "2.04",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ProratedDays(d("24"), 2025, tt.start, tt.end)
			require.NoError(t, err)
			assertDecimal(t, tt.want, got)
		})
	}
}

func TestProratedDays_RejectsInvertedContract(t *testing.T) {
	_, err := ProratedDays(d("24"), 2025, date(2025, time.May, 1), ptrTime(date(2025, time.April, 1)))
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestAllocateAccrual(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	b, err := ledger.AllocateAccrual(ctx, annual2025, d("24"), 3, nil)
	require.NoError(t, err)
	assertDecimal(t, "6", b.Allocated)

	_, err = ledger.AllocateAccrual(ctx, annual2025, d("24"), 13, nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestAllocateAnnualAndProratedAccumulate(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	_, err := ledger.AllocateAnnual(ctx, annual2025, d("10"), nil)
	require.NoError(t, err)
	b, err := ledger.AllocateProrated(ctx, annual2025, d("24"), date(2025, time.March, 1), ptrTime(date(2025, time.March, 31)), nil)
	require.NoError(t, err)
	assertDecimal(t, "12.04", b.Allocated)

	history, err := ledger.ListAdjustments(ctx, annual2025)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "annual allocation 2025", history[0].Reason)
}

func TestBulkAllocate_ContinuesPastFailures(t *testing.T) {
	ledger, _ := newLedger()
	ctx := context.Background()

	result := ledger.BulkAllocate(ctx, []string{"emp-1", "", "emp-2"}, "annual", 2025, d("20"), "annual entitlement", nil)
	assert.ElementsMatch(t, []string{"emp-1", "emp-2"}, result.Succeeded)
	require.Contains(t, result.Failed, "")
	assert.True(t, errors.HasCode(result.Failed[""], errors.ErrCodeInvalidInput))

	avail, err := ledger.Available(ctx, annual2025)
	require.NoError(t, err)
	assertDecimal(t, "20", avail)
}

func ptrTime(t time.Time) *time.Time {
	return &t
}
