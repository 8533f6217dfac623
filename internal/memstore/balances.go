package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-hr-approvals/internal/errors"
	"github.com/pesio-ai/be-hr-approvals/internal/repository"
)

// Get returns the balance for key without creating it.
func (s *Store) Get(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error) {
	defer s.guard(ctx)()
	b, ok := s.st.balances[key]
	if !ok {
		return nil, errors.NotFound("leave_balance", key.UserID+"/"+key.LeaveTypeID)
	}
	return &b, nil
}

// GetOrCreate returns the balance for key, inserting a zeroed row if absent.
func (s *Store) GetOrCreate(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error) {
	defer s.guard(ctx)()
	return s.getOrCreate(key), nil
}

// LockForUpdate get-or-creates the row. Callers run inside InTransaction,
// which holds the store lock.
func (s *Store) LockForUpdate(ctx context.Context, key repository.BalanceKey) (*repository.LeaveBalance, error) {
	defer s.guard(ctx)()
	return s.getOrCreate(key), nil
}

func (s *Store) getOrCreate(key repository.BalanceKey) *repository.LeaveBalance {
	b, ok := s.st.balances[key]
	if !ok {
		now := time.Now()
		b = repository.LeaveBalance{
			ID:          newID(),
			UserID:      key.UserID,
			LeaveTypeID: key.LeaveTypeID,
			Year:        key.Year,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		s.st.balances[key] = b
	}
	return &b
}

// LockForReset returns every balance of userID, optionally for one leave type.
func (s *Store) LockForReset(ctx context.Context, userID string, leaveTypeID *string) ([]*repository.LeaveBalance, error) {
	defer s.guard(ctx)()
	var out []*repository.LeaveBalance
	for key, b := range s.st.balances {
		if key.UserID != userID {
			continue
		}
		if leaveTypeID != nil && key.LeaveTypeID != *leaveTypeID {
			continue
		}
		b := b
		out = append(out, &b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LeaveTypeID != out[j].LeaveTypeID {
			return out[i].LeaveTypeID < out[j].LeaveTypeID
		}
		return out[i].Year < out[j].Year
	})
	return out, nil
}

// Save writes the balance row.
func (s *Store) Save(ctx context.Context, b *repository.LeaveBalance) error {
	defer s.guard(ctx)()
	b.Allocated = round(b.Allocated)
	b.Used = round(b.Used)
	b.Pending = round(b.Pending)
	s.st.balances[b.Key()] = *b
	return nil
}

// AppendAdjustment appends an allocation or adjustment record.
func (s *Store) AppendAdjustment(ctx context.Context, adj *repository.LeaveBalanceAdjustment) error {
	defer s.guard(ctx)()
	adj.ID = newID()
	s.st.adjustments = append(s.st.adjustments, *adj)
	return nil
}

// AppendReset appends a reset record.
func (s *Store) AppendReset(ctx context.Context, reset *repository.LeaveBalanceReset) error {
	defer s.guard(ctx)()
	reset.ID = newID()
	s.st.resets = append(s.st.resets, *reset)
	return nil
}

// ListAdjustments returns the records for key in insertion order.
func (s *Store) ListAdjustments(ctx context.Context, key repository.BalanceKey) ([]*repository.LeaveBalanceAdjustment, error) {
	defer s.guard(ctx)()
	var out []*repository.LeaveBalanceAdjustment
	for _, adj := range s.st.adjustments {
		if adj.UserID == key.UserID && adj.LeaveTypeID == key.LeaveTypeID && adj.Year == key.Year {
			a := adj
			out = append(out, &a)
		}
	}
	return out, nil
}
