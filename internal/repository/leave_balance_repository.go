package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-hr-approvals/internal/database"
	"github.com/pesio-ai/be-hr-approvals/internal/errors"
)

// LeaveBalanceRepository stores balances, adjustments and resets. Mutations
// go through LockForUpdate so concurrent writers on one key serialize on the
// row lock.
type LeaveBalanceRepository struct {
	db *database.DB
}

// NewLeaveBalanceRepository creates a new LeaveBalanceRepository.
func NewLeaveBalanceRepository(db *database.DB) *LeaveBalanceRepository {
	return &LeaveBalanceRepository{db: db}
}

const balanceColumns = `
	id, user_id, leave_type_id, year, allocated, used, pending, created_at, updated_at
`

// Get returns the balance for key without creating it.
func (r *LeaveBalanceRepository) Get(ctx context.Context, key BalanceKey) (*LeaveBalance, error) {
	query := `SELECT ` + balanceColumns + `
		FROM leave_balances
		WHERE user_id = $1 AND leave_type_id = $2 AND year = $3
	`

	b, err := scanBalance(r.db.QueryRow(ctx, query, key.UserID, key.LeaveTypeID, key.Year))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("leave_balance", balanceID(key))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get leave balance")
	}
	return b, nil
}

// GetOrCreate returns the balance for key, inserting a zeroed row if absent.
func (r *LeaveBalanceRepository) GetOrCreate(ctx context.Context, key BalanceKey) (*LeaveBalance, error) {
	if err := r.ensure(ctx, key); err != nil {
		return nil, err
	}
	return r.Get(ctx, key)
}

// LockForUpdate get-or-creates the row and locks it for the surrounding
// transaction.
func (r *LeaveBalanceRepository) LockForUpdate(ctx context.Context, key BalanceKey) (*LeaveBalance, error) {
	if err := r.ensure(ctx, key); err != nil {
		return nil, err
	}

	query := `SELECT ` + balanceColumns + `
		FROM leave_balances
		WHERE user_id = $1 AND leave_type_id = $2 AND year = $3
		FOR UPDATE
	`

	b, err := scanBalance(r.db.QueryRow(ctx, query, key.UserID, key.LeaveTypeID, key.Year))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock leave balance")
	}
	return b, nil
}

// LockForReset locks every balance of a user, optionally for one leave type.
func (r *LeaveBalanceRepository) LockForReset(ctx context.Context, userID string, leaveTypeID *string) ([]*LeaveBalance, error) {
	query := `SELECT ` + balanceColumns + `
		FROM leave_balances
		WHERE user_id = $1 AND ($2::text IS NULL OR leave_type_id::text = $2)
		ORDER BY leave_type_id, year
		FOR UPDATE
	`

	rows, err := r.db.Query(ctx, query, userID, leaveTypeID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to lock leave balances")
	}
	defer rows.Close()

	var balances []*LeaveBalance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan leave balance")
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate leave balances")
	}
	return balances, nil
}

// Save writes allocated, used and pending.
func (r *LeaveBalanceRepository) Save(ctx context.Context, b *LeaveBalance) error {
	query := `
		UPDATE leave_balances
		SET allocated  = $2,
		    used       = $3,
		    pending    = $4,
		    updated_at = $5
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, b.ID, b.Allocated, b.Used, b.Pending, b.UpdatedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("leave_balance", b.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save leave balance")
	}
	return nil
}

// AppendAdjustment inserts an allocation or manual adjustment record.
func (r *LeaveBalanceRepository) AppendAdjustment(ctx context.Context, adj *LeaveBalanceAdjustment) error {
	query := `
		INSERT INTO leave_balance_adjustments
		    (balance_id, user_id, leave_type_id, year,
		     kind, delta, reason, actor_id, created_at)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7, $8, $9)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		adj.BalanceID,
		adj.UserID,
		adj.LeaveTypeID,
		adj.Year,
		adj.Kind,
		adj.Delta,
		adj.Reason,
		adj.ActorID,
		adj.CreatedAt,
	).Scan(&adj.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append balance adjustment")
	}
	return nil
}

// AppendReset inserts a reset record.
func (r *LeaveBalanceRepository) AppendReset(ctx context.Context, reset *LeaveBalanceReset) error {
	query := `
		INSERT INTO leave_balance_resets
		    (user_id, leave_type_id, reason, actor_id, rows_reset, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	err := r.db.QueryRow(ctx, query,
		reset.UserID,
		reset.LeaveTypeID,
		reset.Reason,
		reset.ActorID,
		reset.RowsReset,
		reset.CreatedAt,
	).Scan(&reset.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append balance reset")
	}
	return nil
}

// ListAdjustments returns the records for key oldest-first.
func (r *LeaveBalanceRepository) ListAdjustments(ctx context.Context, key BalanceKey) ([]*LeaveBalanceAdjustment, error) {
	query := `
		SELECT id, balance_id, user_id, leave_type_id, year,
		       kind, delta, reason, actor_id, created_at
		FROM leave_balance_adjustments
		WHERE user_id = $1 AND leave_type_id = $2 AND year = $3
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, key.UserID, key.LeaveTypeID, key.Year)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get balance adjustments")
	}
	defer rows.Close()

	var out []*LeaveBalanceAdjustment
	for rows.Next() {
		a := &LeaveBalanceAdjustment{}
		if err := rows.Scan(
			&a.ID,
			&a.BalanceID,
			&a.UserID,
			&a.LeaveTypeID,
			&a.Year,
			&a.Kind,
			&a.Delta,
			&a.Reason,
			&a.ActorID,
			&a.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan balance adjustment")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to iterate balance adjustments")
	}
	return out, nil
}

// ensure inserts a zeroed row for key if none exists.
func (r *LeaveBalanceRepository) ensure(ctx context.Context, key BalanceKey) error {
	query := `
		INSERT INTO leave_balances (user_id, leave_type_id, year)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, leave_type_id, year) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, key.UserID, key.LeaveTypeID, key.Year); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create leave balance")
	}
	return nil
}

func scanBalance(row rowScanner) (*LeaveBalance, error) {
	b := &LeaveBalance{}
	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.LeaveTypeID,
		&b.Year,
		&b.Allocated,
		&b.Used,
		&b.Pending,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func balanceID(key BalanceKey) string {
	return fmt.Sprintf("%s/%s/%d", key.UserID, key.LeaveTypeID, key.Year)
}
