// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chess-wager/internal/model"
)

// Common errors for repository operations.
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrEscrowUnderflow   = errors.New("escrow underflow")
)

// UserRepository handles user account persistence. Balance and escrow are
// only ever moved by the conditional single-statement updates below; callers
// never read a balance and write it back.
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance.
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

const userColumns = `id, username, balance, escrow, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var user model.User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Balance,
		&user.Escrow,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// Create creates a new user with the given id, username and starting balance.
func (r *UserRepository) Create(ctx context.Context, id int64, username string, initialBalance int64) (*model.User, error) {
	const query = `
		INSERT INTO users (id, username, balance, escrow, created_at, updated_at)
		VALUES ($1, $2, $3, 0, NOW(), NOW())
		RETURNING ` + userColumns

	user, err := scanUser(r.pool.QueryRow(ctx, query, id, username, initialBalance))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// GetByID retrieves a user by id.
// Returns ErrUserNotFound if the user does not exist.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*model.User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	user, err := scanUser(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	return user, nil
}

// GetOrCreate retrieves a user by id, creating one with the starting balance
// if it doesn't exist. Accounts are provisioned on first authenticated contact.
func (r *UserRepository) GetOrCreate(ctx context.Context, id int64, username string, initialBalance int64) (*model.User, bool, error) {
	user, err := r.GetByID(ctx, id)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, false, err
	}

	user, err = r.Create(ctx, id, username, initialBalance)
	if err != nil {
		// Handle race condition: another request might have created the user
		user, err = r.GetByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		return user, false, nil
	}

	return user, true, nil
}

// Exists checks if a user with the given id exists.
func (r *UserRepository) Exists(ctx context.Context, id int64) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}

	return exists, nil
}

// ReserveTx atomically moves amount from balance to escrow inside tx.
// The balance check and the debit are a single conditional update, so a
// concurrent reservation on the same account cannot interleave between
// check and act. Returns ErrInsufficientFunds when the balance is short.
func (r *UserRepository) ReserveTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	const query = `
		UPDATE users
		SET balance = balance - $2, escrow = escrow + $2, updated_at = NOW()
		WHERE id = $1 AND balance >= $2
	`

	tag, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to reserve stake: %w", err)
	}

	if tag.RowsAffected() == 0 {
		exists, eerr := existsTx(ctx, tx, userID)
		if eerr != nil {
			return eerr
		}
		if !exists {
			return ErrUserNotFound
		}
		return ErrInsufficientFunds
	}

	return nil
}

// ReleaseTx atomically moves amount back from escrow to balance inside tx.
// Used on cancellation, rejection and draw refunds.
func (r *UserRepository) ReleaseTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	const query = `
		UPDATE users
		SET balance = balance + $2, escrow = escrow - $2, updated_at = NOW()
		WHERE id = $1 AND escrow >= $2
	`

	tag, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to release stake: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrEscrowUnderflow
	}

	return nil
}

// CreditTx adds amount to a user's spendable balance inside tx.
// Used when the pot is settled to the winner.
func (r *UserRepository) CreditTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	const query = `
		UPDATE users
		SET balance = balance + $2, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}

	return nil
}

// DebitEscrowTx removes amount from a user's escrow inside tx without
// returning it to the balance. Used when a forfeited stake joins the pot.
func (r *UserRepository) DebitEscrowTx(ctx context.Context, tx pgx.Tx, userID, amount int64) error {
	const query = `
		UPDATE users
		SET escrow = escrow - $2, updated_at = NOW()
		WHERE id = $1 AND escrow >= $2
	`

	tag, err := tx.Exec(ctx, query, userID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrEscrowUnderflow
	}

	return nil
}

func existsTx(ctx context.Context, tx pgx.Tx, userID int64) (bool, error) {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return exists, nil
}
