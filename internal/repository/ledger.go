package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chess-wager/internal/model"
)

// LedgerRepository handles the audit trail of balance and escrow movements.
// Every reserve, release and settlement writes an entry in the same
// transaction as the account update it describes.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

// NewLedgerRepository creates a new LedgerRepository instance.
func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// InsertTx records a ledger entry inside tx. Amount is signed from the
// user's spendable-balance point of view; reference ties the entry to the
// challenge or session that caused it.
func (r *LedgerRepository) InsertTx(ctx context.Context, tx pgx.Tx, userID, amount int64, entryType, reference string) error {
	const query = `
		INSERT INTO ledger_entries (user_id, amount, type, reference, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	if _, err := tx.Exec(ctx, query, userID, amount, entryType, reference); err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	return nil
}

// ListByUser retrieves a user's ledger entries, newest first.
func (r *LedgerRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	const query = `
		SELECT id, user_id, amount, type, reference, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []*model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		err := rows.Scan(
			&e.ID,
			&e.UserID,
			&e.Amount,
			&e.Type,
			&e.Reference,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger entries: %w", err)
	}

	return entries, nil
}
