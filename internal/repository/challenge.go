package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chess-wager/internal/model"
)

// ErrChallengeNotFound is returned when no challenge exists for an id.
var ErrChallengeNotFound = errors.New("challenge not found")

// ChallengeRepository handles challenge persistence. Status transitions are
// conditional updates guarded by the expected current status, so a lost race
// surfaces as zero affected rows instead of a silently overwritten state.
type ChallengeRepository struct {
	pool *pgxpool.Pool
}

// NewChallengeRepository creates a new ChallengeRepository instance.
func NewChallengeRepository(pool *pgxpool.Pool) *ChallengeRepository {
	return &ChallengeRepository{pool: pool}
}

const challengeColumns = `id, challenger_id, opponent_id, stake, status, session_id, created_at, updated_at`

func scanChallenge(row pgx.Row) (*model.Challenge, error) {
	var c model.Challenge
	err := row.Scan(
		&c.ID,
		&c.ChallengerID,
		&c.OpponentID,
		&c.Stake,
		&c.Status,
		&c.SessionID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertTx creates a new PENDING challenge inside tx.
func (r *ChallengeRepository) InsertTx(ctx context.Context, tx pgx.Tx, challengerID, opponentID, stake int64) (*model.Challenge, error) {
	const query = `
		INSERT INTO challenges (challenger_id, opponent_id, stake, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'PENDING', NOW(), NOW())
		RETURNING ` + challengeColumns

	c, err := scanChallenge(tx.QueryRow(ctx, query, challengerID, opponentID, stake))
	if err != nil {
		return nil, fmt.Errorf("failed to create challenge: %w", err)
	}

	return c, nil
}

// GetByID retrieves a challenge by id.
// Returns ErrChallengeNotFound if it does not exist.
func (r *ChallengeRepository) GetByID(ctx context.Context, id int64) (*model.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1`

	c, err := scanChallenge(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	return c, nil
}

// GetByIDTx retrieves a challenge inside tx with a row lock, so the status
// read stays valid for the remainder of the transaction.
func (r *ChallengeRepository) GetByIDTx(ctx context.Context, tx pgx.Tx, id int64) (*model.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE id = $1 FOR UPDATE`

	c, err := scanChallenge(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}

	return c, nil
}

// GetBySessionID retrieves the challenge that owns a game session.
func (r *ChallengeRepository) GetBySessionID(ctx context.Context, sessionID uuid.UUID) (*model.Challenge, error) {
	const query = `SELECT ` + challengeColumns + ` FROM challenges WHERE session_id = $1`

	c, err := scanChallenge(r.pool.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge by session: %w", err)
	}

	return c, nil
}

// AcceptTx transitions PENDING -> ACCEPTED and assigns the session id in a
// single conditional update. Returns false when the challenge was not
// PENDING anymore (lost race or invalid state).
func (r *ChallengeRepository) AcceptTx(ctx context.Context, tx pgx.Tx, id int64, sessionID uuid.UUID) (bool, error) {
	const query = `
		UPDATE challenges
		SET status = 'ACCEPTED', session_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`

	tag, err := tx.Exec(ctx, query, id, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to accept challenge: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// TransitionTx moves a challenge from one expected status to another.
// Returns false when the challenge was not in the expected status.
func (r *ChallengeRepository) TransitionTx(ctx context.Context, tx pgx.Tx, id int64, from, to model.ChallengeStatus) (bool, error) {
	const query = `
		UPDATE challenges
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	tag, err := tx.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, fmt.Errorf("failed to transition challenge: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

// ListForUser retrieves challenges where the user is challenger or opponent,
// newest first.
func (r *ChallengeRepository) ListForUser(ctx context.Context, userID int64, limit int) ([]*model.Challenge, error) {
	const query = `
		SELECT ` + challengeColumns + `
		FROM challenges
		WHERE challenger_id = $1 OR opponent_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	defer rows.Close()

	var challenges []*model.Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge: %w", err)
		}
		challenges = append(challenges, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating challenges: %w", err)
	}

	return challenges, nil
}
