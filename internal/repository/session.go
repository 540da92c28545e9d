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

// ErrSessionNotFound is returned when no game session exists for an id.
var ErrSessionNotFound = errors.New("game session not found")

// SessionRepository handles game session persistence. Sessions are only
// created from an accepted challenge being started, and only mutated by
// the move coordinator's serialized apply path.
type SessionRepository struct {
	pool *pgxpool.Pool
}

// NewSessionRepository creates a new SessionRepository instance.
func NewSessionRepository(pool *pgxpool.Pool) *SessionRepository {
	return &SessionRepository{pool: pool}
}

const sessionColumns = `id, challenge_id, white_id, black_id, fen, moves, status, winner_id, created_at, updated_at`

func scanSession(row pgx.Row) (*model.GameSession, error) {
	var s model.GameSession
	err := row.Scan(
		&s.ID,
		&s.ChallengeID,
		&s.WhiteID,
		&s.BlackID,
		&s.FEN,
		&s.Moves,
		&s.Status,
		&s.WinnerID,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// InsertTx creates a new ACTIVE game session inside tx.
func (r *SessionRepository) InsertTx(ctx context.Context, tx pgx.Tx, s *model.GameSession) (*model.GameSession, error) {
	const query = `
		INSERT INTO game_sessions (id, challenge_id, white_id, black_id, fen, moves, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'ACTIVE', NOW(), NOW())
		RETURNING ` + sessionColumns

	created, err := scanSession(tx.QueryRow(ctx, query, s.ID, s.ChallengeID, s.WhiteID, s.BlackID, s.FEN, s.Moves))
	if err != nil {
		return nil, fmt.Errorf("failed to create game session: %w", err)
	}

	return created, nil
}

// GetByID retrieves a game session by id.
// Returns ErrSessionNotFound if it does not exist.
func (r *SessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.GameSession, error) {
	const query = `SELECT ` + sessionColumns + ` FROM game_sessions WHERE id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get game session: %w", err)
	}

	return s, nil
}

// UpdateStateTx persists the board state after an applied move inside tx.
// Moves are append-only; the full history is written back alongside the FEN.
func (r *SessionRepository) UpdateStateTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fen string, moves []string, status model.SessionStatus, winnerID *int64) error {
	const query = `
		UPDATE game_sessions
		SET fen = $2, moves = $3, status = $4, winner_id = $5, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := tx.Exec(ctx, query, id, fen, moves, status, winnerID)
	if err != nil {
		return fmt.Errorf("failed to update game session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}

	return nil
}

// ListUnsettled retrieves terminal sessions whose owning challenge has not
// reached COMPLETED yet. Used by the startup sweep to finish settlements
// interrupted between move durability and payout.
func (r *SessionRepository) ListUnsettled(ctx context.Context) ([]*model.GameSession, error) {
	const query = `
		SELECT s.id, s.challenge_id, s.white_id, s.black_id, s.fen, s.moves, s.status, s.winner_id, s.created_at, s.updated_at
		FROM game_sessions s
		JOIN challenges c ON c.id = s.challenge_id
		WHERE s.status <> 'ACTIVE' AND c.status <> 'COMPLETED'
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.GameSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan game session: %w", err)
		}
		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating game sessions: %w", err)
	}

	return sessions, nil
}
