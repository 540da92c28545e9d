package game

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"chess-wager/internal/model"
	"chess-wager/internal/repository"
)

// Manager owns active game sessions. Sessions are created only from an
// accepted challenge being started, addressed by opaque id, and never
// handed out by reference across components.
type Manager struct {
	sessions *repository.SessionRepository
}

// NewManager creates a new session Manager.
func NewManager(sessions *repository.SessionRepository) *Manager {
	return &Manager{sessions: sessions}
}

// CreateSessionTx allocates the game session for an accepted challenge
// inside tx. The challenger plays white, the invited opponent black.
func (m *Manager) CreateSessionTx(ctx context.Context, tx pgx.Tx, c *model.Challenge) (*model.GameSession, error) {
	if c.SessionID == nil {
		return nil, fmt.Errorf("challenge %d has no session id", c.ID)
	}

	s := &model.GameSession{
		ID:          *c.SessionID,
		ChallengeID: c.ID,
		WhiteID:     c.ChallengerID,
		BlackID:     c.OpponentID,
		FEN:         StartFEN,
		Moves:       []string{},
	}

	created, err := m.sessions.InsertTx(ctx, tx, s)
	if err != nil {
		return nil, err
	}

	return created, nil
}

// Get retrieves a session by id. This is a pure read; the returned value
// is a snapshot, not shared state.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*model.GameSession, error) {
	return m.sessions.GetByID(ctx, id)
}

// ColorOf returns the side a participant plays in the session.
func ColorOf(s *model.GameSession, userID int64) Color {
	if s.WhiteID == userID {
		return White
	}
	return Black
}
