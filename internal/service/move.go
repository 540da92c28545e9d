package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chess-wager/internal/game"
	"chess-wager/internal/metrics"
	"chess-wager/internal/model"
	"chess-wager/internal/notify"
	"chess-wager/internal/pkg/db"
	"chess-wager/internal/pkg/lock"
	"chess-wager/internal/repository"
)

// MoveResult is the outcome of an applied move or resignation.
type MoveResult struct {
	Session *model.GameSession
	Turn    game.Color
	Check   bool
}

// MoveCoordinator serializes move submissions per session. Each session id
// has its own mutual-exclusion scope held from the turn-state read until
// the move, history append and any terminal payout are committed, so two
// simultaneous submissions cannot both apply. Distinct sessions proceed
// fully in parallel.
type MoveCoordinator struct {
	pool       *pgxpool.Pool
	sessions   *repository.SessionRepository
	challenges *repository.ChallengeRepository
	games      *game.Manager
	resolver   *PayoutResolver
	locks      *lock.KeyedLock
	publisher  notify.Publisher
}

// NewMoveCoordinator creates a new MoveCoordinator instance.
func NewMoveCoordinator(
	pool *pgxpool.Pool,
	sessions *repository.SessionRepository,
	challenges *repository.ChallengeRepository,
	games *game.Manager,
	resolver *PayoutResolver,
	locks *lock.KeyedLock,
	publisher notify.Publisher,
) *MoveCoordinator {
	return &MoveCoordinator{
		pool:       pool,
		sessions:   sessions,
		challenges: challenges,
		games:      games,
		resolver:   resolver,
		locks:      locks,
		publisher:  publisher,
	}
}

// Submit applies a move to a session. The rule engine validates legality
// and turn order against the state left by the previous committed move.
func (m *MoveCoordinator) Submit(ctx context.Context, sessionID uuid.UUID, userID int64, req game.MoveRequest) (*MoveResult, error) {
	var result *MoveResult
	err := m.locks.WithLock(sessionID.String(), func() error {
		s, err := m.games.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		if !s.IsParticipant(userID) {
			return ErrForbidden
		}
		if s.Status.Terminal() {
			return ErrInvalidState
		}

		st, err := game.ApplyMove(s.Moves, game.ColorOf(s, userID), req)
		if err != nil {
			return err
		}

		result, err = m.commit(ctx, s, st, append(s.Moves, req.UCI()))
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.MovesApplied.Inc()
	m.notifyMove(result)

	return result, nil
}

// Resign ends the session in favor of the opponent and settles the pot
// through the same terminal path as a checkmate.
func (m *MoveCoordinator) Resign(ctx context.Context, sessionID uuid.UUID, userID int64) (*MoveResult, error) {
	var result *MoveResult
	err := m.locks.WithLock(sessionID.String(), func() error {
		s, err := m.games.Get(ctx, sessionID)
		if err != nil {
			return err
		}

		if !s.IsParticipant(userID) {
			return ErrForbidden
		}
		if s.Status.Terminal() {
			return ErrInvalidState
		}

		st, err := game.ResignState(s.Moves, game.ColorOf(s, userID))
		if err != nil {
			return err
		}

		result, err = m.commit(ctx, s, st, s.Moves)
		return err
	})
	if err != nil {
		return nil, err
	}

	m.notifyMove(result)

	return result, nil
}

// GetState returns a participant's view of the session. Pure read; no lock.
func (m *MoveCoordinator) GetState(ctx context.Context, sessionID uuid.UUID, userID int64) (*MoveResult, error) {
	s, err := m.games.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if !s.IsParticipant(userID) {
		return nil, ErrForbidden
	}

	st, err := game.CurrentState(s.Moves)
	if err != nil {
		return nil, err
	}

	return &MoveResult{Session: s, Turn: st.Turn, Check: st.Check}, nil
}

// commit persists the new board state and, when the game became terminal,
// runs the payout in the same transaction.
func (m *MoveCoordinator) commit(ctx context.Context, s *model.GameSession, st *game.State, moves []string) (*MoveResult, error) {
	updated := *s
	updated.FEN = st.FEN
	updated.Moves = moves
	updated.Status = st.Status
	if st.Status.Decisive() {
		winnerID := s.WhiteID
		if st.Winner == game.Black {
			winnerID = s.BlackID
		}
		updated.WinnerID = &winnerID
	}

	err := db.WithTx(ctx, m.pool, func(tx pgx.Tx) error {
		if err := m.sessions.UpdateStateTx(ctx, tx, updated.ID, updated.FEN, updated.Moves, updated.Status, updated.WinnerID); err != nil {
			return err
		}

		if !updated.Status.Terminal() {
			return nil
		}

		c, err := m.challenges.GetByIDTx(ctx, tx, updated.ChallengeID)
		if err != nil {
			return err
		}
		return m.resolver.SettleTx(ctx, tx, &updated, c)
	})
	if err != nil {
		return nil, err
	}

	return &MoveResult{Session: &updated, Turn: st.Turn, Check: st.Check}, nil
}

func (m *MoveCoordinator) notifyMove(r *MoveResult) {
	s := r.Session

	lastMove := ""
	if len(s.Moves) > 0 {
		lastMove = s.Moves[len(s.Moves)-1]
	}

	m.publisher.Publish(
		notify.Event{
			Type: notify.EventGameMove,
			Data: notify.MovePayload{
				SessionID: s.ID,
				Move:      lastMove,
				FEN:       s.FEN,
				Turn:      string(r.Turn),
				Check:     r.Check,
				Status:    string(s.Status),
			},
		},
		s.WhiteID, s.BlackID,
	)

	if s.Status.Terminal() {
		m.publisher.Publish(
			notify.Event{
				Type: notify.EventGameEnded,
				Data: notify.GameEndedPayload{
					SessionID: s.ID,
					Status:    string(s.Status),
					WinnerID:  s.WinnerID,
				},
			},
			s.WhiteID, s.BlackID,
		)
	}
}
