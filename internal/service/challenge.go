// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chess-wager/internal/game"
	"chess-wager/internal/metrics"
	"chess-wager/internal/model"
	"chess-wager/internal/notify"
	"chess-wager/internal/pkg/db"
	"chess-wager/internal/repository"
)

// Challenge-related errors.
var (
	ErrSelfChallenge       = errors.New("cannot challenge yourself")
	ErrInvalidStake        = errors.New("stake must be positive")
	ErrForbidden           = errors.New("not authorized for this action")
	ErrInvalidState        = errors.New("invalid state for this transition")
	ErrConcurrencyConflict = errors.New("lost a race on an atomic transition")
)

// ChallengeService owns challenge records and their state transitions.
// All money movement and every status change happen inside a single
// database transaction, so a failed acceptance leaves the challenger's
// reservation untouched and the challenge PENDING.
type ChallengeService struct {
	pool       *pgxpool.Pool
	users      *repository.UserRepository
	ledger     *repository.LedgerRepository
	challenges *repository.ChallengeRepository
	games      *game.Manager
	publisher  notify.Publisher
}

// NewChallengeService creates a new ChallengeService instance.
func NewChallengeService(
	pool *pgxpool.Pool,
	users *repository.UserRepository,
	ledger *repository.LedgerRepository,
	challenges *repository.ChallengeRepository,
	games *game.Manager,
	publisher notify.Publisher,
) *ChallengeService {
	return &ChallengeService{
		pool:       pool,
		users:      users,
		ledger:     ledger,
		challenges: challenges,
		games:      games,
		publisher:  publisher,
	}
}

func challengeRef(id int64) string {
	return fmt.Sprintf("challenge:%d", id)
}

// Create validates the wager, reserves the challenger's stake and creates a
// PENDING challenge. The opponent's stake is deliberately not reserved here:
// it is reserved at acceptance, so an uninvited party's funds are never
// locked by a challenge they may ignore.
func (s *ChallengeService) Create(ctx context.Context, challengerID, opponentID, stake int64) (*model.Challenge, error) {
	if challengerID == opponentID {
		return nil, ErrSelfChallenge
	}
	if stake <= 0 {
		return nil, ErrInvalidStake
	}

	if _, err := s.users.GetByID(ctx, opponentID); err != nil {
		return nil, err
	}

	var created *model.Challenge
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.challenges.InsertTx(ctx, tx, challengerID, opponentID, stake)
		if err != nil {
			return err
		}

		if err := s.users.ReserveTx(ctx, tx, challengerID, stake); err != nil {
			return err
		}

		if err := s.ledger.InsertTx(ctx, tx, challengerID, -stake, model.EntryReserve, challengeRef(c.ID)); err != nil {
			return err
		}

		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesCreated.Inc()
	s.publisher.Publish(notify.ChallengeEvent(notify.EventChallengeCreated, created), opponentID)

	return created, nil
}

// Accept reserves the invited opponent's stake and transitions the
// challenge PENDING -> ACCEPTED, assigning a fresh session id. A failed
// reservation rolls the whole transaction back, leaving the challenge
// PENDING and the challenger's escrow intact.
func (s *ChallengeService) Accept(ctx context.Context, challengeID, userID int64) (*model.Challenge, error) {
	var accepted *model.Challenge
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.challenges.GetByIDTx(ctx, tx, challengeID)
		if err != nil {
			return err
		}

		if c.Status != model.ChallengePending {
			return ErrInvalidState
		}
		if c.OpponentID != userID {
			return ErrForbidden
		}

		if err := s.users.ReserveTx(ctx, tx, userID, c.Stake); err != nil {
			return err
		}

		if err := s.ledger.InsertTx(ctx, tx, userID, -c.Stake, model.EntryReserve, challengeRef(c.ID)); err != nil {
			return err
		}

		sessionID := uuid.New()
		ok, err := s.challenges.AcceptTx(ctx, tx, c.ID, sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrencyConflict
		}

		c.Status = model.ChallengeAccepted
		c.SessionID = &sessionID
		accepted = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.ChallengesAccepted.Inc()
	s.publisher.Publish(notify.ChallengeEvent(notify.EventChallengeAccepted, accepted), accepted.ChallengerID)

	return accepted, nil
}

// Start transitions an ACCEPTED challenge to IN_PROGRESS and allocates the
// game session. Either participant may start the game.
func (s *ChallengeService) Start(ctx context.Context, challengeID, userID int64) (*model.GameSession, error) {
	var (
		started *model.Challenge
		session *model.GameSession
	)
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.challenges.GetByIDTx(ctx, tx, challengeID)
		if err != nil {
			return err
		}

		if !c.IsParticipant(userID) {
			return ErrForbidden
		}
		if c.Status != model.ChallengeAccepted {
			return ErrInvalidState
		}

		ok, err := s.challenges.TransitionTx(ctx, tx, c.ID, model.ChallengeAccepted, model.ChallengeInProgress)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrencyConflict
		}

		session, err = s.games.CreateSessionTx(ctx, tx, c)
		if err != nil {
			return err
		}

		c.Status = model.ChallengeInProgress
		started = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publisher.Publish(
		notify.Event{
			Type: notify.EventGameStarted,
			Data: notify.MovePayload{
				SessionID: session.ID,
				FEN:       session.FEN,
				Turn:      string(game.White),
				Status:    string(session.Status),
			},
		},
		started.ChallengerID, started.OpponentID,
	)

	return session, nil
}

// Cancel withdraws a PENDING challenge. Only the challenger may cancel;
// their reserved stake is released in the same transaction.
func (s *ChallengeService) Cancel(ctx context.Context, challengeID, userID int64) (*model.Challenge, error) {
	return s.withdraw(ctx, challengeID, userID, model.ChallengeCancelled)
}

// Reject declines a PENDING challenge. Only the invited opponent may
// reject; the challenger's reserved stake is released.
func (s *ChallengeService) Reject(ctx context.Context, challengeID, userID int64) (*model.Challenge, error) {
	return s.withdraw(ctx, challengeID, userID, model.ChallengeRejected)
}

func (s *ChallengeService) withdraw(ctx context.Context, challengeID, userID int64, to model.ChallengeStatus) (*model.Challenge, error) {
	var withdrawn *model.Challenge
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		c, err := s.challenges.GetByIDTx(ctx, tx, challengeID)
		if err != nil {
			return err
		}

		if c.Status != model.ChallengePending {
			return ErrInvalidState
		}

		switch to {
		case model.ChallengeCancelled:
			if c.ChallengerID != userID {
				return ErrForbidden
			}
		case model.ChallengeRejected:
			if c.OpponentID != userID {
				return ErrForbidden
			}
		}

		ok, err := s.challenges.TransitionTx(ctx, tx, c.ID, model.ChallengePending, to)
		if err != nil {
			return err
		}
		if !ok {
			return ErrConcurrencyConflict
		}

		if err := s.users.ReleaseTx(ctx, tx, c.ChallengerID, c.Stake); err != nil {
			return err
		}

		if err := s.ledger.InsertTx(ctx, tx, c.ChallengerID, c.Stake, model.EntryRelease, challengeRef(c.ID)); err != nil {
			return err
		}

		c.Status = to
		withdrawn = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	eventType := notify.EventChallengeCancelled
	target := withdrawn.OpponentID
	if to == model.ChallengeRejected {
		eventType = notify.EventChallengeRejected
		target = withdrawn.ChallengerID
	}
	s.publisher.Publish(notify.ChallengeEvent(eventType, withdrawn), target)

	return withdrawn, nil
}

// Get retrieves a challenge visible to a participant.
func (s *ChallengeService) Get(ctx context.Context, challengeID, userID int64) (*model.Challenge, error) {
	c, err := s.challenges.GetByID(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !c.IsParticipant(userID) {
		return nil, ErrForbidden
	}
	return c, nil
}

// ListForUser retrieves the user's challenges, newest first.
func (s *ChallengeService) ListForUser(ctx context.Context, userID int64, limit int) ([]*model.Challenge, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.challenges.ListForUser(ctx, userID, limit)
}
