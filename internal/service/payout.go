package service

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"chess-wager/internal/metrics"
	"chess-wager/internal/model"
	"chess-wager/internal/pkg/db"
	"chess-wager/internal/repository"
)

// PayoutResolver settles escrowed stakes when a game session reaches a
// terminal status. The ledger movement and the challenge's COMPLETED
// transition always commit in the same transaction, so a crash can never
// leave money escrowed against a completed challenge. Settlement is
// idempotent: the conditional transition fires exactly once.
type PayoutResolver struct {
	pool       *pgxpool.Pool
	users      *repository.UserRepository
	ledger     *repository.LedgerRepository
	challenges *repository.ChallengeRepository
	sessions   *repository.SessionRepository
}

// NewPayoutResolver creates a new PayoutResolver instance.
func NewPayoutResolver(
	pool *pgxpool.Pool,
	users *repository.UserRepository,
	ledger *repository.LedgerRepository,
	challenges *repository.ChallengeRepository,
	sessions *repository.SessionRepository,
) *PayoutResolver {
	return &PayoutResolver{
		pool:       pool,
		users:      users,
		ledger:     ledger,
		challenges: challenges,
		sessions:   sessions,
	}
}

func sessionRef(s *model.GameSession) string {
	return fmt.Sprintf("session:%s", s.ID)
}

// SettleTx settles a terminal session inside tx. The caller supplies the
// owning challenge, already row-locked in the same transaction. When the
// challenge has already left IN_PROGRESS the call is a no-op.
func (p *PayoutResolver) SettleTx(ctx context.Context, tx pgx.Tx, s *model.GameSession, c *model.Challenge) error {
	if !s.Status.Terminal() {
		return fmt.Errorf("session %s is not terminal", s.ID)
	}

	ok, err := p.challenges.TransitionTx(ctx, tx, c.ID, model.ChallengeInProgress, model.ChallengeCompleted)
	if err != nil {
		return err
	}
	if !ok {
		// Already settled by an earlier invocation.
		return nil
	}

	stake := c.Stake
	ref := sessionRef(s)

	if s.Status.Decisive() {
		if s.WinnerID == nil {
			return fmt.Errorf("decisive session %s has no winner", s.ID)
		}
		winner := *s.WinnerID
		loser := s.Opponent(winner)

		// Both escrowed stakes form the pot; the full pot goes to the winner.
		if err := p.users.DebitEscrowTx(ctx, tx, winner, stake); err != nil {
			return err
		}
		if err := p.users.DebitEscrowTx(ctx, tx, loser, stake); err != nil {
			return err
		}
		if err := p.users.CreditTx(ctx, tx, winner, 2*stake); err != nil {
			return err
		}

		if err := p.ledger.InsertTx(ctx, tx, winner, 2*stake, model.EntryStakeWon, ref); err != nil {
			return err
		}
		if err := p.ledger.InsertTx(ctx, tx, loser, -stake, model.EntryStakeLost, ref); err != nil {
			return err
		}
	} else {
		// Stalemate, draw or abort: each side's own stake goes back.
		for _, userID := range []int64{s.WhiteID, s.BlackID} {
			if err := p.users.ReleaseTx(ctx, tx, userID, stake); err != nil {
				return err
			}
			if err := p.ledger.InsertTx(ctx, tx, userID, stake, model.EntryStakeReturned, ref); err != nil {
				return err
			}
		}
	}

	metrics.GamesSettled.WithLabelValues(string(s.Status)).Inc()
	return nil
}

// Resolve settles a terminal session in its own transaction. Used by the
// recovery sweep; the regular path settles inside the move transaction.
func (p *PayoutResolver) Resolve(ctx context.Context, s *model.GameSession) error {
	return db.WithTx(ctx, p.pool, func(tx pgx.Tx) error {
		c, err := p.challenges.GetByIDTx(ctx, tx, s.ChallengeID)
		if err != nil {
			return err
		}
		return p.SettleTx(ctx, tx, s, c)
	})
}

// ResolveUnsettled settles every terminal session whose challenge has not
// completed, retrying the terminal transition and the ledger settlement as
// a unit. Run at startup to recover from a crash between move durability
// and payout.
func (p *PayoutResolver) ResolveUnsettled(ctx context.Context) error {
	sessions, err := p.sessions.ListUnsettled(ctx)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if err := p.Resolve(ctx, s); err != nil {
			return fmt.Errorf("resolve session %s: %w", s.ID, err)
		}
		log.Info().
			Str("session_id", s.ID.String()).
			Str("status", string(s.Status)).
			Msg("Settled interrupted session")
	}

	return nil
}
