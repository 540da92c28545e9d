// Service integration tests spin up a PostgreSQL container and drive the
// full wager lifecycle end to end: challenge, stake escrow, moves, payout.
package service

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"chess-wager/internal/game"
	"chess-wager/internal/model"
	"chess-wager/internal/notify"
	"chess-wager/internal/pkg/lock"
	"chess-wager/internal/repository"
)

func checkDockerAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// testEnv bundles the fully wired service layer against a containerized
// database.
type testEnv struct {
	pool       *pgxpool.Pool
	users      *repository.UserRepository
	ledger     *repository.LedgerRepository
	challenges *ChallengeService
	moves      *MoveCoordinator
	resolver   *PayoutResolver

	challengeRepo *repository.ChallengeRepository
	sessionRepo   *repository.SessionRepository
}

func setupServices(t *testing.T) (*testEnv, func()) {
	if !checkDockerAvailable() {
		t.Skip("Docker is not available, skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	require.NoError(t, migrate(ctx, pool))

	userRepo := repository.NewUserRepository(pool)
	ledgerRepo := repository.NewLedgerRepository(pool)
	challengeRepo := repository.NewChallengeRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)

	manager := game.NewManager(sessionRepo)
	publisher := notify.NopPublisher{}

	resolver := NewPayoutResolver(pool, userRepo, ledgerRepo, challengeRepo, sessionRepo)

	env := &testEnv{
		pool:          pool,
		users:         userRepo,
		ledger:        ledgerRepo,
		challenges:    NewChallengeService(pool, userRepo, ledgerRepo, challengeRepo, manager, publisher),
		moves:         NewMoveCoordinator(pool, sessionRepo, challengeRepo, manager, resolver, lock.NewKeyedLock(), publisher),
		resolver:      resolver,
		challengeRepo: challengeRepo,
		sessionRepo:   sessionRepo,
	}

	cleanup := func() {
		pool.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return env, cleanup
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
			escrow BIGINT NOT NULL DEFAULT 0 CHECK (escrow >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id BIGSERIAL PRIMARY KEY,
			user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			amount BIGINT NOT NULL,
			type VARCHAR(50) NOT NULL,
			reference VARCHAR(255) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS challenges (
			id BIGSERIAL PRIMARY KEY,
			challenger_id BIGINT NOT NULL REFERENCES users(id),
			opponent_id BIGINT NOT NULL REFERENCES users(id),
			stake BIGINT NOT NULL CHECK (stake > 0),
			status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
			session_id UUID,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK (challenger_id <> opponent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS game_sessions (
			id UUID PRIMARY KEY,
			challenge_id BIGINT NOT NULL UNIQUE REFERENCES challenges(id),
			white_id BIGINT NOT NULL REFERENCES users(id),
			black_id BIGINT NOT NULL REFERENCES users(id),
			fen TEXT NOT NULL,
			moves TEXT[] NOT NULL DEFAULT '{}',
			status VARCHAR(20) NOT NULL DEFAULT 'ACTIVE',
			winner_id BIGINT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (e *testEnv) createUser(t *testing.T, id, balance int64) {
	t.Helper()
	_, err := e.users.Create(context.Background(), id, "player", balance)
	require.NoError(t, err)
}

func (e *testEnv) assertFunds(t *testing.T, userID, balance, escrow int64) {
	t.Helper()
	u, err := e.users.GetByID(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, balance, u.Balance, "balance of user %d", userID)
	assert.Equal(t, escrow, u.Escrow, "escrow of user %d", userID)
}

// startGame drives a challenge from creation to an IN_PROGRESS session.
func (e *testEnv) startGame(t *testing.T, challengerID, opponentID, stake int64) *model.GameSession {
	t.Helper()
	ctx := context.Background()

	c, err := e.challenges.Create(ctx, challengerID, opponentID, stake)
	require.NoError(t, err)

	_, err = e.challenges.Accept(ctx, c.ID, opponentID)
	require.NoError(t, err)

	s, err := e.challenges.Start(ctx, c.ID, challengerID)
	require.NoError(t, err)
	return s
}

// playMoves submits alternating moves, white first.
func (e *testEnv) playMoves(t *testing.T, s *model.GameSession, moves []game.MoveRequest) *MoveResult {
	t.Helper()
	ctx := context.Background()

	var result *MoveResult
	for i, mv := range moves {
		mover := s.WhiteID
		if i%2 == 1 {
			mover = s.BlackID
		}
		var err error
		result, err = e.moves.Submit(ctx, s.ID, mover, mv)
		require.NoError(t, err, "move %d (%s%s)", i, mv.From, mv.To)
	}
	return result
}

var foolsMate = []game.MoveRequest{
	{From: "f2", To: "f3"},
	{From: "e7", To: "e5"},
	{From: "g2", To: "g4"},
	{From: "d8", To: "h4"},
}

func TestChallengeService_Create(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	c, err := env.challenges.Create(ctx, 1, 2, 40)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, c.Status)

	// Challenger's stake is escrowed immediately; opponent untouched
	env.assertFunds(t, 1, 60, 40)
	env.assertFunds(t, 2, 100, 0)
}

func TestChallengeService_Create_Validation(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)

	_, err := env.challenges.Create(ctx, 1, 1, 40)
	assert.ErrorIs(t, err, ErrSelfChallenge)

	_, err = env.challenges.Create(ctx, 1, 2, 0)
	assert.ErrorIs(t, err, ErrInvalidStake)

	_, err = env.challenges.Create(ctx, 1, 999, 40)
	assert.ErrorIs(t, err, repository.ErrUserNotFound)

	env.createUser(t, 2, 100)
	_, err = env.challenges.Create(ctx, 1, 2, 200)
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

	// Nothing moved on any failed attempt
	env.assertFunds(t, 1, 100, 0)
}

func TestChallengeService_Accept_InsufficientFundsRollsBack(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 50)

	c, err := env.challenges.Create(ctx, 1, 2, 60)
	require.NoError(t, err)
	env.assertFunds(t, 1, 40, 60)

	_, err = env.challenges.Accept(ctx, c.ID, 2)
	assert.ErrorIs(t, err, repository.ErrInsufficientFunds)

	// Challenge stays PENDING, challenger's reservation intact
	got, err := env.challenges.Get(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengePending, got.Status)
	assert.Nil(t, got.SessionID)
	env.assertFunds(t, 1, 40, 60)
	env.assertFunds(t, 2, 50, 0)
}

func TestChallengeService_Accept_Authorization(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)
	env.createUser(t, 3, 100)

	c, err := env.challenges.Create(ctx, 1, 2, 40)
	require.NoError(t, err)

	// Neither the challenger nor a third party may accept
	_, err = env.challenges.Accept(ctx, c.ID, 1)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = env.challenges.Accept(ctx, c.ID, 3)
	assert.ErrorIs(t, err, ErrForbidden)

	accepted, err := env.challenges.Accept(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeAccepted, accepted.Status)
	require.NotNil(t, accepted.SessionID)

	// Accepting twice is an invalid transition
	_, err = env.challenges.Accept(ctx, c.ID, 2)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChallengeService_CancelReleasesStake(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	c, err := env.challenges.Create(ctx, 1, 2, 40)
	require.NoError(t, err)

	// Only the challenger cancels
	_, err = env.challenges.Cancel(ctx, c.ID, 2)
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, err := env.challenges.Cancel(ctx, c.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeCancelled, cancelled.Status)
	env.assertFunds(t, 1, 100, 0)

	// Terminal challenges cannot be accepted or cancelled again
	_, err = env.challenges.Accept(ctx, c.ID, 2)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = env.challenges.Cancel(ctx, c.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestChallengeService_RejectReleasesStake(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	c, err := env.challenges.Create(ctx, 1, 2, 40)
	require.NoError(t, err)

	// Only the invited opponent rejects
	_, err = env.challenges.Reject(ctx, c.ID, 1)
	assert.ErrorIs(t, err, ErrForbidden)

	rejected, err := env.challenges.Reject(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeRejected, rejected.Status)
	env.assertFunds(t, 1, 100, 0)
	env.assertFunds(t, 2, 100, 0)
}

func TestChallengeService_Start(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	c, err := env.challenges.Create(ctx, 1, 2, 40)
	require.NoError(t, err)

	// Cannot start before acceptance
	_, err = env.challenges.Start(ctx, c.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.challenges.Accept(ctx, c.ID, 2)
	require.NoError(t, err)

	// Outsiders cannot start
	env.createUser(t, 3, 100)
	_, err = env.challenges.Start(ctx, c.ID, 3)
	assert.ErrorIs(t, err, ErrForbidden)

	s, err := env.challenges.Start(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.WhiteID, "challenger plays white")
	assert.Equal(t, int64(2), s.BlackID)
	assert.Equal(t, game.StartFEN, s.FEN)
	assert.Equal(t, model.SessionActive, s.Status)

	// Starting twice is an invalid transition
	_, err = env.challenges.Start(ctx, c.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMoveCoordinator_CheckmateSettlesPot(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 20)
	env.assertFunds(t, 1, 80, 20)
	env.assertFunds(t, 2, 80, 20)

	result := env.playMoves(t, s, foolsMate)
	assert.Equal(t, model.SessionCheckmate, result.Session.Status)
	require.NotNil(t, result.Session.WinnerID)
	assert.Equal(t, int64(2), *result.Session.WinnerID)

	// Winner takes the whole pot, loser forfeits the stake
	env.assertFunds(t, 1, 80, 0)
	env.assertFunds(t, 2, 120, 0)

	c, err := env.challengeRepo.GetByID(ctx, s.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeCompleted, c.Status)

	// Moves against a finished game are refused
	_, err = env.moves.Submit(ctx, s.ID, 1, game.MoveRequest{From: "e2", To: "e4"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestMoveCoordinator_ResignAwardsOpponent(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 30)
	env.playMoves(t, s, []game.MoveRequest{{From: "e2", To: "e4"}, {From: "e7", To: "e5"}})

	result, err := env.moves.Resign(context.Background(), s.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.SessionResigned, result.Session.Status)
	require.NotNil(t, result.Session.WinnerID)
	assert.Equal(t, int64(2), *result.Session.WinnerID)

	env.assertFunds(t, 1, 70, 0)
	env.assertFunds(t, 2, 130, 0)
}

func TestMoveCoordinator_StalemateRefundsBoth(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 25)

	// Shortest known stalemate (Sam Loyd, 10 moves)
	result := env.playMoves(t, s, []game.MoveRequest{
		{From: "e2", To: "e3"}, {From: "a7", To: "a5"},
		{From: "d1", To: "h5"}, {From: "a8", To: "a6"},
		{From: "h5", To: "a5"}, {From: "h7", To: "h5"},
		{From: "a5", To: "c7"}, {From: "a6", To: "h6"},
		{From: "h2", To: "h4"}, {From: "f7", To: "f6"},
		{From: "c7", To: "d7"}, {From: "e8", To: "f7"},
		{From: "d7", To: "b7"}, {From: "d8", To: "d3"},
		{From: "b7", To: "b8"}, {From: "d3", To: "h7"},
		{From: "b8", To: "c8"}, {From: "f7", To: "g6"},
		{From: "c8", To: "e6"},
	})
	assert.Equal(t, model.SessionStalemate, result.Session.Status)
	assert.Nil(t, result.Session.WinnerID)

	// Each side gets their own stake back
	env.assertFunds(t, 1, 100, 0)
	env.assertFunds(t, 2, 100, 0)
}

func TestMoveCoordinator_Validation(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)
	env.createUser(t, 3, 100)

	s := env.startGame(t, 1, 2, 20)

	// Non-participant
	_, err := env.moves.Submit(ctx, s.ID, 3, game.MoveRequest{From: "e2", To: "e4"})
	assert.ErrorIs(t, err, ErrForbidden)

	// Black cannot open
	_, err = env.moves.Submit(ctx, s.ID, 2, game.MoveRequest{From: "e7", To: "e5"})
	assert.ErrorIs(t, err, game.ErrNotYourTurn)

	// Illegal move leaves the game untouched
	_, err = env.moves.Submit(ctx, s.ID, 1, game.MoveRequest{From: "e2", To: "e5"})
	assert.ErrorIs(t, err, game.ErrIllegalMove)

	state, err := env.moves.GetState(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Empty(t, state.Session.Moves)
	assert.Equal(t, game.White, state.Turn)
}

func TestMoveCoordinator_ConcurrentSubmissionsSerialize(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 20)
	env.playMoves(t, s, []game.MoveRequest{{From: "e2", To: "e4"}})

	// Two simultaneous replies from black: exactly one may apply
	reqs := []game.MoveRequest{
		{From: "e7", To: "e5"},
		{From: "g8", To: "f6"},
	}

	var wg sync.WaitGroup
	errs := make([]error, len(reqs))
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req game.MoveRequest) {
			defer wg.Done()
			_, errs[i] = env.moves.Submit(ctx, s.ID, 2, req)
		}(i, req)
	}
	wg.Wait()

	applied := 0
	for _, err := range errs {
		if err == nil {
			applied++
		} else {
			assert.ErrorIs(t, err, game.ErrNotYourTurn)
		}
	}
	assert.Equal(t, 1, applied)

	state, err := env.moves.GetState(ctx, s.ID, 1)
	require.NoError(t, err)
	assert.Len(t, state.Session.Moves, 2)
	assert.Equal(t, game.White, state.Turn)
}

func TestPayoutResolver_SettleIsIdempotent(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 20)
	result := env.playMoves(t, s, foolsMate)

	// Settlement already ran inside the final move's transaction;
	// resolving again must not move any money.
	require.NoError(t, env.resolver.Resolve(ctx, result.Session))
	require.NoError(t, env.resolver.Resolve(ctx, result.Session))

	env.assertFunds(t, 1, 80, 0)
	env.assertFunds(t, 2, 120, 0)
}

func TestPayoutResolver_ResolveUnsettled(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 20)

	// Simulate a crash after the terminal board state became durable but
	// before the payout committed: write the terminal session directly.
	winner := int64(2)
	tx, err := env.pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, env.sessionRepo.UpdateStateTx(ctx, tx, s.ID,
		s.FEN, []string{"f2f3", "e7e5", "g2g4", "d8h4"}, model.SessionCheckmate, &winner))
	require.NoError(t, tx.Commit(ctx))

	require.NoError(t, env.resolver.ResolveUnsettled(ctx))

	env.assertFunds(t, 1, 80, 0)
	env.assertFunds(t, 2, 120, 0)

	c, err := env.challengeRepo.GetByID(ctx, s.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, model.ChallengeCompleted, c.Status)

	// The sweep is safe to run again
	require.NoError(t, env.resolver.ResolveUnsettled(ctx))
	env.assertFunds(t, 2, 120, 0)
}

func TestAccountService_LedgerTrailBalances(t *testing.T) {
	env, cleanup := setupServices(t)
	defer cleanup()
	ctx := context.Background()

	env.createUser(t, 1, 100)
	env.createUser(t, 2, 100)

	s := env.startGame(t, 1, 2, 20)
	env.playMoves(t, s, foolsMate)

	// Winner: -20 reserve, +40 stake_won
	entries, err := env.ledger.ListByUser(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryStakeWon, entries[0].Type)
	assert.Equal(t, int64(40), entries[0].Amount)
	assert.Equal(t, model.EntryReserve, entries[1].Type)

	// Loser: -20 reserve, -20 stake_lost
	entries, err = env.ledger.ListByUser(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.EntryStakeLost, entries[0].Type)
	assert.Equal(t, int64(-20), entries[0].Amount)
}
