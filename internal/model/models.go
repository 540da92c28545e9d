// Package model defines the data models for the chess wager server.
package model

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered player account.
// Balance is the spendable amount; Escrow holds stakes committed to
// challenges that have not yet been settled. Both columns only move
// through ledger operations, never by direct writes.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Balance   int64     `db:"balance"`
	Escrow    int64     `db:"escrow"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// LedgerEntry records a single balance or escrow movement.
type LedgerEntry struct {
	ID        int64     `db:"id"`
	UserID    int64     `db:"user_id"`
	Amount    int64     `db:"amount"`
	Type      string    `db:"type"`
	Reference string    `db:"reference"`
	CreatedAt time.Time `db:"created_at"`
}

// Ledger entry types for categorizing movements.
const (
	EntryReserve       = "reserve"        // Stake moved from balance to escrow
	EntryRelease       = "release"        // Reserved stake returned to balance
	EntryStakeWon      = "stake_won"      // Pot credited to the winner
	EntryStakeLost     = "stake_lost"     // Escrowed stake forfeited to the winner
	EntryStakeReturned = "stake_returned" // Escrowed stake returned on draw/abort
)

// ChallengeStatus is the lifecycle state of a challenge.
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "PENDING"
	ChallengeAccepted   ChallengeStatus = "ACCEPTED"
	ChallengeInProgress ChallengeStatus = "IN_PROGRESS"
	ChallengeCompleted  ChallengeStatus = "COMPLETED"
	ChallengeCancelled  ChallengeStatus = "CANCELLED"
	ChallengeRejected   ChallengeStatus = "REJECTED"
)

// Terminal reports whether the status admits no further transitions.
func (s ChallengeStatus) Terminal() bool {
	switch s {
	case ChallengeCompleted, ChallengeCancelled, ChallengeRejected:
		return true
	}
	return false
}

// Challenge is a wager offer from one player to another. The challenger's
// stake is reserved at creation; the opponent's only at acceptance.
type Challenge struct {
	ID           int64           `db:"id"`
	ChallengerID int64           `db:"challenger_id"`
	OpponentID   int64           `db:"opponent_id"`
	Stake        int64           `db:"stake"`
	Status       ChallengeStatus `db:"status"`
	SessionID    *uuid.UUID      `db:"session_id"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

// IsParticipant reports whether userID is the challenger or the opponent.
func (c *Challenge) IsParticipant(userID int64) bool {
	return c.ChallengerID == userID || c.OpponentID == userID
}

// SessionStatus is the lifecycle state of a game session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCheckmate SessionStatus = "CHECKMATE"
	SessionStalemate SessionStatus = "STALEMATE"
	SessionDraw      SessionStatus = "DRAW"
	SessionResigned  SessionStatus = "RESIGNED"
	SessionAborted   SessionStatus = "ABORTED"
)

// Terminal reports whether the session has ended.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// Decisive reports whether the status produces a winner that takes the pot.
func (s SessionStatus) Decisive() bool {
	return s == SessionCheckmate || s == SessionResigned
}

// GameSession is an active or finished chess game between the two
// participants of an accepted challenge. The board is stored as FEN plus
// the append-only UCI move history, and is mutated only through the move
// coordinator's serialized apply path.
type GameSession struct {
	ID          uuid.UUID     `db:"id"`
	ChallengeID int64         `db:"challenge_id"`
	WhiteID     int64         `db:"white_id"`
	BlackID     int64         `db:"black_id"`
	FEN         string        `db:"fen"`
	Moves       []string      `db:"moves"`
	Status      SessionStatus `db:"status"`
	WinnerID    *int64        `db:"winner_id"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// IsParticipant reports whether userID plays in this session.
func (g *GameSession) IsParticipant(userID int64) bool {
	return g.WhiteID == userID || g.BlackID == userID
}

// Opponent returns the other participant's id.
func (g *GameSession) Opponent(userID int64) int64 {
	if g.WhiteID == userID {
		return g.BlackID
	}
	return g.WhiteID
}
