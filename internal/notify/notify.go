// Package notify defines the lifecycle event contract and the dispatcher
// interface. Delivery is best-effort and at-most-once: events for users
// without a live connection are dropped, never queued.
package notify

import (
	"github.com/google/uuid"

	"chess-wager/internal/model"
)

// Event types published over the real-time channel.
const (
	EventChallengeCreated   = "challenge.created"
	EventChallengeAccepted  = "challenge.accepted"
	EventChallengeCancelled = "challenge.cancelled"
	EventChallengeRejected  = "challenge.rejected"
	EventGameStarted        = "game.started"
	EventGameMove           = "game.move"
	EventGameEnded          = "game.ended"
)

// Event is a single lifecycle notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Publisher fans an event out to whichever transport channel the target
// users are currently attached to. Implementations must not block the
// caller and must treat an absent recipient as a non-error.
type Publisher interface {
	Publish(event Event, userIDs ...int64)
}

// NopPublisher discards all events. Useful in tests and for running the
// core without a transport attached.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event, ...int64) {}

// ChallengePayload is the wire shape of a challenge in events.
type ChallengePayload struct {
	ID           int64      `json:"id"`
	ChallengerID int64      `json:"challengerId"`
	OpponentID   int64      `json:"opponentId"`
	Stake        int64      `json:"stake"`
	Status       string     `json:"status"`
	SessionID    *uuid.UUID `json:"sessionId,omitempty"`
}

// MovePayload is the wire shape of an applied move.
type MovePayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	Move      string    `json:"move"`
	FEN       string    `json:"fen"`
	Turn      string    `json:"turn"`
	Check     bool      `json:"check"`
	Status    string    `json:"status"`
}

// GameEndedPayload is the wire shape of a terminal game result.
type GameEndedPayload struct {
	SessionID uuid.UUID `json:"sessionId"`
	Status    string    `json:"status"`
	WinnerID  *int64    `json:"winnerId,omitempty"`
}

// ChallengeEvent builds a challenge lifecycle event.
func ChallengeEvent(eventType string, c *model.Challenge) Event {
	return Event{
		Type: eventType,
		Data: ChallengePayload{
			ID:           c.ID,
			ChallengerID: c.ChallengerID,
			OpponentID:   c.OpponentID,
			Stake:        c.Stake,
			Status:       string(c.Status),
			SessionID:    c.SessionID,
		},
	}
}
