// Package game wraps the chess rule engine and owns game session state.
// The engine is consumed as an opaque capability: given a position and a
// proposed move it reports legality and the resulting state.
package game

import (
	"errors"
	"fmt"
	"strings"

	chess "github.com/corentings/chess/v2"

	"chess-wager/internal/model"
)

// Engine errors.
var (
	ErrIllegalMove = errors.New("illegal move")
	ErrNotYourTurn = errors.New("not your turn")
	ErrGameOver    = errors.New("game is over")
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Color identifies a side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// MoveRequest is a proposed move in coordinate form. Promotion is the
// optional piece letter (q, r, b, n).
type MoveRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the request in UCI notation (e.g. "e7e8q").
func (m MoveRequest) UCI() string {
	return strings.ToLower(strings.TrimSpace(m.From) + strings.TrimSpace(m.To) + strings.TrimSpace(m.Promotion))
}

// State is the engine's view of a position after zero or more moves.
type State struct {
	FEN    string
	Turn   Color
	Check  bool
	Status model.SessionStatus
	Winner Color // empty unless the status is decisive
}

// reconstruct replays the move history from the initial position.
// The stored FEN is a denormalized snapshot; the history is authoritative.
func reconstruct(moves []string) (*chess.Game, error) {
	g := chess.NewGame()
	for _, mv := range moves {
		if err := g.PushNotationMove(mv, chess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay move %q: %w", mv, err)
		}
	}
	return g, nil
}

// stateOf converts the engine game into a State.
func stateOf(g *chess.Game) *State {
	st := &State{
		FEN:    g.FEN(),
		Turn:   colorFrom(g.Position().Turn()),
		Check:  lastMoveChecks(g),
		Status: model.SessionActive,
	}

	switch g.Outcome() {
	case chess.WhiteWon:
		st.Winner = White
		st.Status = outcomeStatus(g.Method())
	case chess.BlackWon:
		st.Winner = Black
		st.Status = outcomeStatus(g.Method())
	case chess.Draw:
		if g.Method() == chess.Stalemate {
			st.Status = model.SessionStalemate
		} else {
			st.Status = model.SessionDraw
		}
	}

	return st
}

func outcomeStatus(m chess.Method) model.SessionStatus {
	if m == chess.Resignation {
		return model.SessionResigned
	}
	return model.SessionCheckmate
}

// CurrentState returns the state after replaying the move history.
func CurrentState(moves []string) (*State, error) {
	g, err := reconstruct(moves)
	if err != nil {
		return nil, err
	}
	return stateOf(g), nil
}

// ApplyMove replays the history, validates the proposed move for the given
// side and returns the resulting state. The caller is responsible for
// appending the move to the persisted history when no error is returned.
func ApplyMove(moves []string, mover Color, req MoveRequest) (*State, error) {
	g, err := reconstruct(moves)
	if err != nil {
		return nil, err
	}

	if g.Outcome() != chess.NoOutcome {
		return nil, ErrGameOver
	}

	if colorFrom(g.Position().Turn()) != mover {
		return nil, ErrNotYourTurn
	}

	uci := req.UCI()
	pos := g.Position()
	mv, err := chess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		return nil, ErrIllegalMove
	}
	if err := g.Move(mv, nil); err != nil {
		return nil, ErrIllegalMove
	}

	return stateOf(g), nil
}

// ResignState replays the history and resigns the given side.
func ResignState(moves []string, resigning Color) (*State, error) {
	g, err := reconstruct(moves)
	if err != nil {
		return nil, err
	}

	if g.Outcome() != chess.NoOutcome {
		return nil, ErrGameOver
	}

	if resigning == White {
		g.Resign(chess.White)
	} else {
		g.Resign(chess.Black)
	}

	return stateOf(g), nil
}

func lastMoveChecks(g *chess.Game) bool {
	moves := g.Moves()
	if len(moves) == 0 {
		return false
	}
	return moves[len(moves)-1].HasTag(chess.Check)
}

func colorFrom(c chess.Color) Color {
	if c == chess.White {
		return White
	}
	return Black
}
