package game

import (
	"testing"

	chess "github.com/corentings/chess/v2"
	"pgregory.net/rapid"

	"chess-wager/internal/model"
)

// TestApplyMoveProperty checks the engine against random playouts: for any
// sequence of legal moves, applying them one by one through the public API
// keeps the replayed state consistent with a shadow game, alternates turns,
// and rejects moves from the side not on turn.
func TestApplyMoveProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxMoves := rapid.IntRange(1, 40).Draw(t, "maxMoves")

		shadow := chess.NewGame()
		var history []string
		mover := White

		for i := 0; i < maxMoves; i++ {
			valid := shadow.ValidMoves()
			if len(valid) == 0 || shadow.Outcome() != chess.NoOutcome {
				break
			}

			idx := rapid.IntRange(0, len(valid)-1).Draw(t, "moveIdx")
			uci := valid[idx].String()

			req := MoveRequest{From: uci[:2], To: uci[2:4]}
			if len(uci) > 4 {
				req.Promotion = uci[4:]
			}

			// The side not on turn must always be rejected
			other := Black
			if mover == Black {
				other = White
			}
			if _, err := ApplyMove(history, other, req); err != ErrNotYourTurn {
				t.Fatalf("move %d: wrong side got %v, want ErrNotYourTurn", i, err)
			}

			st, err := ApplyMove(history, mover, req)
			if err != nil {
				t.Fatalf("move %d (%s): unexpected error %v", i, uci, err)
			}

			if err := shadow.PushNotationMove(uci, chess.UCINotation{}, nil); err != nil {
				t.Fatalf("move %d (%s): shadow rejected %v", i, uci, err)
			}

			if st.FEN != shadow.FEN() {
				t.Fatalf("move %d: FEN diverged from shadow game", i)
			}

			history = append(history, uci)
			if mover == White {
				mover = Black
			} else {
				mover = White
			}

			if st.Status != model.SessionActive {
				// Terminal state must match the shadow game's outcome
				if shadow.Outcome() == chess.NoOutcome {
					t.Fatalf("move %d: engine terminal but shadow still active", i)
				}
				if _, err := ApplyMove(history, mover, MoveRequest{From: "e2", To: "e4"}); err != ErrGameOver {
					t.Fatalf("move after terminal state got %v, want ErrGameOver", err)
				}
				break
			}
		}

		// Replaying the accumulated history reproduces the shadow position
		st, err := CurrentState(history)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if st.FEN != shadow.FEN() {
			t.Fatalf("replayed FEN diverged from shadow game")
		}
	})
}
