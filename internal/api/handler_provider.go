package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chess-wager/internal/game"
	"chess-wager/internal/model"
	"chess-wager/internal/repository"
	"chess-wager/internal/service"
	"chess-wager/internal/ws"
)

// HandlerProvider holds the services the HTTP handlers dispatch into.
type HandlerProvider struct {
	accounts   *service.AccountService
	challenges *service.ChallengeService
	moves      *service.MoveCoordinator
	hub        *ws.Hub
}

// NewHandlerProvider creates a new HandlerProvider.
func NewHandlerProvider(
	accounts *service.AccountService,
	challenges *service.ChallengeService,
	moves *service.MoveCoordinator,
	hub *ws.Hub,
) *HandlerProvider {
	return &HandlerProvider{
		accounts:   accounts,
		challenges: challenges,
		moves:      moves,
		hub:        hub,
	}
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Balance  int64  `json:"balance"`
	Escrow   int64  `json:"escrow"`
}

type ledgerEntryResponse struct {
	Amount    int64  `json:"amount"`
	Type      string `json:"type"`
	Reference string `json:"reference"`
	CreatedAt string `json:"created_at"`
}

type challengeResponse struct {
	ID           int64   `json:"id"`
	ChallengerID int64   `json:"challenger_id"`
	OpponentID   int64   `json:"opponent_id"`
	Stake        int64   `json:"stake"`
	Status       string  `json:"status"`
	SessionID    *string `json:"session_id,omitempty"`
}

type gameResponse struct {
	ID          string   `json:"id"`
	ChallengeID int64    `json:"challenge_id"`
	WhiteID     int64    `json:"white_id"`
	BlackID     int64    `json:"black_id"`
	FEN         string   `json:"fen"`
	Moves       []string `json:"moves"`
	Status      string   `json:"status"`
	WinnerID    *int64   `json:"winner_id,omitempty"`
	Turn        string   `json:"turn,omitempty"`
	Check       bool     `json:"check"`
}

func toChallengeResponse(c *model.Challenge) *challengeResponse {
	resp := &challengeResponse{
		ID:           c.ID,
		ChallengerID: c.ChallengerID,
		OpponentID:   c.OpponentID,
		Stake:        c.Stake,
		Status:       string(c.Status),
	}
	if c.SessionID != nil {
		id := c.SessionID.String()
		resp.SessionID = &id
	}
	return resp
}

func toGameResponse(r *service.MoveResult) *gameResponse {
	s := r.Session
	resp := &gameResponse{
		ID:          s.ID.String(),
		ChallengeID: s.ChallengeID,
		WhiteID:     s.WhiteID,
		BlackID:     s.BlackID,
		FEN:         s.FEN,
		Moves:       s.Moves,
		Status:      string(s.Status),
		WinnerID:    s.WinnerID,
		Check:       r.Check,
	}
	if !s.Status.Terminal() {
		resp.Turn = string(r.Turn)
	}
	return resp
}

// GetMe returns the caller's account and recent ledger history.
func (h *HandlerProvider) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	user, err := h.accounts.Get(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	entries, err := h.accounts.History(r.Context(), userID, 50)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	history := make([]*ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		history = append(history, &ledgerEntryResponse{
			Amount:    e.Amount,
			Type:      e.Type,
			Reference: e.Reference,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user": &userResponse{
			ID:       user.ID,
			Username: user.Username,
			Balance:  user.Balance,
			Escrow:   user.Escrow,
		},
		"history": history,
	})
}

type createChallengeRequest struct {
	OpponentID int64 `json:"opponent_id"`
	Stake      int64 `json:"stake"`
}

// CreateChallenge issues a wager challenge and reserves the caller's stake.
func (h *HandlerProvider) CreateChallenge(w http.ResponseWriter, r *http.Request) {
	var req createChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	c, err := h.challenges.Create(r.Context(), userIDFrom(r.Context()), req.OpponentID, req.Stake)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toChallengeResponse(c))
}

// ListChallenges returns the caller's challenges, newest first.
func (h *HandlerProvider) ListChallenges(w http.ResponseWriter, r *http.Request) {
	list, err := h.challenges.ListForUser(r.Context(), userIDFrom(r.Context()), 50)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]*challengeResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, toChallengeResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetChallenge returns a single challenge visible to the caller.
func (h *HandlerProvider) GetChallenge(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}

	c, err := h.challenges.Get(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(c))
}

// AcceptChallenge reserves the opponent's stake and marks the challenge
// accepted. A lost race on the atomic transition is retried once; the
// retry re-reads the row and fails cleanly if the state moved on.
func (h *HandlerProvider) AcceptChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.challenges.Accept)
}

// CancelChallenge withdraws a pending challenge (challenger only).
func (h *HandlerProvider) CancelChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.challenges.Cancel)
}

// RejectChallenge declines a pending challenge (opponent only).
func (h *HandlerProvider) RejectChallenge(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.challenges.Reject)
}

func (h *HandlerProvider) transition(
	w http.ResponseWriter,
	r *http.Request,
	op func(ctx context.Context, challengeID, userID int64) (*model.Challenge, error),
) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}
	userID := userIDFrom(r.Context())

	c, err := op(r.Context(), id, userID)
	if errors.Is(err, service.ErrConcurrencyConflict) {
		c, err = op(r.Context(), id, userID)
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChallengeResponse(c))
}

// StartGame begins the match for an accepted challenge.
func (h *HandlerProvider) StartGame(w http.ResponseWriter, r *http.Request) {
	id, ok := challengeID(w, r)
	if !ok {
		return
	}

	s, err := h.challenges.Start(r.Context(), id, userIDFrom(r.Context()))
	if errors.Is(err, service.ErrConcurrencyConflict) {
		s, err = h.challenges.Start(r.Context(), id, userIDFrom(r.Context()))
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	st, stErr := game.CurrentState(s.Moves)
	if stErr != nil {
		writeInternalError(w, stErr)
		return
	}
	writeJSON(w, http.StatusCreated, toGameResponse(&service.MoveResult{Session: s, Turn: st.Turn, Check: st.Check}))
}

// GetGame returns the current board state for a participant.
func (h *HandlerProvider) GetGame(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	result, err := h.moves.GetState(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGameResponse(result))
}

// SubmitMove applies a move for the caller.
func (h *HandlerProvider) SubmitMove(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	var req game.MoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.moves.Submit(r.Context(), id, userIDFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGameResponse(result))
}

// Resign concedes the game, awarding the pot to the opponent.
func (h *HandlerProvider) Resign(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	result, err := h.moves.Resign(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toGameResponse(result))
}

// Subscribe upgrades the connection for real-time event delivery.
func (h *HandlerProvider) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r, userIDFrom(r.Context()))
}

func challengeID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid challenge id")
		return 0, false
	}
	return id, true
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid game id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorResponse{Error: msg})
}

func writeInternalError(w http.ResponseWriter, err error) {
	correlationID := uuid.NewString()
	log.Error().Err(err).Str("correlation_id", correlationID).Msg("internal error")
	writeJSON(w, http.StatusInternalServerError, &errorResponse{
		Error:         "internal error",
		CorrelationID: correlationID,
	})
}

// writeServiceError maps domain errors to HTTP statuses. Anything
// unrecognized is treated as internal and logged with a correlation id
// so the client message stays opaque.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSelfChallenge),
		errors.Is(err, service.ErrInvalidStake):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrChallengeNotFound),
		errors.Is(err, repository.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrInvalidState),
		errors.Is(err, game.ErrGameOver),
		errors.Is(err, service.ErrConcurrencyConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, game.ErrIllegalMove),
		errors.Is(err, game.ErrNotYourTurn):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeInternalError(w, err)
	}
}
