package service

import (
	"context"

	"chess-wager/internal/model"
	"chess-wager/internal/repository"
)

// AccountService exposes the account view of the ledger: the spendable
// balance, the escrowed amount and the movement history. Accounts are
// provisioned with a configured starting balance on first authenticated
// contact; balances themselves only move through ledger operations.
type AccountService struct {
	users          *repository.UserRepository
	ledger         *repository.LedgerRepository
	initialBalance int64
}

// NewAccountService creates a new AccountService instance.
func NewAccountService(users *repository.UserRepository, ledger *repository.LedgerRepository, initialBalance int64) *AccountService {
	return &AccountService{
		users:          users,
		ledger:         ledger,
		initialBalance: initialBalance,
	}
}

// GetOrCreate returns the account for an authenticated user, creating it
// with the starting balance on first contact.
func (s *AccountService) GetOrCreate(ctx context.Context, userID int64, username string) (*model.User, error) {
	user, _, err := s.users.GetOrCreate(ctx, userID, username, s.initialBalance)
	return user, err
}

// Get returns an existing account.
func (s *AccountService) Get(ctx context.Context, userID int64) (*model.User, error) {
	return s.users.GetByID(ctx, userID)
}

// History returns the user's ledger entries, newest first.
func (s *AccountService) History(ctx context.Context, userID int64, limit int) ([]*model.LedgerEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.ledger.ListByUser(ctx, userID, limit)
}
