// Package storage defines persistence contracts for ledger state.
package storage

import (
	"context"
	"errors"

	"github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/platform/filter"
)

var (
	// ErrNotFound indicates a requested account or transaction is missing.
	ErrNotFound = errors.New("record not found")
	// ErrInsufficientBalance indicates a debit leg would take an account
	// negative. The store rejects the whole transaction.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// TransactionPage is one page of transaction log records, newest first.
type TransactionPage struct {
	Transactions  []domain.Transaction
	NextPageToken string
}

// Store persists member balances and the transaction log. ApplyTransaction
// updates both atomically: the balance legs and the log record commit in
// one storage transaction or not at all.
type Store interface {
	EnsureAccount(ctx context.Context, memberID string) error
	GetBalances(ctx context.Context, memberID string) (domain.Balances, error)
	ApplyTransaction(ctx context.Context, t domain.Transaction) (domain.Balances, error)
	ListTransactions(ctx context.Context, memberID string, cond filter.SQLCondition, pageSize int, pageToken string) (TransactionPage, error)
}
