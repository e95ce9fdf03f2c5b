package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/ledger/storage"
	"github.com/osusuhq/osusu/internal/platform/filter"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "domain.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	})
	return store
}

func deposit(t *testing.T, store *Store, memberID, txID string, amount int64, at time.Time) domain.Transaction {
	t.Helper()
	tx := domain.Transaction{
		ID:            txID,
		MemberID:      memberID,
		Type:          domain.TxCredit,
		Amount:        amount,
		Description:   "Bank deposit",
		CreditAccount: domain.AccountMain,
		Status:        domain.TxCompleted,
		CreatedAt:     at,
	}
	if _, err := store.ApplyTransaction(context.Background(), tx); err != nil {
		t.Fatalf("ApplyTransaction() error = %v", err)
	}
	return tx
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("Open() expected error for blank path")
	}
}

func TestEnsureAccountIdempotent(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}
	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() second call error = %v", err)
	}

	balances, err := store.GetBalances(ctx, "member-1")
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if balances != (domain.Balances{}) {
		t.Fatalf("GetBalances() = %+v, want zero balances", balances)
	}
}

func TestGetBalancesUnknownMember(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)

	if _, err := store.GetBalances(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetBalances() error = %v, want ErrNotFound", err)
	}
}

func TestApplyTransactionUpdatesBalancesAndLog(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	deposit(t, store, "member-1", "tx-1", 10_000, now)

	balances, err := store.ApplyTransaction(ctx, domain.Transaction{
		ID:            "tx-2",
		MemberID:      "member-1",
		Type:          domain.TxTransfer,
		Amount:        4_000,
		Description:   "Transfer from main to wallet",
		DebitAccount:  domain.AccountMain,
		CreditAccount: domain.AccountWallet,
		Status:        domain.TxCompleted,
		CreatedAt:     now.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("ApplyTransaction() error = %v", err)
	}
	want := domain.Balances{Main: 6_000, Wallet: 4_000}
	if balances != want {
		t.Fatalf("ApplyTransaction() balances = %+v, want %+v", balances, want)
	}

	page, err := store.ListTransactions(ctx, "member-1", filter.SQLCondition{}, 10, "")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(page.Transactions) != 2 {
		t.Fatalf("ListTransactions() returned %d records, want 2", len(page.Transactions))
	}
	if page.Transactions[0].ID != "tx-2" {
		t.Fatalf("ListTransactions() first record = %q, want newest", page.Transactions[0].ID)
	}
	got := page.Transactions[0]
	if got.DebitAccount != domain.AccountMain || got.CreditAccount != domain.AccountWallet {
		t.Fatalf("ListTransactions() legs = %q/%q, want main/wallet", got.DebitAccount, got.CreditAccount)
	}
	if !got.CreatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("ListTransactions() created at = %v, want %v", got.CreatedAt, now.Add(time.Second))
	}
}

func TestApplyTransactionInsufficientBalance(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	deposit(t, store, "member-1", "tx-1", 1_000, now)

	_, err := store.ApplyTransaction(ctx, domain.Transaction{
		ID:           "tx-2",
		MemberID:     "member-1",
		Type:         domain.TxWithdrawal,
		Amount:       5_000,
		Description:  "Bank withdrawal",
		DebitAccount: domain.AccountMain,
		Status:       domain.TxCompleted,
		CreatedAt:    now.Add(time.Second),
	})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("ApplyTransaction() error = %v, want ErrInsufficientBalance", err)
	}

	balances, err := store.GetBalances(ctx, "member-1")
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if balances.Main != 1_000 {
		t.Fatalf("GetBalances() main = %d, want balances unchanged", balances.Main)
	}

	page, err := store.ListTransactions(ctx, "member-1", filter.SQLCondition{}, 10, "")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(page.Transactions) != 1 {
		t.Fatalf("ListTransactions() returned %d records, want rejected transaction absent", len(page.Transactions))
	}
}

func TestApplyTransactionUnknownMember(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)

	_, err := store.ApplyTransaction(context.Background(), domain.Transaction{
		ID:            "tx-1",
		MemberID:      "missing",
		Type:          domain.TxCredit,
		Amount:        100,
		CreditAccount: domain.AccountMain,
		Status:        domain.TxCompleted,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("ApplyTransaction() error = %v, want ErrNotFound", err)
	}
}

// TestReplayedLogMatchesStoredBalances folds the full transaction log
// through the domain balance rules and checks it lands on the balances the
// store maintains row by row.
func TestReplayedLogMatchesStoredBalances(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	apply := func(seq int, txType domain.TxType, amount int64, debit, credit domain.Account, description string) {
		t.Helper()
		_, err := store.ApplyTransaction(ctx, domain.Transaction{
			ID:            fmt.Sprintf("tx-%02d", seq),
			MemberID:      "member-1",
			Type:          txType,
			Amount:        amount,
			Description:   description,
			GroupID:       "group-1",
			DebitAccount:  debit,
			CreditAccount: credit,
			Status:        domain.TxCompleted,
			CreatedAt:     base.Add(time.Duration(seq) * time.Second),
		})
		if err != nil {
			t.Fatalf("ApplyTransaction(%d) error = %v", seq, err)
		}
	}

	apply(1, domain.TxCredit, 10_000, domain.AccountExternal, domain.AccountMain, "Bank deposit")
	apply(2, domain.TxTransfer, 4_000, domain.AccountMain, domain.AccountWallet, "Transfer from main to wallet")
	apply(3, domain.TxTransfer, 1_500, domain.AccountWallet, domain.AccountSecurityFund, "Security fund lock")
	apply(4, domain.TxTransfer, 1_500, domain.AccountSecurityFund, domain.AccountLockedFunds, "Security fund committed to active circle")
	apply(5, domain.TxContribution, 1_000, domain.AccountWallet, domain.AccountExternal, "Weekly contribution to Circle A")
	apply(6, domain.TxCredit, 3_000, domain.AccountExternal, domain.AccountMain, "Payout from Circle A")
	apply(7, domain.TxDebit, 1_000, domain.AccountMain, domain.AccountExternal, "Group joining fee")
	apply(8, domain.TxTransfer, 1_500, domain.AccountLockedFunds, domain.AccountMain, "Security fund settled after rotation")
	apply(9, domain.TxWithdrawal, 2_000, domain.AccountMain, domain.AccountExternal, "Bank withdrawal")

	// Page through the log oldest-last, then replay in order from zero.
	var log []domain.Transaction
	pageToken := ""
	for {
		page, err := store.ListTransactions(ctx, "member-1", filter.SQLCondition{}, 3, pageToken)
		if err != nil {
			t.Fatalf("ListTransactions() error = %v", err)
		}
		log = append(log, page.Transactions...)
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	if len(log) != 9 {
		t.Fatalf("ListTransactions() returned %d records, want 9", len(log))
	}

	var replayed domain.Balances
	for i := len(log) - 1; i >= 0; i-- {
		next, err := replayed.Apply(log[i])
		if err != nil {
			t.Fatalf("Apply(%s) error = %v", log[i].ID, err)
		}
		replayed = next
	}

	stored, err := store.GetBalances(ctx, "member-1")
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if replayed != stored {
		t.Fatalf("replayed balances = %+v, stored = %+v", replayed, stored)
	}
}

func TestListTransactionsFilter(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	deposit(t, store, "member-1", "tx-1", 10_000, now)
	if _, err := store.ApplyTransaction(ctx, domain.Transaction{
		ID:           "tx-2",
		MemberID:     "member-1",
		Type:         domain.TxContribution,
		Amount:       5_000,
		Description:  "Weekly contribution",
		GroupID:      "group-1",
		DebitAccount: domain.AccountMain,
		Status:       domain.TxCompleted,
		CreatedAt:    now.Add(time.Second),
	}); err != nil {
		t.Fatalf("ApplyTransaction() error = %v", err)
	}

	cond := filter.SQLCondition{Clause: "tx_type = ?", Params: []any{"contribution"}}
	page, err := store.ListTransactions(ctx, "member-1", cond, 10, "")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(page.Transactions) != 1 || page.Transactions[0].ID != "tx-2" {
		t.Fatalf("ListTransactions() = %+v, want only the contribution", page.Transactions)
	}
}

func TestListTransactionsPagination(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()

	if err := store.EnsureAccount(ctx, "member-1"); err != nil {
		t.Fatalf("EnsureAccount() error = %v", err)
	}
	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 5; i++ {
		deposit(t, store, "member-1", fmt.Sprintf("tx-%d", i), 100, base.Add(time.Duration(i)*time.Second))
	}

	first, err := store.ListTransactions(ctx, "member-1", filter.SQLCondition{}, 2, "")
	if err != nil {
		t.Fatalf("ListTransactions() error = %v", err)
	}
	if len(first.Transactions) != 2 {
		t.Fatalf("ListTransactions() first page size = %d, want 2", len(first.Transactions))
	}
	if first.NextPageToken == "" {
		t.Fatal("ListTransactions() expected next page token")
	}
	if first.Transactions[0].ID != "tx-4" {
		t.Fatalf("ListTransactions() first record = %q, want newest", first.Transactions[0].ID)
	}

	seen := map[string]bool{
		first.Transactions[0].ID: true,
		first.Transactions[1].ID: true,
	}
	token := first.NextPageToken
	for token != "" {
		page, err := store.ListTransactions(ctx, "member-1", filter.SQLCondition{}, 2, token)
		if err != nil {
			t.Fatalf("ListTransactions() error = %v", err)
		}
		for _, tx := range page.Transactions {
			if seen[tx.ID] {
				t.Fatalf("ListTransactions() repeated record %q across pages", tx.ID)
			}
			seen[tx.ID] = true
		}
		token = page.NextPageToken
	}
	if len(seen) != 5 {
		t.Fatalf("ListTransactions() visited %d records, want 5", len(seen))
	}
}

func TestListTransactionsInvalidPageToken(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)

	if _, err := store.ListTransactions(context.Background(), "member-1", filter.SQLCondition{}, 2, "garbage"); err == nil {
		t.Fatal("ListTransactions() expected error for malformed page token")
	}
}
