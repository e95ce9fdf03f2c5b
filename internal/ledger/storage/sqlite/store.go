// Package sqlite provides a SQLite-backed ledger storage implementation.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/ledger/storage"
	"github.com/osusuhq/osusu/internal/ledger/storage/sqlite/migrations"
	"github.com/osusuhq/osusu/internal/platform/filter"
	sqlitemigrate "github.com/osusuhq/osusu/internal/platform/storage/sqlitemigrate"
	_ "modernc.org/sqlite"
)

// Store persists ledger state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite ledger store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// EnsureAccount creates the zero-balance account row for a member if absent.
func (s *Store) EnsureAccount(ctx context.Context, memberID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO accounts (member_id, updated_at) VALUES (?, ?)`,
		memberID,
		toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// GetBalances returns the four balance buckets for a member.
func (s *Store) GetBalances(ctx context.Context, memberID string) (domain.Balances, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balances{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Balances{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return domain.Balances{}, fmt.Errorf("member id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT main, wallet, security_fund, locked_funds FROM accounts WHERE member_id = ?`,
		memberID,
	)
	var balances domain.Balances
	if err := row.Scan(&balances.Main, &balances.Wallet, &balances.SecurityFund, &balances.LockedFunds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Balances{}, storage.ErrNotFound
		}
		return domain.Balances{}, fmt.Errorf("get balances: %w", err)
	}
	return balances, nil
}

// ApplyTransaction applies the balance legs and appends the log record in a
// single storage transaction. The debit leg going negative aborts with
// ErrInsufficientBalance and no state change.
func (s *Store) ApplyTransaction(ctx context.Context, t domain.Transaction) (domain.Balances, error) {
	if err := ctx.Err(); err != nil {
		return domain.Balances{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Balances{}, fmt.Errorf("storage is not configured")
	}
	if err := t.Validate(); err != nil {
		return domain.Balances{}, fmt.Errorf("validate transaction: %w", err)
	}
	if t.ID == "" {
		return domain.Balances{}, fmt.Errorf("transaction id is required")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(
		ctx,
		`SELECT main, wallet, security_fund, locked_funds FROM accounts WHERE member_id = ?`,
		t.MemberID,
	)
	var balances domain.Balances
	if err := row.Scan(&balances.Main, &balances.Wallet, &balances.SecurityFund, &balances.LockedFunds); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Balances{}, storage.ErrNotFound
		}
		return domain.Balances{}, fmt.Errorf("read balances: %w", err)
	}

	next, err := balances.Apply(t)
	if err != nil {
		return domain.Balances{}, storage.ErrInsufficientBalance
	}

	if _, err := tx.ExecContext(
		ctx,
		`UPDATE accounts
		    SET main = ?, wallet = ?, security_fund = ?, locked_funds = ?, updated_at = ?
		  WHERE member_id = ?`,
		next.Main,
		next.Wallet,
		next.SecurityFund,
		next.LockedFunds,
		toMillis(t.CreatedAt),
		t.MemberID,
	); err != nil {
		return domain.Balances{}, fmt.Errorf("update balances: %w", err)
	}

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO transactions (
		   id, member_id, tx_type, amount, description, group_id, reference,
		   debit_account, credit_account, status, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID,
		t.MemberID,
		string(t.Type),
		t.Amount,
		t.Description,
		t.GroupID,
		t.Reference,
		string(t.DebitAccount),
		string(t.CreditAccount),
		string(t.Status),
		toMillis(t.CreatedAt),
	); err != nil {
		return domain.Balances{}, fmt.Errorf("append transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Balances{}, fmt.Errorf("commit transaction: %w", err)
	}
	return next, nil
}

// ListTransactions returns one page of a member's transaction log, newest
// first, optionally narrowed by a filter condition.
func (s *Store) ListTransactions(ctx context.Context, memberID string, cond filter.SQLCondition, pageSize int, pageToken string) (storage.TransactionPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.TransactionPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TransactionPage{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return storage.TransactionPage{}, fmt.Errorf("member id is required")
	}
	if pageSize <= 0 {
		return storage.TransactionPage{}, fmt.Errorf("page size must be greater than zero")
	}

	query := `SELECT id, member_id, tx_type, amount, description, group_id,
	                 reference, debit_account, credit_account, status, created_at
	            FROM transactions
	           WHERE member_id = ?`
	params := []any{memberID}
	if cond.Clause != "" {
		query += " AND " + cond.Clause
		params = append(params, cond.Params...)
	}
	if strings.TrimSpace(pageToken) != "" {
		tokenMillis, tokenID, err := decodePageToken(pageToken)
		if err != nil {
			return storage.TransactionPage{}, err
		}
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		params = append(params, tokenMillis, tokenMillis, tokenID)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	params = append(params, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return storage.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	page := storage.TransactionPage{
		Transactions: make([]domain.Transaction, 0, pageSize),
	}
	for rows.Next() {
		var t domain.Transaction
		var txType, debitAccount, creditAccount, status string
		var createdAt int64
		if err := rows.Scan(
			&t.ID,
			&t.MemberID,
			&txType,
			&t.Amount,
			&t.Description,
			&t.GroupID,
			&t.Reference,
			&debitAccount,
			&creditAccount,
			&status,
			&createdAt,
		); err != nil {
			return storage.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
		}
		t.Type = domain.TxType(txType)
		t.DebitAccount = domain.Account(debitAccount)
		t.CreditAccount = domain.Account(creditAccount)
		t.Status = domain.TxStatus(status)
		t.CreatedAt = fromMillis(createdAt)
		page.Transactions = append(page.Transactions, t)
	}
	if err := rows.Err(); err != nil {
		return storage.TransactionPage{}, fmt.Errorf("list transactions: %w", err)
	}
	if len(page.Transactions) > pageSize {
		last := page.Transactions[pageSize-1]
		page.NextPageToken = encodePageToken(toMillis(last.CreatedAt), last.ID)
		page.Transactions = page.Transactions[:pageSize]
	}
	return page, nil
}

func encodePageToken(millis int64, id string) string {
	return strconv.FormatInt(millis, 10) + ":" + id
}

func decodePageToken(token string) (int64, string, error) {
	idx := strings.IndexByte(token, ':')
	if idx <= 0 || idx == len(token)-1 {
		return 0, "", fmt.Errorf("invalid page token")
	}
	millis, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid page token")
	}
	return millis, token[idx+1:], nil
}

var _ storage.Store = (*Store)(nil)
