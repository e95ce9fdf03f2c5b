// Package sqlite provides a SQLite-backed member directory store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/osusuhq/osusu/internal/member"
	"github.com/osusuhq/osusu/internal/member/storage"
	"github.com/osusuhq/osusu/internal/member/storage/sqlite/migrations"
	sqlitemigrate "github.com/osusuhq/osusu/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists member directory state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite member store and applies embedded migrations.
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

// PutMember inserts one member directory record.
func (s *Store) PutMember(ctx context.Context, m member.Member) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	memberID := strings.TrimSpace(m.ID)
	displayName := strings.TrimSpace(m.DisplayName)
	if memberID == "" {
		return fmt.Errorf("member id is required")
	}
	if displayName == "" {
		return fmt.Errorf("display name is required")
	}
	if !m.KYCStatus.Valid() {
		return fmt.Errorf("kyc status %q is not valid", m.KYCStatus)
	}
	createdAt := m.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO members (id, display_name, kyc_status, created_at)
		 VALUES (?, ?, ?, ?)`,
		memberID,
		displayName,
		string(m.KYCStatus),
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("put member: %w", err)
	}
	return nil
}

// GetMember returns one member directory record by ID.
func (s *Store) GetMember(ctx context.Context, memberID string) (member.Member, error) {
	if err := ctx.Err(); err != nil {
		return member.Member{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.Member{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return member.Member{}, fmt.Errorf("member id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, kyc_status, created_at FROM members WHERE id = ?`,
		memberID,
	)

	var m member.Member
	var kycStatus string
	var createdAt int64
	if err := row.Scan(&m.ID, &m.DisplayName, &kycStatus, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return member.Member{}, storage.ErrNotFound
		}
		return member.Member{}, fmt.Errorf("get member: %w", err)
	}
	m.KYCStatus = member.KYCStatus(kycStatus)
	m.CreatedAt = fromMillis(createdAt)
	return m, nil
}

// GetHistory returns the credit history counters for a member. A member with
// no recorded activity returns ErrNotFound so callers can apply the
// new-member default score.
func (s *Store) GetHistory(ctx context.Context, memberID string) (member.History, error) {
	if err := ctx.Err(); err != nil {
		return member.History{}, err
	}
	if s == nil || s.sqlDB == nil {
		return member.History{}, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return member.History{}, fmt.Errorf("member id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT h.member_id, h.on_time_contributions, h.due_contributions,
		        h.active_memberships, h.security_fund_locked,
		        h.security_fund_required, h.emergency_requests, m.created_at
		   FROM credit_history h
		   JOIN members m ON m.id = h.member_id
		  WHERE h.member_id = ?`,
		memberID,
	)

	var h member.History
	var openedAt int64
	err := row.Scan(
		&h.MemberID,
		&h.OnTimeContributions,
		&h.DueContributions,
		&h.ActiveMemberships,
		&h.SecurityFundLocked,
		&h.SecurityFundRequired,
		&h.EmergencyRequests,
		&openedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return member.History{}, storage.ErrNotFound
		}
		return member.History{}, fmt.Errorf("get history: %w", err)
	}
	h.AccountOpenedAt = fromMillis(openedAt)
	return h, nil
}

// ApplyHistoryDelta increments a member's history counters, creating the
// history row on first use.
func (s *Store) ApplyHistoryDelta(ctx context.Context, memberID string, delta member.HistoryDelta) error {
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
		`INSERT INTO credit_history (
		   member_id, on_time_contributions, due_contributions,
		   active_memberships, security_fund_locked, security_fund_required,
		   emergency_requests
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(member_id) DO UPDATE SET
		   on_time_contributions = on_time_contributions + excluded.on_time_contributions,
		   due_contributions = due_contributions + excluded.due_contributions,
		   active_memberships = active_memberships + excluded.active_memberships,
		   security_fund_locked = security_fund_locked + excluded.security_fund_locked,
		   security_fund_required = security_fund_required + excluded.security_fund_required,
		   emergency_requests = emergency_requests + excluded.emergency_requests`,
		memberID,
		delta.OnTimeContributions,
		delta.DueContributions,
		delta.ActiveMemberships,
		delta.SecurityFundLocked,
		delta.SecurityFundRequired,
		delta.EmergencyRequests,
	)
	if err != nil {
		return fmt.Errorf("apply history delta: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed")
}

var _ storage.Store = (*Store)(nil)
