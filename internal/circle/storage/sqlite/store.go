// Package sqlite provides a SQLite-backed circle storage implementation.
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

	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/circle/storage"
	"github.com/osusuhq/osusu/internal/circle/storage/sqlite/migrations"
	"github.com/osusuhq/osusu/internal/platform/filter"
	sqlitemigrate "github.com/osusuhq/osusu/internal/platform/storage/sqlitemigrate"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// Store persists circle state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite circle store and applies embedded migrations.
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

const groupColumns = `id, name, contribution_amount, frequency, max_members,
	security_fund_required, status, created_by, current_recipient,
	next_contribution_date, created_at, version`

func scanGroup(scanner interface{ Scan(...any) error }) (domain.Group, error) {
	var g domain.Group
	var frequency, status string
	var nextContribution, createdAt int64
	err := scanner.Scan(
		&g.ID,
		&g.Name,
		&g.ContributionAmount,
		&frequency,
		&g.MaxMembers,
		&g.SecurityFundRequired,
		&status,
		&g.CreatedBy,
		&g.CurrentRecipient,
		&nextContribution,
		&createdAt,
		&g.Version,
	)
	if err != nil {
		return domain.Group{}, err
	}
	g.Frequency = domain.Frequency(frequency)
	g.Status = domain.Status(status)
	g.NextContributionDate = fromMillis(nextContribution)
	g.CreatedAt = fromMillis(createdAt)
	return g, nil
}

// CreateGroup inserts a group together with its creator membership.
func (s *Store) CreateGroup(ctx context.Context, g domain.Group, creator domain.Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("group id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO groups (`+groupColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		g.ID,
		g.Name,
		g.ContributionAmount,
		string(g.Frequency),
		g.MaxMembers,
		g.SecurityFundRequired,
		string(g.Status),
		g.CreatedBy,
		g.CurrentRecipient,
		toMillis(g.NextContributionDate),
		toMillis(g.CreatedAt),
	); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert group: %w", err)
	}

	if err := insertMembership(ctx, tx, creator); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetGroup returns one group by ID.
func (s *Store) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return domain.Group{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Group{}, fmt.Errorf("storage is not configured")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return domain.Group{}, fmt.Errorf("group id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM groups WHERE id = ?`, groupID)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Group{}, storage.ErrNotFound
		}
		return domain.Group{}, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// ListGroups returns one page of groups, newest first, optionally narrowed
// by a filter condition.
func (s *Store) ListGroups(ctx context.Context, cond filter.SQLCondition, pageSize int, pageToken string) (storage.GroupPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.GroupPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.GroupPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return storage.GroupPage{}, fmt.Errorf("page size must be greater than zero")
	}

	query := `SELECT ` + groupColumns + ` FROM groups`
	var params []any
	clauses := []string{}
	if cond.Clause != "" {
		clauses = append(clauses, cond.Clause)
		params = append(params, cond.Params...)
	}
	if strings.TrimSpace(pageToken) != "" {
		tokenMillis, tokenID, err := decodePageToken(pageToken)
		if err != nil {
			return storage.GroupPage{}, err
		}
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		params = append(params, tokenMillis, tokenMillis, tokenID)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	params = append(params, pageSize+1)

	rows, err := s.sqlDB.QueryContext(ctx, query, params...)
	if err != nil {
		return storage.GroupPage{}, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	page := storage.GroupPage{Groups: make([]domain.Group, 0, pageSize)}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return storage.GroupPage{}, fmt.Errorf("list groups: %w", err)
		}
		page.Groups = append(page.Groups, g)
	}
	if err := rows.Err(); err != nil {
		return storage.GroupPage{}, fmt.Errorf("list groups: %w", err)
	}
	if len(page.Groups) > pageSize {
		last := page.Groups[pageSize-1]
		page.NextPageToken = encodePageToken(toMillis(last.CreatedAt), last.ID)
		page.Groups = page.Groups[:pageSize]
	}
	return page, nil
}

// ListDueGroups returns active groups whose next contribution date is at or
// before the given time.
func (s *Store) ListDueGroups(ctx context.Context, at time.Time) ([]domain.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+groupColumns+` FROM groups
		  WHERE status = ? AND next_contribution_date <= ?
		  ORDER BY next_contribution_date ASC`,
		string(domain.StatusActive),
		toMillis(at),
	)
	if err != nil {
		return nil, fmt.Errorf("list due groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, fmt.Errorf("list due groups: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list due groups: %w", err)
	}
	return groups, nil
}

const membershipColumns = `group_id, member_id, position, security_fund_percentage,
	has_received, is_active, contributed_in_cycle, join_date`

func scanMembership(scanner interface{ Scan(...any) error }) (domain.Membership, error) {
	var m domain.Membership
	var hasReceived, isActive, contributed int
	var joinDate int64
	err := scanner.Scan(
		&m.GroupID,
		&m.MemberID,
		&m.Position,
		&m.SecurityFundPercentage,
		&hasReceived,
		&isActive,
		&contributed,
		&joinDate,
	)
	if err != nil {
		return domain.Membership{}, err
	}
	m.HasReceived = hasReceived != 0
	m.IsActive = isActive != 0
	m.ContributedInCycle = contributed != 0
	m.JoinDate = fromMillis(joinDate)
	return m, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertMembership(ctx context.Context, db execer, m domain.Membership) error {
	_, err := db.ExecContext(
		ctx,
		`INSERT INTO memberships (`+membershipColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.GroupID,
		m.MemberID,
		m.Position,
		m.SecurityFundPercentage,
		boolToInt(m.HasReceived),
		boolToInt(m.IsActive),
		boolToInt(m.ContributedInCycle),
		toMillis(m.JoinDate),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// ListMemberships returns a group's memberships ordered by position.
func (s *Store) ListMemberships(ctx context.Context, groupID string) ([]domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("group id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships
		  WHERE group_id = ? ORDER BY position ASC, member_id ASC`,
		groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("list memberships: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	return memberships, nil
}

// ListMembershipsByMember returns all memberships held by one member.
func (s *Store) ListMembershipsByMember(ctx context.Context, memberID string) ([]domain.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return nil, fmt.Errorf("member id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT `+membershipColumns+` FROM memberships
		  WHERE member_id = ? ORDER BY join_date ASC, group_id ASC`,
		memberID,
	)
	if err != nil {
		return nil, fmt.Errorf("list member memberships: %w", err)
	}
	defer rows.Close()

	var memberships []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, fmt.Errorf("list member memberships: %w", err)
		}
		memberships = append(memberships, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list member memberships: %w", err)
	}
	return memberships, nil
}

// SaveRotation replaces a group's row and full membership set in one
// storage transaction. The group update is a compare and swap on the
// version column, so a writer holding a stale read loses cleanly even
// when another process shares the database file.
func (s *Store) SaveRotation(ctx context.Context, g domain.Group, memberships []domain.Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("group id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(
		ctx,
		`UPDATE groups
		    SET name = ?, status = ?, current_recipient = ?, next_contribution_date = ?,
		        version = version + 1
		  WHERE id = ? AND version = ?`,
		g.Name,
		string(g.Status),
		g.CurrentRecipient,
		toMillis(g.NextContributionDate),
		g.ID,
		g.Version,
	)
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	if affected == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM groups WHERE id = ?`, g.ID).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return storage.ErrNotFound
		case err != nil:
			return fmt.Errorf("check group version: %w", err)
		}
		return storage.ErrStaleGroup
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE group_id = ?`, g.ID); err != nil {
		return fmt.Errorf("clear memberships: %w", err)
	}
	for _, m := range memberships {
		if m.GroupID != g.ID {
			return fmt.Errorf("membership %s belongs to group %s, not %s", m.MemberID, m.GroupID, g.ID)
		}
		if err := insertMembership(ctx, tx, m); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
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

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
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
