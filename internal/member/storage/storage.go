// Package storage defines persistence contracts for member directory state.
package storage

import (
	"context"
	"errors"

	"github.com/osusuhq/osusu/internal/member"
)

var (
	// ErrNotFound indicates a requested member record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a member with the same ID already exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store persists member directory records and credit history counters.
type Store interface {
	PutMember(ctx context.Context, m member.Member) error
	GetMember(ctx context.Context, memberID string) (member.Member, error)
	GetHistory(ctx context.Context, memberID string) (member.History, error)
	ApplyHistoryDelta(ctx context.Context, memberID string, delta member.HistoryDelta) error
}
