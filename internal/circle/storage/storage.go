// Package storage defines persistence contracts for circle state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/platform/filter"
)

var (
	// ErrNotFound indicates a requested group or membership is missing.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a group with the same ID already exists.
	ErrAlreadyExists = errors.New("record already exists")
	// ErrStaleGroup indicates the group row changed since it was read.
	// The caller must reload the group and retry.
	ErrStaleGroup = errors.New("group version is stale")
)

// GroupPage is one page of group records, newest first.
type GroupPage struct {
	Groups        []domain.Group
	NextPageToken string
}

// Store persists groups and memberships. SaveRotation replaces a group's
// row and its full membership set in one storage transaction so position
// permutations never commit partially. The write only lands if g.Version
// still matches the stored row; otherwise it fails with ErrStaleGroup.
// Several processes may share the same database files, so this compare
// and swap is the authoritative guard against concurrent rotation writes.
type Store interface {
	CreateGroup(ctx context.Context, g domain.Group, creator domain.Membership) error
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	ListGroups(ctx context.Context, cond filter.SQLCondition, pageSize int, pageToken string) (GroupPage, error)
	ListDueGroups(ctx context.Context, at time.Time) ([]domain.Group, error)
	ListMemberships(ctx context.Context, groupID string) ([]domain.Membership, error)
	ListMembershipsByMember(ctx context.Context, memberID string) ([]domain.Membership, error)
	SaveRotation(ctx context.Context, g domain.Group, memberships []domain.Membership) error
}
