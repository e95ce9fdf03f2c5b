package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/circle/storage"
	"github.com/osusuhq/osusu/internal/platform/filter"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "circle.db"))
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

func testGroup(id string, createdAt time.Time) domain.Group {
	return domain.Group{
		ID:                   id,
		Name:                 "Circle " + id,
		ContributionAmount:   5_000,
		Frequency:            domain.FrequencyWeekly,
		MaxMembers:           10,
		SecurityFundRequired: 50_000,
		Status:               domain.StatusRecruiting,
		CreatedBy:            "member-1",
		NextContributionDate: createdAt.AddDate(0, 0, 7),
		CreatedAt:            createdAt,
		Version:              1,
	}
}

func testMembership(groupID, memberID string, position int, joinedAt time.Time) domain.Membership {
	return domain.Membership{
		GroupID:                groupID,
		MemberID:               memberID,
		Position:               position,
		SecurityFundPercentage: 100,
		IsActive:               true,
		JoinDate:               joinedAt,
	}
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	if _, err := Open("  "); err == nil {
		t.Fatal("Open() expected error for blank path")
	}
}

func TestCreateGroupRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	group := testGroup("group-1", createdAt)
	creator := testMembership("group-1", "member-1", 1, createdAt)
	if err := store.CreateGroup(ctx, group, creator); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	got, err := store.GetGroup(ctx, "group-1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got != group {
		t.Fatalf("GetGroup() = %+v, want %+v", got, group)
	}

	memberships, err := store.ListMemberships(ctx, "group-1")
	if err != nil {
		t.Fatalf("ListMemberships() error = %v", err)
	}
	if len(memberships) != 1 || memberships[0] != creator {
		t.Fatalf("ListMemberships() = %+v, want creator membership", memberships)
	}
}

func TestCreateGroupDuplicate(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	group := testGroup("group-1", createdAt)
	creator := testMembership("group-1", "member-1", 1, createdAt)
	if err := store.CreateGroup(ctx, group, creator); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if err := store.CreateGroup(ctx, group, creator); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("CreateGroup() second call error = %v, want ErrAlreadyExists", err)
	}
}

func TestGetGroupNotFound(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)

	if _, err := store.GetGroup(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("GetGroup() error = %v, want ErrNotFound", err)
	}
}

func TestSaveRotationReplacesMemberships(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	group := testGroup("group-1", createdAt)
	creator := testMembership("group-1", "member-1", 1, createdAt)
	if err := store.CreateGroup(ctx, group, creator); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	group.Status = domain.StatusActive
	group.CurrentRecipient = "member-1"
	second := testMembership("group-1", "member-2", 2, createdAt.Add(time.Hour))
	if err := store.SaveRotation(ctx, group, []domain.Membership{creator, second}); err != nil {
		t.Fatalf("SaveRotation() error = %v", err)
	}

	got, err := store.GetGroup(ctx, "group-1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.Status != domain.StatusActive || got.CurrentRecipient != "member-1" {
		t.Fatalf("GetGroup() = %+v, want active with recipient", got)
	}

	memberships, err := store.ListMemberships(ctx, "group-1")
	if err != nil {
		t.Fatalf("ListMemberships() error = %v", err)
	}
	if len(memberships) != 2 {
		t.Fatalf("ListMemberships() returned %d records, want 2", len(memberships))
	}
	if memberships[0].MemberID != "member-1" || memberships[1].MemberID != "member-2" {
		t.Fatalf("ListMemberships() order = %+v, want by position", memberships)
	}
}

func TestSaveRotationRejectsStaleVersion(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	group := testGroup("group-1", createdAt)
	creator := testMembership("group-1", "member-1", 1, createdAt)
	if err := store.CreateGroup(ctx, group, creator); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	// Two readers load version 1; only the first write may land.
	group.CurrentRecipient = "member-1"
	if err := store.SaveRotation(ctx, group, []domain.Membership{creator}); err != nil {
		t.Fatalf("SaveRotation() error = %v", err)
	}

	group.CurrentRecipient = "member-2"
	if err := store.SaveRotation(ctx, group, []domain.Membership{creator}); !errors.Is(err, storage.ErrStaleGroup) {
		t.Fatalf("SaveRotation() stale error = %v, want ErrStaleGroup", err)
	}

	got, err := store.GetGroup(ctx, "group-1")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if got.CurrentRecipient != "member-1" {
		t.Fatalf("recipient = %q, want first writer's value", got.CurrentRecipient)
	}
	if got.Version != group.Version+1 {
		t.Fatalf("version = %d, want %d", got.Version, group.Version+1)
	}
}

func TestSaveRotationUnknownGroup(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)

	group := testGroup("missing", time.Now().UTC())
	if err := store.SaveRotation(context.Background(), group, nil); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("SaveRotation() error = %v, want ErrNotFound", err)
	}
}

func TestSaveRotationRejectsForeignMembership(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	createdAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	group := testGroup("group-1", createdAt)
	creator := testMembership("group-1", "member-1", 1, createdAt)
	if err := store.CreateGroup(ctx, group, creator); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	foreign := testMembership("group-2", "member-2", 1, createdAt)
	if err := store.SaveRotation(ctx, group, []domain.Membership{foreign}); err == nil {
		t.Fatal("SaveRotation() expected error for foreign membership")
	}

	memberships, err := store.ListMemberships(ctx, "group-1")
	if err != nil {
		t.Fatalf("ListMemberships() error = %v", err)
	}
	if len(memberships) != 1 {
		t.Fatalf("ListMemberships() returned %d records, want rollback to creator only", len(memberships))
	}
}

func TestListDueGroups(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	due := testGroup("group-due", base)
	due.Status = domain.StatusActive
	due.NextContributionDate = base
	if err := store.CreateGroup(ctx, due, testMembership("group-due", "member-1", 1, base)); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	future := testGroup("group-future", base)
	future.Status = domain.StatusActive
	future.NextContributionDate = base.AddDate(0, 0, 7)
	if err := store.CreateGroup(ctx, future, testMembership("group-future", "member-2", 1, base)); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	recruiting := testGroup("group-recruiting", base)
	recruiting.NextContributionDate = base
	if err := store.CreateGroup(ctx, recruiting, testMembership("group-recruiting", "member-3", 1, base)); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	groups, err := store.ListDueGroups(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListDueGroups() error = %v", err)
	}
	if len(groups) != 1 || groups[0].ID != "group-due" {
		t.Fatalf("ListDueGroups() = %+v, want only the due active group", groups)
	}
}

func TestListGroupsFilterAndPagination(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		g := testGroup(fmt.Sprintf("group-%d", i), base.Add(time.Duration(i)*time.Hour))
		if i == 2 {
			g.Status = domain.StatusActive
		}
		member := testMembership(g.ID, fmt.Sprintf("member-%d", i), 1, base)
		if err := store.CreateGroup(ctx, g, member); err != nil {
			t.Fatalf("CreateGroup() error = %v", err)
		}
	}

	cond := filter.SQLCondition{Clause: "status = ?", Params: []any{"recruiting"}}
	page, err := store.ListGroups(ctx, cond, 1, "")
	if err != nil {
		t.Fatalf("ListGroups() error = %v", err)
	}
	if len(page.Groups) != 1 || page.Groups[0].ID != "group-1" {
		t.Fatalf("ListGroups() = %+v, want newest recruiting group", page.Groups)
	}
	if page.NextPageToken == "" {
		t.Fatal("ListGroups() expected next page token")
	}

	page, err = store.ListGroups(ctx, cond, 1, page.NextPageToken)
	if err != nil {
		t.Fatalf("ListGroups() error = %v", err)
	}
	if len(page.Groups) != 1 || page.Groups[0].ID != "group-0" {
		t.Fatalf("ListGroups() second page = %+v, want group-0", page.Groups)
	}
	if page.NextPageToken != "" {
		t.Fatalf("ListGroups() token = %q, want end of results", page.NextPageToken)
	}
}

func TestListMembershipsByMember(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	first := testGroup("group-1", base)
	if err := store.CreateGroup(ctx, first, testMembership("group-1", "member-1", 1, base)); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	second := testGroup("group-2", base.Add(time.Hour))
	if err := store.CreateGroup(ctx, second, testMembership("group-2", "member-1", 1, base.Add(time.Hour))); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	memberships, err := store.ListMembershipsByMember(ctx, "member-1")
	if err != nil {
		t.Fatalf("ListMembershipsByMember() error = %v", err)
	}
	if len(memberships) != 2 {
		t.Fatalf("ListMembershipsByMember() returned %d records, want 2", len(memberships))
	}
	if memberships[0].GroupID != "group-1" || memberships[1].GroupID != "group-2" {
		t.Fatalf("ListMembershipsByMember() order = %+v, want by join date", memberships)
	}
}
