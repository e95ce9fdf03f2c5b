package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	"github.com/osusuhq/osusu/internal/circle/domain"
	circlesqlite "github.com/osusuhq/osusu/internal/circle/storage/sqlite"
	"github.com/osusuhq/osusu/internal/ledger"
	ledgersqlite "github.com/osusuhq/osusu/internal/ledger/storage/sqlite"
	"github.com/osusuhq/osusu/internal/member"
	membersqlite "github.com/osusuhq/osusu/internal/member/storage/sqlite"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	scheduler *Scheduler
	groups    *circlesqlite.Store
	members   *membersqlite.Store
	ledger    *ledger.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	groups, err := circlesqlite.Open(filepath.Join(dir, "circle.db"))
	if err != nil {
		t.Fatalf("open circle store: %v", err)
	}
	t.Cleanup(func() { _ = groups.Close() })

	members, err := membersqlite.Open(filepath.Join(dir, "members.db"))
	if err != nil {
		t.Fatalf("open member store: %v", err)
	}
	t.Cleanup(func() { _ = members.Close() })

	ledgerStore, err := ledgersqlite.Open(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatalf("open ledger store: %v", err)
	}
	t.Cleanup(func() { _ = ledgerStore.Close() })

	ledgerSvc := ledger.NewService(ledgerStore)
	circleSvc := circleapp.NewService(groups, members, ledgerSvc)
	scheduler := New(circleSvc, time.Minute)
	scheduler.clock = func() time.Time { return testClock }

	return &fixture{scheduler: scheduler, groups: groups, members: members, ledger: ledgerSvc}
}

// addDueGroup stores an active group whose contribution date has passed,
// with both members marked per the contributed flag.
func (f *fixture) addDueGroup(t *testing.T, groupID string, contributed bool) {
	t.Helper()
	ctx := context.Background()

	for _, memberID := range []string{groupID + "-m1", groupID + "-m2"} {
		if err := f.members.PutMember(ctx, member.Member{
			ID:          memberID,
			DisplayName: memberID,
			KYCStatus:   member.KYCVerified,
			CreatedAt:   testClock.AddDate(-1, 0, 0),
		}); err != nil {
			t.Fatalf("put member: %v", err)
		}
	}

	group := domain.Group{
		ID:                   groupID,
		Name:                 "Circle " + groupID,
		ContributionAmount:   1_000,
		Frequency:            domain.FrequencyWeekly,
		MaxMembers:           2,
		SecurityFundRequired: 2_000,
		Status:               domain.StatusActive,
		CreatedBy:            groupID + "-m1",
		CurrentRecipient:     groupID + "-m1",
		NextContributionDate: testClock.AddDate(0, 0, -1),
		CreatedAt:            testClock.AddDate(0, 0, -8),
		Version:              1,
	}
	memberships := []domain.Membership{
		{
			GroupID:                groupID,
			MemberID:               groupID + "-m1",
			Position:               1,
			SecurityFundPercentage: 50,
			IsActive:               true,
			ContributedInCycle:     contributed,
			JoinDate:               group.CreatedAt,
		},
		{
			GroupID:                groupID,
			MemberID:               groupID + "-m2",
			Position:               2,
			SecurityFundPercentage: 50,
			IsActive:               true,
			ContributedInCycle:     contributed,
			JoinDate:               group.CreatedAt,
		},
	}
	if err := f.groups.CreateGroup(ctx, group, memberships[0]); err != nil {
		t.Fatalf("create group: %v", err)
	}
	if err := f.groups.SaveRotation(ctx, group, memberships); err != nil {
		t.Fatalf("save rotation: %v", err)
	}
}

func TestRunOnceAdvancesDueGroups(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addDueGroup(t, "group-ready", true)

	advanced, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if advanced != 1 {
		t.Fatalf("RunOnce() advanced = %d, want 1", advanced)
	}

	group, err := f.groups.GetGroup(context.Background(), "group-ready")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if group.CurrentRecipient != "group-ready-m2" {
		t.Fatalf("recipient = %q, want rotation to m2", group.CurrentRecipient)
	}

	balances, err := f.ledger.GetBalances(context.Background(), "group-ready-m1")
	if err != nil {
		t.Fatalf("GetBalances() error = %v", err)
	}
	if balances.Main != 2_000 {
		t.Fatalf("recipient main = %d, want pot of 2000", balances.Main)
	}
}

func TestRunOnceSkipsIncompleteGroups(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.addDueGroup(t, "group-waiting", false)

	advanced, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if advanced != 0 {
		t.Fatalf("RunOnce() advanced = %d, want 0", advanced)
	}

	group, err := f.groups.GetGroup(context.Background(), "group-waiting")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}
	if group.CurrentRecipient != "group-waiting-m1" {
		t.Fatalf("recipient = %q, want unchanged", group.CurrentRecipient)
	}
}

func TestRunOnceNoDueGroups(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	advanced, err := f.scheduler.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if advanced != 0 {
		t.Fatalf("RunOnce() advanced = %d, want 0", advanced)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.scheduler.interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := f.scheduler.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run() error = %v, want context deadline", err)
	}
}
