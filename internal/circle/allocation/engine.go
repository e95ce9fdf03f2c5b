// Package allocation drives the group rotation state machine: cycle
// payouts, recipient selection, pause and resume, and final settlement of
// committed collateral.
package allocation

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/circle/storage"
	"github.com/osusuhq/osusu/internal/ledger"
	"github.com/osusuhq/osusu/internal/member"
	memberstorage "github.com/osusuhq/osusu/internal/member/storage"
	"github.com/osusuhq/osusu/internal/platform/errors"
	"github.com/osusuhq/osusu/internal/platform/keylock"
	"github.com/osusuhq/osusu/internal/platform/timeouts"
)

// ErrIncompleteCycle indicates not every active member has contributed yet.
// The scheduler treats it as a skip, not a failure.
var ErrIncompleteCycle = stderrors.New("cycle contributions incomplete")

// Engine advances group rotations. It acquires the group lock first and
// lets ledger operations take member locks internally, keeping a single
// lock order across the system.
type Engine struct {
	groups   storage.Store
	members  memberstorage.Store
	ledger   *ledger.Service
	locks    *keylock.Registry
	lockWait time.Duration
	clock    func() time.Time
}

// NewEngine creates an allocation engine. The keylock registry must be the
// same instance the circle service uses so group locks are shared.
func NewEngine(groups storage.Store, members memberstorage.Store, ledgerSvc *ledger.Service, locks *keylock.Registry) *Engine {
	return &Engine{
		groups:   groups,
		members:  members,
		ledger:   ledgerSvc,
		locks:    locks,
		lockWait: timeouts.LockAcquire,
		clock:    time.Now,
	}
}

func (e *Engine) withGroupLock(ctx context.Context, groupID string, fn func(context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, e.lockWait)
	defer cancel()
	release, err := e.locks.Acquire(lockCtx, "group/"+groupID)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errors.WithMetadata(errors.CodeBusy, "group is busy", map[string]string{
				"group_id": groupID,
			})
		}
		return err
	}
	defer release()
	return fn(ctx)
}

// AdvanceCycle pays out the current recipient and rotates the queue. It
// requires every active member to have contributed; when the last unpaid
// member is paid the group completes and committed collateral settles back
// to each member.
func (e *Engine) AdvanceCycle(ctx context.Context, groupID string) error {
	return e.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		group, err := e.groups.GetGroup(ctx, groupID)
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				return errors.New(errors.CodeNotFound, "group not found")
			}
			return err
		}
		if group.Status != domain.StatusActive {
			return errors.WithMetadata(errors.CodeNotActive, "group rotation is not active", map[string]string{
				"group_id": groupID,
				"status":   string(group.Status),
			})
		}

		memberships, err := e.groups.ListMemberships(ctx, groupID)
		if err != nil {
			return err
		}
		if !domain.AllContributed(memberships) {
			return ErrIncompleteCycle
		}

		recipientID := group.CurrentRecipient
		if recipientID == "" {
			id, ok := domain.NextRecipient(memberships)
			if !ok {
				return fmt.Errorf("active group %s has no unpaid members", groupID)
			}
			recipientID = id
		}

		pot := group.PotAmount(domain.ActiveCount(memberships))

		for i := range memberships {
			if memberships[i].MemberID == recipientID {
				memberships[i].HasReceived = true
			}
			memberships[i].ContributedInCycle = false
		}
		domain.CompactPositions(memberships)

		completed := false
		nextID, ok := domain.NextRecipient(memberships)
		if !ok {
			completed = true
			group.Status = domain.StatusCompleted
			group.CurrentRecipient = ""
		} else {
			group.CurrentRecipient = nextID
			group.NextContributionDate = group.Frequency.Next(group.NextContributionDate)
		}

		// The rotation must be claimed before any money moves. If another
		// process advanced this cycle first the compare and swap fails and
		// no payout happens here.
		if err := e.groups.SaveRotation(ctx, group, memberships); err != nil {
			if stderrors.Is(err, storage.ErrStaleGroup) {
				return errors.WithMetadata(errors.CodeBusy, "group rotation was advanced concurrently", map[string]string{
					"group_id": groupID,
				})
			}
			return err
		}

		if _, err := e.ledger.Disburse(ctx, recipientID, groupID, pot, fmt.Sprintf("Payout from %s", group.Name)); err != nil {
			return err
		}
		if completed {
			if err := e.settleCollateral(ctx, group, memberships); err != nil {
				return err
			}
		}
		log.Printf("cycle advanced group_id=%s recipient=%s pot=%d status=%s",
			groupID, recipientID, pot, group.Status)
		return nil
	})
}

// settleCollateral returns each member's committed share to their main
// balance and closes out the membership's history counters.
func (e *Engine) settleCollateral(ctx context.Context, group domain.Group, memberships []domain.Membership) error {
	for _, m := range memberships {
		if !m.IsActive {
			continue
		}
		share := group.ShareAmount(m.SecurityFundPercentage)
		if share > 0 {
			if _, err := e.ledger.SettleSecurityFund(ctx, m.MemberID, share, group.ID); err != nil {
				return err
			}
		}
		if err := e.members.ApplyHistoryDelta(ctx, m.MemberID, member.HistoryDelta{
			ActiveMemberships:    -1,
			SecurityFundLocked:   -share,
			SecurityFundRequired: -share,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Pause suspends an active rotation.
func (e *Engine) Pause(ctx context.Context, groupID string) error {
	return e.transition(ctx, groupID, domain.StatusPaused)
}

// Resume reactivates a paused rotation.
func (e *Engine) Resume(ctx context.Context, groupID string) error {
	return e.transition(ctx, groupID, domain.StatusActive)
}

func (e *Engine) transition(ctx context.Context, groupID string, next domain.Status) error {
	return e.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		group, err := e.groups.GetGroup(ctx, groupID)
		if err != nil {
			if stderrors.Is(err, storage.ErrNotFound) {
				return errors.New(errors.CodeNotFound, "group not found")
			}
			return err
		}
		if !group.Status.CanTransition(next) {
			return errors.WithMetadata(errors.CodeNotActive,
				fmt.Sprintf("group cannot move from %s to %s", group.Status, next),
				map[string]string{"group_id": groupID},
			)
		}
		group.Status = next
		memberships, err := e.groups.ListMemberships(ctx, groupID)
		if err != nil {
			return err
		}
		if err := e.groups.SaveRotation(ctx, group, memberships); err != nil {
			if stderrors.Is(err, storage.ErrStaleGroup) {
				return errors.WithMetadata(errors.CodeBusy, "group was modified concurrently", map[string]string{
					"group_id": groupID,
				})
			}
			return err
		}
		return nil
	})
}
