// Package app implements the circle registry: group creation, joining,
// leaving, emergency position requests, contributions, and queries.
package app

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/osusuhq/osusu/internal/circle/allocation"
	"github.com/osusuhq/osusu/internal/circle/domain"
	"github.com/osusuhq/osusu/internal/circle/storage"
	"github.com/osusuhq/osusu/internal/creditscore"
	"github.com/osusuhq/osusu/internal/ledger"
	ledgerdomain "github.com/osusuhq/osusu/internal/ledger/domain"
	"github.com/osusuhq/osusu/internal/member"
	memberstorage "github.com/osusuhq/osusu/internal/member/storage"
	"github.com/osusuhq/osusu/internal/platform/errors"
	"github.com/osusuhq/osusu/internal/platform/filter"
	"github.com/osusuhq/osusu/internal/platform/id"
	"github.com/osusuhq/osusu/internal/platform/keylock"
	"github.com/osusuhq/osusu/internal/platform/pagination"
	"github.com/osusuhq/osusu/internal/platform/timeouts"
	"go.einride.tech/aip/filtering"
)

// Service is the circle registry. Operations that mutate a group hold that
// group's lock; ledger operations take member locks internally.
type Service struct {
	groups      storage.Store
	members     memberstorage.Store
	ledger      *ledger.Service
	engine      *allocation.Engine
	locks       *keylock.Registry
	lockWait    time.Duration
	clock       func() time.Time
	idGenerator func() (string, error)
}

// NewService creates a circle registry sharing one keylock registry with
// the allocation engine.
func NewService(groups storage.Store, members memberstorage.Store, ledgerSvc *ledger.Service) *Service {
	locks := keylock.NewRegistry()
	return &Service{
		groups:      groups,
		members:     members,
		ledger:      ledgerSvc,
		engine:      allocation.NewEngine(groups, members, ledgerSvc, locks),
		locks:       locks,
		lockWait:    timeouts.LockAcquire,
		clock:       time.Now,
		idGenerator: id.NewID,
	}
}

// groupFilter declares the queryable surface of the group listing.
var groupFilter = filter.NewDefinition(
	filter.Field{Name: "status", Column: "status", Type: filtering.TypeString},
	filter.Field{Name: "frequency", Column: "frequency", Type: filtering.TypeString},
	filter.Field{Name: "created_by", Column: "created_by", Type: filtering.TypeString},
	filter.Field{Name: "contribution_amount", Column: "contribution_amount", Type: filtering.TypeInt},
	filter.Field{Name: "max_members", Column: "max_members", Type: filtering.TypeInt},
	filter.Field{Name: "created", Column: "created_at", Type: filtering.TypeTimestamp},
)

func (s *Service) withGroupLock(ctx context.Context, groupID string, fn func(context.Context) error) error {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	release, err := s.locks.Acquire(lockCtx, "group/"+groupID)
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

// CreditScore returns a member's current score, falling back to the
// default score when no history exists.
func (s *Service) CreditScore(ctx context.Context, memberID string) (int, error) {
	history, err := s.members.GetHistory(ctx, memberID)
	if err != nil {
		if stderrors.Is(err, memberstorage.ErrNotFound) {
			return creditscore.DefaultScore, nil
		}
		return 0, err
	}
	return creditscore.Evaluate(history, s.clock()), nil
}

func (s *Service) memberTier(ctx context.Context, memberID string) (creditscore.Tier, error) {
	score, err := s.CreditScore(ctx, memberID)
	if err != nil {
		return "", err
	}
	return creditscore.TierForScore(score), nil
}

func (s *Service) getMember(ctx context.Context, memberID string) (member.Member, error) {
	m, err := s.members.GetMember(ctx, memberID)
	if err != nil {
		if stderrors.Is(err, memberstorage.ErrNotFound) {
			return member.Member{}, errors.WithMetadata(errors.CodeNotFound, "member not found", map[string]string{
				"member_id": memberID,
			})
		}
		return member.Member{}, err
	}
	return m, nil
}

// lockShare reserves a member's collateral share, drawing from the wallet
// first and falling back to main.
func (s *Service) lockShare(ctx context.Context, memberID, groupID string, share int64) error {
	if share <= 0 {
		return nil
	}
	_, err := s.ledger.LockSecurityFund(ctx, memberID, ledgerdomain.AccountWallet, share, groupID)
	if err == nil {
		return nil
	}
	if errors.CodeOf(err) != errors.CodeInsufficientFunds {
		return err
	}
	_, err = s.ledger.LockSecurityFund(ctx, memberID, ledgerdomain.AccountMain, share, groupID)
	return err
}

// releaseShare undoes a collateral lock after a later step fails. Best
// effort: a failed release is logged and the funds stay locked.
func (s *Service) releaseShare(ctx context.Context, memberID, groupID string, share int64) {
	if share <= 0 {
		return
	}
	if _, err := s.ledger.ReleaseSecurityFund(ctx, memberID, share, groupID); err != nil {
		log.Printf("security fund release failed member_id=%s group_id=%s amount=%d err=%v",
			memberID, groupID, share, err)
	}
}

// refundJoiningFee returns the flat joining fee after a join fails partway.
func (s *Service) refundJoiningFee(ctx context.Context, memberID, groupID string) {
	if _, err := s.ledger.RefundFee(ctx, memberID, groupID, domain.JoiningFee, "Group joining fee refund"); err != nil {
		log.Printf("joining fee refund failed member_id=%s group_id=%s err=%v", memberID, groupID, err)
	}
}

// saveRotation persists the group and memberships, translating a lost
// version race with another process into a busy error.
func (s *Service) saveRotation(ctx context.Context, group domain.Group, memberships []domain.Membership) error {
	if err := s.groups.SaveRotation(ctx, group, memberships); err != nil {
		if stderrors.Is(err, storage.ErrStaleGroup) {
			return errors.WithMetadata(errors.CodeBusy, "group was modified concurrently", map[string]string{
				"group_id": group.ID,
			})
		}
		return err
	}
	return nil
}

// CreateGroup opens a recruiting group. Only premium-tier members may
// create groups; the creator takes position 1 and locks their collateral
// share immediately.
func (s *Service) CreateGroup(ctx context.Context, input domain.CreateGroupInput, securityFundPercentage int) (domain.Group, error) {
	if _, err := s.getMember(ctx, input.CreatedBy); err != nil {
		return domain.Group{}, err
	}
	tier, err := s.memberTier(ctx, input.CreatedBy)
	if err != nil {
		return domain.Group{}, err
	}
	if !tier.CanCreateGroup() {
		return domain.Group{}, errors.WithMetadata(errors.CodeEligibility, "only premium members can create groups", map[string]string{
			"member_id": input.CreatedBy,
			"tier":      string(tier),
		})
	}

	group, err := domain.CreateGroup(input, s.clock, s.idGenerator)
	if err != nil {
		return domain.Group{}, err
	}
	creator, err := domain.NewMembership(group.ID, input.CreatedBy, 1, securityFundPercentage, s.clock())
	if err != nil {
		return domain.Group{}, err
	}

	share := group.ShareAmount(securityFundPercentage)
	if err := s.lockShare(ctx, input.CreatedBy, group.ID, share); err != nil {
		return domain.Group{}, err
	}

	if err := s.groups.CreateGroup(ctx, group, creator); err != nil {
		s.releaseShare(ctx, input.CreatedBy, group.ID, share)
		if stderrors.Is(err, storage.ErrAlreadyExists) {
			return domain.Group{}, errors.New(errors.CodeAlreadyExists, "group already exists")
		}
		return domain.Group{}, err
	}

	if err := s.members.ApplyHistoryDelta(ctx, input.CreatedBy, member.HistoryDelta{
		ActiveMemberships:    1,
		SecurityFundLocked:   share,
		SecurityFundRequired: share,
	}); err != nil {
		return domain.Group{}, err
	}
	log.Printf("group created group_id=%s created_by=%s contribution=%d max_members=%d",
		group.ID, input.CreatedBy, group.ContributionAmount, group.MaxMembers)
	return group, nil
}

// JoinGroup adds a verified member to a recruiting group, charges the flat
// joining fee, and locks their collateral share. Filling the last slot
// activates the rotation and commits everyone's collateral.
func (s *Service) JoinGroup(ctx context.Context, groupID, memberID string, securityFundPercentage int) (domain.Membership, error) {
	var out domain.Membership
	err := s.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		joiner, err := s.getMember(ctx, memberID)
		if err != nil {
			return err
		}
		if joiner.KYCStatus != member.KYCVerified {
			return errors.WithMetadata(errors.CodeVerificationRequired, "member must complete verification before joining", map[string]string{
				"member_id":  memberID,
				"kyc_status": string(joiner.KYCStatus),
			})
		}

		group, memberships, err := s.loadGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.StatusRecruiting {
			return errors.WithMetadata(errors.CodeNotRecruiting, "group is not recruiting", map[string]string{
				"group_id": groupID,
				"status":   string(group.Status),
			})
		}
		for _, m := range memberships {
			if m.MemberID == memberID {
				return errors.New(errors.CodeAlreadyMember, "member already belongs to this group")
			}
		}
		if len(memberships) >= group.MaxMembers {
			return errors.WithMetadata(errors.CodeGroupFull, "group has no open positions", map[string]string{
				"group_id": groupID,
			})
		}

		membership, err := domain.NewMembership(groupID, memberID, len(memberships)+1, securityFundPercentage, s.clock())
		if err != nil {
			return err
		}

		if _, err := s.ledger.ChargeFee(ctx, memberID, groupID, domain.JoiningFee, "Group joining fee"); err != nil {
			return err
		}
		share := group.ShareAmount(securityFundPercentage)
		if err := s.lockShare(ctx, memberID, groupID, share); err != nil {
			s.refundJoiningFee(ctx, memberID, groupID)
			return err
		}

		memberships = append(memberships, membership)
		activate := len(memberships) == group.MaxMembers
		if activate {
			group.Status = domain.StatusActive
			if recipient, ok := domain.NextRecipient(memberships); ok {
				group.CurrentRecipient = recipient
			}
		}

		if err := s.saveRotation(ctx, group, memberships); err != nil {
			s.releaseShare(ctx, memberID, groupID, share)
			s.refundJoiningFee(ctx, memberID, groupID)
			return err
		}

		if activate {
			for _, m := range memberships {
				memberShare := group.ShareAmount(m.SecurityFundPercentage)
				if memberShare <= 0 {
					continue
				}
				if _, err := s.ledger.CommitSecurityFund(ctx, m.MemberID, memberShare, groupID); err != nil {
					return err
				}
			}
			log.Printf("group activated group_id=%s members=%d recipient=%s",
				groupID, len(memberships), group.CurrentRecipient)
		}

		if err := s.members.ApplyHistoryDelta(ctx, memberID, member.HistoryDelta{
			ActiveMemberships:    1,
			SecurityFundLocked:   share,
			SecurityFundRequired: share,
		}); err != nil {
			return err
		}
		out = membership
		return nil
	})
	return out, err
}

// LeaveGroup removes a member from a recruiting group, compacts the
// remaining positions, and releases their full locked share.
func (s *Service) LeaveGroup(ctx context.Context, groupID, memberID string) error {
	return s.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		group, memberships, err := s.loadGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.StatusRecruiting {
			return errors.WithMetadata(errors.CodeNotRecruiting, "members can only leave while the group is recruiting", map[string]string{
				"group_id": groupID,
				"status":   string(group.Status),
			})
		}

		idx := -1
		for i, m := range memberships {
			if m.MemberID == memberID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errors.New(errors.CodeNotMember, "member does not belong to this group")
		}
		leaving := memberships[idx]
		memberships = append(memberships[:idx], memberships[idx+1:]...)
		domain.CompactPositions(memberships)

		if err := s.saveRotation(ctx, group, memberships); err != nil {
			return err
		}

		share := group.ShareAmount(leaving.SecurityFundPercentage)
		if share > 0 {
			if _, err := s.ledger.ReleaseSecurityFund(ctx, memberID, share, groupID); err != nil {
				return err
			}
		}
		return s.members.ApplyHistoryDelta(ctx, memberID, member.HistoryDelta{
			ActiveMemberships:    -1,
			SecurityFundLocked:   -share,
			SecurityFundRequired: -share,
		})
	})
}

// RequestEmergencyPosition moves an advanced-tier member to the front of
// the unpaid queue and makes them the current recipient.
func (s *Service) RequestEmergencyPosition(ctx context.Context, groupID, memberID string) error {
	return s.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		tier, err := s.memberTier(ctx, memberID)
		if err != nil {
			return err
		}
		if !tier.CanRequestEmergency() {
			return errors.WithMetadata(errors.CodeEligibility, "emergency position requests require the advanced tier", map[string]string{
				"member_id": memberID,
				"tier":      string(tier),
			})
		}

		group, memberships, err := s.loadGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.StatusActive {
			return errors.WithMetadata(errors.CodeNotActive, "group rotation is not active", map[string]string{
				"group_id": groupID,
				"status":   string(group.Status),
			})
		}

		var requester *domain.Membership
		for i := range memberships {
			if memberships[i].MemberID == memberID {
				requester = &memberships[i]
				break
			}
		}
		if requester == nil || !requester.IsActive {
			return errors.New(errors.CodeNotMember, "member does not belong to this group")
		}
		if requester.HasReceived {
			return errors.New(errors.CodeAlreadyReceived, "member already received a payout this rotation")
		}

		if err := domain.ReorderForEmergency(memberships, memberID); err != nil {
			return err
		}
		group.CurrentRecipient = memberID

		if err := s.saveRotation(ctx, group, memberships); err != nil {
			return err
		}
		if err := s.members.ApplyHistoryDelta(ctx, memberID, member.HistoryDelta{
			EmergencyRequests: 1,
		}); err != nil {
			return err
		}
		log.Printf("emergency position granted group_id=%s member_id=%s", groupID, memberID)
		return nil
	})
}

// ContributeToGroup records one cycle contribution. When every active
// member has contributed the cycle advances immediately.
func (s *Service) ContributeToGroup(ctx context.Context, groupID, memberID string, amount int64) error {
	cycleDone := false
	err := s.withGroupLock(ctx, groupID, func(ctx context.Context) error {
		group, memberships, err := s.loadGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Status != domain.StatusActive {
			return errors.WithMetadata(errors.CodeNotActive, "group rotation is not active", map[string]string{
				"group_id": groupID,
				"status":   string(group.Status),
			})
		}
		if amount != group.ContributionAmount {
			return errors.WithMetadata(errors.CodeAmountMismatch, "contribution must match the group amount", map[string]string{
				"expected": fmt.Sprintf("%d", group.ContributionAmount),
				"received": fmt.Sprintf("%d", amount),
			})
		}

		var membership *domain.Membership
		for i := range memberships {
			if memberships[i].MemberID == memberID {
				membership = &memberships[i]
				break
			}
		}
		if membership == nil || !membership.IsActive {
			return errors.New(errors.CodeNotMember, "member does not belong to this group")
		}
		if membership.ContributedInCycle {
			return errors.New(errors.CodeAlreadyExists, "member already contributed this cycle")
		}

		description := fmt.Sprintf("%s contribution to %s", frequencyLabel(group.Frequency), group.Name)
		if _, err := s.ledger.RecordContribution(ctx, memberID, groupID, amount, description); err != nil {
			return err
		}
		membership.ContributedInCycle = true

		if err := s.saveRotation(ctx, group, memberships); err != nil {
			return err
		}

		delta := member.HistoryDelta{DueContributions: 1}
		if !s.clock().After(group.NextContributionDate) {
			delta.OnTimeContributions = 1
		}
		if err := s.members.ApplyHistoryDelta(ctx, memberID, delta); err != nil {
			return err
		}

		cycleDone = domain.AllContributed(memberships)
		return nil
	})
	if err != nil {
		return err
	}
	if cycleDone {
		// The group lock is released; the engine re-acquires it. The
		// contribution itself already succeeded, so a skipped advance is
		// not the contributor's problem: the scheduler picks it up.
		if err := s.engine.AdvanceCycle(ctx, groupID); err != nil {
			if stderrors.Is(err, allocation.ErrIncompleteCycle) || errors.CodeOf(err) == errors.CodeBusy {
				log.Printf("cycle advance deferred group_id=%s err=%v", groupID, err)
				return nil
			}
			return err
		}
	}
	return nil
}

// AdvanceCycle exposes the allocation engine for the scheduler.
func (s *Service) AdvanceCycle(ctx context.Context, groupID string) error {
	return s.engine.AdvanceCycle(ctx, groupID)
}

// PauseGroup suspends an active rotation.
func (s *Service) PauseGroup(ctx context.Context, groupID string) error {
	return s.engine.Pause(ctx, groupID)
}

// ResumeGroup reactivates a paused rotation.
func (s *Service) ResumeGroup(ctx context.Context, groupID string) error {
	return s.engine.Resume(ctx, groupID)
}

// GetGroup returns one group by ID.
func (s *Service) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.Group{}, errors.New(errors.CodeNotFound, "group not found")
		}
		return domain.Group{}, err
	}
	return group, nil
}

// ListGroups returns one page of groups filtered by an AIP-160 expression
// over status, frequency, created_by, contribution_amount, max_members,
// and created.
func (s *Service) ListGroups(ctx context.Context, filterStr string, pageSize int, pageToken string) (storage.GroupPage, error) {
	cond, err := groupFilter.Parse(filterStr)
	if err != nil {
		return storage.GroupPage{}, fmt.Errorf("group filter: %w", err)
	}
	pageSize = pagination.ClampPageSize(pageSize, pagination.PageSizeConfig{Default: 20, Max: 100})
	return s.groups.ListGroups(ctx, cond, pageSize, pageToken)
}

// ListMemberships returns a group's memberships ordered by position.
func (s *Service) ListMemberships(ctx context.Context, groupID string) ([]domain.Membership, error) {
	return s.groups.ListMemberships(ctx, groupID)
}

// ListMemberGroups returns all memberships held by one member.
func (s *Service) ListMemberGroups(ctx context.Context, memberID string) ([]domain.Membership, error) {
	return s.groups.ListMembershipsByMember(ctx, memberID)
}

// ListDueGroups returns active groups due for a cycle advance.
func (s *Service) ListDueGroups(ctx context.Context, at time.Time) ([]domain.Group, error) {
	return s.groups.ListDueGroups(ctx, at)
}

func (s *Service) loadGroup(ctx context.Context, groupID string) (domain.Group, []domain.Membership, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		if stderrors.Is(err, storage.ErrNotFound) {
			return domain.Group{}, nil, errors.New(errors.CodeNotFound, "group not found")
		}
		return domain.Group{}, nil, err
	}
	memberships, err := s.groups.ListMemberships(ctx, groupID)
	if err != nil {
		return domain.Group{}, nil, err
	}
	return group, memberships, nil
}

func frequencyLabel(f domain.Frequency) string {
	switch f {
	case domain.FrequencyDaily:
		return "Daily"
	case domain.FrequencyWeekly:
		return "Weekly"
	case domain.FrequencyMonthly:
		return "Monthly"
	}
	return "Cycle"
}
