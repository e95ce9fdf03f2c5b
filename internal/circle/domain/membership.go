package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Membership ties one member to one group. Unpaid active members hold a
// contiguous position permutation 1..k that orders the payout queue; once a
// member has received, their position is a frozen historical marker outside
// the queue.
type Membership struct {
	GroupID                string
	MemberID               string
	Position               int
	SecurityFundPercentage int
	HasReceived            bool
	IsActive               bool
	ContributedInCycle     bool
	JoinDate               time.Time
}

// NewMembership validates and builds a membership at the given position.
func NewMembership(groupID, memberID string, position, percentage int, joinedAt time.Time) (Membership, error) {
	if strings.TrimSpace(groupID) == "" {
		return Membership{}, fmt.Errorf("group id is required")
	}
	if strings.TrimSpace(memberID) == "" {
		return Membership{}, fmt.Errorf("member id is required")
	}
	if position < 1 {
		return Membership{}, fmt.Errorf("position must be at least 1")
	}
	if percentage < MinSecurityFundPercentage || percentage > MaxSecurityFundPercentage {
		return Membership{}, ErrInvalidPercentage
	}
	return Membership{
		GroupID:                groupID,
		MemberID:               memberID,
		Position:               position,
		SecurityFundPercentage: percentage,
		IsActive:               true,
		JoinDate:               joinedAt.UTC(),
	}, nil
}

// ActiveCount returns the number of active memberships.
func ActiveCount(memberships []Membership) int {
	count := 0
	for _, m := range memberships {
		if m.IsActive {
			count++
		}
	}
	return count
}

// unpaidIndexes returns the indexes of active members still awaiting a
// payout, ordered by their current position.
func unpaidIndexes(memberships []Membership) []int {
	var idxs []int
	for i, m := range memberships {
		if m.IsActive && !m.HasReceived {
			idxs = append(idxs, i)
		}
	}
	sort.SliceStable(idxs, func(a, b int) bool {
		return memberships[idxs[a]].Position < memberships[idxs[b]].Position
	})
	return idxs
}

// CompactPositions renumbers the unpaid active members into a contiguous
// 1..k permutation, preserving their relative order. Paid members keep
// their historical positions untouched.
func CompactPositions(memberships []Membership) {
	for rank, i := range unpaidIndexes(memberships) {
		memberships[i].Position = rank + 1
	}
}

// ReorderForEmergency moves the requester to the front of the unpaid queue.
// Members who were ahead of the requester shift back one slot; members
// behind keep their relative order. The result is again a contiguous
// permutation.
func ReorderForEmergency(memberships []Membership, requesterID string) error {
	found := false
	for i := range memberships {
		if memberships[i].MemberID == requesterID {
			if !memberships[i].IsActive || memberships[i].HasReceived {
				return fmt.Errorf("member %s is not in the unpaid queue", requesterID)
			}
			memberships[i].Position = 0
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("member %s is not in the group", requesterID)
	}
	CompactPositions(memberships)
	return nil
}

// NextRecipient returns the unpaid active member with the lowest position.
// ok is false when everyone has received.
func NextRecipient(memberships []Membership) (memberID string, ok bool) {
	idxs := unpaidIndexes(memberships)
	if len(idxs) == 0 {
		return "", false
	}
	return memberships[idxs[0]].MemberID, true
}

// AllContributed reports whether every active member has contributed in
// the current cycle.
func AllContributed(memberships []Membership) bool {
	for _, m := range memberships {
		if m.IsActive && !m.ContributedInCycle {
			return false
		}
	}
	return true
}

// ValidatePositions checks that unpaid active members form a contiguous
// 1..k permutation.
func ValidatePositions(memberships []Membership) error {
	idxs := unpaidIndexes(memberships)
	seen := make(map[int]bool, len(idxs))
	for _, i := range idxs {
		p := memberships[i].Position
		if p < 1 || p > len(idxs) {
			return fmt.Errorf("position %d outside 1..%d", p, len(idxs))
		}
		if seen[p] {
			return fmt.Errorf("duplicate position %d", p)
		}
		seen[p] = true
	}
	return nil
}
