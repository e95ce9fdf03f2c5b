// Package domain holds the savings circle entities and the pure rotation
// rules: group lifecycle, membership positions, and recipient selection.
package domain

import (
	"fmt"
	"strings"
	"time"

	apperrors "github.com/osusuhq/osusu/internal/platform/errors"
	"github.com/osusuhq/osusu/internal/platform/id"
)

// Frequency is the contribution cadence of a group.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether the frequency is a known cadence.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Next returns the contribution date one interval after t.
func (f Frequency) Next(t time.Time) time.Time {
	switch f {
	case FrequencyDaily:
		return t.AddDate(0, 0, 1)
	case FrequencyWeekly:
		return t.AddDate(0, 0, 7)
	case FrequencyMonthly:
		return t.AddDate(0, 1, 0)
	}
	return t
}

// Status is the lifecycle state of a group.
type Status string

const (
	// StatusRecruiting means the group is open for members to join.
	StatusRecruiting Status = "recruiting"
	// StatusActive means the rotation is underway.
	StatusActive Status = "active"
	// StatusCompleted means every member has received a payout.
	StatusCompleted Status = "completed"
	// StatusPaused means the rotation is administratively suspended.
	StatusPaused Status = "paused"
)

// Valid reports whether the status is a known lifecycle state.
func (s Status) Valid() bool {
	switch s {
	case StatusRecruiting, StatusActive, StatusCompleted, StatusPaused:
		return true
	}
	return false
}

// CanTransition reports whether the lifecycle permits moving to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusRecruiting:
		return next == StatusActive
	case StatusActive:
		return next == StatusCompleted || next == StatusPaused
	case StatusPaused:
		return next == StatusActive
	}
	return false
}

const (
	// MinMembers is the smallest allowed group size.
	MinMembers = 2
	// MaxMembersLimit is the largest allowed group size.
	MaxMembersLimit = 50
	// MinSecurityFundPercentage is the lowest collateral share a member
	// may choose when joining.
	MinSecurityFundPercentage = 50
	// MaxSecurityFundPercentage is the full collateral share.
	MaxSecurityFundPercentage = 100
	// JoiningFee is the flat fee charged when a member joins a group.
	JoiningFee int64 = 1000
)

var (
	// ErrEmptyName indicates a missing group name.
	ErrEmptyName = apperrors.New(apperrors.CodeInvalidAmount, "group name is required")
	// ErrInvalidContribution indicates a non-positive contribution amount.
	ErrInvalidContribution = apperrors.New(apperrors.CodeInvalidAmount, "contribution amount must be greater than zero")
	// ErrInvalidMaxMembers indicates a group size outside [2, 50].
	ErrInvalidMaxMembers = apperrors.New(apperrors.CodeInvalidAmount, "max members must be between 2 and 50")
	// ErrInvalidFrequency indicates an unknown contribution cadence.
	ErrInvalidFrequency = apperrors.New(apperrors.CodeInvalidAmount, "frequency must be daily, weekly, or monthly")
	// ErrInvalidPercentage indicates a collateral share outside [50, 100].
	ErrInvalidPercentage = apperrors.New(apperrors.CodeInvalidAmount, "security fund percentage must be between 50 and 100")
	// ErrInvalidStatusTransition indicates a disallowed lifecycle change.
	ErrInvalidStatusTransition = apperrors.New(apperrors.CodeUnknown, "group status transition is not allowed")
)

// Group is one rotating savings circle. SecurityFundRequired is fixed at
// creation and never recomputed, even as membership changes.
type Group struct {
	ID                   string
	Name                 string
	ContributionAmount   int64
	Frequency            Frequency
	MaxMembers           int
	SecurityFundRequired int64
	Status               Status
	CreatedBy            string
	// CurrentRecipient is the member due the next payout. Empty while
	// recruiting and after completion.
	CurrentRecipient     string
	NextContributionDate time.Time
	CreatedAt            time.Time
	// Version guards rotation writes. Every SaveRotation bumps it, and a
	// save against a stale version is rejected by the store.
	Version int64
}

// CreateGroupInput describes the parameters needed to open a group.
type CreateGroupInput struct {
	Name               string
	ContributionAmount int64
	Frequency          Frequency
	MaxMembers         int
	CreatedBy          string
}

// CreateGroup builds a recruiting group with a generated ID. The collateral
// requirement is the full pot: contribution amount times the member cap.
func CreateGroup(input CreateGroupInput, now func() time.Time, idGenerator func() (string, error)) (Group, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = id.NewID
	}

	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Group{}, ErrEmptyName
	}
	if input.ContributionAmount <= 0 {
		return Group{}, ErrInvalidContribution
	}
	if !input.Frequency.Valid() {
		return Group{}, ErrInvalidFrequency
	}
	if input.MaxMembers < MinMembers || input.MaxMembers > MaxMembersLimit {
		return Group{}, ErrInvalidMaxMembers
	}
	if strings.TrimSpace(input.CreatedBy) == "" {
		return Group{}, fmt.Errorf("creator member id is required")
	}

	groupID, err := idGenerator()
	if err != nil {
		return Group{}, fmt.Errorf("generate group id: %w", err)
	}

	createdAt := now().UTC()
	return Group{
		ID:                   groupID,
		Name:                 name,
		ContributionAmount:   input.ContributionAmount,
		Frequency:            input.Frequency,
		MaxMembers:           input.MaxMembers,
		SecurityFundRequired: input.ContributionAmount * int64(input.MaxMembers),
		Status:               StatusRecruiting,
		CreatedBy:            input.CreatedBy,
		NextContributionDate: input.Frequency.Next(createdAt),
		CreatedAt:            createdAt,
		Version:              1,
	}, nil
}

// ShareAmount is the collateral a member owes for their chosen percentage
// of the group's security fund requirement.
func (g Group) ShareAmount(percentage int) int64 {
	return g.SecurityFundRequired * int64(percentage) / 100
}

// PotAmount is the payout for one cycle given the current member count.
func (g Group) PotAmount(activeMembers int) int64 {
	return g.ContributionAmount * int64(activeMembers)
}
