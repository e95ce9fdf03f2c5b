// Package creditscore computes a member's 0-100 reputation score from
// weighted behavioral factors and derives the eligibility tier that gates
// group creation and emergency position requests.
package creditscore

import (
	"math"
	"time"

	"github.com/osusuhq/osusu/internal/member"
)

// DefaultScore is the score assigned to members with no recorded history.
const DefaultScore = 50

// Factor weights. They sum to 100 so the weighted sum is already on the
// 0-100 scale before rounding.
const (
	weightPaymentHistory = 35
	weightParticipation  = 25
	weightSecurityFund   = 20
	weightEmergencyUsage = 10
	weightAccountAge     = 10
)

// participationPerMembership is the sub-score earned per active membership.
const participationPerMembership = 25

// emergencyPenalty is the sub-score cost of each emergency position request.
const emergencyPenalty = 25

// accountAgeCapMonths is the tenure at which the account-age factor maxes out.
const accountAgeCapMonths = 24

// Tier is an eligibility class derived from the credit score.
type Tier string

const (
	// TierPremium unlocks group creation.
	TierPremium Tier = "premium"
	// TierAdvanced unlocks emergency position requests.
	TierAdvanced Tier = "advanced"
	// TierStandard allows joining groups.
	TierStandard Tier = "standard"
	// TierUnprivileged has no gated privileges.
	TierUnprivileged Tier = "unprivileged"
)

// Tier thresholds.
const (
	premiumThreshold  = 85
	advancedThreshold = 75
	standardThreshold = 50
)

// TierForScore maps a score to its eligibility tier.
func TierForScore(score int) Tier {
	switch {
	case score >= premiumThreshold:
		return TierPremium
	case score >= advancedThreshold:
		return TierAdvanced
	case score >= standardThreshold:
		return TierStandard
	default:
		return TierUnprivileged
	}
}

// CanCreateGroup reports whether the tier may create groups.
func (t Tier) CanCreateGroup() bool {
	return t == TierPremium
}

// CanRequestEmergency reports whether the tier may request an emergency
// position jump.
func (t Tier) CanRequestEmergency() bool {
	return t == TierPremium || t == TierAdvanced
}

// Evaluate computes the weighted score for a member's history at the given
// time. It never fails; every history maps to a value in [0, 100]. Callers
// with no history for a member should use DefaultScore instead.
func Evaluate(h member.History, now time.Time) int {
	weighted := float64(paymentHistoryScore(h))*weightPaymentHistory +
		float64(participationScore(h))*weightParticipation +
		float64(securityFundScore(h))*weightSecurityFund +
		float64(emergencyUsageScore(h))*weightEmergencyUsage +
		float64(accountAgeScore(h, now))*weightAccountAge

	score := int(math.Round(weighted / 100))
	return clamp(score)
}

// neutralScore is used for factors with no observations yet. A member who
// has never owed a contribution has not earned a payment record either way.
const neutralScore = 50

// paymentHistoryScore is the on-time share of due contributions.
func paymentHistoryScore(h member.History) int {
	if h.DueContributions <= 0 {
		return neutralScore
	}
	onTime := h.OnTimeContributions
	if onTime > h.DueContributions {
		onTime = h.DueContributions
	}
	return clamp(onTime * 100 / h.DueContributions)
}

func participationScore(h member.History) int {
	return clamp(h.ActiveMemberships * participationPerMembership)
}

// securityFundScore is the locked share of the member's required collateral
// across memberships. No requirement means nothing is outstanding.
func securityFundScore(h member.History) int {
	if h.SecurityFundRequired <= 0 {
		return 100
	}
	locked := h.SecurityFundLocked
	if locked > h.SecurityFundRequired {
		locked = h.SecurityFundRequired
	}
	if locked < 0 {
		locked = 0
	}
	return clamp(int(locked * 100 / h.SecurityFundRequired))
}

// emergencyUsageScore is inverted: fewer emergency requests score higher.
func emergencyUsageScore(h member.History) int {
	return clamp(100 - h.EmergencyRequests*emergencyPenalty)
}

// accountAgeScore grows linearly with tenure and caps at two years.
func accountAgeScore(h member.History, now time.Time) int {
	if h.AccountOpenedAt.IsZero() || now.Before(h.AccountOpenedAt) {
		return 0
	}
	months := int(now.Sub(h.AccountOpenedAt).Hours() / (24 * 30))
	if months > accountAgeCapMonths {
		months = accountAgeCapMonths
	}
	return clamp(months * 100 / accountAgeCapMonths)
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
