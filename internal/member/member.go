// Package member holds the read-only member directory the circle core
// consumes. Member identity and KYC verification are owned by external
// collaborators; the core reads their outcomes and keeps the behavioral
// history that feeds credit scoring.
package member

import (
	"time"
)

// KYCStatus mirrors the verification collaborator's outcome for a member.
type KYCStatus string

const (
	// KYCPending indicates verification has not completed.
	KYCPending KYCStatus = "pending"
	// KYCVerified indicates the member passed verification.
	KYCVerified KYCStatus = "verified"
	// KYCRejected indicates the member failed verification.
	KYCRejected KYCStatus = "rejected"
)

// Valid reports whether the status is one of the known verification outcomes.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCPending, KYCVerified, KYCRejected:
		return true
	}
	return false
}

// Member is one directory record. The core never mutates identity fields;
// they arrive from the identity and verification collaborators.
type Member struct {
	ID          string
	DisplayName string
	KYCStatus   KYCStatus
	CreatedAt   time.Time
}

// History accumulates the behavioral counters that feed credit scoring.
// A zero-valued History with a zero CreatedAt means "no history".
type History struct {
	MemberID             string
	OnTimeContributions  int
	DueContributions     int
	ActiveMemberships    int
	SecurityFundLocked   int64
	SecurityFundRequired int64
	EmergencyRequests    int
	AccountOpenedAt      time.Time
}

// HistoryDelta describes an incremental update to a member's history
// counters. Zero fields leave the counter unchanged.
type HistoryDelta struct {
	OnTimeContributions  int
	DueContributions     int
	ActiveMemberships    int
	SecurityFundLocked   int64
	SecurityFundRequired int64
	EmergencyRequests    int
}
