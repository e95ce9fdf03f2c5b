// Package errors provides structured domain errors with gRPC status mapping.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Eligibility and verification errors
	CodeEligibility          Code = "ELIGIBILITY"
	CodeVerificationRequired Code = "VERIFICATION_REQUIRED"

	// Ledger errors
	CodeInsufficientFunds Code = "INSUFFICIENT_FUNDS"
	CodeInvalidAmount     Code = "INVALID_AMOUNT"
	CodeInvalidAccount    Code = "INVALID_ACCOUNT"

	// Group lifecycle errors
	CodeGroupFull       Code = "GROUP_FULL"
	CodeNotRecruiting   Code = "NOT_RECRUITING"
	CodeNotActive       Code = "NOT_ACTIVE"
	CodeAmountMismatch  Code = "AMOUNT_MISMATCH"
	CodeAlreadyReceived Code = "ALREADY_RECEIVED"
	CodeAlreadyMember   Code = "ALREADY_MEMBER"
	CodeNotMember       Code = "NOT_MEMBER"

	// Contention errors
	CodeBusy Code = "BUSY"

	// Storage errors
	CodeNotFound      Code = "NOT_FOUND"
	CodeAlreadyExists Code = "ALREADY_EXISTS"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeInvalidAmount,
		CodeInvalidAccount,
		CodeAmountMismatch:
		return codes.InvalidArgument

	// FailedPrecondition - state doesn't allow operation
	case CodeInsufficientFunds,
		CodeGroupFull,
		CodeNotRecruiting,
		CodeNotActive,
		CodeAlreadyReceived,
		CodeNotMember:
		return codes.FailedPrecondition

	// PermissionDenied - caller fails a tier or verification gate
	case CodeEligibility,
		CodeVerificationRequired:
		return codes.PermissionDenied

	// NotFound - resource doesn't exist
	case CodeNotFound:
		return codes.NotFound

	// AlreadyExists - unique resource constraint
	case CodeAlreadyExists,
		CodeAlreadyMember:
		return codes.AlreadyExists

	// Unavailable - contended lock, safe to retry
	case CodeBusy:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}
