package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	t.Parallel()

	err := New(CodeInsufficientFunds, "main balance below requested amount")
	if !stderrors.Is(err, New(CodeInsufficientFunds, "other message")) {
		t.Fatal("expected errors with the same code to match")
	}
	if stderrors.Is(err, New(CodeBusy, "busy")) {
		t.Fatal("expected errors with different codes not to match")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := fmt.Errorf("disk on fire")
	err := Wrap(CodeNotFound, "group missing", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected wrapped cause to be traversable")
	}
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("outer: %w", New(CodeGroupFull, "group is full"))
	if got := CodeOf(err); got != CodeGroupFull {
		t.Fatalf("code = %q, want %q", got, CodeGroupFull)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Fatalf("code = %q, want %q", got, CodeUnknown)
	}
}

func TestGRPCCodeMapping(t *testing.T) {
	t.Parallel()

	cases := []struct {
		code Code
		want codes.Code
	}{
		{CodeEligibility, codes.PermissionDenied},
		{CodeVerificationRequired, codes.PermissionDenied},
		{CodeInsufficientFunds, codes.FailedPrecondition},
		{CodeGroupFull, codes.FailedPrecondition},
		{CodeNotRecruiting, codes.FailedPrecondition},
		{CodeNotActive, codes.FailedPrecondition},
		{CodeAmountMismatch, codes.InvalidArgument},
		{CodeAlreadyReceived, codes.FailedPrecondition},
		{CodeBusy, codes.Unavailable},
		{CodeNotFound, codes.NotFound},
		{CodeUnknown, codes.Internal},
	}
	for _, tc := range cases {
		if got := tc.code.GRPCCode(); got != tc.want {
			t.Fatalf("GRPCCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestToGRPCStatusCarriesReason(t *testing.T) {
	t.Parallel()

	err := WithMetadata(CodeEligibility, "score below premium tier", map[string]string{
		"member_id": "m-1",
	})
	st, ok := status.FromError(err.ToGRPCStatus())
	if !ok {
		t.Fatal("expected a gRPC status error")
	}
	if st.Code() != codes.PermissionDenied {
		t.Fatalf("status code = %v, want %v", st.Code(), codes.PermissionDenied)
	}
	if st.Message() != "score below premium tier" {
		t.Fatalf("status message = %q", st.Message())
	}
	if len(st.Details()) == 0 {
		t.Fatal("expected error details to be attached")
	}
}
