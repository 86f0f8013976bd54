package errors

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestStoreError_Error(t *testing.T) {
	err := New(ErrCategoryIO, CodeWriteFailed, "append failed")
	expected := "[IO:WRITE_FAILED] append failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestStoreError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("no space left on device")
	err := Wrap(ErrCategoryIO, CodeWriteFailed, "append failed", cause)
	expected := "[IO:WRITE_FAILED] append failed: no space left on device"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategorySerialization, CodeDecodeFailed, "bad payload", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestStoreError_Is(t *testing.T) {
	err1 := QuorumUnavailable("leader lost contact", "id-1")
	err2 := New(ErrCategoryIntegrity, CodeHashMismatch, "different code")

	if !errors.Is(err1, ErrQuorumUnavailable) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err2, ErrQuorumUnavailable) {
		t.Error("errors with different codes should not match via Is")
	}
	wrapped := fmt.Errorf("submit: %w", NotLeader("n2"))
	if !errors.Is(wrapped, ErrNotLeader) {
		t.Error("wrapped NOT_LEADER should match the sentinel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"transient write", Wrap(ErrCategoryIO, CodeWriteFailed, "w", syscall.EAGAIN), true},
		{"permanent write", Wrap(ErrCategoryIO, CodeWriteFailed, "w", syscall.ENOSPC), false},
		{"transient sync", Wrap(ErrCategoryIO, CodeSyncFailed, "s", syscall.EINTR), true},
		{"quorum", QuorumUnavailable("x", ""), true},
		{"not leader", NotLeader("n1"), true},
		{"rpc", NewReplicationError(CodeRPCFailed, "rpc", nil), true},
		{"hash mismatch", NewIntegrityError(CodeHashMismatch, "h"), false},
		{"validation", NewValidationError(CodeInvalidEvent, "v"), false},
		{"plain error", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.retryable {
			t.Errorf("%s: IsRetryable = %v, want %v", tt.name, got, tt.retryable)
		}
	}
}

func TestGetCategoryAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewIntegrityError(CodeChainBroken, "broken"))
	if GetCategory(err) != ErrCategoryIntegrity {
		t.Errorf("category = %q", GetCategory(err))
	}
	if GetCode(err) != CodeChainBroken {
		t.Errorf("code = %q", GetCode(err))
	}
	if GetCategory(fmt.Errorf("plain")) != "" || GetCode(fmt.Errorf("plain")) != "" {
		t.Error("plain errors have no category or code")
	}
}

func TestWithDetails(t *testing.T) {
	base := QuorumUnavailable("timeout", "")
	withID := base.WithDetails(map[string]interface{}{"event_id": "abc"})
	if base.Detail("event_id") != nil {
		t.Error("WithDetails must not mutate the receiver")
	}
	if withID.Detail("event_id") != "abc" {
		t.Errorf("detail = %v", withID.Detail("event_id"))
	}
	if NotLeader("n3").Detail("leader_id") != "n3" {
		t.Error("NotLeader should carry the leader id")
	}
}
