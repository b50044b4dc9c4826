package sandbox

import (
	"errors"
	"fmt"
	"testing"
)

func TestExecutionError(t *testing.T) {
	inner := errors.New("pull failed")
	err := &ExecutionError{ExecID: "exec-1", Op: "ensure image", Err: inner}

	want := "execution exec-1: ensure image: pull failed"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, inner) {
		t.Error("Unwrap chain broken")
	}

	bare := &ExecutionError{Op: "connect", Err: inner}
	if bare.Error() != "connect: pull failed" {
		t.Errorf("Error() = %q", bare.Error())
	}
}

func TestErrorPredicates(t *testing.T) {
	wrapped := &ExecutionError{ExecID: "e", Op: "run", Err: ErrTimeout}
	if !IsTimeout(wrapped) {
		t.Error("IsTimeout missed wrapped sentinel")
	}
	if IsTimeout(ErrMemoryExceeded) {
		t.Error("IsTimeout false positive")
	}

	if !IsResourceExceeded(fmt.Errorf("watchdog: %w", ErrMemoryExceeded)) {
		t.Error("IsResourceExceeded missed memory breach")
	}
	if !IsResourceExceeded(ErrCPUExceeded) {
		t.Error("IsResourceExceeded missed cpu breach")
	}
	if IsResourceExceeded(ErrTimeout) {
		t.Error("wall clock is not a resource breach")
	}

	if !IsInfrastructure(fmt.Errorf("containerd: %w", ErrInfrastructure)) {
		t.Error("IsInfrastructure missed wrapped sentinel")
	}
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err      error
		status   Status
		resource ResourceKind
	}{
		{ErrTimeout, StatusTimeout, ResourceWallClock},
		{ErrMemoryExceeded, StatusResourceExceeded, ResourceMemory},
		{ErrCPUExceeded, StatusResourceExceeded, ResourceCPU},
		{ErrContractViolation, StatusContractViolation, ""},
		{ErrRuntimeFault, StatusRuntimeError, ""},
		{ErrInfrastructure, StatusInfrastructureFault, ""},
		{errors.New("unexpected"), StatusInfrastructureFault, ""},
		{fmt.Errorf("task wait: %w", ErrTimeout), StatusTimeout, ResourceWallClock},
	}

	for _, tt := range tests {
		status, resource := statusForError(tt.err)
		if status != tt.status || resource != tt.resource {
			t.Errorf("statusForError(%v) = (%s, %s), want (%s, %s)",
				tt.err, status, resource, tt.status, tt.resource)
		}
	}
}
