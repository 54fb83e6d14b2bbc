//go:build !windows

package schedz

import (
	"context"
	"os/exec"
	"syscall"
	"testing"
)

func TestStartProcessWaitForProcessReapsRealChild(t *testing.T) {
	result, err := RunResult(context.Background(), func(ctx context.Context) (*ProcessResult, error) {
		cmd := exec.Command("sh", "-c", "exit 3")
		handle, err := StartProcess(ctx, cmd)
		if err != nil {
			return nil, err
		}
		return WaitForProcess(ctx, handle)
	})
	if err != nil {
		t.Fatalf("RunResult failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestKillallSignalsRunningChild(t *testing.T) {
	result, err := RunResult(context.Background(), func(ctx context.Context) (*ProcessResult, error) {
		cmd := exec.Command("sh", "-c", "trap 'exit 42' TERM; sleep 5")
		handle, err := StartProcess(ctx, cmd)
		if err != nil {
			return nil, err
		}
		if err := Killall(ctx, syscall.SIGTERM); err != nil {
			return nil, err
		}
		return WaitForProcess(ctx, handle)
	})
	if err != nil {
		t.Fatalf("RunResult failed: %v", err)
	}
	if !result.Signaled && result.ExitCode != 42 {
		t.Fatalf("got %+v, want either Signaled or ExitCode 42", result)
	}
}
