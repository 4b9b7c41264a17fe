package execx

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecRunner_Output(t *testing.T) {
	r := &ExecRunner{}
	out, err := r.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("expected hello, got %q", out)
	}
}

func TestExecRunner_ExitError(t *testing.T) {
	r := &ExecRunner{}
	_, err := r.Run(context.Background(), "sh", "-c", "echo boom >&2; exit 3")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if !strings.Contains(exitErr.Stderr, "boom") {
		t.Errorf("expected stderr in error, got %q", exitErr.Stderr)
	}
}

func TestExecRunner_Timeout(t *testing.T) {
	r := &ExecRunner{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Run(ctx, "sleep", "5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestQuote(t *testing.T) {
	got := Quote("scontrol", "update", "nodename=a b")
	if got != "scontrol update 'nodename=a b'" {
		t.Errorf("unexpected quoting: %s", got)
	}
}

func TestFakeRunner(t *testing.T) {
	f := NewFakeRunner()
	f.On("squeue", Response{Output: "all"})
	f.On("squeue -h -t PD", Response{Output: "pending"})
	f.On("scancel", Response{Err: errors.New("denied")})

	out, _ := f.Run(context.Background(), "squeue", "-h", "-t", "PD")
	if string(out) != "pending" {
		t.Errorf("expected longest prefix match, got %q", out)
	}
	out, _ = f.Run(context.Background(), "squeue", "-h")
	if string(out) != "all" {
		t.Errorf("expected prefix match, got %q", out)
	}
	if _, err := f.Run(context.Background(), "scancel", "1"); err == nil {
		t.Error("expected scripted error")
	}
	if len(f.Calls()) != 3 {
		t.Errorf("expected 3 calls, got %d", len(f.Calls()))
	}
}
