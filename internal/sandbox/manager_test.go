package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pr-review-automation/internal/domain"
)

func testConfig() Config {
	return Config{
		TemplateID:        "default",
		MaxCreateRetries:  3,
		RetryDelaySeconds: 0.001, // keep tests fast
		DefaultTimeout:    time.Minute,
	}
}

func TestCreateSandboxRecoversAfterTransientFailure(t *testing.T) {
	provider := NewFakeProvider()
	provider.FailNext(2) // fails twice, succeeds on the 3rd attempt
	mgr := NewManager(provider, testConfig(), nil)

	session, err := mgr.CreateSandbox(context.Background(), "session-1")
	if err != nil {
		t.Fatalf("expected recovery within retry budget, got %v", err)
	}
	if session.Status != domain.SandboxRunning {
		t.Fatalf("expected running status, got %s", session.Status)
	}
}

func TestCreateSandboxExhaustsRetryBudget(t *testing.T) {
	provider := NewFakeProvider()
	provider.FailNext(10)
	mgr := NewManager(provider, testConfig(), nil)

	_, err := mgr.CreateSandbox(context.Background(), "session-1")
	if err == nil {
		t.Fatal("expected creation to fail after exhausting retries")
	}
}

func TestKillSandboxMatchesEveryCreate(t *testing.T) {
	provider := NewFakeProvider()
	mgr := NewManager(provider, testConfig(), nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		s, err := mgr.CreateSandbox(ctx, fmt.Sprintf("session-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.SessionID)
	}

	for _, id := range ids {
		if err := mgr.KillSandbox(ctx, id); err != nil {
			t.Fatalf("kill %s: %v", id, err)
		}
	}

	// every create was matched by exactly one kill: a second kill on the
	// same id must now report not-found, not double-kill silently.
	if err := mgr.KillSandbox(ctx, ids[0]); err == nil {
		t.Fatal("expected second kill of the same session to fail")
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	provider := NewFakeProvider()
	mgr := NewManager(provider, testConfig(), nil)
	ctx := context.Background()

	session, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := mgr.WriteFile(ctx, session.SessionID, "foo.txt", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	got, err := mgr.ReadFile(ctx, session.SessionID, "foo.txt")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Fatalf("expected hello, got %q", got)
	}
}

func TestOperationOnKilledSessionIsTerminalError(t *testing.T) {
	provider := NewFakeProvider()
	mgr := NewManager(provider, testConfig(), nil)
	ctx := context.Background()

	session, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.KillSandbox(ctx, session.SessionID); err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.ReadFile(ctx, session.SessionID, "foo.txt"); err == nil {
		t.Fatal("expected operation on killed session to fail")
	}
}

func TestCreateSandboxReusesRunningSession(t *testing.T) {
	provider := NewFakeProvider()
	mgr := NewManager(provider, testConfig(), nil)
	ctx := context.Background()

	first, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Fatal("expected the same session to be returned for a running session id")
	}
	if provider.CreateCalls() != 1 {
		t.Fatalf("expected exactly one provider create call, got %d", provider.CreateCalls())
	}
}

func TestCreateSandboxRecreatesAfterKill(t *testing.T) {
	provider := NewFakeProvider()
	mgr := NewManager(provider, testConfig(), nil)
	ctx := context.Background()

	first, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.KillSandbox(ctx, first.SessionID); err != nil {
		t.Fatal(err)
	}

	second, err := mgr.CreateSandbox(ctx, "session-1")
	if err != nil {
		t.Fatalf("expected a fresh sandbox to be created under the same id, got %v", err)
	}
	if second.SessionID != "session-1" {
		t.Fatalf("expected the recreated session to keep the requested id, got %s", second.SessionID)
	}
	if second.Status != domain.SandboxRunning {
		t.Fatalf("expected running status, got %s", second.Status)
	}
	if provider.CreateCalls() != 2 {
		t.Fatalf("expected a second provider create call after the kill, got %d", provider.CreateCalls())
	}
}

func TestCircuitOpensAfterRepeatedFailures(t *testing.T) {
	provider := NewFakeProvider()
	provider.FailNext(100)
	mgr := NewManager(provider, Config{
		TemplateID:        "default",
		MaxCreateRetries:  1, // one attempt per CreateSandbox call
		RetryDelaySeconds: 0.001,
	}, nil)
	ctx := context.Background()

	for i := 0; i < circuitFailureThreshold; i++ {
		if _, err := mgr.CreateSandbox(ctx, fmt.Sprintf("session-%d", i)); err == nil {
			t.Fatal("expected failure")
		}
	}

	circuit := mgr.circuitFor(mgr.cfg.TemplateID)
	if !circuit.isOpen(time.Now()) {
		t.Fatal("expected circuit to be open after repeated failures")
	}
}
