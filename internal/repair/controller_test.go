package repair_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scriptfix/scriptfix/internal/fixer"
	"github.com/scriptfix/scriptfix/internal/repair"
	"github.com/scriptfix/scriptfix/internal/sandbox"
	"github.com/scriptfix/scriptfix/internal/session"
)

// ---------------------------------------------------------------------------
// Test doubles
// ---------------------------------------------------------------------------

// stubSandbox delegates to a closure so each test scripts its own results.
type stubSandbox struct {
	calls int
	run   func(call int, source string) (*sandbox.Result, error)
}

func (s *stubSandbox) Run(ctx context.Context, source string, timeout time.Duration) (*sandbox.Result, error) {
	s.calls++
	return s.run(s.calls, source)
}

// stubRequester delegates to a closure and records every request it saw.
type stubRequester struct {
	calls    int
	requests []fixer.Request
	propose  func(call int, req fixer.Request) (string, error)
}

func (s *stubRequester) Propose(ctx context.Context, req fixer.Request) (string, error) {
	s.calls++
	s.requests = append(s.requests, req)
	return s.propose(s.calls, req)
}

func successResult() (*sandbox.Result, error) {
	return &sandbox.Result{Status: sandbox.StatusSuccess, Stdout: "ok\n"}, nil
}

// nameErrorResult is a failing execution whose stderr carries a real CPython
// traceback, so the controller's extraction step sees what production sees.
func nameErrorResult() (*sandbox.Result, error) {
	stderr := `Traceback (most recent call last):
  File "/tmp/scriptfix-run-1/script.py", line 3, in <module>
    print(z)
NameError: name 'z' is not defined
`
	return &sandbox.Result{Status: sandbox.StatusFailure, ExitCode: 1, Stderr: stderr}, nil
}

func garbledResult() (*sandbox.Result, error) {
	return &sandbox.Result{Status: sandbox.StatusFailure, ExitCode: 1, Stderr: "core dumped\n"}, nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	store *session.Store
	sess  *session.Session
	sb    *stubSandbox
	req   *stubRequester
	ctrl  *repair.Controller
}

func newHarness(t *testing.T, cfg repair.Config, sb *stubSandbox, req *stubRequester) *harness {
	t.Helper()

	store, err := session.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now().UTC()
	sess := &session.Session{
		ID:        "test0001",
		Filename:  "broken.py",
		Status:    session.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("creating session: %v", err)
	}

	return &harness{
		store: store,
		sess:  sess,
		sb:    sb,
		req:   req,
		ctrl:  repair.New(cfg, store, session.NewEventBus(), sb, req),
	}
}

func (h *harness) storedSession(t *testing.T) *session.Session {
	t.Helper()
	sess, err := h.store.GetSession(h.sess.ID)
	if err != nil {
		t.Fatalf("reloading session: %v", err)
	}
	return sess
}

// ---------------------------------------------------------------------------
// Terminal outcomes
// ---------------------------------------------------------------------------

func TestRun_HealthyScriptFixedWithoutFixRequests(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return successResult() }}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) {
		return "", errors.New("must not be called")
	}}
	h := newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "print('fine')\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeFixed {
		t.Errorf("outcome = %q, want fixed", report.Outcome)
	}
	if report.Iterations != 0 {
		t.Errorf("iterations = %d, want 0", report.Iterations)
	}
	if req.calls != 0 {
		t.Errorf("fix backend was called %d times for a healthy script", req.calls)
	}
	if report.FinalSource != "print('fine')\n" {
		t.Errorf("final source = %q, want the original unchanged", report.FinalSource)
	}

	versions, err := h.store.ListVersions(h.sess.ID)
	if err != nil {
		t.Fatalf("listing versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Origin != session.OriginUploaded {
		t.Errorf("stored versions = %d, want only the uploaded original", len(versions))
	}
}

func TestRun_OneFixConverges(t *testing.T) {
	const broken = "print(z)\n"
	const fixed = "z = 1\nprint(z)\n"

	sb := &stubSandbox{run: func(call int, source string) (*sandbox.Result, error) {
		if source == fixed {
			return successResult()
		}
		return nameErrorResult()
	}}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) { return fixed, nil }}
	h := newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, broken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeFixed {
		t.Fatalf("outcome = %q, want fixed", report.Outcome)
	}
	if report.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", report.Iterations)
	}
	if report.FinalSource != fixed {
		t.Errorf("final source = %q", report.FinalSource)
	}

	// The requester must have received the extracted evidence, not raw stderr.
	if len(req.requests) != 1 {
		t.Fatalf("fix requests = %d, want 1", len(req.requests))
	}
	sig := req.requests[0].Signal
	if sig == nil || sig.Exception != "NameError" || sig.Line != 3 {
		t.Errorf("signal = %+v, want NameError at line 3", sig)
	}

	versions, err := h.store.ListVersions(h.sess.ID)
	if err != nil {
		t.Fatalf("listing versions: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("stored versions = %d, want 2", len(versions))
	}
	if versions[1].Origin != session.OriginGenerated || versions[1].Source != fixed {
		t.Errorf("version 1 = origin %q source %q", versions[1].Origin, versions[1].Source)
	}

	execs, err := h.store.ListExecutions(h.sess.ID)
	if err != nil {
		t.Fatalf("listing executions: %v", err)
	}
	if len(execs) != 2 {
		t.Fatalf("stored executions = %d, want 2", len(execs))
	}
	if execs[0].FailKind != "NameError" || execs[0].FailLine != 3 {
		t.Errorf("execution 0 signal = %q line %d", execs[0].FailKind, execs[0].FailLine)
	}

	stored := h.storedSession(t)
	if stored.Status != session.StatusComplete || stored.Outcome != session.OutcomeFixed {
		t.Errorf("stored session = %s/%s, want complete/fixed", stored.Status, stored.Outcome)
	}
}

// TestRun_DuplicateCandidateStops checks that an identical candidate ends
// the session immediately, without burning budget on re-executing it.
func TestRun_DuplicateCandidateStops(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return nameErrorResult() }}
	req := &stubRequester{propose: func(_ int, r fixer.Request) (string, error) { return r.Source, nil }}
	h := newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "print(z)\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeExhausted {
		t.Errorf("outcome = %q, want exhausted", report.Outcome)
	}
	if sb.calls != 1 {
		t.Errorf("sandbox ran %d times, the duplicate must not be re-executed", sb.calls)
	}
	if req.calls != 1 {
		t.Errorf("fix requests = %d, want 1", req.calls)
	}

	versions, _ := h.store.ListVersions(h.sess.ID)
	if len(versions) != 1 {
		t.Errorf("stored versions = %d, a duplicate candidate must not be archived as new", len(versions))
	}
}

func TestRun_BudgetExhaustion(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return nameErrorResult() }}
	req := &stubRequester{propose: func(call int, r fixer.Request) (string, error) {
		// A distinct candidate every time, so the budget is the only limit.
		return fmt.Sprintf("%s# attempt %d\n", r.Source, call), nil
	}}
	h := newHarness(t, repair.Config{MaxIterations: 2}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "print(z)\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeExhausted {
		t.Errorf("outcome = %q, want exhausted", report.Outcome)
	}
	if report.Iterations != 2 {
		t.Errorf("iterations = %d, want 2", report.Iterations)
	}
	if req.calls != 2 {
		t.Errorf("fix requests = %d, the budget is 2", req.calls)
	}
	if sb.calls != 3 {
		t.Errorf("executions = %d, want 3 (original plus two candidates)", sb.calls)
	}

	// History in the store is gapless and monotonically indexed.
	versions, err := h.store.ListVersions(h.sess.ID)
	if err != nil {
		t.Fatalf("listing versions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("stored versions = %d, want 3", len(versions))
	}
	for i, v := range versions {
		if v.Idx != i {
			t.Errorf("version at position %d has index %d", i, v.Idx)
		}
		wantOrigin := session.OriginGenerated
		if i == 0 {
			wantOrigin = session.OriginUploaded
		}
		if v.Origin != wantOrigin {
			t.Errorf("version %d origin = %q, want %q", i, v.Origin, wantOrigin)
		}
	}
}

func TestRun_UnparseableStderrIsUnrecoverable(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return garbledResult() }}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) {
		return "", errors.New("must not be called")
	}}
	h := newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "whatever\n")
	if err != nil {
		t.Fatalf("an unparseable failure is an outcome, not an error: %v", err)
	}

	if report.Outcome != session.OutcomeUnrecoverable {
		t.Errorf("outcome = %q, want unrecoverable", report.Outcome)
	}
	if report.Iterations != 0 {
		t.Errorf("iterations = %d, want 0 (no fix was ever requested)", report.Iterations)
	}
	if req.calls != 0 {
		t.Errorf("fix backend was called %d times without evidence", req.calls)
	}

	// The failed execution is still archived for inspection.
	execs, _ := h.store.ListExecutions(h.sess.ID)
	if len(execs) != 1 || !strings.Contains(execs[0].Stderr, "core dumped") {
		t.Errorf("executions = %d, want the garbled run archived", len(execs))
	}
}

// ---------------------------------------------------------------------------
// Backend failures
// ---------------------------------------------------------------------------

func TestRun_TransientBackendFailureRetriedThenUnrecoverable(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return nameErrorResult() }}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) {
		return "", &fixer.RequestError{Reason: "backend call", Transient: true, Err: errors.New("503")}
	}}
	h := newHarness(t, repair.Config{RequestRetries: 1}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "print(z)\n")
	if err != nil {
		t.Fatalf("a backend failure is an outcome, not an error: %v", err)
	}

	if report.Outcome != session.OutcomeUnrecoverable {
		t.Errorf("outcome = %q, want unrecoverable", report.Outcome)
	}
	if req.calls != 2 {
		t.Errorf("fix requests = %d, want 2 (one attempt plus one retry)", req.calls)
	}

	stored := h.storedSession(t)
	if stored.Status != session.StatusComplete {
		t.Errorf("stored status = %q, want complete", stored.Status)
	}
}

func TestRun_NonTransientBackendFailureNotRetried(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return nameErrorResult() }}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) {
		return "", &fixer.RequestError{Reason: "backend returned no code"}
	}}
	h := newHarness(t, repair.Config{RequestRetries: 3}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "print(z)\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeUnrecoverable {
		t.Errorf("outcome = %q, want unrecoverable", report.Outcome)
	}
	if req.calls != 1 {
		t.Errorf("fix requests = %d, an unusable reply must not be retried", req.calls)
	}
}

// ---------------------------------------------------------------------------
// Ordering and evidence windows
// ---------------------------------------------------------------------------

// TestRun_VersionStoredBeforeExecution checks write-before-execute: by the
// time the sandbox sees a source, that exact source is already durable.
func TestRun_VersionStoredBeforeExecution(t *testing.T) {
	const broken = "print(z)\n"
	const fixed = "z = 1\nprint(z)\n"

	var h *harness
	sb := &stubSandbox{}
	sb.run = func(call int, source string) (*sandbox.Result, error) {
		idx := call - 1
		v, err := h.store.GetVersion(h.sess.ID, idx)
		if err != nil {
			return nil, fmt.Errorf("version %d not stored before execution: %w", idx, err)
		}
		if v.Source != source {
			return nil, fmt.Errorf("stored version %d does not match the executing source", idx)
		}
		if source == fixed {
			return successResult()
		}
		return nameErrorResult()
	}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) { return fixed, nil }}
	h = newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, broken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Outcome != session.OutcomeFixed {
		t.Errorf("outcome = %q, want fixed", report.Outcome)
	}
}

func TestRun_PriorAttemptsWindowed(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return nameErrorResult() }}
	req := &stubRequester{propose: func(call int, r fixer.Request) (string, error) {
		return fmt.Sprintf("attempt %d\n", call), nil
	}}
	h := newHarness(t, repair.Config{MaxIterations: 4, HistoryWindow: 2}, sb, req)

	if _, err := h.ctrl.Run(context.Background(), h.sess, "print(z)\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.requests) != 4 {
		t.Fatalf("fix requests = %d, want 4", len(req.requests))
	}
	if got := len(req.requests[0].PriorAttempts); got != 0 {
		t.Errorf("request 1 carried %d prior attempts, want 0", got)
	}
	last := req.requests[3].PriorAttempts
	if len(last) != 2 {
		t.Fatalf("request 4 carried %d prior attempts, want window of 2", len(last))
	}
	// The current failing source travels separately as req.Source, so the
	// window holds the most recent replaced candidates, oldest first.
	if last[0] != "attempt 1\n" || last[1] != "attempt 2\n" {
		t.Errorf("window = %q, want the two most recently replaced candidates", last)
	}
}

func TestRun_TimeoutIsRepairable(t *testing.T) {
	const fixed = "print('fast')\n"

	sb := &stubSandbox{}
	sb.run = func(call int, source string) (*sandbox.Result, error) {
		if source == fixed {
			return successResult()
		}
		return &sandbox.Result{Status: sandbox.StatusTimeout, ExitCode: -1}, nil
	}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) { return fixed, nil }}
	h := newHarness(t, repair.Config{}, sb, req)

	report, err := h.ctrl.Run(context.Background(), h.sess, "while True: pass\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != session.OutcomeFixed {
		t.Errorf("outcome = %q, want fixed", report.Outcome)
	}
	if len(req.requests) != 1 || req.requests[0].Signal.Kind != "Timeout" {
		t.Errorf("backend did not receive a timeout signal")
	}

	execs, _ := h.store.ListExecutions(h.sess.ID)
	if len(execs) != 2 || execs[0].FailKind != "Timeout" {
		t.Errorf("execution 0 fail kind = %q, want Timeout", execs[0].FailKind)
	}
}

// ---------------------------------------------------------------------------
// Infrastructure faults
// ---------------------------------------------------------------------------

func TestRun_SandboxFaultAbortsSession(t *testing.T) {
	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) {
		return nil, errors.New("no such interpreter")
	}}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) { return "", nil }}
	h := newHarness(t, repair.Config{}, sb, req)

	_, err := h.ctrl.Run(context.Background(), h.sess, "print(1)\n")
	if err == nil {
		t.Fatal("an infrastructure fault must surface as an error")
	}

	stored := h.storedSession(t)
	if stored.Status != session.StatusError {
		t.Errorf("stored status = %q, want error", stored.Status)
	}
	if stored.Error == "" {
		t.Error("stored session should carry the fault message")
	}
}

func TestRun_CancellationAbortsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sb := &stubSandbox{run: func(int, string) (*sandbox.Result, error) { return successResult() }}
	req := &stubRequester{propose: func(int, fixer.Request) (string, error) { return "", nil }}
	h := newHarness(t, repair.Config{}, sb, req)

	_, err := h.ctrl.Run(ctx, h.sess, "print(1)\n")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sb.calls != 0 {
		t.Errorf("sandbox ran %d times under a canceled context", sb.calls)
	}

	stored := h.storedSession(t)
	if stored.Status != session.StatusError {
		t.Errorf("stored status = %q, want error", stored.Status)
	}
}
