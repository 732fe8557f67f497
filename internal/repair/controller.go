// Package repair implements the iterative repair loop: execute the script,
// extract the failure signal, request a fix, persist the candidate, and
// re-execute until the script runs cleanly or the retry budget is spent.
//
// The loop is a sequential state machine. Each iteration's execution must
// finish before the next fix request is issued, because the failure signal
// fed to the backend comes from that execution. The only concurrent entity
// is the sandboxed child process, which runs under a hard timeout.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/scriptfix/scriptfix/internal/fixer"
	"github.com/scriptfix/scriptfix/internal/sandbox"
	"github.com/scriptfix/scriptfix/internal/session"
	"github.com/scriptfix/scriptfix/internal/traceback"
)

// Config holds the per-session knobs of the repair loop. A Config is
// threaded into each controller at construction; nothing is read from
// ambient state, so concurrent sessions can run with different settings.
type Config struct {
	// MaxIterations is the retry budget: the maximum number of fix
	// requests per session. Minimum 1; default 5.
	MaxIterations int

	// SandboxTimeout is the wall-clock limit for one script execution.
	// Default 30s.
	SandboxTimeout time.Duration

	// RequestTimeout bounds one fix request to the backend. Default 60s.
	RequestTimeout time.Duration

	// RequestRetries is how many times a transient backend failure is
	// retried before the session is declared unrecoverable. Default 2.
	RequestRetries int

	// HistoryWindow is how many prior failed candidates are shown to the
	// backend with each request. Default 3.
	HistoryWindow int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations < 1 {
		c.MaxIterations = 5
	}
	if c.SandboxTimeout <= 0 {
		c.SandboxTimeout = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.RequestRetries < 0 {
		c.RequestRetries = 0
	} else if c.RequestRetries == 0 {
		c.RequestRetries = 2
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 3
	}
	return c
}

// Sandbox runs one script source under a timeout.
type Sandbox interface {
	Run(ctx context.Context, source string, timeout time.Duration) (*sandbox.Result, error)
}

// Attempt is one entry in a session's reported history.
type Attempt struct {
	VersionIdx     int    `json:"version_index"`
	Status         string `json:"status"`
	FailureSummary string `json:"failure_summary,omitempty"`
}

// Report is what the caller receives when a session terminates. Script
// failures never escape as errors; they are folded into the outcome.
type Report struct {
	Outcome     session.Outcome `json:"outcome"`
	FinalSource string          `json:"final_source"`
	Iterations  int             `json:"iteration_count"`
	History     []Attempt       `json:"history"`
}

// Controller orchestrates the repair loop for one session at a time.
// A single controller may be shared across sessions: it holds no per-session
// state, and the store it writes to is append-only.
type Controller struct {
	cfg     Config
	store   *session.Store
	bus     *session.EventBus
	sandbox Sandbox
	fix     fixer.Requester
}

// New creates a Controller. The bus may be nil when no one streams events
// (e.g. the one-shot CLI).
func New(cfg Config, store *session.Store, bus *session.EventBus, sb Sandbox, fix fixer.Requester) *Controller {
	return &Controller{
		cfg:     cfg.withDefaults(),
		store:   store,
		bus:     bus,
		sandbox: sb,
		fix:     fix,
	}
}

// loop states, per the transition table in the package documentation.
type state int

const (
	stateExecuting state = iota
	stateExtracting
	stateRequestingFix
	stateApplying
)

// Run drives one session from the uploaded source to a terminal outcome.
// The returned error is non-nil only for infrastructure faults (storage or
// process-spawn failures) and context cancellation; every script-level
// result, including unrecoverable ones, comes back as a normal Report.
func (c *Controller) Run(ctx context.Context, sess *session.Session, source string) (*Report, error) {
	sess.Status = session.StatusRunning
	if err := c.store.UpdateSession(sess); err != nil {
		return nil, c.fail(sess, fmt.Errorf("updating session: %w", err))
	}

	// Version 0 is the uploaded original. Like every later version it is
	// durably stored before it is executed.
	if err := c.saveVersion(sess.ID, 0, session.OriginUploaded, source); err != nil {
		return nil, c.fail(sess, err)
	}

	var (
		cur        = source  // source of the version about to run
		curIdx     = 0       // its index
		iterations = 0       // fix requests issued so far
		prior      []string  // failed candidate window for the backend
		history    []Attempt
		signal     *traceback.Signal
		result     *sandbox.Result
		st         = stateExecuting
	)

	for {
		// Cancellation takes effect between iterations, at the top of the
		// state machine; a child process in flight is killed through ctx.
		if err := ctx.Err(); err != nil {
			return nil, c.fail(sess, err)
		}

		switch st {

		case stateExecuting:
			c.emit(sess.ID, "status", fmt.Sprintf("executing version %d", curIdx))

			var err error
			result, err = c.sandbox.Run(ctx, cur, c.cfg.SandboxTimeout)
			if err != nil {
				return nil, c.fail(sess, fmt.Errorf("sandbox: %w", err))
			}
			result.VersionIdx = curIdx

			if result.Status == sandbox.StatusSuccess {
				if err := c.archive(sess.ID, result, nil); err != nil {
					return nil, c.fail(sess, err)
				}
				history = append(history, Attempt{VersionIdx: curIdx, Status: string(result.Status)})
				return c.finish(sess, session.OutcomeFixed, cur, iterations, history)
			}
			st = stateExtracting

		case stateExtracting:
			var err error
			signal, err = traceback.Extract(result)
			if errors.Is(err, traceback.ErrNoSignal) {
				// No evidence to act on: a fix request would be a guess.
				if aerr := c.archive(sess.ID, result, nil); aerr != nil {
					return nil, c.fail(sess, aerr)
				}
				history = append(history, Attempt{
					VersionIdx:     curIdx,
					Status:         string(result.Status),
					FailureSummary: "stderr yielded no parseable failure signal",
				})
				return c.finish(sess, session.OutcomeUnrecoverable, cur, iterations, history)
			}
			if err != nil {
				return nil, c.fail(sess, fmt.Errorf("extracting failure signal: %w", err))
			}

			if err := c.archive(sess.ID, result, signal); err != nil {
				return nil, c.fail(sess, err)
			}
			history = append(history, Attempt{
				VersionIdx:     curIdx,
				Status:         string(result.Status),
				FailureSummary: signal.Summary(),
			})

			if iterations >= c.cfg.MaxIterations {
				c.emit(sess.ID, "status", "retry budget exhausted")
				return c.finish(sess, session.OutcomeExhausted, cur, iterations, history)
			}
			st = stateRequestingFix

		case stateRequestingFix:
			c.emit(sess.ID, "fix", fmt.Sprintf("requesting fix for %s", signal.Summary()))

			candidate, err := c.propose(ctx, fixer.Request{
				Source:        cur,
				Signal:        signal,
				PriorAttempts: window(prior, c.cfg.HistoryWindow),
			})
			if err != nil {
				var reqErr *fixer.RequestError
				if errors.As(err, &reqErr) {
					c.emit(sess.ID, "error", reqErr.Error())
					return c.finish(sess, session.OutcomeUnrecoverable, cur, iterations, history)
				}
				return nil, c.fail(sess, err)
			}

			// Identical candidate: the backend is not making progress, so
			// spending more budget re-running the same text is pointless.
			if candidate == cur {
				c.emit(sess.ID, "status", "backend returned an identical candidate, stopping")
				return c.finish(sess, session.OutcomeExhausted, cur, iterations, history)
			}

			prior = append(prior, cur)
			cur = candidate
			st = stateApplying

		case stateApplying:
			iterations++
			curIdx++
			if err := c.saveVersion(sess.ID, curIdx, session.OriginGenerated, cur); err != nil {
				return nil, c.fail(sess, err)
			}
			sess.Iterations = iterations
			if err := c.store.UpdateSession(sess); err != nil {
				return nil, c.fail(sess, fmt.Errorf("updating session: %w", err))
			}
			st = stateExecuting
		}
	}
}

// propose calls the fix backend, retrying transient failures a separately
// bounded number of times.
func (c *Controller) propose(ctx context.Context, req fixer.Request) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.RequestRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		candidate, err := c.fix.Propose(ctx, req)
		if err == nil {
			return candidate, nil
		}
		lastErr = err

		var reqErr *fixer.RequestError
		if !errors.As(err, &reqErr) || !reqErr.Transient {
			return "", err
		}
		log.Printf("fix request attempt %d failed: %v", attempt+1, err)
	}
	return "", lastErr
}

// saveVersion appends a version to the backup store.
func (c *Controller) saveVersion(sessionID string, idx int, origin session.Origin, source string) error {
	v := &session.ScriptVersion{
		SessionID: sessionID,
		Idx:       idx,
		Origin:    origin,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AddVersion(v); err != nil {
		return fmt.Errorf("saving version %d: %w", idx, err)
	}
	return nil
}

// archive persists one execution result, folding in the extracted signal
// when there is one.
func (c *Controller) archive(sessionID string, res *sandbox.Result, sig *traceback.Signal) error {
	e := &session.Execution{
		SessionID:  sessionID,
		VersionIdx: res.VersionIdx,
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		DurationMS: res.Duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if sig != nil {
		e.FailKind = string(sig.Kind)
		e.FailMsg = sig.Message
		e.FailLine = sig.Line
	}
	if err := c.store.AddExecution(e); err != nil {
		return fmt.Errorf("archiving execution: %w", err)
	}
	c.emit(sessionID, "execution", fmt.Sprintf("version %d: %s", res.VersionIdx, res.Status))
	return nil
}

// finish records a terminal outcome and builds the caller-facing report.
func (c *Controller) finish(sess *session.Session, outcome session.Outcome, finalSource string, iterations int, history []Attempt) (*Report, error) {
	sess.Status = session.StatusComplete
	sess.Outcome = outcome
	sess.Iterations = iterations
	if err := c.store.UpdateSession(sess); err != nil {
		return nil, c.fail(sess, fmt.Errorf("updating session: %w", err))
	}
	c.emit(sess.ID, "done", string(outcome))
	log.Printf("session %s finished: %s after %d fix request(s)", sess.ID, outcome, iterations)

	return &Report{
		Outcome:     outcome,
		FinalSource: finalSource,
		Iterations:  iterations,
		History:     history,
	}, nil
}

// fail marks the session as aborted by an infrastructure fault and returns
// the fault for the caller.
func (c *Controller) fail(sess *session.Session, err error) error {
	sess.Status = session.StatusError
	sess.Error = err.Error()
	if uerr := c.store.UpdateSession(sess); uerr != nil {
		log.Printf("session %s: recording failure: %v", sess.ID, uerr)
	}
	c.emit(sess.ID, "error", err.Error())
	return err
}

// emit records a progress event and publishes it to live subscribers.
func (c *Controller) emit(sessionID, typ, data string) {
	ev := &session.Event{
		SessionID: sessionID,
		Type:      typ,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.AddEvent(ev); err != nil {
		log.Printf("session %s: recording event: %v", sessionID, err)
		return
	}
	if c.bus != nil {
		c.bus.Publish(sessionID, ev)
	}
}

// window returns the last n entries of attempts.
func window(attempts []string, n int) []string {
	if len(attempts) <= n {
		return attempts
	}
	return attempts[len(attempts)-n:]
}
