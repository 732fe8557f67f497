// Package fixer is the boundary to the fix-generation backend: given the
// current source and the failure signal, it asks an LLM for a corrected
// version of the script.
//
// The backend is interchangeable (Anthropic or OpenAI behind llm.Client);
// the repair controller only sees the Requester interface and the typed
// RequestError, never a provider-specific fault.
package fixer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/scriptfix/scriptfix/internal/traceback"
	"github.com/scriptfix/scriptfix/llm"
)

// Request carries everything the backend receives about a failed attempt.
type Request struct {
	// Source is the current (failing) script text.
	Source string

	// Signal is the failure evidence from the latest execution.
	Signal *traceback.Signal

	// PriorAttempts holds earlier candidate sources that also failed, so
	// the backend does not repeat a fix it already tried. The controller
	// bounds this window.
	PriorAttempts []string
}

// RequestError is a failure of the fix backend itself, distinct from a
// script failure. Transient errors (network faults, provider hiccups) may
// be retried by the caller; non-transient ones mean the reply was unusable.
type RequestError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *RequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fix request failed: %s: %v", e.Reason, e.Err)
	}
	return "fix request failed: " + e.Reason
}

func (e *RequestError) Unwrap() error { return e.Err }

// Requester proposes a corrected script for a failing one.
type Requester interface {
	// Propose returns candidate source text, or a *RequestError. It must
	// return within the caller's context deadline and is safe to retry.
	Propose(ctx context.Context, req Request) (string, error)
}

// LLMRequester implements Requester on top of an llm.Client.
type LLMRequester struct {
	client  llm.Client
	timeout time.Duration
}

// NewLLMRequester wraps an LLM client. Each Propose call is bounded by the
// given timeout (60s if zero), independent of the provider's own limits.
func NewLLMRequester(client llm.Client, timeout time.Duration) *LLMRequester {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLMRequester{client: client, timeout: timeout}
}

const systemPrompt = `You are an expert Python developer. Fix broken code and return only the corrected Python code without explanations or markdown.`

// Propose asks the backend for a corrected script.
func (r *LLMRequester) Propose(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	reply, err := r.client.Complete(ctx, systemPrompt, buildPrompt(req))
	if err != nil {
		// Provider and network faults look the same through llm.Client, so
		// they are all treated as retryable; the controller bounds retries.
		return "", &RequestError{Reason: "backend call", Transient: true, Err: err}
	}

	candidate := stripFences(reply)
	if strings.TrimSpace(candidate) == "" {
		return "", &RequestError{Reason: "backend returned no code"}
	}
	return candidate, nil
}

// buildPrompt renders the repair request. The error evidence is quoted
// verbatim; prior failed candidates are included so the backend does not
// propose them again.
func buildPrompt(req Request) string {
	var b strings.Builder

	b.WriteString("Fix this Python script based on the error below. Return ONLY the corrected Python code without any explanations or markdown formatting.\n\n")

	b.WriteString("SCRIPT:\n")
	b.WriteString(req.Source)
	b.WriteString("\n\nERROR:\n")
	if req.Signal != nil {
		fmt.Fprintf(&b, "kind: %s\n", req.Signal.Kind)
		if req.Signal.Exception != "" {
			fmt.Fprintf(&b, "exception: %s\n", req.Signal.Exception)
		}
		if req.Signal.Line > 0 {
			fmt.Fprintf(&b, "line: %d\n", req.Signal.Line)
		}
		fmt.Fprintf(&b, "message: %s\n", req.Signal.Message)
	}

	for i, prior := range req.PriorAttempts {
		fmt.Fprintf(&b, "\nPREVIOUS ATTEMPT %d (this version was already tried and still fails; do not return it again):\n%s\n", i+1, prior)
	}

	return b.String()
}

// stripFences removes a wrapping markdown code fence from an LLM reply.
// Models routinely ignore the "no markdown" instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	if idx := strings.LastIndex(s, "```"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimRight(strings.TrimLeft(s, "\n"), "\n")
}
