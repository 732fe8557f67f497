// Package traceback derives a structured failure signal from the stderr of
// a failed execution.
//
// The parser targets CPython traceback output but is deliberately
// conservative: when stderr does not contain a recognizable exception it
// reports ErrNoSignal instead of guessing, because a fix request without
// real evidence would only mislead the backend.
package traceback

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/scriptfix/scriptfix/internal/sandbox"
)

// Kind is the coarse classification of a failure signal.
type Kind string

const (
	KindSyntax  Kind = "SyntaxError"
	KindImport  Kind = "ImportError"
	KindName    Kind = "NameError"
	KindTimeout Kind = "Timeout"
	KindOther   Kind = "Other"
)

// ErrNoSignal is reported when stderr holds no parseable exception.
// The controller treats this as terminal for the session: there is no
// evidence to hand to the fix backend.
var ErrNoSignal = errors.New("no failure signal in stderr")

// Signal is the structured summary of why an execution failed. It is the
// only failure evidence the fix backend receives besides the source itself.
type Signal struct {
	Kind Kind

	// Exception is the raised exception's type name as printed by the
	// interpreter (e.g. "ModuleNotFoundError"). Empty for timeouts.
	Exception string

	// Message is the exception message, preserved verbatim including any
	// continuation lines after the "Type: message" line.
	Message string

	// Line is the source line attributed to the failing script, taken from
	// the deepest traceback frame inside the user script. 0 means unknown.
	Line int
}

// Summary renders the signal as a single line for session history and logs.
func (s *Signal) Summary() string {
	var b strings.Builder
	b.WriteString(string(s.Kind))
	if s.Exception != "" && string(s.Kind) != s.Exception {
		b.WriteString("(" + s.Exception + ")")
	}
	if s.Line > 0 {
		b.WriteString(" at line " + strconv.Itoa(s.Line))
	}
	if s.Message != "" {
		first, _, _ := strings.Cut(s.Message, "\n")
		b.WriteString(": " + first)
	}
	return b.String()
}

// exceptionLine matches the final "Type: message" (or bare "Type") line of a
// traceback. The type must look like a Python exception class name.
var exceptionLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Warning|Interrupt|Exit))(?::\s?(.*))?$`)

// frameLine matches a traceback frame header: File "<path>", line N[, in ...]
var frameLine = regexp.MustCompile(`^\s*File "([^"]+)", line (\d+)`)

// Extract parses the stderr of a non-success Result into a Signal.
// A timeout yields a synthetic Timeout signal with no line number, since the
// killed process leaves no traceback. Empty or unrecognizable stderr yields
// ErrNoSignal.
func Extract(res *sandbox.Result) (*Signal, error) {
	if res.Status == sandbox.StatusTimeout {
		return &Signal{
			Kind:    KindTimeout,
			Message: "execution exceeded the time limit and was terminated",
		}, nil
	}

	lines := strings.Split(res.Stderr, "\n")

	// Find the last line that names a raised exception. Everything after it
	// belongs to the message (exception notes, syntax carets already appear
	// before the final line, multi-line messages after it).
	excIdx := -1
	var exc, msg string
	for i, line := range lines {
		m := exceptionLine.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		excIdx = i
		exc = m[1]
		msg = m[2]
	}
	if excIdx < 0 {
		return nil, ErrNoSignal
	}
	if rest := strings.TrimRight(strings.Join(lines[excIdx+1:], "\n"), "\n"); rest != "" {
		msg += "\n" + rest
	}

	// The error belongs to the deepest frame inside the user script, not to
	// interpreter or library internals, so library frames are skipped.
	line := 0
	for _, l := range lines[:excIdx+1] {
		m := frameLine.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		if isLibraryPath(m[1]) {
			continue
		}
		if n, err := strconv.Atoi(m[2]); err == nil {
			line = n
		}
	}

	// Dotted names like socket.gaierror print with their module prefix.
	if i := strings.LastIndex(exc, "."); i >= 0 {
		exc = exc[i+1:]
	}

	return &Signal{
		Kind:      classify(exc),
		Exception: exc,
		Message:   msg,
		Line:      line,
	}, nil
}

func classify(exception string) Kind {
	switch exception {
	case "SyntaxError", "IndentationError", "TabError":
		return KindSyntax
	case "ImportError", "ModuleNotFoundError":
		return KindImport
	case "NameError", "UnboundLocalError":
		return KindName
	default:
		return KindOther
	}
}

// isLibraryPath reports whether a traceback frame path points into the
// interpreter's own code rather than the user script.
func isLibraryPath(path string) bool {
	return strings.Contains(path, "/lib/python") ||
		strings.Contains(path, "site-packages") ||
		strings.Contains(path, "dist-packages") ||
		strings.HasPrefix(path, "<frozen")
}
