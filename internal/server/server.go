// Package server provides the ScriptFix HTTP API.
//
// The API is the boundary any front-end talks to: upload a broken script,
// watch repair progress, download the fixed (or original) source. The
// repair loop itself runs in the background, one goroutine per session;
// sessions share no mutable state, so no cross-session coordination is
// needed.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/scriptfix/scriptfix/internal/config"
	"github.com/scriptfix/scriptfix/internal/fixer"
	"github.com/scriptfix/scriptfix/internal/github"
	"github.com/scriptfix/scriptfix/internal/repair"
	"github.com/scriptfix/scriptfix/internal/sandbox"
	"github.com/scriptfix/scriptfix/internal/session"
	scriptfixslack "github.com/scriptfix/scriptfix/internal/slack"
	scriptfixtelegram "github.com/scriptfix/scriptfix/internal/telegram"
	"github.com/scriptfix/scriptfix/llm/anthropic"
	"github.com/scriptfix/scriptfix/llm/openai"
)

// Repairer runs the repair loop for one session. Satisfied by
// *repair.Controller; tests substitute a stub.
type Repairer interface {
	Run(ctx context.Context, sess *session.Session, source string) (*repair.Report, error)
}

// OutcomeNotifier announces finished sessions on an external channel.
type OutcomeNotifier interface {
	NotifyOutcome(ctx context.Context, sess *session.Session, report *repair.Report) error
}

// Server is the ScriptFix HTTP API server.
type Server struct {
	config      *config.Config
	store       *session.Store
	bus         *session.EventBus
	repairer    Repairer
	github      *github.Client
	notifier    OutcomeNotifier        // nil if Slack is not configured
	telegramBot *scriptfixtelegram.Bot // nil if Telegram is not configured
	router      chi.Router
}

// New creates a Server with all dependencies built from the configuration.
func New(cfg *config.Config) (*Server, error) {
	store, err := session.NewStore(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	bus := session.NewEventBus()

	requester, err := requesterFromConfig(cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	ctrl := repair.New(repair.Config{
		MaxIterations:  cfg.MaxIterations,
		SandboxTimeout: cfg.SandboxTimeout,
		RequestTimeout: cfg.RequestTimeout,
		RequestRetries: cfg.RequestRetries,
		HistoryWindow:  cfg.HistoryWindow,
	}, store, bus, sandbox.NewRunner(cfg.Interpreter), requester)

	s := NewWithComponents(cfg, store, bus, ctrl, github.NewClient(cfg.GitHubToken))

	if cfg.SlackEnabled() {
		s.notifier = scriptfixslack.NewNotifier(cfg.SlackBotToken, cfg.SlackChannel)
		log.Println("Slack outcome notifications enabled")
	}

	if cfg.TelegramEnabled() {
		bot, err := scriptfixtelegram.NewBot(cfg.TelegramBotToken, store, bus, s)
		if err != nil {
			log.Printf("Warning: failed to initialize Telegram bot: %v", err)
		} else {
			s.telegramBot = bot
			log.Println("Telegram bot enabled (long polling)")
		}
	}

	return s, nil
}

// NewWithComponents wires a Server from explicit components. Used by New
// and by tests.
func NewWithComponents(cfg *config.Config, store *session.Store, bus *session.EventBus, repairer Repairer, gh *github.Client) *Server {
	s := &Server{
		config:   cfg,
		store:    store,
		bus:      bus,
		repairer: repairer,
		github:   gh,
	}
	s.router = s.buildRouter()
	return s
}

// requesterFromConfig picks the LLM backend. Anthropic wins when both keys
// are present; the controller's logic is invariant to the choice.
func requesterFromConfig(cfg *config.Config) (fixer.Requester, error) {
	switch {
	case cfg.AnthropicAPIKey != "":
		return fixer.NewLLMRequester(anthropic.New(cfg.AnthropicAPIKey, cfg.LLMModel), cfg.RequestTimeout), nil
	case cfg.OpenAIAPIKey != "":
		return fixer.NewLLMRequester(openai.New(cfg.OpenAIAPIKey, cfg.LLMModel), cfg.RequestTimeout), nil
	default:
		return nil, fmt.Errorf("no LLM API key configured (set ANTHROPIC_API_KEY or OPENAI_API_KEY)")
	}
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server and the Telegram bot. Blocks until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.telegramBot != nil {
		go func() {
			if err := s.telegramBot.Run(ctx); err != nil {
				log.Printf("Telegram bot error: %v", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:    s.config.ServerAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("ScriptFix server listening on %s", s.config.ServerAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return s.store.Close()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/result", s.handleGetResult)
		r.Get("/sessions/{id}/events", s.handleSessionEvents)
		r.Get("/sessions/{id}/versions", s.handleListVersions)
		r.Get("/sessions/{id}/versions/{idx}", s.handleGetVersion)
		r.Post("/sessions/{id}/gist", s.handleCreateGist)
	})

	// Health check.
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// --- Request/Response types ---

type createSessionRequest struct {
	// Filename is the display name of the script (default "script.py").
	Filename string `json:"filename,omitempty"`

	// Source is the script text. Mutually exclusive with GitHub.
	Source string `json:"source,omitempty"`

	// GitHub fetches the script from "owner/repo/path/to/script.py[@ref]"
	// instead of taking inline source.
	GitHub string `json:"github,omitempty"`
}

type resultResponse struct {
	Outcome           session.Outcome  `json:"outcome"`
	FinalSource       string           `json:"final_source"`
	LastFailingSource string           `json:"last_failing_source,omitempty"`
	Iterations        int              `json:"iteration_count"`
	History           []repair.Attempt `json:"history"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- Handlers ---

// CreateAndRunSession creates a session for the given script and starts the
// repair loop in the background. Shared entry point for the HTTP API and
// the Telegram bot.
func (s *Server) CreateAndRunSession(filename, source string) (*session.Session, error) {
	if filename == "" {
		filename = "script.py"
	}
	now := time.Now().UTC()
	sess := &session.Session{
		ID:        uuid.New().String()[:8],
		Filename:  filename,
		Status:    session.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	go s.runSession(sess, source)

	return sess, nil
}

// runSession drives the repair loop for one session and fans the outcome
// out to the configured notifier.
func (s *Server) runSession(sess *session.Session, source string) {
	report, err := s.repairer.Run(context.Background(), sess, source)
	if err != nil {
		log.Printf("session %s aborted: %v", sess.ID, err)
		return
	}
	if s.notifier != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.NotifyOutcome(ctx, sess, report); err != nil {
			log.Printf("session %s: notifying outcome: %v", sess.ID, err)
		}
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	source := req.Source
	filename := req.Filename

	switch {
	case req.GitHub != "" && req.Source != "":
		writeError(w, http.StatusBadRequest, "provide either source or github, not both")
		return
	case req.GitHub != "":
		repo, filePath, ref, err := github.SplitSourceRef(req.GitHub)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		source, err = s.github.GetFile(r.Context(), repo, filePath, ref)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		if filename == "" {
			filename = path.Base(filePath)
		}
	case req.Source == "":
		writeError(w, http.StatusBadRequest, "source is required")
		return
	}

	sess, err := s.CreateAndRunSession(filename, source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleGetResult reconstructs the caller-facing session result from the
// archived history. For a fixed session final_source is the last version;
// otherwise the original is returned unmodified, with the last failing
// candidate alongside it.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	if sess.Status != session.StatusComplete {
		writeError(w, http.StatusConflict, fmt.Sprintf("session is %s, result not available", sess.Status))
		return
	}

	versions, err := s.store.ListVersions(sess.ID)
	if err != nil || len(versions) == 0 {
		writeError(w, http.StatusInternalServerError, "loading version history failed")
		return
	}
	execs, err := s.store.ListExecutions(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := resultResponse{
		Outcome:    sess.Outcome,
		Iterations: sess.Iterations,
		History:    make([]repair.Attempt, 0, len(execs)),
	}
	for _, e := range execs {
		a := repair.Attempt{VersionIdx: e.VersionIdx, Status: e.Status}
		if e.FailKind != "" {
			a.FailureSummary = e.FailKind + ": " + firstLine(e.FailMsg)
		}
		resp.History = append(resp.History, a)
	}

	last := versions[len(versions)-1]
	if sess.Outcome == session.OutcomeFixed {
		resp.FinalSource = last.Source
	} else {
		resp.FinalSource = versions[0].Source
		if last.Idx > 0 {
			resp.LastFailingSource = last.Source
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}

	afterID := int64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after parameter")
			return
		}
		afterID = n
	}

	events, err := s.store.GetEvents(sess.ID, afterID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []*session.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	versions, err := s.store.ListVersions(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if versions == nil {
		versions = []*session.ScriptVersion{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	idx, err := strconv.Atoi(chi.URLParam(r, "idx"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid version index")
		return
	}
	v, err := s.store.GetVersion(sess.ID, idx)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/x-python; charset=utf-8")
	w.Write([]byte(v.Source))
}

// handleCreateGist publishes the latest version of a completed session as a
// secret gist.
func (s *Server) handleCreateGist(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.findSession(w, r)
	if !ok {
		return
	}
	versions, err := s.store.ListVersions(sess.ID)
	if err != nil || len(versions) == 0 {
		writeError(w, http.StatusConflict, "session has no versions yet")
		return
	}

	last := versions[len(versions)-1]
	desc := fmt.Sprintf("ScriptFix: %s (%s, version %d)", sess.Filename, sess.Outcome, last.Idx)
	url, err := s.github.CreateGist(r.Context(), sess.Filename, last.Source, desc)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

// --- Helpers ---

func (s *Server) findSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.store.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
