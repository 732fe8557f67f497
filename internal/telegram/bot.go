// Package telegram provides a Telegram bot channel for ScriptFix.
//
// Send the bot a broken Python script as a document and it runs the repair
// loop, streaming progress messages and replying with the fixed file when
// the session converges. Uses long polling, so no public URL is needed.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/scriptfix/scriptfix/internal/session"
)

// maxScriptSize caps accepted uploads. The repair prompt embeds the whole
// script, so very large files would blow the backend's context anyway.
const maxScriptSize = 256 * 1024

// SessionCreator is the interface the server implements for the bot.
type SessionCreator interface {
	CreateAndRunSession(filename, source string) (*session.Session, error)
}

// Bot is the Telegram bot for ScriptFix.
type Bot struct {
	api      *tgbotapi.BotAPI
	store    *session.Store
	bus      *session.EventBus
	sessions SessionCreator
	http     *http.Client
}

// NewBot creates a new Telegram bot.
func NewBot(token string, store *session.Store, bus *session.EventBus, creator SessionCreator) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("creating Telegram bot: %w", err)
	}

	log.Printf("Telegram bot authorized as @%s", api.Self.UserName)

	return &Bot{
		api:      api,
		store:    store,
		bus:      bus,
		sessions: creator,
		http:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Run starts the long-polling loop. Blocks until ctx is canceled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	log.Println("Telegram bot listening for messages...")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				go b.handleMessage(ctx, update.Message)
			}
		}
	}
}

// handleMessage routes incoming messages.
func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Document != nil {
		b.handleDocument(ctx, msg)
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	switch cmd := strings.ToLower(strings.Fields(text)[0]); cmd {
	case "/start", "/help":
		b.reply(msg.Chat.ID, msg.MessageID,
			"Send me a broken Python script as a file and I'll try to repair it.\n\n"+
				"/status <id> - check a repair session\n"+
				"/help - this message")
	case "/status":
		parts := strings.Fields(text)
		if len(parts) < 2 {
			b.reply(msg.Chat.ID, msg.MessageID, "Usage: /status <session-id>")
			return
		}
		b.handleStatus(msg.Chat.ID, msg.MessageID, parts[1])
	default:
		b.reply(msg.Chat.ID, msg.MessageID, "Send a .py file to start, or /help for commands.")
	}
}

// handleDocument downloads an uploaded script and runs a repair session,
// streaming progress back into the chat.
func (b *Bot) handleDocument(ctx context.Context, msg *tgbotapi.Message) {
	doc := msg.Document
	chatID := msg.Chat.ID

	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".py") {
		b.reply(chatID, msg.MessageID, "I can only repair Python scripts (.py files).")
		return
	}
	if doc.FileSize > maxScriptSize {
		b.reply(chatID, msg.MessageID, "That file is too large.")
		return
	}

	source, err := b.downloadFile(ctx, doc.FileID)
	if err != nil {
		log.Printf("telegram: downloading %s: %v", doc.FileName, err)
		b.reply(chatID, msg.MessageID, "Downloading the file failed, please try again.")
		return
	}

	sess, err := b.sessions.CreateAndRunSession(doc.FileName, source)
	if err != nil {
		log.Printf("telegram: creating session: %v", err)
		b.reply(chatID, msg.MessageID, "Starting the repair session failed, please try again.")
		return
	}

	b.reply(chatID, msg.MessageID,
		fmt.Sprintf("Repairing %s (session %s)...", doc.FileName, sess.ID))

	b.followSession(ctx, chatID, sess.ID)
}

// followSession forwards progress events to the chat and delivers the
// terminal result.
func (b *Bot) followSession(ctx context.Context, chatID int64, sessionID string) {
	events := b.bus.Subscribe(sessionID)
	defer b.bus.Unsubscribe(sessionID, events)

	// The bus only carries events published after subscribing; the store
	// poll below catches a session that finished before we attached.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	deadline := time.NewTimer(30 * time.Minute)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			b.send(chatID, "The repair session is taking too long; check /status "+sessionID+" later.")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case "fix":
				b.send(chatID, ev.Data)
			case "done", "error":
				b.deliverResult(chatID, sessionID)
				return
			}
		case <-ticker.C:
			sess, err := b.store.GetSession(sessionID)
			if err != nil {
				continue
			}
			if sess.Status == session.StatusComplete || sess.Status == session.StatusError {
				b.deliverResult(chatID, sessionID)
				return
			}
		}
	}
}

// deliverResult sends the terminal outcome, attaching the fixed file when
// the session converged.
func (b *Bot) deliverResult(chatID int64, sessionID string) {
	sess, err := b.store.GetSession(sessionID)
	if err != nil {
		log.Printf("telegram: loading session %s: %v", sessionID, err)
		return
	}

	switch {
	case sess.Status == session.StatusError:
		b.send(chatID, fmt.Sprintf("Session %s failed: %s", sess.ID, sess.Error))

	case sess.Outcome == session.OutcomeFixed:
		versions, err := b.store.ListVersions(sess.ID)
		if err != nil || len(versions) == 0 {
			b.send(chatID, "The script was fixed but loading it failed, use /status "+sess.ID)
			return
		}
		fixed := versions[len(versions)-1]
		b.send(chatID, fmt.Sprintf("Fixed %s after %d fix request(s).", sess.Filename, sess.Iterations))

		file := tgbotapi.FileBytes{
			Name:  fixedName(sess.Filename),
			Bytes: []byte(fixed.Source),
		}
		if _, err := b.api.Send(tgbotapi.NewDocument(chatID, file)); err != nil {
			log.Printf("telegram: sending fixed file: %v", err)
		}

	case sess.Outcome == session.OutcomeExhausted:
		b.send(chatID, fmt.Sprintf(
			"Could not fix %s within %d attempt(s); the original script is unchanged.",
			sess.Filename, sess.Iterations))

	default:
		b.send(chatID, fmt.Sprintf(
			"Could not repair %s: not enough failure evidence to work with.", sess.Filename))
	}
}

func (b *Bot) handleStatus(chatID int64, replyTo int, sessionID string) {
	sess, err := b.store.GetSession(sessionID)
	if err != nil {
		b.reply(chatID, replyTo, "No such session.")
		return
	}
	status := string(sess.Status)
	if sess.Outcome != "" {
		status += " (" + string(sess.Outcome) + ")"
	}
	b.reply(chatID, replyTo, fmt.Sprintf("%s: %s, %d fix request(s)", sess.Filename, status, sess.Iterations))
}

// downloadFile fetches an uploaded document from Telegram's file API.
func (b *Bot) downloadFile(ctx context.Context, fileID string) (string, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolving file URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading file: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxScriptSize+1))
	if err != nil {
		return "", err
	}
	if len(data) > maxScriptSize {
		return "", fmt.Errorf("file exceeds %d bytes", maxScriptSize)
	}
	return string(data), nil
}

func (b *Bot) reply(chatID int64, replyTo int, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("telegram: sending message: %v", err)
	}
}

func (b *Bot) send(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Printf("telegram: sending message: %v", err)
	}
}

// fixedName turns "script.py" into "script_fixed.py".
func fixedName(name string) string {
	if i := strings.LastIndex(name, "."); i > 0 {
		return name[:i] + "_fixed" + name[i:]
	}
	return name + "_fixed"
}
