// Package slack posts terminal repair outcomes to a Slack channel.
package slack

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/scriptfix/scriptfix/internal/repair"
	"github.com/scriptfix/scriptfix/internal/session"
)

// Notifier announces finished repair sessions in one Slack channel.
type Notifier struct {
	api     *slack.Client
	channel string
}

// NewNotifier creates a Notifier posting as the given bot token.
func NewNotifier(botToken, channel string) *Notifier {
	return &Notifier{
		api:     slack.New(botToken),
		channel: channel,
	}
}

// NotifyOutcome posts a summary of a completed session.
func (n *Notifier) NotifyOutcome(ctx context.Context, sess *session.Session, report *repair.Report) error {
	var headline string
	switch report.Outcome {
	case session.OutcomeFixed:
		headline = fmt.Sprintf(":white_check_mark: `%s` fixed after %d fix request(s)", sess.Filename, report.Iterations)
	case session.OutcomeExhausted:
		headline = fmt.Sprintf(":x: `%s` still failing after %d fix request(s), retry budget spent", sess.Filename, report.Iterations)
	default:
		headline = fmt.Sprintf(":warning: `%s` could not be repaired (%s)", sess.Filename, report.Outcome)
	}

	var details string
	for _, a := range report.History {
		details += fmt.Sprintf("v%d: %s", a.VersionIdx, a.Status)
		if a.FailureSummary != "" {
			details += " " + a.FailureSummary
		}
		details += "\n"
	}

	_, _, err := n.api.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(headline, false),
		slack.MsgOptionAttachments(slack.Attachment{
			Title: "session " + sess.ID,
			Text:  details,
		}),
	)
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	return nil
}
