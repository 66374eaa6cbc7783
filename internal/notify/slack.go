// Package notify sends operational alerts about the gateway's own health
// (retention failures, usage buffer overflow) to Slack. It plays the same
// ops-visibility role nightowl's pkg/slack plays for incident paging,
// redirected at the gateway's own failure modes.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Severity mirrors nightowl's incident severities, reused as a generic
// ops-alert severity scale.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is the data needed to post an operational alert to Slack.
type Alert struct {
	Source      string // e.g. "retention", "usage_buffer"
	Title       string
	Severity    Severity
	Description string
}

// Notifier posts operational alerts to a configured Slack channel. A
// Notifier built without a bot token is a noop (logs only), matching
// nightowl's Notifier.IsEnabled gate so callers never need to branch on
// whether Slack is configured.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostAlert sends alert to the configured channel. Disabled notifiers log
// at Debug and return nil rather than erroring, so alerting failures never
// interrupt the retention worker or usage buffer that triggered them.
func (n *Notifier) PostAlert(ctx context.Context, alert Alert) error {
	if !n.IsEnabled() {
		n.logger.Debug("slack notifier disabled, skipping alert",
			"source", alert.Source, "title", alert.Title)
		return nil
	}

	blocks := alertBlocks(alert)
	opts := []goslack.MsgOption{
		goslack.MsgOptionBlocks(blocks...),
		goslack.MsgOptionText(fmt.Sprintf("%s %s: %s", severityEmoji(alert.Severity), alert.Severity, alert.Title), false),
	}

	channelID, ts, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}

	n.logger.Info("posted operational alert to slack",
		"source", alert.Source, "channel", channelID, "ts", ts)
	return nil
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return "🔴"
	case SeverityWarning:
		return "🟡"
	case SeverityInfo:
		return "🔵"
	default:
		return "⚪"
	}
}

func alertBlocks(alert Alert) []goslack.Block {
	header := goslack.NewHeaderBlock(
		goslack.NewTextBlockObject(goslack.PlainTextType,
			fmt.Sprintf("%s %s: %s", severityEmoji(alert.Severity), alert.Severity, alert.Title), true, false),
	)

	blocks := []goslack.Block{header}

	sourceField := goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Source:* %s", alert.Source), false, false)
	blocks = append(blocks, goslack.NewSectionBlock(nil, []*goslack.TextBlockObject{sourceField}, nil))

	if alert.Description != "" {
		blocks = append(blocks, goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, truncate(alert.Description, 500), false, false),
			nil, nil,
		))
	}

	return blocks
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
