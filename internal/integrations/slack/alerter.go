// Package slackalert posts monitor anomalies to a Slack channel.
package slackalert

import (
	"context"
	"fmt"
	"net/http"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"querybot/internal/audit"
)

type Alerter struct {
	api       *slack.Client
	channelID string
	logger    *zap.Logger
}

// New builds a Slack alerter. httpClient may be nil.
func New(token, channelID string, httpClient *http.Client, logger *zap.Logger, opts ...slack.Option) *Alerter {
	if httpClient != nil {
		opts = append([]slack.Option{slack.OptionHTTPClient(httpClient)}, opts...)
	}
	return &Alerter{
		api:       slack.New(token, opts...),
		channelID: channelID,
		logger:    logger,
	}
}

func severityIcon(s audit.Severity) string {
	if s == audit.SeverityHigh {
		return ":rotating_light:"
	}
	return ":warning:"
}

// FormatAnomaly renders the plain-text fallback used for notifications.
func FormatAnomaly(severity audit.Severity, a audit.Anomaly) string {
	return fmt.Sprintf("%s [%s] querybot %s: %s (%d samples)",
		severityIcon(severity), severity, a.Kind, a.Message, a.Samples)
}

func (a *Alerter) Notify(ctx context.Context, severity audit.Severity, anomaly audit.Anomaly) error {
	text := FormatAnomaly(severity, anomaly)
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("%s *%s* `%s`\n%s", severityIcon(severity), severity, anomaly.Kind, anomaly.Message),
				false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("value %.3f | threshold %.3f | samples %d", anomaly.Value, anomaly.Threshold, anomaly.Samples),
				false, false),
		),
	}

	_, _, err := a.api.PostMessageContext(ctx, a.channelID,
		slack.MsgOptionText(text, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("post anomaly to slack channel %s: %w", a.channelID, err)
	}
	a.logger.Info("anomaly posted to slack", zap.String("kind", anomaly.Kind), zap.String("channel", a.channelID))
	return nil
}
