package notify

import (
	"context"
	"log"

	"github.com/slack-go/slack"
)

// AnchorStore persists thread anchors so Slack threading survives
// restarts
type AnchorStore interface {
	ThreadAnchor(ctx context.Context, key string) (string, error)
	SetThreadAnchor(ctx context.Context, key, anchor string) error
}

// slackAPI is the slice of the Slack client the notifier uses
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts messages to a channel, threading follow-ups under the
// first message for each thread key
type Slack struct {
	client  slackAPI
	channel string
	anchors AnchorStore
	logger  *log.Logger
}

// NewSlack creates a Slack notifier posting to channel
func NewSlack(token, channel string, anchors AnchorStore, logger *log.Logger) *Slack {
	return &Slack{
		client:  slack.New(token),
		channel: channel,
		anchors: anchors,
		logger:  logger,
	}
}

// Notify implements Notifier. The first message for a thread key
// becomes the thread anchor; later messages reply under it.
func (s *Slack) Notify(ctx context.Context, threadKey, message string) {
	opts := []slack.MsgOption{slack.MsgOptionText(message, false)}

	var anchor string
	if threadKey != "" {
		ts, err := s.anchors.ThreadAnchor(ctx, threadKey)
		if err != nil {
			s.logger.Printf("Failed to load thread anchor for %s: %v", threadKey, err)
		} else {
			anchor = ts
		}
		if anchor != "" {
			opts = append(opts, slack.MsgOptionTS(anchor))
		}
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		s.logger.Printf("Failed to send Slack notification: %v", err)
		return
	}

	if threadKey != "" && anchor == "" {
		if err := s.anchors.SetThreadAnchor(ctx, threadKey, ts); err != nil {
			s.logger.Printf("Failed to save thread anchor for %s: %v", threadKey, err)
		}
	}
}
