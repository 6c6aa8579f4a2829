package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/logfields"
)

// TeamsNotifier routes notifications to one of two webhook destinations:
// the card webhook receives plain text payloads, the flow webhook receives
// adaptive cards in an attachments envelope.
// Triggered and terminal notifications go to the flow webhook, in-progress
// updates to the card webhook.
type TeamsNotifier struct {
	card   *Sink
	flow   *Sink
	logger *zap.Logger
}

func NewTeamsNotifier(cardWebhookURL, flowWebhookURL string) (*TeamsNotifier, error) {
	if cardWebhookURL == "" && flowWebhookURL == "" {
		return nil, errors.New("no webhook destination configured")
	}

	result := TeamsNotifier{
		logger: zap.L().Named("notifier"),
	}

	if cardWebhookURL != "" {
		result.card = NewSink(cardWebhookURL, FormatText)
	}

	if flowWebhookURL != "" {
		result.flow = NewSink(flowWebhookURL, FormatAdaptiveCard)
	}

	return &result, nil
}

func (n *TeamsNotifier) sinkFor(kind StatusKind) *Sink {
	if kind == KindInProgress {
		if n.card != nil {
			return n.card
		}

		return n.flow
	}

	if n.flow != nil {
		return n.flow
	}

	return n.card
}

// Send posts the notification to the destination matching its kind.
func (n *TeamsNotifier) Send(ctx context.Context, notification *Notification) error {
	err := n.sinkFor(notification.Kind).Post(ctx, notification.Message())
	if err != nil {
		return err
	}

	n.logger.Debug(
		"notification sent",
		logfields.Event("notification_sent"),
		logfields.Pipeline(notification.Pipeline),
		zap.String("notification_kind", notification.Kind.String()),
	)

	return nil
}
