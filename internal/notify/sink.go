package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aegisdx/deploymon/internal/logfields"
	"github.com/aegisdx/deploymon/internal/monerr"
)

const DefaultHTTPClientTimeout = time.Minute

// PayloadFormat selects how a destination expects messages to be encoded.
type PayloadFormat int8

const (
	// FormatText wraps the message in a {"text": ...} object, understood
	// by plain incoming webhooks.
	FormatText PayloadFormat = iota
	// FormatAdaptiveCard wraps the message in an adaptive card inside an
	// attachments envelope, required by flow-based webhooks.
	FormatAdaptiveCard
)

// Sink posts messages to a single webhook destination.
type Sink struct {
	url    string
	format PayloadFormat
	client *http.Client
	logger *zap.Logger
}

// NewSink returns a Sink for the given destination.
// The HTTP client uses a timeout of DefaultHTTPClientTimeout.
func NewSink(url string, format PayloadFormat) *Sink {
	return &Sink{
		url:    url,
		format: format,
		client: &http.Client{
			Timeout: DefaultHTTPClientTimeout,
		},
		logger: zap.L().Named("notify_sink"),
	}
}

type textPayload struct {
	Text string `json:"text"`
}

type adaptiveCardBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Wrap bool   `json:"wrap"`
}

type adaptiveCard struct {
	Type    string              `json:"type"`
	Schema  string              `json:"$schema"`
	Version string              `json:"version"`
	Body    []adaptiveCardBlock `json:"body"`
}

type attachment struct {
	ContentType string       `json:"contentType"`
	Content     adaptiveCard `json:"content"`
}

type attachmentsPayload struct {
	Attachments []attachment `json:"attachments"`
}

func (s *Sink) payload(message string) (any, error) {
	switch s.format {
	case FormatText:
		return &textPayload{Text: message}, nil

	case FormatAdaptiveCard:
		return &attachmentsPayload{
			Attachments: []attachment{
				{
					ContentType: "application/vnd.microsoft.card.adaptive",
					Content: adaptiveCard{
						Type:    "AdaptiveCard",
						Schema:  "http://adaptivecards.io/schemas/adaptive-card.json",
						Version: "1.2",
						Body: []adaptiveCardBlock{
							{
								Type: "TextBlock",
								Text: message,
								Wrap: true,
							},
						},
					},
				},
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported payload format: %d", s.format)
	}
}

// Post sends the message to the destination.
// Non-2xx responses are returned as a retryable ErrorHTTPRequest, callers
// decide whether delivery is worth retrying.
func (s *Sink) Post(ctx context.Context, message string) error {
	payload, err := s.payload(message)
	if err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding webhook payload failed: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return monerr.NewRetryableAnytimeError(err)
	}

	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		s.logger.Warn(
			"reading http response body failed",
			logfields.Event("webhook_reading_response_body_failed"),
			zap.Int("http_response_code", resp.StatusCode),
		)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return monerr.NewRetryableAnytimeError(&ErrorHTTPRequest{
			Body:   respBody,
			Status: resp.StatusCode,
		})
	}

	s.logger.Debug(
		"webhook message sent",
		logfields.Event("webhook_message_sent"),
		zap.Int("http_response_code", resp.StatusCode),
	)

	return nil
}
