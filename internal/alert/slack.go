package alert

import (
	"context"
	"fmt"
	"sort"

	httpclient "exit_tracker/pkg/http"
)

// SlackChannel posts alerts to an incoming webhook. Failed posts are retried
// and a failing webhook trips a circuit breaker.
type SlackChannel struct {
	webhookURL string
	client     *httpclient.Client
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return newSlackChannel(webhookURL, httpclient.DefaultOptions())
}

func newSlackChannel(webhookURL string, opts httpclient.Options) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		client:     httpclient.NewClient("slack", opts),
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, alert AlertPayload) error {
	if s.webhookURL == "" {
		return nil
	}

	color := "#36a64f" // Green (Info)
	switch alert.Level {
	case Warning:
		color = "#ffcc00"
	case Error:
		color = "#ff0000"
	case Critical:
		color = "#8b0000"
	}

	keys := make([]string, 0, len(alert.Fields))
	for k := range alert.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]map[string]interface{}, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, map[string]interface{}{
			"title": k,
			"value": alert.Fields[k],
			"short": true,
		})
	}

	payload := map[string]interface{}{
		"attachments": []map[string]interface{}{
			{
				"color":   color,
				"pretext": fmt.Sprintf("[%s] %s", alert.Level, alert.Title),
				"text":    alert.Message,
				"fields":  fields,
				"ts":      alert.Timestamp.Unix(),
				"footer":  "exit_tracker",
			},
		},
	}

	if _, err := s.client.PostJSON(ctx, s.webhookURL, payload); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
