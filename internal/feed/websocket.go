package feed

import (
	"context"

	"exit_tracker/internal/core"
	"exit_tracker/pkg/websocket"
)

// WebsocketSource applies envelopes received as websocket text frames
type WebsocketSource struct {
	client *websocket.Client
}

// NewWebsocketSource builds a source over cfg. When subscribe is non-nil it is
// sent after every (re)connect.
func NewWebsocketSource(cfg websocket.Config, subscribe interface{}, decoder *Decoder, target Target, logger core.ILogger) *WebsocketSource {
	logger = logger.WithField("component", "feed_ws")

	handler := func(ctx context.Context, frame []byte) {
		env, err := decoder.Decode(frame)
		if err == nil {
			err = Apply(ctx, target, env)
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("Feed frame rejected", "error", err)
		}
	}

	client := websocket.NewClient(cfg, handler, logger)
	if subscribe != nil {
		client.SetOnConnected(func(context.Context) error {
			return client.Send(subscribe)
		})
	}
	return &WebsocketSource{client: client}
}

// Run reads frames until ctx is cancelled
func (s *WebsocketSource) Run(ctx context.Context) error {
	return s.client.Run(ctx)
}
