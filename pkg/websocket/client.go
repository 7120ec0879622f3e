// Package websocket provides a reconnecting websocket reader for inbound market feeds
package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"exit_tracker/internal/core"
	"exit_tracker/pkg/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// MessageHandler handles one inbound frame. Frames are delivered in arrival order
// on a single goroutine.
type MessageHandler func(ctx context.Context, message []byte)

// Config controls dialing and liveness
type Config struct {
	URL           string
	Header        http.Header
	ReconnectWait time.Duration
	// PingInterval of zero disables client pings
	PingInterval time.Duration
	PingWait     time.Duration
	PongWait     time.Duration
}

// DefaultConfig returns liveness defaults for url
func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		ReconnectWait: 5 * time.Second,
		PingInterval:  30 * time.Second,
		PingWait:      10 * time.Second,
		PongWait:      60 * time.Second,
	}
}

// Client reads frames from a websocket, redialing after any disconnect
type Client struct {
	cfg     Config
	handler MessageHandler
	logger  core.ILogger

	conn *websocket.Conn
	mu   sync.Mutex
	wg   sync.WaitGroup

	onConnected func(ctx context.Context) error

	tracer      trace.Tracer
	msgCounter  metric.Int64Counter
	connCounter metric.Int64Counter
	latencyHist metric.Float64Histogram
}

// NewClient creates a client; call Run to connect
func NewClient(cfg Config, handler MessageHandler, logger core.ILogger) *Client {
	meter := telemetry.GetMeter("feed-ws-client")

	msgCounter, _ := meter.Int64Counter("exit_tracker_feed_messages_total",
		metric.WithDescription("Frames received from the market feed"))
	connCounter, _ := meter.Int64Counter("exit_tracker_feed_connections_total",
		metric.WithDescription("Market feed dial attempts"))
	latencyHist, _ := meter.Float64Histogram("exit_tracker_feed_handle_seconds",
		metric.WithDescription("Time spent handling one feed frame"))

	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = DefaultConfig(cfg.URL).ReconnectWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = DefaultConfig(cfg.URL).PongWait
	}
	if cfg.PingWait <= 0 {
		cfg.PingWait = DefaultConfig(cfg.URL).PingWait
	}

	return &Client{
		cfg:         cfg,
		handler:     handler,
		logger:      logger.WithField("component", "feed_ws_client"),
		tracer:      telemetry.GetTracer("feed-ws-client"),
		msgCounter:  msgCounter,
		connCounter: connCounter,
		latencyHist: latencyHist,
	}
}

// SetOnConnected runs cb after every successful dial, e.g. to send subscriptions.
// An error from cb drops the connection and triggers a redial.
func (c *Client) SetOnConnected(cb func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnected = cb
}

// Send writes a JSON message on the current connection
func (c *Client) Send(message interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.New("websocket not connected")
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.PingWait))
	return c.conn.WriteJSON(message)
}

// Run dials and reads until ctx is cancelled. It waits for the heartbeat
// goroutine before returning and always returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	defer c.wg.Wait()
	defer c.closeConn()

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("Feed connect failed", "url", c.cfg.URL, "error", err)
		} else if err := c.serve(ctx); err != nil {
			c.logger.Warn("Feed connection lost", "url", c.cfg.URL, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectWait):
		}
	}
}

// serve runs one connection to completion
func (c *Client) serve(ctx context.Context) error {
	c.mu.Lock()
	onConnected := c.onConnected
	c.mu.Unlock()

	if onConnected != nil {
		if err := onConnected(ctx); err != nil {
			c.closeConn()
			return err
		}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	if c.cfg.PingInterval > 0 {
		c.wg.Add(1)
		go c.heartbeat(hbCtx)
	}

	// Unblock ReadMessage on shutdown
	stop := context.AfterFunc(ctx, c.closeConn)
	defer stop()

	return c.readLoop(ctx)
}

func (c *Client) heartbeat(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingWait)); err != nil {
				c.closeConn()
				return
			}
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "Feed Connect",
		trace.WithAttributes(attribute.String("ws.url", c.cfg.URL)),
	)
	defer span.End()

	c.connCounter.Add(ctx, 1)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		span.RecordError(err)
		return err
	}

	pongWait := c.cfg.PongWait
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("Feed connected", "url", c.cfg.URL)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) readLoop(ctx context.Context) error {
	defer c.closeConn()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("websocket not connected")
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		start := time.Now()
		c.msgCounter.Add(ctx, 1)
		if c.handler != nil {
			c.handler(ctx, message)
		}
		c.latencyHist.Record(ctx, time.Since(start).Seconds())
	}
}
