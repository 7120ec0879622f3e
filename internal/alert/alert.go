// Package alert fans human-facing notifications out to chat channels
package alert

import (
	"context"
	"sync"
	"time"

	"exit_tracker/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

type AlertManager struct {
	channels    []AlertChannel
	logger      core.ILogger
	sendTimeout time.Duration
	mu          sync.RWMutex
	inflight    sync.WaitGroup
}

func NewAlertManager(logger core.ILogger) *AlertManager {
	return &AlertManager{
		channels:    make([]AlertChannel, 0),
		logger:      logger.WithField("component", "alert_manager"),
		sendTimeout: 10 * time.Second,
	}
}

// SetSendTimeout bounds each channel send; non-positive values are ignored
func (am *AlertManager) SetSendTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	am.mu.Lock()
	defer am.mu.Unlock()
	am.sendTimeout = d
}

func (am *AlertManager) AddChannel(ch AlertChannel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Channels returns the number of registered channels
func (am *AlertManager) Channels() int {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return len(am.channels)
}

// Alert sends to every channel in the background and returns immediately
func (am *AlertManager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	// Delivery outlives the caller's context; each send gets its own timeout.
	base := context.WithoutCancel(ctx)
	timeout := am.sendTimeout
	for _, ch := range am.channels {
		am.inflight.Add(1)
		go func(c AlertChannel) {
			defer am.inflight.Done()
			timeoutCtx, cancel := context.WithTimeout(base, timeout)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// Wait blocks until in-flight alerts finish or ctx is done
func (am *AlertManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		am.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
