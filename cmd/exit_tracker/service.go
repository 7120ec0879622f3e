package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"exit_tracker/internal/alert"
	"exit_tracker/internal/bootstrap"
	"exit_tracker/internal/config"
	"exit_tracker/internal/core"
	"exit_tracker/internal/feed"
	"exit_tracker/internal/infrastructure/grpchealth"
	"exit_tracker/internal/infrastructure/health"
	"exit_tracker/internal/infrastructure/metrics"
	"exit_tracker/internal/persistence"
	"exit_tracker/internal/trading/position"
	"exit_tracker/internal/trading/supervisor"
	"exit_tracker/pkg/concurrency"
	"exit_tracker/pkg/liveserver"
	"exit_tracker/pkg/retry"
	"exit_tracker/pkg/websocket"
)

// recordStore is what both the run and export commands need from a store
type recordStore interface {
	core.IRecordStore
	persistence.RecordLister
}

type pinger interface {
	Ping(ctx context.Context) error
}

// openStore builds the configured record store
func openStore(ctx context.Context, cfg config.StorageConfig) (recordStore, error) {
	switch cfg.Driver {
	case "memory":
		return persistence.NewMemoryStore(), nil
	case "sqlite":
		return persistence.NewSQLiteStore(cfg.SQLitePath)
	case "postgres":
		return persistence.NewPostgresStore(ctx, cfg.PostgresDSN.Reveal())
	}
	return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}

// service holds every long-running component of the run command
type service struct {
	cfg    *config.Config
	logger core.ILogger

	store      recordStore
	dispatcher *persistence.Dispatcher
	alerts     *alert.AlertManager
	hub        *liveserver.Hub
	live       *liveserver.Server
	pool       *concurrency.WorkerPool
	sup        *supervisor.Supervisor
	health     *health.HealthManager
	metrics    *metrics.Server
	grpcHealth *grpchealth.Server

	// source is nil when feed.source is none
	source bootstrap.Runner
	// finite sources (stdin, file) stop the service at EOF
	finite bool
}

func newService(ctx context.Context, cfg *config.Config, logger core.ILogger, stdin io.Reader) (*service, error) {
	s := &service{cfg: cfg, logger: logger}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	s.store = store

	d := cfg.Delivery
	s.dispatcher = persistence.NewDispatcher(store, persistence.DispatcherConfig{
		Workers:   d.Workers,
		QueueSize: d.QueueSize,
		Retry: retry.RetryPolicy{
			MaxAttempts:    d.MaxAttempts,
			InitialBackoff: config.Millis(d.InitialBackoffMs),
			MaxBackoff:     config.Millis(d.MaxBackoffMs),
			JitterFactor:   d.JitterFactor,
		},
		RedriveInterval: config.Millis(d.RedriveIntervalMs),
	}, logger)

	sinks := []core.IRecordSink{s.dispatcher}

	if cfg.Alert.Enabled {
		s.alerts = alert.NewAlertManager(logger)
		s.alerts.SetSendTimeout(config.Millis(cfg.Alert.SendTimeoutMs))
		if token := cfg.Alert.Telegram.BotToken.Reveal(); token != "" {
			ch, err := alert.NewTelegramChannel(token, cfg.Alert.Telegram.ChatID)
			if err != nil {
				s.closeStore()
				return nil, fmt.Errorf("telegram: %w", err)
			}
			s.alerts.AddChannel(ch)
		}
		if hook := cfg.Alert.Slack.WebhookURL.Reveal(); hook != "" {
			s.alerts.AddChannel(alert.NewSlackChannel(hook))
		}
		sinks = append(sinks, alert.NewSettlementNotifier(s.alerts, cfg.Alert.NotifyLegs))
	}

	if cfg.LiveServer.Enabled {
		ls := cfg.LiveServer
		s.hub = liveserver.NewHub(logger.WithField("component", "live_hub"))
		s.live = liveserver.NewServer(s.hub, logger.WithField("component", "live_server"), liveserver.ServerConfig{
			AllowedOrigins: ls.AllowedOrigins,
			Production:     ls.Production,
			MaxConnections: ls.MaxConnections,
			RateLimit:      ls.RateLimit,
			RateBurst:      ls.RateBurst,
			StaticDir:      ls.StaticDir,
		})
		sinks = append(sinks, liveserver.NewRecordBroadcaster(s.hub))
	}

	offset, err := cfg.BreakEvenOffset()
	if err != nil {
		s.closeStore()
		return nil, err
	}

	s.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "evaluation",
		MaxWorkers:  cfg.Concurrency.EvalPoolSize,
		MaxCapacity: cfg.Concurrency.EvalPoolBuffer,
	}, logger)

	s.sup = supervisor.New(supervisor.Config{
		Tracker:       position.Config{BreakEvenOffset: offset},
		LaneBuffer:    cfg.Engine.LaneBuffer,
		RetryInterval: config.Millis(cfg.Engine.RetryIntervalMs),
	}, s.pool, logger, sinks...)

	if s.live != nil {
		s.live.SetSnapshotFunc(func() interface{} { return positionViews(s.sup.Positions()) })
	}

	if err := s.loadPositions(ctx); err != nil {
		s.pool.Stop()
		s.closeStore()
		return nil, err
	}

	s.source, s.finite, err = s.buildSource(stdin)
	if err != nil {
		s.pool.Stop()
		s.closeStore()
		return nil, err
	}

	s.health = health.NewHealthManager(logger)
	if p, ok := store.(pinger); ok {
		s.health.Register("store", p.Ping)
	}
	s.health.Register("delivery", func(context.Context) error {
		if n := s.dispatcher.Pending(); n >= d.QueueSize {
			return fmt.Errorf("%d records pending delivery", n)
		}
		return nil
	})
	if cfg.Telemetry.EnableMetrics {
		s.metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, s.health, logger)
	}
	if port := cfg.Telemetry.HealthGRPCPort; port > 0 {
		s.grpcHealth = grpchealth.NewServer(port, config.Millis(cfg.Telemetry.HealthRefreshIntervalMs), s.health, logger)
	}

	return s, nil
}

// loadPositions opens the positions listed in engine.positions_file
func (s *service) loadPositions(ctx context.Context) error {
	path := s.cfg.Engine.PositionsFile
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("positions file: %w", err)
	}
	defer f.Close()

	stats, err := feed.NewReader(feed.NewDecoder(), s.sup, s.logger).ReadAll(ctx, f)
	if err != nil {
		return fmt.Errorf("positions file: %w", err)
	}
	s.logger.Info("Loaded positions", "file", path, "applied", stats.Applied, "rejected", stats.Rejected)
	return nil
}

func (s *service) buildSource(stdin io.Reader) (bootstrap.Runner, bool, error) {
	fc := s.cfg.Feed
	decoder := feed.NewDecoder()

	switch fc.Source {
	case "none":
		return nil, false, nil
	case "stdin":
		return s.readerSource("stdin", func() (io.ReadCloser, error) {
			return io.NopCloser(stdin), nil
		}, decoder), true, nil
	case "file":
		return s.readerSource(fc.Path, func() (io.ReadCloser, error) {
			return os.Open(fc.Path)
		}, decoder), true, nil
	case "websocket":
		wsCfg := websocket.DefaultConfig(fc.URL)
		if fc.ReconnectWaitMs > 0 {
			wsCfg.ReconnectWait = config.Millis(fc.ReconnectWaitMs)
		}
		var subscribe interface{}
		if len(fc.Subscribe) > 0 {
			subscribe = fc.Subscribe
		}
		return feed.NewWebsocketSource(wsCfg, subscribe, decoder, s.sup, s.logger), false, nil
	}
	return nil, false, fmt.Errorf("unknown feed source %q", fc.Source)
}

func (s *service) readerSource(name string, open func() (io.ReadCloser, error), decoder *feed.Decoder) bootstrap.Runner {
	return bootstrap.RunnerFunc(func(ctx context.Context) error {
		r, err := open()
		if err != nil {
			return err
		}
		defer r.Close()

		type result struct {
			stats feed.Stats
			err   error
		}
		done := make(chan result, 1)
		go func() {
			stats, err := feed.NewReader(decoder, s.sup, s.logger).ReadAll(ctx, r)
			done <- result{stats, err}
		}()

		// A blocked read on stdin cannot be interrupted; shutdown does not wait for it.
		select {
		case res := <-done:
			s.logger.Info("Feed finished", "source", name,
				"lines", res.stats.Lines, "applied", res.stats.Applied, "rejected", res.stats.Rejected)
			return res.err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// runners returns the components App.Run supervises. stop cancels the whole
// application and is called when a finite feed is exhausted.
func (s *service) runners(stop context.CancelFunc) []bootstrap.Runner {
	out := []bootstrap.Runner{bootstrap.RunnerFunc(func(ctx context.Context) error {
		return s.runPipeline(ctx, stop)
	})}
	if s.live != nil {
		out = append(out,
			bootstrap.RunnerFunc(func(ctx context.Context) error {
				s.hub.Run(ctx)
				return nil
			}),
			bootstrap.RunnerFunc(func(ctx context.Context) error {
				return s.live.Start(ctx, s.cfg.LiveServer.Addr)
			}))
	}
	if s.metrics != nil {
		out = append(out, s.metrics)
	}
	if s.grpcHealth != nil {
		out = append(out, s.grpcHealth)
	}
	return out
}

// runPipeline runs the supervisor, the feed and the dispatcher. The dispatcher
// outlives the supervisor so records emitted while lanes drain are still stored.
func (s *service) runPipeline(ctx context.Context, stop context.CancelFunc) error {
	deliveryCtx, stopDelivery := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDelivery()
	delivered := make(chan error, 1)
	go func() { delivered <- s.dispatcher.Run(deliveryCtx) }()

	supCtx, stopSup := context.WithCancel(ctx)
	defer stopSup()
	supDone := make(chan error, 1)
	go func() { supDone <- s.sup.Run(supCtx) }()

	var feedErr error
	if s.source != nil {
		select {
		case <-s.sup.Started():
			feedErr = s.source.Run(ctx)
		case err := <-supDone:
			supDone <- err
		}
		switch {
		case feedErr != nil && !errors.Is(feedErr, context.Canceled):
			s.logger.Error("Feed failed", "error", feedErr)
			stopSup()
		case s.finite && ctx.Err() == nil:
			s.logger.Info("Feed exhausted, shutting down", "active_positions", s.sup.ActiveCount())
			stop()
		}
	}

	supErr := <-supDone
	s.pool.Stop()

	stopDelivery()
	deliveryErr := <-delivered

	if s.alerts != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), config.Millis(s.cfg.Alert.SendTimeoutMs))
		if err := s.alerts.Wait(waitCtx); err != nil {
			s.logger.Warn("Alerts still in flight at shutdown", "error", err)
		}
		cancel()
	}

	if errors.Is(feedErr, context.Canceled) {
		feedErr = nil
	}
	return errors.Join(feedErr, supErr, deliveryErr, s.closeStore())
}

func (s *service) closeStore() error {
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	return err
}

// positionView is the live-server snapshot of one open position
type positionView struct {
	ID             string `json:"id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Status         string `json:"status"`
	EntryPrice     string `json:"entry_price"`
	RemainingQty   string `json:"remaining_qty"`
	StopLossPrice  string `json:"stop_loss_price,omitempty"`
	StopPromoted   bool   `json:"stop_promoted"`
	LegCount       int    `json:"leg_count"`
	RealizedNetPnL string `json:"realized_net_pnl"`
	OpenedAt       string `json:"opened_at"`
}

func positionViews(states []position.State) []positionView {
	out := make([]positionView, 0, len(states))
	for _, st := range states {
		v := positionView{
			ID:             st.ID,
			Symbol:         st.Symbol,
			Side:           string(st.Side),
			Status:         string(st.Status),
			EntryPrice:     st.EntryPrice.String(),
			RemainingQty:   st.RemainingQty.String(),
			StopPromoted:   st.StopPromoted(),
			LegCount:       len(st.Legs),
			RealizedNetPnL: position.Aggregate(st.Legs, st.MarginUsed).TotalNetPnL.String(),
			OpenedAt:       st.OpenedAt.UTC().Format(time.RFC3339),
		}
		if st.HasStop() {
			v.StopLossPrice = st.StopLossPrice.String()
		}
		out = append(out, v)
	}
	return out
}
