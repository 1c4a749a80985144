package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/oklog/run"
	"go.uber.org/zap"

	"github.com/oamwatch/oamwatch/monitor/adapter"
	"github.com/oamwatch/oamwatch/monitor/api"
	"github.com/oamwatch/oamwatch/monitor/config"
	"github.com/oamwatch/oamwatch/monitor/logging"
	"github.com/oamwatch/oamwatch/monitor/notify"
	"github.com/oamwatch/oamwatch/monitor/scheduler"
	"github.com/oamwatch/oamwatch/monitor/store"
)

// runMonitor wires the engine and blocks until a signal or fatal error.
func runMonitor(envPath string, once bool) error {
	cfg, err := config.Load(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return usageError{fmt.Errorf("config file %s: %w", envPath, err)}
		}
		// Duplicate codes and malformed values refuse start-up.
		return usageError{err}
	}

	log, err := logging.New(cfg.LogDir, false)
	if err != nil {
		return fmt.Errorf("logging setup: %w", err)
	}
	defer log.Sync()

	st := store.NewManager(cfg.SiteDir, log.Named("store"))
	if err := st.Open(); err != nil {
		return fmt.Errorf("open stores: %w", err)
	}

	sender, closeSender := buildSender(cfg, log)
	defer closeSender()
	queue := notify.NewQueue(sender, cfg.EmailMaxPerMinute, cfg.EmailFirstCheckDelay, log.Named("notify"))

	pool := adapter.NewPool(browserProbe(cfg), adapter.Options{
		Workers: cfg.Workers,
		Retries: 2,
	}, log.Named("adapter"))

	sched := scheduler.New(st, pool, queue, cfg, log.Named("scheduler"))
	sched.Rebuild()

	if once {
		ctx := context.Background()
		if err := sched.RunOnce(ctx); err != nil {
			return fmt.Errorf("single run: %w", err)
		}
		return nil
	}

	watcher := config.NewWatcher(envPath, cfg, log.Named("config"), sched.ApplyReload)

	var g run.Group
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return sched.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return watcher.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return queue.Run(ctx) }, func(error) { cancel() })
	}
	{
		ctx, cancel := context.WithCancel(context.Background())
		st.StartSweeper(ctx, sweepInterval)
		g.Add(func() error { <-ctx.Done(); return nil }, func(error) { cancel() })
	}
	if cfg.Serve {
		baseURL := fmt.Sprintf("http://localhost:%d", cfg.SitePort)
		srv := api.New(st, sched, queue,
			func() []config.CodeSpec { return watcher.Current().Specs },
			cfg.SiteDir, baseURL, cfg.SitePort, log.Named("api"))
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error { return srv.Run(ctx) }, func(error) { cancel() })
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	log.Info("oamwatch monitor starting",
		zap.Int("declared_codes", len(cfg.Specs)),
		zap.Bool("serve", cfg.Serve))
	err = g.Run()
	if _, ok := err.(run.SignalError); ok {
		log.Info("shutting down on signal")
		return nil
	}
	return err
}

// buildSender returns the SMTP-backed sender when a relay is configured and
// a log-only sender otherwise, so the engine runs without credentials.
func buildSender(cfg *config.Config, log *zap.Logger) (notify.Sender, func()) {
	if cfg.SMTP.Host == "" {
		log.Warn("no SMTP relay configured, notifications are logged only")
		return logSender{log: log.Named("mail")}, func() {}
	}
	mailer, err := notify.NewMailer(cfg.SMTP, log.Named("mail"))
	if err != nil {
		log.Warn("SMTP config invalid, notifications are logged only", zap.Error(err))
		return logSender{log: log.Named("mail")}, func() {}
	}
	return mailer, mailer.Close
}

// logSender drops messages into the log instead of a relay.
type logSender struct{ log *zap.Logger }

func (l logSender) Send(_ context.Context, msg notify.Message) error {
	l.log.Info("email suppressed (no relay)",
		zap.String("correlation_id", msg.CorrelationID),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	return nil
}
