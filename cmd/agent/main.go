package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/slsupport/email-agent/internal/agent"
	"github.com/slsupport/email-agent/internal/config"
	"github.com/slsupport/email-agent/internal/lock"
	"github.com/slsupport/email-agent/internal/mailer"
	"github.com/slsupport/email-agent/internal/notify"
	"github.com/slsupport/email-agent/internal/ops"
	"github.com/slsupport/email-agent/internal/pkg/logger"
	"github.com/slsupport/email-agent/internal/sleepqueue"
	"github.com/slsupport/email-agent/internal/steps"
	"github.com/slsupport/email-agent/internal/store"
	"github.com/slsupport/email-agent/internal/templates"
)

func main() {
	logLevels := flag.String("log-levels", "",
		"comma-separated log categories (progress,steps,workorder,debug,websocket); empty enables all")
	terminateAfterInit := flag.Bool("terminate-after-initialization", false,
		"run startup recovery and exit")
	flag.Parse()

	log := logger.New()
	if *logLevels != "" {
		log.SetCategories(strings.Split(*logLevels, ","))
	}

	if err := run(log, *terminateAfterInit); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(log *logger.Logger, terminateAfterInit bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg, log)
	if err != nil {
		return err
	}

	var notifier *notify.Notifier
	if cfg.Push.WebSocketAPIURL != "" {
		notifier = notify.New(st.AWSConfig(), cfg.Push.WebSocketAPIURL, st, cfg.Push.HeartbeatInterval, log)
		st.SetNotifier(notifier)
		notifier.StartHeartbeat()
		defer notifier.Stop()
	}

	locks := lock.New(st, log)
	sleepers := sleepqueue.New(cfg.Agent.SleepQueueLimit)
	tmpl := templates.New(cfg.Templates, nil, log)
	gateway := mailer.New(cfg.SMTP, st, log)
	executor := steps.New(st, tmpl, gateway, sleepers, *cfg, log)
	a := agent.New(st, locks, executor, sleepers, cfg.Agent, log)

	if err := a.Startup(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}
	if terminateAfterInit {
		log.Log(logger.Progress, "startup recovery complete, terminating as requested")
		return nil
	}

	var opsServer *ops.Server
	if cfg.Ops.Addr != "" {
		opsServer = ops.New(cfg.Ops.Addr, a, log)
		opsServer.Start()
	}

	a.Run(ctx)

	if opsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = opsServer.Shutdown(shutdownCtx)
	}
	log.Log(logger.Progress, "agent stopped")
	return nil
}
