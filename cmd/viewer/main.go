package main

import (
	"context"
	"flag"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"streamview/internal/core/domain"
	"streamview/internal/core/ports"
	"streamview/internal/core/services"
	handlers "streamview/internal/handlers/http"
	"streamview/internal/infrastructure/api"
	"streamview/internal/infrastructure/fanout"
	"streamview/internal/infrastructure/media"
	"streamview/internal/infrastructure/monitoring"
	"streamview/pkg/config"
	"streamview/pkg/logger"
	"streamview/pkg/poller"
	"streamview/pkg/tracing"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath = flag.String("config", "", "config file path")
		streamCode = flag.String("stream", "", "stream code to view")
		username   = flag.String("username", os.Getenv("STREAMVIEW_USERNAME"), "sign in as this user")
		remember   = flag.Bool("remember", false, "request a long-lived session")
	)
	flag.Parse()

	if *streamCode == "" {
		fmt.Fprintln(os.Stderr, "usage: viewer -stream <code> [-username <user>] [-remember]")
		os.Exit(2)
	}

	cfg := loadConfig(*configPath)

	zlog := logger.New(cfg.Logging.Level)
	defer zlog.Sync()
	log := zlog.Sugar()

	if err := run(cfg, log, *streamCode, *username, *remember); err != nil {
		log.Fatalw("viewer exited", "error", err)
	}
}

func loadConfig(explicit string) *config.Config {
	paths := []string{"configs/config.yaml", "config.yaml"}
	if explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		cfg, err := config.Load(path)
		if err == nil {
			return cfg
		}
	}
	return config.DefaultConfig()
}

func run(cfg *config.Config, log *zap.SugaredLogger, streamCode, username string, remember bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	tasks := poller.NewRegistry(log)
	defer tasks.StopAll()

	metrics := monitoring.NewViewerMetrics()

	apiClient := api.NewClient(api.Config{
		BaseURL:           cfg.Backend.BaseURL,
		RequestTimeout:    cfg.Backend.RequestTimeout,
		RequestsPerSecond: cfg.Backend.RequestsPerSecond,
		Burst:             cfg.Backend.Burst,
	}, log, metrics)

	session := services.NewAuthSession(apiClient, tasks, services.AuthConfig{
		ProfileRefreshInterval: cfg.Session.ProfileRefreshInterval,
		RefreshHook:            metrics.RecordRefresh,
	}, log)

	session.Subscribe(func(n domain.Notification) {
		metrics.RecordSessionChange(n.Kind)
	})

	health := monitoring.NewHealthChecker()
	health.AddCheck("backend", func(ctx context.Context) error {
		req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodHead, cfg.Backend.BaseURL, nil)
		if err != nil {
			return err
		}
		resp, err := nethttp.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}, 5*time.Second)

	if cfg.Fanout.Enabled {
		mirror := fanout.NewMirror(fanout.Config{
			Enabled:  cfg.Fanout.Enabled,
			Address:  cfg.Fanout.Address,
			Password: cfg.Fanout.Password,
			DB:       cfg.Fanout.DB,
			Channel:  cfg.Fanout.Channel,
		}, log)
		mirror.Attach(session.Subscribe)
		defer mirror.Close()
		health.AddCheck("fanout", mirror.Ping, 3*time.Second)
	}

	if cfg.Diagnostics.Enabled {
		diag := handlers.NewDiagnosticsServer(session, tasks, health, log)
		go func() {
			if err := diag.Start(ctx, cfg.Diagnostics.Address); err != nil {
				log.Errorw("diagnostics server failed", "error", err)
			}
		}()
	}

	if username != "" {
		password := os.Getenv("STREAMVIEW_PASSWORD")
		if password == "" {
			return fmt.Errorf("STREAMVIEW_PASSWORD must be set when -username is given")
		}
		if err := session.Login(ctx, username, password, remember); err != nil {
			return fmt.Errorf("login: %w", err)
		}
		defer session.Logout(context.Background(), false)
	}

	var iceURLs []string
	for _, server := range cfg.Media.ICEServers {
		iceURLs = append(iceURLs, server.URLs...)
	}
	factory := media.NewFactory(
		media.LiveConfig{
			SignalURL:      cfg.Media.SignalURL,
			ICEServers:     iceURLs,
			StallThreshold: cfg.Media.StallThreshold,
		},
		media.ReplayConfig{
			BaseURL:   cfg.Backend.BaseURL,
			Qualities: cfg.Media.ReplayQualities,
		},
		nil,
		log,
	)

	observer := monitoring.NewMetricsObserver(&logObserver{log: log}, metrics)
	controller := services.NewViewController(session, factory, observer, services.ViewConfig{
		StatusPollInterval: cfg.Session.StatusPollInterval,
		RetryBackoff:       cfg.Session.RetryBackoff,
		SettleDelay:        cfg.Session.SettleDelay,
		PollHook:           metrics.RecordPoll,
	}, log)

	if err := controller.Open(ctx, streamCode); err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer controller.Close(context.Background())

	log.Infow("viewing stream", "stream_code", streamCode)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// logObserver narrates the view session in the process log.
type logObserver struct {
	log *zap.SugaredLogger
}

func (o *logObserver) OnWaiting(status domain.Status) {
	o.log.Infow("waiting", "status", status.String())
}

func (o *logObserver) OnPlaying(kind domain.ConnectionKind) {
	o.log.Infow("playing", "transport", kind.String())
}

func (o *logObserver) OnStreamInfoChanged(info *domain.StreamInfo, changed []string) {
	o.log.Infow("stream info changed", "title", info.Title, "status", info.Status.String(), "fields", changed)
}

func (o *logObserver) OnAdvisory(message string) {
	o.log.Infow("advisory", "message", message)
}

func (o *logObserver) OnAuthRequired() {
	o.log.Warn("stream requires a signed-in viewer")
}

func (o *logObserver) OnTerminated(reason error) {
	if reason != nil {
		o.log.Warnw("view session ended", "reason", reason)
	} else {
		o.log.Info("view session ended")
	}
}

var _ ports.ViewObserver = (*logObserver)(nil)
