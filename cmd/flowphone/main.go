package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/flowphone/internal/api"
	"github.com/flowpbx/flowphone/internal/api/middleware"
	"github.com/flowpbx/flowphone/internal/bridge"
	"github.com/flowpbx/flowphone/internal/call"
	"github.com/flowpbx/flowphone/internal/config"
	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/database/pgstore"
	"github.com/flowpbx/flowphone/internal/device"
	"github.com/flowpbx/flowphone/internal/fallback"
	"github.com/flowpbx/flowphone/internal/history"
	"github.com/flowpbx/flowphone/internal/media"
	"github.com/flowpbx/flowphone/internal/metrics"
	"github.com/flowpbx/flowphone/internal/notify"
	"github.com/flowpbx/flowphone/internal/session"
	"github.com/flowpbx/flowphone/internal/sipua"
)

// version is set at build time with -ldflags.
var version = "dev"

const (
	actionTokenTTL    = 10 * time.Minute
	retentionInterval = 6 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	apiKey, err := cfg.APIKey()
	if err != nil {
		slog.Error("failed to derive api key", "error", err)
		os.Exit(1)
	}

	if cfg.IssueToken {
		token, expires, err := middleware.GenerateToken(apiKey, "cli", middleware.DefaultTokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
		return
	}

	slog.Info("starting flowphone",
		"version", version,
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"sip_enabled", cfg.SIPEnabled(),
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	callLog, closeStore, err := openCallLog(cfg, logger)
	if err != nil {
		slog.Error("failed to open call log", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	historyWriter := history.NewWriter(callLog, logger)
	defer historyWriter.Close()
	history.StartRetentionTicker(appCtx, callLog, cfg.HistoryRetention, retentionInterval, logger)

	// The bridge buffers nothing: provider events raised before the
	// controller is bound are counted and dropped.
	br := bridge.New(logger)

	var agent *sipua.Agent
	ctrlOpts := call.Options{
		History:     historyWriter,
		Region:      cfg.Region,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	}
	if cfg.SIPEnabled() {
		agent, err = sipua.New(sipua.Config{
			Server:         cfg.SIPServer,
			Port:           cfg.SIPPort,
			Transport:      cfg.SIPTransport,
			Username:       cfg.SIPUsername,
			AuthUsername:   cfg.SIPAuthUsername,
			Password:       cfg.SIPPassword,
			Domain:         cfg.SIPDomain,
			DisplayName:    cfg.SIPDisplayName,
			ListenAddr:     cfg.SIPListen,
			PublicHost:     cfg.MediaIP(),
			MediaHost:      cfg.MediaIP(),
			MediaPort:      cfg.RTPPort,
			RegisterExpiry: cfg.SIPRegisterExpiry,
		}, logger)
		if err != nil {
			slog.Error("failed to create sip user agent", "error", err)
			os.Exit(1)
		}
		ctrlOpts.Provider = agent
		ctrlOpts.Sims = agent
	} else {
		slog.Warn("no sip server configured, outgoing calls will report provider unavailable")
	}

	ctrl := call.NewController(ctrlOpts)
	defer ctrl.Close()

	if err := br.Bind(ctrl); err != nil {
		slog.Error("failed to bind call bridge", "error", err)
		os.Exit(1)
	}
	if agent != nil {
		if err := br.Register(agent); err != nil {
			slog.Error("failed to register call bridge", "error", err)
			os.Exit(1)
		}
		if err := agent.Start(appCtx); err != nil {
			slog.Error("failed to start sip user agent", "error", err)
			os.Exit(1)
		}
	}

	// Notifications.
	actionKey, err := cfg.ActionKey()
	if err != nil {
		slog.Error("failed to derive action key", "error", err)
		os.Exit(1)
	}
	signer := notify.NewSigner(actionKey, actionTokenTTL)
	surface := notify.NewSurface(notificationSender(appCtx, cfg, logger), logger)
	go surface.Run(appCtx)

	contacts, err := session.LoadContacts(cfg.ContactsFile)
	if err != nil {
		slog.Error("failed to load contacts", "error", err)
		os.Exit(1)
	}

	events := api.NewEventHub(logger)
	sessOpts := session.Options{
		Controller:    ctrl,
		Focus:         media.NewFocusManager(logger),
		Vibrator:      media.NewPatternVibrator(vibrationMotor(cfg), logger),
		Notifications: notify.NewBuilder(signer),
		Notifier:      surface,
		Revealer:      events,
		RevealDelay:   cfg.RevealDelay,
		Logger:        logger,
	}
	if ringtone := loadRingtone(cfg, logger); ringtone != nil {
		sessOpts.Ringtone = ringtone
	}
	if cfg.RingerModeFile != "" {
		ringer, err := device.NewFileRingerMode(cfg.RingerModeFile, logger)
		if err != nil {
			slog.Error("failed to open ringer mode", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := ringer.Watch(appCtx); err != nil {
				slog.Warn("ringer mode watcher stopped", "error", err)
			}
		}()
		sessOpts.Ringer = ringer
	}
	sess := session.New(sessOpts)
	defer sess.Stop()

	launcher := session.NewLauncher(ctrl, sess, contacts, logger)
	go launcher.Run(appCtx)

	// Fallback listener for the platform's phone state broadcasts.
	var fallbackView api.FallbackView
	if cfg.RedisAddr != "" {
		source, err := fallback.NewRedisSource(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisChannel, logger)
		if err != nil {
			slog.Error("failed to connect fallback source", "error", err)
			os.Exit(1)
		}
		defer source.Close()

		listener := fallback.NewListener(contacts, logger)
		go func() {
			if err := listener.Run(appCtx, source); err != nil {
				slog.Error("fallback listener stopped", "error", err)
			}
		}()
		fallbackView = listener
	}

	// Metrics.
	providers := metrics.Providers{
		Calls:         ctrl,
		Session:       sess,
		Bridge:        br,
		CallLog:       callLog,
		Notifications: surface,
		History:       historyWriter,
	}
	var registration api.RegistrationView
	if agent != nil {
		providers.Registration = agent
		registration = agent
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(providers, time.Now()),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	handler := api.NewServer(api.Options{
		Calls:        ctrl,
		Session:      sess,
		Actions:      signer,
		Fallback:     fallbackView,
		History:      callLog,
		Registration: registration,
		Events:       events,
		Metrics:      promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APIKey:       apiKey,
		CORSOrigins:  middleware.ParseCORSOrigins(cfg.CORSOrigins),
		Version:      version,
		Logger:       logger,
	})
	defer handler.Close()

	// WriteTimeout stays zero: the event stream is long-lived and sets its
	// own per-message deadlines.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if agent != nil {
		agent.Stop()
	}
	appCancel()

	slog.Info("flowphone stopped")
}

// openCallLog opens PostgreSQL when a DSN is configured and the local
// SQLite database otherwise.
func openCallLog(cfg *config.Config, logger *slog.Logger) (database.CallLogRepository, func(), error) {
	if cfg.DatabaseURL != "" {
		store, err := pgstore.New(cfg.DatabaseURL, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}

	db, err := database.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return database.NewCallLogRepository(db), func() { db.Close() }, nil
}

// notificationSender fans notifications out to the log and every
// configured push channel.
func notificationSender(ctx context.Context, cfg *config.Config, logger *slog.Logger) notify.Sender {
	senders := []notify.Sender{notify.LogSender{Logger: logger.With("subsystem", "notify")}}

	if cfg.FCMCredentials != "" && cfg.PushDeviceToken != "" {
		fcm, err := notify.NewFCMSender(ctx, cfg.FCMCredentials, cfg.PushDeviceToken)
		if err != nil {
			logger.Error("fcm sender disabled", "error", err)
		} else {
			senders = append(senders, fcm)
		}
	}

	gw := notify.NewGatewaySender(cfg.PushGatewayURL, cfg.LicenseKey, cfg.PushDeviceToken, cfg.PushPlatform)
	if gw.Configured() {
		senders = append(senders, gw)
	}
	return notify.NewMultiSender(senders...)
}

func loadRingtone(cfg *config.Config, logger *slog.Logger) *media.LoopPlayer {
	if cfg.RingtoneFile == "" {
		return nil
	}
	tone, err := media.LoadTone(cfg.RingtoneFile)
	if err != nil {
		logger.Warn("ringtone disabled", "path", cfg.RingtoneFile, "error", err)
		return nil
	}
	return media.NewLoopPlayer(tone, nil, logger)
}

func vibrationMotor(cfg *config.Config) media.Motor {
	if cfg.VibratorFile == "" {
		return media.NopMotor{}
	}
	return media.FileMotor{Path: cfg.VibratorFile}
}
