package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"zivpn_bot/internal/audit"
	"zivpn_bot/internal/config"
	"zivpn_bot/internal/domain"
	"zivpn_bot/internal/feature/backup"
	"zivpn_bot/internal/feature/expiry"
	"zivpn_bot/internal/feature/manager"
	"zivpn_bot/internal/feature/owner"
	"zivpn_bot/internal/feature/user"
	"zivpn_bot/internal/health"
	"zivpn_bot/internal/logging"
	"zivpn_bot/internal/store"
	"zivpn_bot/internal/telegram"
	"zivpn_bot/internal/vpnservice"
)

const (
	mongoConnectTimeout     = 10 * time.Second
	mongoIndexTimeout       = 5 * time.Second
	mongoDisconnectTimeout  = 5 * time.Second
	storeInitTimeout        = 5 * time.Second
	ownerBootstrapTimeout   = 5 * time.Second
	startupSweepTimeout     = 2 * time.Minute
	telegramShutdownTimeout = 10 * time.Second
	schedulerStopTimeout    = 30 * time.Second
	healthShutdownTimeout   = 5 * time.Second
	expiringSoonWindow      = 7 * 24 * time.Hour
)

var processStart = time.Now()

func fatal(logger *logrus.Entry, msg string, err error) {
	logger.WithError(err).Error(msg)
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func main() {
	configOnly := flag.Bool("config-only", false, "load and print configuration then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Error("configuration error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		logging.Error("logger setup error", logging.Fields{"error": err})
		fmt.Fprintf(os.Stderr, "logger setup error: %v\n", err)
		os.Exit(1)
	}

	if *configOnly {
		logging.Info("configuration check", logging.Fields{"event": "config_only"})
		fmt.Println("configuration check: ok")
		fmt.Println(config.FormatRedacted(cfg))
		return
	}

	logger.WithFields(logging.Fields{
		"event":         "startup",
		"zivpn_dir":     cfg.ZivpnDir,
		"zivpn_service": cfg.ZivpnService,
		"audit_mirror":  cfg.MongoEnabled(),
	}).Info("configuration loaded")

	files, err := store.NewFileStore(cfg.ZivpnDir, logger)
	if err != nil {
		fatal(logger, "state store setup error", err)
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), storeInitTimeout)
	err = files.Init(initCtx)
	cancelInit()
	if err != nil {
		fatal(logger, "state store init error", err)
	}

	logger.WithFields(logging.Fields{
		"event": "store_ready",
		"dir":   files.Dir(),
	}).Info("state files ready")

	var (
		mongoManager *store.Manager
		auditOpts    []audit.Option
		tgMongo      []telegram.Option
		healthMongo  health.MongoChecker
	)
	if cfg.MongoEnabled() {
		connectCtx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
		mongoManager, err = store.NewManager(connectCtx, cfg)
		cancel()
		if err != nil {
			fatal(logger, "mongo connection error", err)
		}

		logger.WithField("event", "mongo_connect").Info("connected to mongo")

		indexCtx, cancelIndexes := context.WithTimeout(context.Background(), mongoIndexTimeout)
		err = mongoManager.EnsureBaseIndexes(indexCtx)
		cancelIndexes()
		if err != nil {
			fatal(logger, "mongo index setup error", err)
		}

		logger.WithField("event", "mongo_indexes").Info("ensured base mongo indexes")

		auditOpts = append(auditOpts, audit.WithMirror(domain.NewAuditRepository(mongoManager.Audit())))
		tgMongo = append(tgMongo, telegram.WithMongoChecker(mongoManager))
		healthMongo = mongoManager
	}

	ownerRegistrar := owner.NewRegistrar(files, logger)
	ownerCtx, cancelOwner := context.WithTimeout(context.Background(), ownerBootstrapTimeout)
	err = ownerRegistrar.EnsureOwner(ownerCtx, cfg.AdminID)
	cancelOwner()
	if err != nil {
		fatal(logger, "owner bootstrap error", err)
	}

	recorder := audit.NewRecorder(files, logger, auditOpts...)
	restarter := vpnservice.NewRestarter(cfg.ZivpnService, logger)
	if !restarter.Enabled() {
		logger.WithField("event", "zivpn_restart_disabled").Warn("no zivpn service configured; user changes will not restart the server")
	}

	userService := user.NewService(files, recorder, restarter, cfg.AdminID, cfg.UserTTL, logger)
	managerService := manager.NewService(files, recorder, cfg.AdminID, logger)
	backupService := backup.NewService(files, cfg.BackupDir, cfg.BackupKeep, cfg.AdminID, recorder, logger)
	statsProvider := store.NewStatsProvider(files, expiringSoonWindow)

	opts := []telegram.Option{
		telegram.WithUserService(userService),
		telegram.WithManagerService(managerService),
		telegram.WithBackupService(backupService),
		telegram.WithAuditReader(files),
		telegram.WithStatsProvider(statsProvider),
		telegram.WithProcessStart(processStart),
	}
	tgClient, err := telegram.NewClient(cfg, logger, append(opts, tgMongo...)...)
	if err != nil {
		fatal(logger, "telegram client setup error", err)
	}

	logger.WithField("event", "telegram_ready").Info("telegram client initialized")

	scheduler := expiry.NewScheduler(userService, tgClient, cfg.AdminID, logger)

	sweepCtx, cancelSweep := context.WithTimeout(context.Background(), startupSweepTimeout)
	if _, err := scheduler.RunOnce(sweepCtx); err != nil {
		logger.WithField("event", "expiry_startup_error").WithError(err).Error("startup expiry sweep failed")
	}
	cancelSweep()

	if err := scheduler.Start(cfg.ExpirySchedule); err != nil {
		fatal(logger, "expiry scheduler setup error", err)
	}

	var healthServer *health.Server
	if cfg.HTTPPort > 0 {
		healthServer = health.NewServer(cfg.HTTPPort, files, healthMongo, logger)
		go func() {
			if err := healthServer.ListenAndServe(); err != nil {
				logger.WithField("event", "health_error").WithError(err).Error("health server stopped unexpectedly")
			}
		}()
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegramCtx, cancelTelegram := context.WithCancel(context.Background())
	tgDone := make(chan struct{})

	go func() {
		tgClient.Start(telegramCtx)
		close(tgDone)
	}()

	select {
	case <-signalCtx.Done():
		logger.WithField("event", "shutdown_signal").Info("received termination signal, stopping telegram polling")
	case <-tgDone:
		logger.WithField("event", "telegram_stopped_early").Warn("telegram client stopped before shutdown signal")
	}

	cancelTelegram()

	waitCtx, cancelWait := context.WithTimeout(context.Background(), telegramShutdownTimeout)
	select {
	case <-tgDone:
	case <-waitCtx.Done():
		logger.WithField("event", "telegram_shutdown_timeout").Warn("timed out waiting for telegram client to stop")
	}
	cancelWait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), schedulerStopTimeout)
	if err := scheduler.Stop(stopCtx); err != nil {
		logger.WithField("event", "expiry_stop_timeout").WithError(err).Warn("timed out waiting for expiry sweep to finish")
	}
	cancelStop()

	healthCtx, cancelHealth := context.WithTimeout(context.Background(), healthShutdownTimeout)
	if err := healthServer.Shutdown(healthCtx); err != nil {
		logger.WithError(err).Error("health server shutdown error")
	}
	cancelHealth()

	if mongoManager != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
		if err := mongoManager.Close(shutdownCtx); err != nil {
			logger.WithError(err).Error("mongo disconnect error")
		} else {
			logger.WithField("event", "mongo_disconnect").Info("mongo client disconnected")
		}
		cancelShutdown()
	}

	logger.WithField("event", "shutdown_complete").Info("shutdown complete")
}
