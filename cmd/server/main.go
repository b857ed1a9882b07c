package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/alert"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/api"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/audit"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/booking"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/calendar"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/config"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/db"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/metrics"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/model"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/notify"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/payment"
	"github.com/stevenpetergrant/lough-hyne-cottage-sub000/internal/voucher"
)

const propertyName = "Lough Hyne Cottage"

type alerter interface {
	Alert(ctx context.Context, text string)
}

func main() {
	// Initialize logger
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	logger := zerolog.New(output).With().Timestamp().Logger()

	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("failed to read .env")
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Str("timezone", cfg.Server.Timezone).Msg("invalid timezone")
	}

	database, err := db.NewDB(cfg.Database.Path, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer
	if cfg.Monitoring.PrometheusEnabled {
		metrics.Register()
		reg = prometheus.DefaultRegisterer
	}

	// Initial load + hot reload of the experience catalog
	catalog := config.NewCatalog(&config.CatalogConfig{})
	watcher := &config.CatalogWatcher{
		Path: cfg.ExperiencesConfigPath,
		OnUpdate: func(updated *config.CatalogConfig) {
			catalog.Store(updated)
			if _, err := database.SyncCatalog(ctx, updated, model.CivilDate(time.Now(), loc)); err != nil {
				logger.Error().Err(err).Msg("failed to apply experience catalog")
				return
			}
			logger.Info().Time("reloaded_at", time.Now()).Msg("experience catalog loaded")
		},
		OnError: func(err error) {
			logger.Error().Err(err).Msg("experience catalog reload failed, keeping previous revision")
		},
	}
	if err := watcher.Start(ctx); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ExperiencesConfigPath).Msg("failed to load experience catalog")
	}

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	var alerts alerter = alert.NewLog(&logger)
	if cfg.Telegram.BotToken != "" && len(cfg.Telegram.Managers) > 0 {
		tg, err := alert.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.Managers, &logger)
		if err != nil {
			logger.Error().Err(err).Msg("telegram alerts disabled")
		} else {
			alerts = tg
		}
	}

	bookings := booking.NewService(database, catalog, booking.Rules{
		MinNights:      cfg.BookingMinNights(),
		MaxAdvanceDays: cfg.BookingMaxAdvanceDays(),
	}, loc, &logger)

	var reconciler *calendar.Reconciler
	if cfg.Calendar.FeedURL != "" {
		feed := calendar.NewFeedClient(cfg.Calendar.FeedURL, cfg.CalendarFetchTimeout(), &logger)
		if rdb != nil {
			feed.UseRedisCache(rdb, cfg.CalendarCacheTTL())
		}
		reconciler = calendar.NewReconciler(feed, bookings, bookings, calendar.Options{
			Location:  loc,
			CacheTTL:  cfg.CalendarCacheTTL(),
			ProductID: cfg.Calendar.ExportProductID,
			UIDDomain: cfg.Calendar.ExportUIDDomain,
			Catalog:   catalog,
			Alerter:   alerts,
		}, &logger)
		bookings.SetConflictChecker(reconciler)
		go reconciler.Run(ctx, cfg.CalendarSyncInterval())
	} else {
		logger.Warn().Msg("calendar.feed_url not set, external calendar sync disabled")
	}

	var mailer notify.Mailer = notify.NewLogMailer(&logger)
	if rdb != nil {
		mailer = notify.NewRedisOutbox(rdb, cfg.Notifier.OutboxKey)
	}
	notifyMetrics := notify.NewMetrics("lough_hyne", reg)
	retry := notify.DefaultRetryConfig()
	if cfg.Notifier.MaxRetries > 0 {
		retry.MaxRetries = cfg.Notifier.MaxRetries
	}
	sender := notify.NewSender(mailer, cfg.Notifier.RatePerSecond, retry, notifyMetrics, &logger)
	notifier := notify.NewNotifier(database, sender, notify.Config{
		PreArrivalDays: cfg.PreArrivalDays(),
		CatchUpDays:    cfg.Notifier.CatchUpDays,
		Location:       loc,
		Property:       propertyName,
	}, notifyMetrics, &logger)

	var scheduler *notify.Scheduler
	if cfg.Notifier.Enabled {
		scheduler = notify.NewScheduler(notifier, cfg.NotifierCheckInterval(), &logger)
		go scheduler.Start(ctx)
	}

	ingestor := payment.NewIngestor(bookings, database, notifier, alerts, &logger)
	if cfg.Payments.WebhookSecret == "" {
		logger.Warn().Msg("payments.webhook_secret not set, webhook signatures are not verified")
	}

	vouchers := voucher.NewLedger(database, &logger)

	deps := api.Deps{
		Bookings: bookings,
		Store:    database,
		Payments: ingestor,
		Verifier: payment.NewVerifier(cfg.Payments.WebhookSecret, cfg.PaymentTolerance()),
		Vouchers: vouchers,
		Notifier: notifier,
		Exporter: audit.NewExporter(database, &logger),
		Catalog:  catalog,
	}
	// A nil *Reconciler must not become a non-nil interface.
	if reconciler != nil {
		deps.Calendar = reconciler
	}
	server := api.NewServer(deps, api.Options{
		AdminAPIKey:        cfg.Server.AdminAPIKey,
		RateLimitPerMinute: cfg.RateLimitPerMinute(),
		BackupDir:          cfg.Backup.Path,
		Location:           loc,
	}, &logger)
	if cfg.Server.AdminAPIKey == "" {
		logger.Warn().Msg("server.admin_api_key not set, admin API disabled")
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, database, rdb, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	if cfg.Backup.Enabled {
		go startBackupLoop(ctx, database, cfg, &logger)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.ServerPort()),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if scheduler != nil {
			scheduler.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()

	logger.Info().Int("port", cfg.ServerPort()).Str("timezone", loc.String()).Msg("reservation server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("api server error")
	}
	logger.Info().Msg("reservation server stopped")
}

func startBackupLoop(ctx context.Context, database *db.DB, cfg *config.Config, logger *zerolog.Logger) {
	if cfg.Backup.Path == "" {
		cfg.Backup.Path = "backups"
	}
	if cfg.Backup.IntervalHours <= 0 {
		cfg.Backup.IntervalHours = 24
	}
	if cfg.Backup.RetentionDays <= 0 {
		cfg.Backup.RetentionDays = 14
	}

	if err := os.MkdirAll(cfg.Backup.Path, 0o755); err != nil {
		logger.Error().Err(err).Msg("failed to create backup directory")
		return
	}

	interval := time.Duration(cfg.Backup.IntervalHours) * time.Hour
	retention := time.Duration(cfg.Backup.RetentionDays) * 24 * time.Hour

	// Run first backup after a short delay
	select {
	case <-time.After(1 * time.Minute):
		runBackupTask(ctx, database, cfg.Backup.Path, retention, logger)
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			runBackupTask(ctx, database, cfg.Backup.Path, retention, logger)
		case <-ctx.Done():
			return
		}
	}
}

func runBackupTask(ctx context.Context, database *db.DB, dir string, retention time.Duration, logger *zerolog.Logger) {
	timestamp := time.Now().UTC().Format("20060102_150405")
	dest := filepath.Join(dir, fmt.Sprintf("lough_hyne_%s.db", timestamp))

	logger.Info().Str("path", dest).Msg("starting database backup")
	if err := database.Backup(ctx, dest); err != nil {
		logger.Error().Err(err).Msg("database backup failed")
		return
	}

	deleted, err := database.CleanupBackups(dir, retention)
	if err != nil {
		logger.Warn().Err(err).Msg("backup cleanup failed")
		return
	}
	logger.Info().Str("path", dest).Int("deleted_old", deleted).Msg("database backup completed")
}

func startHealthServer(ctx context.Context, port int, database *db.DB, rdb *redis.Client, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		ctxPing, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		if err := database.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
