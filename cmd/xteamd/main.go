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

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/UnknownEngineOfficial/xteam/internal/api"
	"github.com/UnknownEngineOfficial/xteam/internal/auth"
	"github.com/UnknownEngineOfficial/xteam/internal/db"
	"github.com/UnknownEngineOfficial/xteam/internal/eventbus"
	"github.com/UnknownEngineOfficial/xteam/internal/modelclient"
	"github.com/UnknownEngineOfficial/xteam/internal/notification"
	"github.com/UnknownEngineOfficial/xteam/internal/queue"
	"github.com/UnknownEngineOfficial/xteam/internal/ratelimit"
	"github.com/UnknownEngineOfficial/xteam/internal/registry"
	"github.com/UnknownEngineOfficial/xteam/internal/repository"
	"github.com/UnknownEngineOfficial/xteam/internal/router"
	"github.com/UnknownEngineOfficial/xteam/internal/sweeper"
	"github.com/UnknownEngineOfficial/xteam/internal/telemetry"
	"github.com/UnknownEngineOfficial/xteam/internal/workflow"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr        string
	dbDriver        string
	dbDSN           string
	redisAddr       string
	secretKey       string
	logLevel        string
	dataDir         string
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	rateCapacity    int
	rateRefill      time.Duration
	queueWorkers    int
	queueBatchSize  int64
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "xteamd",
		Short: "xteamd — multi-tenant AI pipeline orchestration server",
		Long: `xteamd drives the product_manager -> architect -> engineer -> qa_engineer
pipeline for each project execution, streaming progress over a bidirectional
session and persisting artifacts and audit logs as the pipeline runs.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("XTEAM_HTTP_ADDR", ":8080"), "HTTP and WebSocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("XTEAM_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("XTEAM_DB_DSN", "./xteam.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("XTEAM_REDIS_ADDR", "localhost:6379"), "Redis address backing the job queue and the token blacklist")
	root.PersistentFlags().StringVar(&cfg.secretKey, "secret-key", envOrDefault("XTEAM_SECRET_KEY", ""), "Master secret key for encrypting credentials at rest (required)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("XTEAM_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("XTEAM_DATA_DIR", "./data"), "Directory for server data (JWT keys, etc.)")
	root.PersistentFlags().DurationVar(&cfg.accessTokenTTL, "access-token-ttl", 15*time.Minute, "Access token lifetime")
	root.PersistentFlags().DurationVar(&cfg.refreshTokenTTL, "refresh-token-ttl", 30*24*time.Hour, "Refresh token lifetime")
	root.PersistentFlags().IntVar(&cfg.rateCapacity, "rate-limit-capacity", 60, "Requests a single identity may burst before throttling")
	root.PersistentFlags().DurationVar(&cfg.rateRefill, "rate-limit-refill", time.Second, "How often one rate-limit token is refilled")
	root.PersistentFlags().IntVar(&cfg.queueWorkers, "queue-workers", 4, "Number of concurrent job queue workers")
	root.PersistentFlags().Int64Var(&cfg.queueBatchSize, "queue-batch-size", 5, "Jobs claimed per worker poll")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("xteamd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.secretKey == "" {
		return fmt.Errorf("secret key is required — set --secret-key or XTEAM_SECRET_KEY")
	}

	logger.Info("starting xteamd",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ready := newReadyState()

	// --- 1. Encryption ---
	// InitEncryption must be called before opening the database so that
	// EncryptedString fields can encrypt/decrypt transparently on read/write.
	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(cfg.secretKey))
	if err := db.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}

	// --- 2. Persistence ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()
	ready.setDB(sqlDB)

	// --- 3. Blacklist store ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
	defer rdb.Close()
	ready.setRedis(rdb)

	blacklist := auth.NewBlacklist(rdb, logger)

	// --- Repositories ---
	userRepo := repository.NewUserRepository(gormDB)
	refreshTokenRepo := repository.NewRefreshTokenRepository(gormDB)
	projectRepo := repository.NewProjectRepository(gormDB)
	executionRepo := repository.NewExecutionRepository(gormDB)
	agentConfigRepo := repository.NewAgentConfigRepository(gormDB)
	notificationRepo := repository.NewNotificationRepository(gormDB)
	settingsRepo := notification.NewSettingsRepository(gormDB)

	// --- Token authority (C1) ---
	// In development (no data dir or missing key files), ephemeral keys are
	// generated in memory. In production, persistent PEM files are used so
	// tokens survive server restarts.
	jwtManager, err := buildJWTManager(cfg.dataDir, cfg.accessTokenTTL, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize JWT manager: %w", err)
	}

	localProvider := auth.NewLocalAuthProvider(userRepo, refreshTokenRepo, jwtManager, cfg.refreshTokenTTL)
	authService := auth.NewAuthService(localProvider, refreshTokenRepo, jwtManager, blacklist)

	// --- 4. Job queue ---
	jobQueue := queue.New(rdb, logger)

	// --- Rate limiter (C2), connection registry (C3) ---
	limiter := ratelimit.New(ratelimit.Config{
		Capacity:       cfg.rateCapacity,
		RefillInterval: cfg.rateRefill,
	})
	conns := registry.New()

	// --- 5. Event bus (C4) ---
	bus := eventbus.New(eventbus.Config{}, logger)
	bus.Start()

	// --- Model client registry (C6) ---
	models := modelclient.NewRegistry(nil)
	models.Register("openai", modelclient.NewOpenAIFactory())
	models.Register("azure_openai", modelclient.NewAzureOpenAIFactory())
	models.Register("groq", modelclient.NewGroqFactory())
	models.Register("ollama", modelclient.NewOllamaFactory())

	// --- Workflow driver (C7) ---
	driver := workflow.New(executionRepo, agentConfigRepo, models, bus, jobQueue, logger)

	// --- Notification delivery ---
	notifier := notification.NewService(notification.Config{
		NotifRepo:    notificationRepo,
		SettingsRepo: settingsRepo,
		Users:        userRepo,
		Conns:        conns,
		Bus:          bus,
		Logger:       logger,
	})
	notification.NewBridge(bus, notifier, executionBridgeStore{executionRepo}, projectBridgeStore{projectRepo}, logger)

	// --- 6. Message router (C8) + queue handlers ---
	msgRouter := router.New(projectRepo, executionRepo, agentConfigRepo, driver, jobQueue, bus, logger)

	queueCtx, queueCancel := context.WithCancel(ctx)
	defer queueCancel()
	for i := 0; i < cfg.queueWorkers; i++ {
		workerID := i
		go jobQueue.Run(queueCtx, workerID, cfg.queueBatchSize)
	}

	// --- 7. HTTP + WebSocket surface ---
	httpRouter := api.NewRouter(api.RouterConfig{
		AuthService:   authService,
		Notifications: notificationRepo,
		Conns:         conns,
		Bus:           bus,
		MessageRouter: msgRouter,
		Limiter:       limiter,
		Logger:        logger,
	})

	sweep, err := sweeper.New(sweeper.Config{}, conns, limiter, logger)
	if err != nil {
		return fmt.Errorf("failed to create sweeper: %w", err)
	}
	sweep.Start()
	defer func() {
		if err := sweep.Stop(); err != nil {
			logger.Warn("sweeper shutdown error", zap.Error(err))
		}
	}()

	metricsReg := telemetry.NewRegistry(conns, jobQueue)

	mux := http.NewServeMux()
	mux.Handle("/", httpRouter)
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", ready.handle)
	mux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// --- 8. Accept traffic ---
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down xteamd")

	// Shutdown reverses startup: stop admission, close sessions, stop the
	// event bus, close the queue, close the blacklist store, close
	// persistence.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	conns.SweepIdle(0) // drop every still-registered session's bookkeeping

	queueCancel()
	bus.Stop()

	logger.Info("xteamd stopped")
	return nil
}

// readyState backs /readyz: ready only once persistence and the blacklist
// store both answer a short probe.
type readyState struct {
	db  interface{ PingContext(context.Context) error }
	rdb *redis.Client
}

func newReadyState() *readyState { return &readyState{} }

func (s *readyState) setDB(sqlDB interface{ PingContext(context.Context) error }) { s.db = sqlDB }
func (s *readyState) setRedis(rdb *redis.Client)                                  { s.rdb = rdb }

func (s *readyState) handle(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.db == nil || s.db.PingContext(ctx) != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if s.rdb == nil || s.rdb.Ping(ctx).Err() != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// buildJWTManager loads RSA keys from the data directory if available, or
// generates ephemeral in-memory keys for development.
func buildJWTManager(dataDir string, accessTokenTTL time.Duration, logger *zap.Logger) (*auth.JWTManager, error) {
	privPath := filepath.Join(dataDir, "jwt_private.pem")
	pubPath := filepath.Join(dataDir, "jwt_public.pem")

	if _, err := os.Stat(privPath); err == nil {
		logger.Info("loading JWT keys from disk", zap.String("private", privPath))
		return auth.NewJWTManagerFromFiles(privPath, pubPath, "xteamd", accessTokenTTL)
	}

	logger.Warn("JWT key files not found — using ephemeral in-memory keys (tokens will be invalidated on restart)",
		zap.String("expected_private", privPath),
	)
	return auth.NewJWTManagerGenerated("xteamd", accessTokenTTL)
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// executionBridgeStore adapts repository.ExecutionRepository to the narrow
// shape the notification bridge needs.
type executionBridgeStore struct {
	repo repository.ExecutionRepository
}

func (s executionBridgeStore) GetByID(ctx context.Context, id uuid.UUID) (*notification.BridgeExecution, error) {
	exec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &notification.BridgeExecution{ProjectID: exec.ProjectID, RequestedByID: exec.RequestedByID}, nil
}

// projectBridgeStore adapts repository.ProjectRepository to the narrow
// shape the notification bridge needs.
type projectBridgeStore struct {
	repo repository.ProjectRepository
}

func (s projectBridgeStore) GetProjectName(ctx context.Context, id uuid.UUID) (string, error) {
	project, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	return project.Name, nil
}
