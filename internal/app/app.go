package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/fitgate/internal/auth"
	"github.com/hitoshi/fitgate/internal/cache"
	"github.com/hitoshi/fitgate/internal/config"
	"github.com/hitoshi/fitgate/internal/database"
	"github.com/hitoshi/fitgate/internal/entitlement"
	"github.com/hitoshi/fitgate/internal/flagstore"
	"github.com/hitoshi/fitgate/internal/handler"
	"github.com/hitoshi/fitgate/internal/launch"
	"github.com/hitoshi/fitgate/internal/logger"
	"github.com/hitoshi/fitgate/internal/metrics"
	"github.com/hitoshi/fitgate/internal/middleware"
	"github.com/hitoshi/fitgate/internal/repository"
	"github.com/hitoshi/fitgate/internal/security"
	"github.com/hitoshi/fitgate/internal/telemetry"
	"github.com/hitoshi/fitgate/internal/user"
	"github.com/hitoshi/fitgate/internal/worker/cleanup"
	"github.com/hitoshi/fitgate/internal/worker/reconcile"
)

// dbPingTimeout は起動時のDB接続確認の上限時間。
const dbPingTimeout = 5 * time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck と migrate はフル初期化をスキップする
	if !cmd.RequiresConfig() {
		return runStandalone(w, cmd)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(telemetry.TracingConfig{
		Exporter:    cfg.TraceExporter,
		SampleRatio: cfg.TraceSampleRatio,
		Writer:      w,
	})
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			slog.Warn("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// runStandalone は設定の読み込みを伴わないサブコマンドを実行する。
func runStandalone(w io.Writer, cmd Command) error {
	switch cmd {
	case CommandHealthcheck:
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	case CommandMigrate:
		// migrate はDATABASE_URLのみで実行できる
		logger.SetupDefault(w, slog.LevelInfo)
		databaseURL, err := config.LoadDatabaseURL()
		if err != nil {
			return fmt.Errorf("initialization failed: %w", err)
		}
		return runMigrate(databaseURL)
	default:
		return fmt.Errorf("command %q requires full configuration", cmd)
	}
}

// openDatabase はDB接続を開き、到達できることを確認する。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := database.Ping(ctx, db, dbPingTimeout); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newMetricsRegistry はランタイムのメトリクスを含むレジストリとCollectorを生成する。
func newMetricsRegistry() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// newStatusCache はRedisがあればRedis、なければプロセスメモリの権限キャッシュを返す。
func newStatusCache(rdb *cache.Client, ttl time.Duration) launch.StatusCache {
	if rdb == nil {
		return entitlement.NewMemoryStatusCache(ttl)
	}
	return entitlement.NewRedisStatusCache(rdb.Cmdable(), ttl)
}

// newFlagStore はRedisがあればRedis、なければプロセスメモリのフラグストアを返す。
func newFlagStore(rdb *cache.Client) launch.FlagStore {
	if rdb == nil {
		return flagstore.NewMemoryStore()
	}
	return flagstore.NewRedisStore(rdb.Cmdable())
}

// newEntitlementClient は接続先を制限したHTTPクライアントで課金APIクライアントを生成する。
func newEntitlementClient(cfg *config.Config, guard *security.OutboundGuard) (*entitlement.Client, error) {
	if err := guard.ValidateEndpoint(cfg.RevenueCatBaseURL); err != nil {
		return nil, fmt.Errorf("invalid REVENUECAT_BASE_URL: %w", err)
	}
	return entitlement.NewClient(
		guard.Client(cfg.RevenueCatTimeout),
		cfg.RevenueCatBaseURL,
		cfg.RevenueCatSecretKey,
		slog.Default(),
		entitlement.WithMaxRetries(cfg.RevenueCatMaxRetries),
	), nil
}

// newTokenVerifier はHS256シークレットとJWKSの設定からトークン検証器を生成する。
func newTokenVerifier(cfg *config.Config, guard *security.OutboundGuard) *auth.TokenVerifier {
	var jwks *auth.JWKSProvider
	if cfg.JWKSURL != "" {
		jwks = auth.NewJWKSProvider(guard.Client(10*time.Second), cfg.JWKSURL, cfg.JWKSRefresh)
	}
	return auth.NewTokenVerifier(cfg.JWTSecret, jwks, cfg.JWTIssuer)
}

// api はserveモードで組み立てたコンポーネント。
type api struct {
	handler     http.Handler
	launch      *launch.Router
	rateLimiter *middleware.RateLimiter
}

// buildAPI は全依存関係をワイヤリングし、HTTPハンドラーを構築する。
// rdbがnilの場合はインメモリのストアで代替する。
func buildAPI(cfg *config.Config, db *sql.DB, rdb *cache.Client, reg *prometheus.Registry, collector *metrics.Collector) (*api, error) {
	log := slog.Default()
	guard := security.NewOutboundGuard()

	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(db)
	identRepo := repository.NewPostgresIdentityRepo(db)
	sessionRepo := repository.NewPostgresSessionRepo(db)
	profileRepo := repository.NewPostgresProfileRepo(db)
	eventRepo := repository.NewPostgresSubscriptionEventRepo(db)
	profileStore := repository.NewCachedProfileStore(profileRepo, rdb.Cmdable(), cfg.Launch.ProfileCacheTTL, log)

	// 2. 認証
	authProvider := auth.NewProvider(
		newTokenVerifier(cfg, guard),
		userRepo, identRepo, sessionRepo,
		auth.ServiceConfig{SessionMaxAge: cfg.SessionMaxAge},
		log,
	)

	// 3. 課金
	rcClient, err := newEntitlementClient(cfg, guard)
	if err != nil {
		return nil, err
	}
	statusCache := newStatusCache(rdb, cfg.Launch.EntitlementCacheTTL)
	webhooks := entitlement.NewWebhookProcessor(
		cfg.RevenueCatWebhookSecret, profileRepo, eventRepo, statusCache, collector, log,
	)

	// 4. 起動ルーティング
	lc := cfg.Launch
	skip := launch.NewPaywallSkip(newFlagStore(rdb), log)
	checker := launch.NewEntitlementChecker(rcClient, statusCache, launch.EntitlementPolicy{
		IdentifyTimeout: lc.EntitlementIdentifyTimeout,
		IdentifySettle:  lc.EntitlementIdentifySettle,
		CheckTimeout:    lc.EntitlementCheckTimeout,
		RefreshSettle:   lc.EntitlementRefreshSettle,
	}, log)
	verifier := launch.NewProfileVerifier(profileStore, launch.VerifyPolicy{
		LinkedRetries:    lc.ProfileLinkedRetries,
		LinkedDelay:      lc.ProfileLinkedDelay,
		StandardRetries:  lc.ProfileStandardRetries,
		StandardDelay:    lc.ProfileStandardDelay,
		AttemptTimeout:   lc.ProfileAttemptTimeout,
		FinalReadTimeout: lc.ProfileFinalReadTimeout,
		FinalCeiling:     lc.ProfileFinalCeiling,
		RetryCeiling:     lc.ProfileRetryCeiling,
	}, log)
	launchRouter := launch.NewRouter(launch.RouterDeps{
		Provider:     authProvider,
		Sessions:     launch.NewSessionResolver(authProvider, log),
		Profiles:     verifier,
		ProfileStore: profileStore,
		Entitlements: checker,
		PaywallSkip:  skip,
		Sanitizer:    security.NewTextSanitizer(0),
		Store:        launch.NewStore(),
		Recorder:     collector,
		Config: launch.RouterConfig{
			SafetyValve:           lc.SafetyValve,
			CreateMissingProfiles: lc.CreateMissingProfiles,
			IdentityChangeSettle:  lc.IdentityChangeSettle,
		},
		Logger: log,
	})

	// 5. ユーザー管理
	userService := user.NewService(userRepo, authProvider, profileStore, skip, checker)

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinuteConfig(cfg.RateLimitGeneral, cfg.RateLimitRefresh))

	router := handler.NewRouter(&handler.RouterDeps{
		SessionLookup:     authProvider,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Logger:            log,

		Launch: launchRouter,

		PaywallSkip:  skip,
		Entitlements: checker,
		Webhooks:     webhooks,

		AuthService:   authProvider,
		LogoutService: userService,
		UserService:   userService,

		HealthDB: db,
		Metrics:  metrics.Handler(reg),
	})

	return &api{
		handler:     router,
		launch:      launchRouter,
		rateLimiter: rateLimiter,
	}, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established")

	// 2. Redis接続（未設定の場合はインメモリで代替）
	rdb, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()
	if rdb == nil {
		slog.Warn("REDIS_URL is not set; falling back to in-memory stores")
	}

	// 3. 依存関係のワイヤリング
	reg, collector := newMetricsRegistry()
	a, err := buildAPI(cfg, db, rdb, reg, collector)
	if err != nil {
		return err
	}
	defer a.rateLimiter.Stop()
	a.launch.Start(ctx)

	// 4. HTTPサーバーの起動
	// SSEの接続は安全弁の上限時間内に確定するため、WriteTimeoutはそれより長くとる
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Launch.SafetyValve + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// クリーンアップジョブと課金状態の再照合ジョブを起動し、/metricsを公開する。
// ctxが終了するとシャットダウンする。
func runWorker(ctx context.Context, cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database connection established (worker)")

	rdb, err := cache.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer rdb.Close()

	// 2. 依存関係の初期化
	reg, collector := newMetricsRegistry()
	guard := security.NewOutboundGuard()
	rcClient, err := newEntitlementClient(cfg, guard)
	if err != nil {
		return err
	}

	profileRepo := repository.NewPostgresProfileRepo(db)
	cleanupJob := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresSubscriptionEventRepo(db),
		collector,
		slog.Default(),
	)
	cleanupJob.RetentionDays = cfg.EventRetentionDays

	reconciler := reconcile.NewReconciler(
		profileRepo, rcClient,
		newStatusCache(rdb, cfg.Launch.EntitlementCacheTTL),
		collector, slog.Default(),
		0, cfg.ReconcileBatchSize,
	)

	// 3. メトリクスの公開
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Duration("reconcile_interval", cfg.ReconcileInterval),
	)

	// クリーンアップジョブをバックグラウンドで実行
	go cleanupJob.Start(ctx, cfg.CleanupInterval)

	// 再照合ジョブをメインgoroutineで実行（ブロッキング）
	reconciler.Start(ctx, cfg.ReconcileInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(databaseURL string) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(databaseURL)),
	)

	version, err := database.MigrateUp(databaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
