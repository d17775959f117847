package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-dex/internal/auth"
	"github.com/ksred/klear-dex/internal/config"
	"github.com/ksred/klear-dex/internal/custody"
	"github.com/ksred/klear-dex/internal/database"
	"github.com/ksred/klear-dex/internal/events"
	"github.com/ksred/klear-dex/internal/fees"
	"github.com/ksred/klear-dex/internal/matching"
	"github.com/ksred/klear-dex/internal/metrics"
	"github.com/ksred/klear-dex/internal/registry"
	"github.com/ksred/klear-dex/internal/trading"
	"github.com/ksred/klear-dex/pkg/middleware"
)

// init configures the application logging based on environment settings
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" && os.Getenv("KLEAR_SERVER_ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth     *auth.GinHandlers
	trading  *trading.GinHandlers
	registry *registry.GinHandlers
	custody  *custody.GinHandlers
	fees     *fees.GinHandlers
}

// main wires the exchange, restores persisted state and serves the API until
// interrupted
func main() {
	configPath := flag.String("config", "", "path to config file (defaults to ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Roles and API credentials
	roles := auth.NewRoles()
	for _, admin := range cfg.Admins {
		for _, role := range admin.Roles {
			roles.Grant(admin.Account, role)
		}
	}
	authService := auth.NewService(cfg.Auth.JWTSecret, roles)
	for key, secret := range cfg.Auth.APIKeys {
		authService.RegisterAPICredentials(key, secret)
	}

	// Trading pairs: persisted state wins over configuration
	pairs := registry.NewRegistry(registry.NewDatabase(db), roles)
	if err := pairs.Load(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load trading pairs")
	}
	configured, err := cfg.TradePairs()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid trading pair configuration")
	}
	if err := pairs.Bootstrap(configured); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register trading pairs")
	}

	schedule := fees.NewSchedule(fees.NewDatabase(db))
	if err := schedule.Load(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load fee schedule")
	}
	for _, account := range cfg.Fees.ZeroFeeAccounts {
		if err := schedule.SetExempt(account, true); err != nil {
			zlog.Fatal().Err(err).Str("account", account).Msg("Failed to exempt account")
		}
	}

	ledger := custody.NewLedger(cfg.Custody.FeeAccount)
	checkpoints := custody.NewProcessor(ledger, custody.NewDatabase(db), cfg.Custody.CheckpointInterval)
	if err := checkpoints.Recover(); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to restore balances")
	}

	// Event sinks
	publisher := events.Fanout{events.NewLogSink()}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafkaSink.Close()
		publisher = append(publisher, kafkaSink)
		zlog.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing events to kafka")
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	engine := matching.NewEngine(pairs, ledger, schedule)
	tradingService := trading.NewService(db, engine, pairs, publisher, m)

	checkpoints.Guard(tradingService.Locker())
	processorCtx, processorCancel := context.WithCancel(context.Background())
	processorDone := make(chan struct{})
	go func() {
		defer close(processorDone)
		checkpoints.Start(processorCtx)
	}()

	router := gin.Default()
	router.UseRawPath = true
	router.Use(m.Middleware(), middleware.RateLimit())

	setupRoutes(router, cfg.Auth.JWTSecret, roles, handlers{
		auth:     auth.NewGinHandlers(authService),
		trading:  trading.NewGinHandlers(tradingService),
		registry: registry.NewGinHandlers(pairs),
		custody:  custody.NewGinHandlers(ledger),
		fees:     fees.NewGinHandlers(schedule),
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info().Str("addr", srv.Addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	// flush balances once no request can touch them
	processorCancel()
	<-processorDone

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public
// - Trading and query routes: JWT, acting as the token's client
// - Internal and admin routes: JWT plus a live role check; the registry and
//   controller check the exact role again per operation
func setupRoutes(router *gin.Engine, secret string, roles *auth.Roles, h handlers) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(secret))
		{
			orders.POST("", h.trading.SubmitOrderHandler())
			orders.GET("", h.trading.OpenOrdersHandler())
			orders.POST("/list", h.trading.SubmitOrderListHandler())
			orders.POST("/cancel-list", h.trading.CancelListHandler())
			orders.POST("/cancel-replace-list", h.trading.CancelReplaceListHandler())
			orders.GET("/history", h.trading.HistoryHandler())
			orders.GET("/client/:client_order_id", h.trading.GetOrderByClientIDHandler())
			orders.GET("/:order_id", h.trading.GetOrderHandler())
			orders.DELETE("/:order_id", h.trading.CancelOrderHandler())
			orders.POST("/:order_id/replace", h.trading.CancelReplaceHandler())
		}

		pairs := v1.Group("/pairs")
		pairs.Use(middleware.JWTAuth(secret))
		{
			pairs.GET("", h.registry.ListPairsHandler())
			pairs.GET("/:pair_id", h.registry.GetPairHandler())
			pairs.GET("/:pair_id/book", h.trading.BookHandler())
		}

		balances := v1.Group("/balances")
		balances.Use(middleware.JWTAuth(secret))
		{
			balances.GET("", h.custody.GetBalancesHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(secret, roles, registry.RoleDefaultAdmin))
		{
			internal.POST("/balances/deposit", h.custody.DepositHandler())
			internal.POST("/balances/withdraw", h.custody.WithdrawHandler())
			internal.PUT("/fees/overrides", h.fees.SetOverrideHandler())
			internal.DELETE("/fees/overrides/:trader_id/:pair_id", h.fees.RemoveOverrideHandler())
			internal.PUT("/fees/exempt", h.fees.ExemptHandler())
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.InternalAuth(secret, roles, registry.RoleDefaultAdmin, registry.RoleAuctionAdmin))
		{
			admin.POST("/pairs", h.registry.AddPairHandler())
			admin.DELETE("/pairs/:pair_id", h.trading.RemovePairHandler())
			admin.POST("/pairs/:pair_id/pause", h.trading.PauseHandler())
			admin.POST("/pairs/:pair_id/pause-add", h.trading.PauseAddHandler())
			admin.POST("/pairs/:pair_id/auction-mode", h.trading.AuctionModeHandler())
			admin.POST("/pairs/:pair_id/auction-price", h.trading.AuctionPriceHandler())
			admin.POST("/pairs/:pair_id/mass-cancel", h.trading.MassCancelHandler())
			admin.POST("/pairs/:pair_id/match-auction", h.trading.MatchAuctionHandler())
			admin.POST("/pairs/:pair_id/post-only", h.registry.PostOnlyHandler())
			admin.POST("/pairs/:pair_id/trade-amounts", h.registry.TradeAmountsHandler())
			admin.POST("/pairs/:pair_id/rates", h.registry.RatesHandler())
			admin.POST("/pairs/:pair_id/max-fills", h.registry.MaxFillsHandler())
			admin.POST("/pairs/:pair_id/kinds/:kind", h.registry.AddOrderKindHandler())
			admin.DELETE("/pairs/:pair_id/kinds/:kind", h.registry.RemoveOrderKindHandler())
		}
	}
}
