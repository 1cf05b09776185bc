package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"podtrack/auth"
	"podtrack/config"
	"podtrack/db"
	"podtrack/delivery"
	"podtrack/jobfile"
	"podtrack/logging"
	"podtrack/metrics"
	"podtrack/migrations"
	"podtrack/notify"
	"podtrack/tracking"
)

var (
	configPath string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "podtrack",
	Short:         "Proof-of-delivery tracking portal",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err = logging.New(cfg.Logging.Level, cfg.Logging.Development)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the outbox relay",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	RunE:  runMigrate,
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage portal accounts",
}

var (
	newUserEmail    string
	newUserName     string
	newUserPassword string
	newUserRole     string
)

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an account with any role (bootstraps the first admin)",
	RunE:  runUserCreate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "podtrack.yaml", "path to the YAML config file")

	userCreateCmd.Flags().StringVar(&newUserEmail, "email", "", "account email")
	userCreateCmd.Flags().StringVar(&newUserName, "name", "", "display name")
	userCreateCmd.Flags().StringVar(&newUserPassword, "password", "", "initial password (at least 8 characters)")
	userCreateCmd.Flags().StringVar(&newUserRole, "role", string(auth.RoleAdmin), "admin, staff or driver")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("name")
	_ = userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, userCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.Options{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}
	return pool, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openPool(ctx)
	if err != nil {
		return err
	}
	defer pool.Close()

	policy, err := tracking.LoadPolicy(cfg.Tracking.Timezone)
	if err != nil {
		return err
	}
	trustedProxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	authService := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	jobFileService := jobfile.NewService(jobfile.NewRepository(pool))
	deliveryRepo := delivery.NewRepository(pool)
	deliveryService := delivery.NewService(pool, deliveryRepo, authService, jobFileService).
		WithLogger(logger.Named("delivery"))
	trackingService := tracking.NewService(deliveryRepo, policy).
		WithLogger(logger.Named("tracking"))

	metrics.Register(prometheus.DefaultRegisterer)

	limiter := newIPRateLimiter(cfg.Tracking.RateRPS, cfg.Tracking.RateBurst).
		withTrustedProxies(trustedProxies)
	server := &Server{
		authService:     authService,
		trackingService: trackingService,
		deliveryService: deliveryService,
		jobFileService:  jobFileService,
		limiter:         limiter,
		logger:          logger.Named("http"),
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      server.routes(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  cfg.GetIdleTimeout(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", httpServer.Addr),
			zap.String("tracking_timezone", policy.Location().String()),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GetShutdownTimeout())
		defer cancel()
		logger.Info("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return limiter.run(gctx)
	})

	if cfg.RelayEnabled() {
		publisher := notify.NewRedisPublisher(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer publisher.Close()

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := publisher.Ping(pingCtx); err != nil {
			logger.Warn("redis unreachable at startup, relay will retry", zap.Error(err))
		}
		cancel()

		relay := notify.NewRelay(notify.NewPGOutbox(pool), publisher).
			WithChannelPrefix(cfg.Redis.ChannelPrefix).
			WithBatchSize(cfg.Relay.BatchSize).
			WithMaxAttempts(cfg.Relay.MaxAttempts).
			WithPollInterval(cfg.GetRelayPollInterval()).
			WithLogger(logger.Named("relay"))
		g.Go(func() error {
			return relay.Run(gctx)
		})
	} else {
		logger.Info("redis address not configured, outbox relay disabled")
	}

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return err
	}
	logger.Info("server stopped")
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	pool, err := openPool(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := migrations.Apply(cmd.Context(), pool)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", zap.Strings("files", applied))
	return nil
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	pool, err := openPool(cmd.Context())
	if err != nil {
		return err
	}
	defer pool.Close()

	svc := auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret)
	user, err := svc.Register(cmd.Context(), auth.RegisterRequest{
		Email:       newUserEmail,
		Password:    newUserPassword,
		DisplayName: newUserName,
		Role:        auth.Role(newUserRole),
	})
	if err != nil {
		return err
	}
	logger.Info("user created",
		zap.String("user_id", user.ID),
		zap.String("email", user.Email),
		zap.String("role", string(user.Role)),
	)
	return nil
}
