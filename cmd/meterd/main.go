package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/metering/internal/coalesce"
	"github.com/MarkoPoloResearchLab/metering/internal/httpapi"
	"github.com/MarkoPoloResearchLab/metering/internal/pool"
	"github.com/MarkoPoloResearchLab/metering/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/metering/internal/throttle"
	"github.com/MarkoPoloResearchLab/metering/pkg/credits"
	"github.com/MarkoPoloResearchLab/metering/pkg/granttoken"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabasePath      = "database-path"
	flagListenAddr        = "listen-addr"
	flagEnvironment       = "environment"
	flagSigningSecret     = "signing-secret"
	flagWebhookSecret     = "webhook-secret"
	flagInitialCredits    = "initial-credits"
	flagPoolMaxConns      = "pool-max-conns"
	flagAcquireTimeout    = "pool-acquire-timeout"
	flagIdleTimeout       = "pool-idle-timeout"
	flagThrottleAttempts  = "throttle-max-attempts"
	flagThrottleWindow    = "throttle-window"
	flagThrottleLockout   = "throttle-lockout"
	flagRetention         = "idempotency-retention"
	flagAllowedOrigins    = "allowed-origins"
	flagTranslatorBaseURL = "translator-base-url"

	environmentProduction = "production"

	defaultDatabasePath   = "/tmp/metering.db"
	defaultListenAddr     = ":9090"
	defaultEnvironment    = "development"
	defaultInitialCredits = int64(20)
	defaultRetention      = 30 * 24 * time.Hour
	pruneInterval         = time.Hour
)

type runtimeConfig struct {
	DatabasePath        string
	ListenAddr          string
	Environment         string
	SigningSecret       string
	WebhookSecret       string
	InitialCredits      int64
	PoolMaxConns        int
	PoolAcquireTimeout  time.Duration
	PoolIdleTimeout     time.Duration
	ThrottleMaxAttempts int
	ThrottleWindow      time.Duration
	ThrottleLockout     time.Duration
	Retention           time.Duration
	AllowedOrigins      []string
	TranslatorBaseURL   string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "meterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "meterd",
		Short:         "Credits metering API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabasePath, defaultDatabasePath, "SQLite database path")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagEnvironment, defaultEnvironment, "deployment environment name")
	cmd.Flags().String(flagSigningSecret, "", "grant token signing secret")
	cmd.Flags().String(flagWebhookSecret, "", "payment webhook shared secret")
	cmd.Flags().Int64(flagInitialCredits, defaultInitialCredits, "credits granted to a fresh session")
	cmd.Flags().Int(flagPoolMaxConns, 4, "maximum pooled database handles")
	cmd.Flags().Duration(flagAcquireTimeout, 5*time.Second, "pool acquire timeout")
	cmd.Flags().Duration(flagIdleTimeout, 5*time.Minute, "pool idle handle timeout")
	cmd.Flags().Int(flagThrottleAttempts, 5, "failed attempts before lockout")
	cmd.Flags().Duration(flagThrottleWindow, 15*time.Minute, "failed attempt counting window")
	cmd.Flags().Duration(flagThrottleLockout, 15*time.Minute, "lockout duration")
	cmd.Flags().Duration(flagRetention, defaultRetention, "idempotency record retention")
	cmd.Flags().StringSlice(flagAllowedOrigins, nil, "allowed CORS origins")
	cmd.Flags().String(flagTranslatorBaseURL, "http://localhost:8100", "upstream translator base URL")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("METERD")
	viper.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabasePath, flagListenAddr, flagEnvironment, flagSigningSecret,
		flagWebhookSecret, flagInitialCredits, flagPoolMaxConns, flagAcquireTimeout,
		flagIdleTimeout, flagThrottleAttempts, flagThrottleWindow, flagThrottleLockout,
		flagRetention, flagAllowedOrigins, flagTranslatorBaseURL,
	} {
		if err := viper.BindPFlag(strings.ReplaceAll(flagName, "-", "_"), cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabasePath = viper.GetString("database_path")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.Environment = viper.GetString("environment")
	cfg.SigningSecret = viper.GetString("signing_secret")
	cfg.WebhookSecret = viper.GetString("webhook_secret")
	cfg.InitialCredits = viper.GetInt64("initial_credits")
	cfg.PoolMaxConns = viper.GetInt("pool_max_conns")
	cfg.PoolAcquireTimeout = viper.GetDuration("pool_acquire_timeout")
	cfg.PoolIdleTimeout = viper.GetDuration("pool_idle_timeout")
	cfg.ThrottleMaxAttempts = viper.GetInt("throttle_max_attempts")
	cfg.ThrottleWindow = viper.GetDuration("throttle_window")
	cfg.ThrottleLockout = viper.GetDuration("throttle_lockout")
	cfg.Retention = viper.GetDuration("idempotency_retention")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed_origins")
	cfg.TranslatorBaseURL = viper.GetString("translator_base_url")

	if cfg.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if cfg.InitialCredits < 0 {
		return fmt.Errorf("initial credits must not be negative")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	signingSecret, err := resolveSigningSecret(cfg, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("database dir: %w", err)
	}
	connectionPool, err := pool.New(pool.Config{
		Path:           cfg.DatabasePath,
		MaxConns:       cfg.PoolMaxConns,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		IdleTimeout:    cfg.PoolIdleTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("pool init: %w", err)
	}
	defer func() { _ = connectionPool.Close() }()

	store := gormstore.New(connectionPool)
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := credits.NewService(store, clock, cfg.InitialCredits,
		credits.WithOperationLogger(&zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("credits service init: %w", err)
	}

	tokens, err := granttoken.New(signingSecret, granttoken.DefaultTTL, time.Now)
	if err != nil {
		return fmt.Errorf("grant token signer init: %w", err)
	}

	attemptThrottle, err := throttle.New(throttle.Config{
		MaxAttempts:     cfg.ThrottleMaxAttempts,
		Window:          cfg.ThrottleWindow,
		LockoutDuration: cfg.ThrottleLockout,
	})
	if err != nil {
		return fmt.Errorf("throttle init: %w", err)
	}
	attemptThrottle.Start()
	defer attemptThrottle.Close()

	coalescer, err := coalesce.New(coalesce.Config{})
	if err != nil {
		return fmt.Errorf("coalescer init: %w", err)
	}

	server, err := httpapi.NewServer(
		httpapi.Config{
			ListenAddr:     cfg.ListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			WebhookSecret:  cfg.WebhookSecret,
		},
		logger,
		ledger,
		tokens,
		attemptThrottle,
		coalescer,
		newUpstreamTranslator(cfg.TranslatorBaseURL),
	)
	if err != nil {
		return fmt.Errorf("http server init: %w", err)
	}

	go runPruneLoop(ctx, logger, ledger, cfg.Retention)

	return server.Run(ctx)
}

// resolveSigningSecret enforces the deployment contract: production fails
// hard without a secret, non-production falls back to an ephemeral one.
func resolveSigningSecret(cfg *runtimeConfig, logger *zap.Logger) ([]byte, error) {
	if cfg.SigningSecret != "" {
		return []byte(cfg.SigningSecret), nil
	}
	if cfg.Environment == environmentProduction {
		return nil, fmt.Errorf("signing secret is required in production")
	}
	generated := make([]byte, 32)
	if _, err := rand.Read(generated); err != nil {
		return nil, fmt.Errorf("generate signing secret: %w", err)
	}
	logger.Warn("no signing secret configured; using a generated ephemeral secret, grant tokens will not survive a restart",
		zap.String("environment", cfg.Environment))
	return []byte(hex.EncodeToString(generated)), nil
}

func runPruneLoop(ctx context.Context, logger *zap.Logger, ledger *credits.Service, retention time.Duration) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pruned, err := ledger.PruneIdempotency(ctx, retention)
			if err != nil {
				logger.Warn("idempotency prune failed", zap.Error(err))
				continue
			}
			if pruned > 0 {
				logger.Info("idempotency records pruned", zap.Int64("count", pruned))
			}
		case <-ctx.Done():
			return
		}
	}
}

// zapOperationLogger bridges the domain OperationLogger onto zap.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger *zapOperationLogger) LogOperation(ctx context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("session_id", entry.SessionID.String()),
		zap.Int64("amount", entry.Amount),
		zap.String("source", entry.Source.String()),
		zap.String("status", entry.Status),
		zap.Bool("ok", entry.Outcome.OK),
		zap.Bool("charged", entry.Outcome.Charged),
		zap.Int64("remaining", entry.Outcome.Balance.Remaining()),
	}
	if entry.Error != nil {
		operationLogger.logger.Error("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

// newUpstreamTranslator returns a minimal HTTP client for the external
// translation provider adapter.
func newUpstreamTranslator(baseURL string) httpapi.TranslatorFunc {
	client := &http.Client{Timeout: 30 * time.Second}
	return func(ctx context.Context, text string, targetLanguage string) (string, error) {
		payload, err := json.Marshal(map[string]string{
			"text":            text,
			"target_language": targetLanguage,
		})
		if err != nil {
			return "", err
		}
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/translate", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		request.Header.Set("Content-Type", "application/json")
		response, err := client.Do(request)
		if err != nil {
			return "", err
		}
		defer func() { _ = response.Body.Close() }()
		if response.StatusCode != http.StatusOK {
			return "", fmt.Errorf("translator returned status %d", response.StatusCode)
		}
		var decoded struct {
			Translation string `json:"translation"`
		}
		if err := json.NewDecoder(io.LimitReader(response.Body, 1<<20)).Decode(&decoded); err != nil {
			return "", err
		}
		return decoded.Translation, nil
	}
}
