// Command incentived serves the health insurance incentive workflow over
// HTTP. It binds the HealthInsuranceIncentive contract on a node-managed
// ledger, relays contract events and keeps a local receipt journal.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/healthincentive/internal/api/handler"
	"github.com/jmerrifield20/healthincentive/internal/email"
	"github.com/jmerrifield20/healthincentive/internal/events"
	"github.com/jmerrifield20/healthincentive/internal/health"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/patients"
	"github.com/jmerrifield20/healthincentive/internal/receipts"
	"github.com/jmerrifield20/healthincentive/internal/session"
	"github.com/jmerrifield20/healthincentive/internal/webhooks"
	"github.com/jmerrifield20/healthincentive/internal/workflow"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("incentived exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("incentived")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("ledger.rpc_url", "http://localhost:7545")
	viper.SetDefault("ledger.artifact", "build/contracts/HealthInsuranceIncentive.json")
	viper.SetDefault("ledger.network_id", "")
	viper.SetDefault("ledger.contract_address", "")
	viper.SetDefault("ledger.gas_limit", ledger.DefaultGasLimit)
	viper.SetDefault("ledger.poll_interval", "2s")
	viper.SetDefault("ledger.receipt_poll_interval", "500ms")
	viper.SetDefault("ledger.confirm_timeout", "2m")
	viper.SetDefault("workflow.penalty_ether", 4)
	viper.SetDefault("workflow.incentive_ether", 20)
	viper.SetDefault("database.url", "")
	viper.SetDefault("directory.backend", "memory")
	viper.SetDefault("directory.leveldb_path", "data/patients")
	viper.SetDefault("session.secret", "")
	viper.SetDefault("session.issuer", "incentived")
	viper.SetDefault("session.ttl", "12h")
	viper.SetDefault("health.check_interval", "30s")
	viper.SetDefault("health.fail_threshold", 3)
	viper.SetDefault("webhooks", []map[string]any{})
	viper.SetDefault("email.smtp_host", "")
	viper.SetDefault("email.smtp_port", 587)
	viper.SetDefault("email.smtp_username", "")
	viper.SetDefault("email.smtp_password", "")
	viper.SetDefault("email.from_address", "incentived@localhost")
	viper.SetDefault("alerts.email_to", []string{})

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ledger ───────────────────────────────────────────────────────────────
	rpcURL := viper.GetString("ledger.rpc_url")
	node, err := ledger.Dial(ctx, rpcURL)
	if err != nil {
		return err
	}
	defer node.Close()
	logger.Info("connected to ledger node", zap.String("rpc_url", rpcURL))

	artifact, err := loadArtifact(logger)
	if err != nil {
		return err
	}

	pollInterval := viper.GetDuration("ledger.poll_interval")
	binding := ledger.NewBinding(node, artifact, logger)
	binding.SetReceiptPollInterval(viper.GetDuration("ledger.receipt_poll_interval"))
	contract := ledger.NewHealthInsurance(binding)

	// ── Database (optional) ──────────────────────────────────────────────────
	var db *pgxpool.Pool
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()

		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
	}

	// ── Receipt journal ──────────────────────────────────────────────────────
	var journal receipts.Journal = receipts.NewMemory()
	if db != nil {
		journal = receipts.NewPostgres(db, logger)
	}
	if err := journal.Verify(ctx); err != nil {
		logger.Warn("receipt journal integrity check FAILED", zap.Error(err))
	} else {
		n, _ := journal.Len(ctx)
		root, _ := journal.Root(ctx)
		logger.Info("receipt journal verified",
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Patient directory ────────────────────────────────────────────────────
	directory, closeDirectory, err := openDirectory(db, logger)
	if err != nil {
		return err
	}
	defer closeDirectory()

	// ── Workflow ─────────────────────────────────────────────────────────────
	wf := workflow.New(contract, workflow.Config{
		GasLimit:       viper.GetUint64("ledger.gas_limit"),
		PenaltyEther:   viper.GetInt64("workflow.penalty_ether"),
		IncentiveEther: viper.GetInt64("workflow.incentive_ether"),
		ConfirmTimeout: viper.GetDuration("ledger.confirm_timeout"),
	}, logger)
	wf.SetDirectory(directory)
	wf.SetJournal(&countingJournal{Journal: journal})
	wf.SetMetricsRecord(handler.RecordWorkflowOp)

	// ── Webhooks ─────────────────────────────────────────────────────────────
	var subs []webhooks.Subscription
	if err := viper.UnmarshalKey("webhooks", &subs); err != nil {
		return fmt.Errorf("parse webhooks config: %w", err)
	}
	hooks := webhooks.NewService(subs, logger)
	hooks.SetMetricsRecorder(handler.RecordWebhookDelivery)
	if db != nil {
		hooks.SetDeliveryLog(webhooks.NewRepository(db))
	}
	if n := hooks.Subscriptions(); n > 0 {
		logger.Info("webhooks configured", zap.Int("subscriptions", n))
	}

	// ── Operator alerts ──────────────────────────────────────────────────────
	var mailer email.EmailSender
	if smtpHost := viper.GetString("email.smtp_host"); smtpHost != "" {
		mailer = email.NewSMTPSender(email.SMTPConfig{
			Host:     smtpHost,
			Port:     viper.GetInt("email.smtp_port"),
			Username: viper.GetString("email.smtp_username"),
			Password: viper.GetString("email.smtp_password"),
			From:     viper.GetString("email.from_address"),
		})
		logger.Info("SMTP alert sender configured", zap.String("host", smtpHost))
	} else {
		mailer = email.NewNoopSender(logger)
	}
	alerter := email.NewAlerter(mailer, viper.GetStringSlice("alerts.email_to"), logger)

	// ── Events ───────────────────────────────────────────────────────────────
	bridge := events.NewBridge(pollInterval, logger)
	bridge.SetMetricsRecord(handler.RecordEventDelivery)
	bridge.OnNotification(func(n events.Notification) {
		logger.Info(n.Message,
			zap.String("event", n.Name),
			zap.Uint64("block", n.BlockNumber),
			zap.String("tx_hash", n.TxHash.Hex()),
		)
	})
	bridge.OnNotification(hooks.NotifyEvent(ctx))
	defer bridge.Close()
	go bridge.Start(ctx, binding, 10*time.Second)

	// ── Node health ──────────────────────────────────────────────────────────
	checker := health.New(node, health.Config{
		CheckInterval: viper.GetDuration("health.check_interval"),
		FailThreshold: viper.GetInt("health.fail_threshold"),
	}, logger)
	checker.SetMetricsRecord(handler.RecordHealthCheck)
	checker.SetStatusChange(func(ctx context.Context, st health.Status) {
		hooks.NotifyHealth(ctx, st)
		alerter.NotifyHealth(ctx, st)
	})
	go checker.Start(ctx)

	// ── Sessions ─────────────────────────────────────────────────────────────
	secret := viper.GetString("session.secret")
	if secret == "" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("generate session secret: %w", err)
		}
		secret = common.Bytes2Hex(buf)
		logger.Warn("session.secret not set, generated an ephemeral one; tokens will not survive a restart")
	}
	tokens, err := session.NewTokenIssuer([]byte(secret), viper.GetString("session.issuer"), viper.GetDuration("session.ttl"))
	if err != nil {
		return fmt.Errorf("session tokens: %w", err)
	}
	sessions := session.NewStore(viper.GetDuration("session.ttl"))
	go sessions.StartEviction(time.Minute, ctx.Done())
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler.SetSessionsGauge(sessions.Len())
			case <-ctx.Done():
				return
			}
		}
	}()

	// ── Handlers ─────────────────────────────────────────────────────────────
	sessionHandler := handler.NewSessionHandler(node, sessions, tokens, logger)
	workflowHandler := handler.NewWorkflowHandler(wf, sessionHandler.RequireSession(), logger)
	eventsHandler := handler.NewEventsHandler(bridge, logger)
	receiptsHandler := handler.NewReceiptsHandler(journal, logger)
	healthHandler := handler.NewHealthHandler(checker, bridge)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.PrometheusMiddleware())

	// CORS
	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (64 KB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 64<<10)
		c.Next()
	})

	// Per-IP rate limiting
	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(rps, rps*2, ctx.Done()))
	}

	router.Use(requestLogger(logger))

	router.GET("/healthz", healthHandler.Healthz)
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	sessionHandler.Register(v1)
	workflowHandler.Register(v1)
	eventsHandler.Register(v1)
	receiptsHandler.Register(v1)

	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("incentived HTTP listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("HTTP listen: %w", err)
	}
	logger.Info("shutting down incentived...")

	// Leave room for in-flight transactions to confirm.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("incentived stopped")
	return nil
}

// loadArtifact reads the Truffle artifact. When the file is missing and
// ledger.contract_address is set, the embedded ABI is bound to that address.
func loadArtifact(logger *zap.Logger) (*ledger.Artifact, error) {
	path := viper.GetString("ledger.artifact")
	artifact, err := ledger.LoadArtifact(path)
	if err == nil {
		logger.Info("contract artifact loaded",
			zap.String("path", path),
			zap.Int("networks", len(artifact.Networks)),
		)
		return artifact, nil
	}

	addr := viper.GetString("ledger.contract_address")
	netID := viper.GetString("ledger.network_id")
	if addr == "" || netID == "" {
		return nil, fmt.Errorf("load contract artifact %s: %w", path, err)
	}
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("ledger.contract_address %q is not a hex address", addr)
	}
	logger.Warn("contract artifact unavailable, using embedded ABI",
		zap.String("path", path),
		zap.String("network_id", netID),
		zap.String("address", addr),
		zap.Error(err),
	)
	return ledger.NewArtifact(netID, common.HexToAddress(addr)), nil
}

// openDirectory selects the patient directory backend.
func openDirectory(db *pgxpool.Pool, logger *zap.Logger) (patients.Directory, func(), error) {
	noop := func() {}
	switch backend := viper.GetString("directory.backend"); backend {
	case "memory", "":
		return patients.NewMemory(), noop, nil
	case "postgres":
		if db == nil {
			return nil, nil, errors.New("directory.backend=postgres requires database.url")
		}
		return patients.NewPostgres(db), noop, nil
	case "leveldb":
		path := viper.GetString("directory.leveldb_path")
		d, err := patients.OpenLevelDB(path)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("patient directory opened", zap.String("leveldb_path", path))
		return d, func() {
			if err := d.Close(); err != nil {
				logger.Warn("close patient directory", zap.Error(err))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory.backend %q", backend)
	}
}

// countingJournal counts successful appends for the journal metric.
type countingJournal struct {
	receipts.Journal
}

func (j *countingJournal) Append(ctx context.Context, patientID uint64, r *ledger.Receipt) (*receipts.Entry, error) {
	e, err := j.Journal.Append(ctx, patientID, r)
	if err == nil {
		handler.RecordJournalAppend()
	}
	return e, err
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
