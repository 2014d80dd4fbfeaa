package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/invoicechain/internal/auth"
	"github.com/mmynk/invoicechain/internal/config"
	"github.com/mmynk/invoicechain/internal/document"
	"github.com/mmynk/invoicechain/internal/httpapi"
	"github.com/mmynk/invoicechain/internal/ledger"
	"github.com/mmynk/invoicechain/internal/metrics"
	"github.com/mmynk/invoicechain/internal/middleware"
	"github.com/mmynk/invoicechain/internal/notify"
	"github.com/mmynk/invoicechain/internal/reconcile"
	"github.com/mmynk/invoicechain/internal/rpc"
	"github.com/mmynk/invoicechain/internal/saga"
	"github.com/mmynk/invoicechain/internal/service"
	"github.com/mmynk/invoicechain/internal/storage/sqlstore"
	"github.com/mmynk/invoicechain/pkg/logging"
)

func main() {
	var configPath string
	var quiet bool

	root := &cobra.Command{
		Use:   "invoicechain-server",
		Short: "Invoice lifecycle coordinator",
		Long: `Serves the invoice REST API and the ledger event service, and runs the
background watcher that reconciles local records with the invoice registry.

Settings come from defaults, an optional YAML file and INVOICECHAIN_* variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			if configPath == "" {
				configPath = os.Getenv(config.EnvPrefix + "_CONFIG")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !quiet {
				figure.NewColorFigure("InvoiceChain", "small", "green", true).Print()
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	root.Flags().BoolVarP(&quiet, "quiet", "q", false, "skip the startup banner")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.AddSource)
	slog.SetDefault(logger)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := sqlstore.Open(sqlstore.Dialect(cfg.Store.Driver), cfg.Store.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	slog.Info("Storage initialized", "driver", cfg.Store.Driver)

	led, closeLedger, err := openLedger(ctx, cfg.Ledger, m, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	publisher := document.NewPublisher(document.NewRenderer(), newUploader(cfg.Documents), cfg.Documents.UploadTimeout)

	notifier, err := newNotifier(cfg.Notify, logger)
	if err != nil {
		return err
	}

	rec := reconcile.New(store,
		reconcile.WithDisputes(store),
		reconcile.WithLedger(led),
		reconcile.WithNotifier(notifier),
		reconcile.WithDeduper(notify.NewDeduper(0)),
		reconcile.WithMetrics(m),
		reconcile.WithLogger(logger),
	)

	sagaCfg := saga.DefaultConfig()
	sagaCfg.Retry.MaxAttempts = cfg.Retry.MaxAttempts
	sagaCfg.Retry.InitialBackoff = cfg.Retry.InitialBackoff
	sagaCfg.Retry.MaxBackoff = cfg.Retry.MaxBackoff
	sagaCfg.ConfirmTimeout = cfg.Ledger.ConfirmTimeout
	sagaCfg.PollInterval = cfg.Ledger.PollInterval
	sagaCfg.Decimals = cfg.Ledger.Decimals
	sg := saga.New(store, publisher, led, rec, sagaCfg, saga.WithMetrics(m), saga.WithLogger(logger))

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	verifier := auth.NewVerifier(store,
		auth.WithNonceTTL(cfg.Auth.NonceTTL),
		auth.WithMetrics(m),
		auth.WithLogger(logger),
	)

	api := httpapi.NewServer(
		service.NewUserService(store, verifier, jwtManager, logger),
		service.NewInvoiceService(store, sg, rec, led, logger),
		service.NewTemplateService(store, store, logger),
		jwtManager,
		store,
		m,
		httpapi.Config{PublicSearch: cfg.Auth.PublicSearch, AllowedOrigins: cfg.Server.AllowedOrigins},
		logger,
	)
	router := api.Router()

	eventPath, eventHandler := rpc.NewHandler(
		rpc.NewLedgerEventService(rec, store, led, logger),
		connect.WithInterceptors(middleware.LoggingInterceptor(logger), middleware.RequireAuth(jwtManager)),
	)
	router.Mount(strings.TrimSuffix(eventPath, "/"), eventHandler)

	watcher := reconcile.NewWatcher(rec, store, led, reconcile.WatcherConfig{
		Interval:  cfg.Watcher.Interval,
		Workers:   cfg.Watcher.Workers,
		BatchSize: cfg.Watcher.BatchSize,
	}, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Watcher stopped", "error", err)
		}
	}()

	// h2c serves HTTP/2 without TLS, which Connect clients use.
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", srv.Addr, "ledger", cfg.Ledger.Mode, "documents", cfg.Documents.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		cancel()
		<-watcherDone
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	cancel()
	<-watcherDone
	slog.Info("Server exited gracefully")
	return nil
}

func openLedger(ctx context.Context, cfg config.LedgerConfig, m *metrics.Metrics, logger *slog.Logger) (ledger.Ledger, func(), error) {
	if cfg.Mode != "eth" {
		slog.Warn("Using the in-memory ledger; invoices are lost on restart")
		return ledger.NewMemory(true), func() {}, nil
	}
	fee, err := cfg.DisputeFee()
	if err != nil {
		return nil, nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	l, err := ledger.DialEth(dialCtx, ledger.EthConfig{
		RPCURL:          cfg.RPCURL,
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
		SubmitTimeout:   cfg.SubmitTimeout,
		PollInterval:    cfg.PollInterval,
		DisputeFee:      fee,
	}, m, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect ledger: %w", err)
	}
	slog.Info("Ledger connected", "rpc", cfg.RPCURL, "contract", cfg.ContractAddress)
	return l, l.Close, nil
}

func newUploader(cfg config.DocumentsConfig) document.Uploader {
	if cfg.Backend == "ipfs" {
		return document.NewIPFSUploader(cfg.IPFSAPIURL, &http.Client{Timeout: cfg.UploadTimeout})
	}
	return document.NewDatastoreUploader(nil)
}

func newNotifier(cfg config.NotifyConfig, logger *slog.Logger) (notify.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.TelegramToken != "" {
		tg, err := notify.DialTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, tg)
	}
	return notifiers, nil
}
