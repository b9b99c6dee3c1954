// Command hivedesk runs the email ingestion daemon: it polls the configured
// mailboxes, files inbound mail into tickets, and fans lifecycle events out
// to webhook subscribers.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hivedesk/hivedesk/internal/config"
	"github.com/hivedesk/hivedesk/internal/email/connector"
	"github.com/hivedesk/hivedesk/internal/email/credentials"
	"github.com/hivedesk/hivedesk/internal/email/match"
	"github.com/hivedesk/hivedesk/internal/email/poller"
	"github.com/hivedesk/hivedesk/internal/email/postmaster"
	"github.com/hivedesk/hivedesk/internal/repository"
	"github.com/hivedesk/hivedesk/internal/webhook"
)

func main() {
	logger := log.New(os.Stdout, "hivedesk: ", log.LstdFlags)
	if err := run(logger); err != nil {
		logger.Fatalf("fatal: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	mailboxRepo := repository.NewMailboxRepository(db)
	ticketRepo := repository.NewTicketRepository(db)
	commentRepo := repository.NewCommentRepository(db)
	webhookRepo := repository.NewWebhookRepository(db)
	rawMailRepo := repository.NewRawMailRepository(db)

	credentialOpts := []credentials.ManagerOption{
		credentials.WithManagerLogger(logger),
		credentials.WithClientCredentials(cfg.OAuth.ClientID, cfg.OAuth.ClientSecret),
	}
	if cfg.OAuth.TokenURL != "" {
		credentialOpts = append(credentialOpts, credentials.WithTokenURL(cfg.OAuth.TokenURL))
	}
	tokenManager := credentials.NewManager(mailboxRepo, credentialOpts...)
	sessionFactory := connector.NewSessionFactory(tokenManager)
	fetcher := connector.NewIMAPFetcher(connector.WithIMAPLogger(logger))

	dispatcher := webhook.NewDispatcher(webhookRepo,
		webhook.WithDispatcherClient(&http.Client{Timeout: cfg.Webhook.Timeout}),
		webhook.WithDispatcherWorkers(cfg.Webhook.Workers),
		webhook.WithDispatcherMaxAttempts(cfg.Webhook.MaxAttempts),
		webhook.WithDispatcherLogger(logger),
	)
	defer dispatcher.Close()

	engine := match.NewEngine(ticketRepo, commentRepo)
	processor := postmaster.NewProcessor(ticketRepo, commentRepo, engine,
		postmaster.WithProcessorRawStore(rawMailRepo),
		postmaster.WithProcessorNotifier(dispatcher),
		postmaster.WithProcessorLogger(logger),
	)
	handler := postmaster.NewService(processor, logger)

	p := poller.NewPoller(mailboxRepo, sessionFactory, fetcher, handler,
		poller.WithPollInterval(cfg.Poller.Interval),
		poller.WithMailboxTimeout(cfg.Poller.MailboxTimeout),
		poller.WithPollerLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsServer := startMetricsServer(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics server shutdown: %v", err)
		}
	}()

	logger.Printf("polling mailboxes every %s", cfg.Poller.Interval)
	return p.Run(ctx)
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func startMetricsServer(addr string, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server: %v", err)
		}
	}()
	return srv
}
