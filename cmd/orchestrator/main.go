// Command orchestrator wires the Execution Engine's components — the
// State Store Adapter, Command Gateway, Execution Supervisor, Wave
// Runner and Job Poller — into one process and serves the Command
// Gateway's HTTP front door, following the teacher's cmd/appserver/main.go
// wiring shape (flags + env, optional Postgres, graceful shutdown on
// SIGINT/SIGTERM).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/R3E-Network/drs-orchestrator/internal/config"
	"github.com/R3E-Network/drs-orchestrator/internal/logging"
	"github.com/R3E-Network/drs-orchestrator/internal/ratelimit"
	"github.com/R3E-Network/drs-orchestrator/internal/resilience"
	"github.com/R3E-Network/drs-orchestrator/migrations"
	"github.com/R3E-Network/drs-orchestrator/pkg/credentials"
	"github.com/R3E-Network/drs-orchestrator/pkg/drs"
	"github.com/R3E-Network/drs-orchestrator/pkg/events"
	"github.com/R3E-Network/drs-orchestrator/pkg/gateway"
	"github.com/R3E-Network/drs-orchestrator/pkg/httpapi"
	"github.com/R3E-Network/drs-orchestrator/pkg/poller"
	"github.com/R3E-Network/drs-orchestrator/pkg/repository"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore"
	"github.com/R3E-Network/drs-orchestrator/pkg/statestore/postgres"
	"github.com/R3E-Network/drs-orchestrator/pkg/supervisor"
	"github.com/R3E-Network/drs-orchestrator/pkg/wave"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides HTTP_ADDR/config default)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides DATABASE_DSN; in-memory store when empty)")
	catalogURL := flag.String("catalog-url", "", "base URL of the external catalog service (overrides CATALOG_URL)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	logger := logging.New("orchestrator", cfg.LogLevel, cfg.LogFormat)

	rootCtx := context.Background()

	store, closeStore := mustBuildStore(rootCtx, cfg, logger)
	defer closeStore()

	catalogBaseURL := resolveCatalogURL(*catalogURL)
	catalog := repository.NewHTTPCatalog(catalogBaseURL)

	credProvider, err := buildCredentialProvider(rootCtx, cfg, catalog)
	if err != nil {
		log.Fatalf("initialise credential broker: %v", err)
	}

	limiters := ratelimit.NewRegistry(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	factory := drs.NewFactory()

	pollerInstance := poller.New(credProvider, factory, store, poller.Config{
		InitialDelay:  cfg.PollInitialDelay,
		Backoff:       resilience.BackoffConfig{Base: cfg.PollBackoffBase, Factor: cfg.PollBackoffFactor, Cap: cfg.PollBackoffCap, Jitter: cfg.PollJitter},
		MaxLifetime:   cfg.PollMaxLifetime,
		AuthThreshold: cfg.AuthFailureThreshold,
	}, logger)
	pollerInstance.SetRateLimiter(limiters)

	waveRunner := wave.New(catalog, credProvider, factory, store, pollerInstance, cfg.WaveSizeLimit, cfg.WaveConcurrencyLimit, logger)
	waveRunner.SetRateLimiter(limiters)

	supervisorManager := supervisor.NewManager(store, catalog, waveRunner, eventSink(), logger, 2*time.Second)
	if err := supervisorManager.Rehydrate(rootCtx); err != nil {
		log.Fatalf("rehydrate in-flight executions: %v", err)
	}

	gw := gateway.New(store, catalog, supervisorManager, logger)
	gw.SetDRSAccess(credProvider, factory)
	router := httpapi.NewRouter(gw)

	pollerCtx, stopPoller := context.WithCancel(rootCtx)
	pollerInstance.Start(pollerCtx)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("drs orchestrator listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
	stopPoller()
	pollerInstance.Stop()
	supervisorManager.Shutdown()
}

func mustBuildStore(ctx context.Context, cfg config.Config, logger *logging.Logger) (statestore.Store, func()) {
	if cfg.DatabaseDSN == "" {
		logger.Warn("DATABASE_DSN not set; using in-memory state store (not safe across restarts)")
		return statestore.NewMemoryStore(), func() {}
	}

	db, err := postgres.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	if cfg.RunMigrations {
		if err := migrations.Apply(ctx, db); err != nil {
			log.Fatalf("apply migrations: %v", err)
		}
	}
	return postgres.New(db), func() { _ = db.Close() }
}

func resolveCatalogURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("CATALOG_URL"); v != "" {
		return v
	}
	return "http://localhost:9090"
}

// catalogAccountResolver adapts repository.Catalog's GetTargetAccount to
// the narrow AccountResolver the Credential Broker needs, per spec.md
// §4.6/§6.2: the broker resolves a role ARN the same way the Wave
// Runner/Job Poller resolve account/region, through the catalog.
type catalogAccountResolver struct {
	catalog repository.Catalog
}

func (r catalogAccountResolver) RoleARN(ctx context.Context, accountID string) (string, string, error) {
	account, err := r.catalog.GetTargetAccount(ctx, accountID)
	if err != nil {
		return "", "", err
	}
	return account.RoleARN, account.ExternalID, nil
}

func buildCredentialProvider(ctx context.Context, cfg config.Config, catalog repository.Catalog) (credentials.Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("load control-plane aws config: %w", err)
	}
	stsClient := sts.NewFromConfig(awsCfg)
	return credentials.NewSTSProvider(stsClient, catalogAccountResolver{catalog: catalog}), nil
}

// eventSink is the Supervisor's outbound notification channel (spec.md
// §4.2's "the Supervisor emits an event on every Execution/Wave status
// transition"); notification delivery itself is an external collaborator
// (spec.md §1), so this engine only logs the event envelope it would
// otherwise publish to a queue/webhook.
func eventSink() *events.LogSink {
	return events.NewLogSink(logging.New("events", "info", "json"))
}
