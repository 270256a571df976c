package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/soleid/soleid/internal/api/http"
	appAuthority "github.com/soleid/soleid/internal/application/authority"
	appRevocation "github.com/soleid/soleid/internal/application/revocation"
	appToken "github.com/soleid/soleid/internal/application/token"
	"github.com/soleid/soleid/internal/config"
	domainRevocation "github.com/soleid/soleid/internal/domain/revocation"
	"github.com/soleid/soleid/internal/infrastructure/keystore"
	"github.com/soleid/soleid/internal/infrastructure/memory"
	"github.com/soleid/soleid/internal/infrastructure/postgres"
	"github.com/soleid/soleid/internal/replica"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadAuthority()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx := context.Background()

	keys, err := keystore.NewTokenKeyStoreFromEnv()
	if err != nil {
		log.Fatalf("token keys error: %v", err)
	}

	var (
		store        appAuthority.Store
		revocationDB domainRevocation.Repository
		shutdownFns  []func()
	)
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		shutdownFns = append(shutdownFns, pool.Close)
		if err := postgres.RunMigrations(ctx, pool, cfg.MigrationsDir); err != nil {
			log.Fatalf("migration error: %v", err)
		}
		pgStore := postgres.NewStore(pool)
		store = pgStore
		revocationDB = pgStore
	case "raft":
		node, err := replica.NewNode(replica.Config{
			NodeID:    cfg.RaftNodeID,
			RaftAddr:  cfg.RaftAddr,
			DataDir:   cfg.RaftDataDir,
			Bootstrap: cfg.RaftBootstrap,
		})
		if err != nil {
			log.Fatalf("raft error: %v", err)
		}
		shutdownFns = append(shutdownFns, func() { _ = node.Shutdown() })
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := node.WaitForLeader(waitCtx, 0); err != nil {
			cancel()
			log.Fatalf("raft leader election error: %v", err)
		}
		cancel()
		store = replica.NewStore(node)
		// Revocations are operator-facing and node-local; the lease and
		// chain state is what must replicate.
		revocationDB = memory.NewStore()
	default:
		memStore := memory.NewStore()
		store = memStore
		revocationDB = memStore
	}

	policy, err := appAuthority.NewAdmissionPolicy(cfg.PolicyExpression)
	if err != nil {
		log.Fatalf("policy error: %v", err)
	}

	revocationSvc := appRevocation.NewService(revocationDB, logger)
	tokenSvc := appToken.NewService(keys, revocationSvc, logger)
	authoritySvc := appAuthority.NewService(store, tokenSvc, appAuthority.Config{
		LeaseTTL:       cfg.LeaseTTL,
		RequestMaxSkew: cfg.RequestMaxSkew,
		Policy:         policy,
	}, logger)

	apiServer := httpapi.NewServer(authoritySvc, revocationSvc, logger)

	// no WriteTimeout: the event stream endpoint holds its response open,
	// regular routes are capped by the router's timeout middleware
	httpServer := &http.Server{
		Addr:        cfg.ServerAddr,
		Handler:     apiServer.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// expired revocation records are swept hourly
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			_, _ = revocationSvc.Cleanup(context.Background(), 24*time.Hour)
		}
	}()

	go func() {
		logger.Info().Str("addr", cfg.ServerAddr).Str("backend", cfg.StoreBackend).Msg("authority started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	apiServer.Close()
	_ = httpServer.Shutdown(ctxShutdown)
	for _, fn := range shutdownFns {
		fn()
	}
}
