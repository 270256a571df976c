package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	appLease "github.com/soleid/soleid/internal/application/lease"
	"github.com/soleid/soleid/internal/application/statechain"
	"github.com/soleid/soleid/internal/config"
	"github.com/soleid/soleid/internal/infrastructure/chainfile"
	"github.com/soleid/soleid/internal/infrastructure/httpclient"
	"github.com/soleid/soleid/internal/infrastructure/keystore"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	key, err := keystore.LoadSoftwareKey(cfg.KeySeed)
	if err != nil {
		log.Fatalf("key error: %v", err)
	}

	client := httpclient.NewClient(cfg.AuthorityURL)

	mgr := appLease.NewManager(cfg.IdentityID, key, client, appLease.Config{
		AutoRenew: true,
		Heartbeat: appLease.HeartbeatConfig{
			PollInterval: cfg.PollInterval,
			RenewBuffer:  cfg.RenewBuffer,
			MaxFailures:  cfg.MaxFailures,
		},
	}, logger)

	fileStore, err := chainfile.Open(cfg.StateDir, cfg.IdentityID, false)
	if err != nil {
		log.Fatalf("state store error: %v", err)
	}
	defer fileStore.Close()

	// the guard keeps the append token current across renewals
	guard := func() error {
		if err := mgr.Check(); err != nil {
			return err
		}
		if current, ok := mgr.Current(); ok {
			client.UseToken(current.Token)
		}
		return nil
	}

	chainSvc, err := statechain.NewService(cfg.IdentityID, key, logger,
		statechain.WithStore(fileStore),
		statechain.WithRemote(client),
		statechain.WithLeaseGuard(guard),
	)
	if err != nil {
		log.Fatalf("chain error: %v", err)
	}

	ctx := context.Background()

	acquireCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	lease, err := mgr.Acquire(acquireCtx)
	cancel()
	if err != nil {
		log.Fatalf("lease error: %v", err)
	}
	client.UseToken(lease.Token)
	logger.Info().Str("session_id", lease.SessionID).Time("expires_at", lease.ExpiresAt).Msg("lease acquired")

	syncCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := chainSvc.VerifyAgainstRemote(syncCtx); err != nil {
		cancel()
		log.Fatalf("chain sync error: %v", err)
	}
	cancel()
	logger.Info().Int("entries", chainSvc.Len()).Msg("chain synchronized")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutting down")
	case <-mgr.Expired():
		logger.Error().Msg("lease expired and could not be renewed")
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	mgr.Release(releaseCtx)
}
