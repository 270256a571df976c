package integration

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	httpapi "github.com/soleid/soleid/internal/api/http"
	appAuthority "github.com/soleid/soleid/internal/application/authority"
	appLease "github.com/soleid/soleid/internal/application/lease"
	appRevocation "github.com/soleid/soleid/internal/application/revocation"
	"github.com/soleid/soleid/internal/application/statechain"
	appToken "github.com/soleid/soleid/internal/application/token"
	"github.com/soleid/soleid/internal/domain/chain"
	domainLease "github.com/soleid/soleid/internal/domain/lease"
	"github.com/soleid/soleid/internal/infrastructure/chainfile"
	"github.com/soleid/soleid/internal/infrastructure/httpclient"
	"github.com/soleid/soleid/internal/infrastructure/keystore"
	"github.com/soleid/soleid/internal/infrastructure/memory"
)

const testIdentityID = "aid_integration"

func newAuthorityServer(t *testing.T) *httptest.Server {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("token key: %v", err)
	}
	keys, err := keystore.NewTokenKeyStore("k1", map[string][]byte{"k1": key}, nil)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}

	logger := zerolog.Nop()
	store := memory.NewStore()
	revocationSvc := appRevocation.NewService(store, logger)
	tokenSvc := appToken.NewService(keys, revocationSvc, logger)
	authoritySvc := appAuthority.NewService(store, tokenSvc, appAuthority.Config{LeaseTTL: time.Minute}, logger)

	apiServer := httpapi.NewServer(authoritySvc, revocationSvc, logger)
	server := httptest.NewServer(apiServer.Router())
	t.Cleanup(func() {
		server.Close()
		apiServer.Close()
	})
	return server
}

// newAgent assembles the full client stack one process runs: signing
// key, lease manager, durable chain file, and the chain service wired
// to the remote Authority.
func newAgent(t *testing.T, baseURL, stateDir string) (*keystore.SoftwareKey, *httpclient.Client, *appLease.Manager, *statechain.Service) {
	t.Helper()
	key, err := keystore.GenerateSoftwareKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return newAgentWithKey(t, baseURL, stateDir, key)
}

func newAgentWithKey(t *testing.T, baseURL, stateDir string, key *keystore.SoftwareKey) (*keystore.SoftwareKey, *httpclient.Client, *appLease.Manager, *statechain.Service) {
	t.Helper()
	logger := zerolog.Nop()
	client := httpclient.NewClient(baseURL)
	manager := appLease.NewManager(testIdentityID, key, client, appLease.Config{}, logger)

	store, err := chainfile.Open(stateDir, testIdentityID, false)
	if err != nil {
		t.Fatalf("open chain file: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	guard := func() error {
		if err := manager.Check(); err != nil {
			return err
		}
		if current, ok := manager.Current(); ok {
			client.UseToken(current.Token)
		}
		return nil
	}
	service, err := statechain.NewService(testIdentityID, key, logger,
		statechain.WithStore(store),
		statechain.WithRemote(client),
		statechain.WithLeaseGuard(guard),
	)
	if err != nil {
		t.Fatalf("chain service: %v", err)
	}
	return key, client, manager, service
}

func TestAgentLifecycle(t *testing.T) {
	server := newAuthorityServer(t)
	ctx := context.Background()

	_, client, manager, service := newAgent(t, server.URL, t.TempDir())

	lease, err := manager.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	client.UseToken(lease.Token)

	if err := service.VerifyAgainstRemote(ctx); err != nil {
		t.Fatalf("verify against remote: %v", err)
	}

	if _, err := service.AppendAndSync(ctx, chain.ActionAttestation, "identity created", nil); err != nil {
		t.Fatalf("append genesis: %v", err)
	}
	if _, err := service.AppendAndSync(ctx, chain.ActionTransaction, "payment sent", map[string]any{"amount": 25}); err != nil {
		t.Fatalf("append payment: %v", err)
	}
	entry, err := service.AppendAndSync(ctx, chain.ActionTransaction, "payment received", map[string]any{"amount": 40})
	if err != nil {
		t.Fatalf("append receipt: %v", err)
	}

	remoteHead, err := client.GetStateHead(ctx, testIdentityID)
	if err != nil {
		t.Fatalf("remote head: %v", err)
	}
	if remoteHead == nil || remoteHead.Sequence != 2 {
		t.Fatalf("remote head = %+v, want sequence 2", remoteHead)
	}
	if remoteHead.EntryHash != entry.EntryHash {
		t.Fatalf("remote head hash %s, want %s", remoteHead.EntryHash.Hex(), entry.EntryHash.Hex())
	}

	// a rival session is locked out while the lease is held
	_, _, rivalManager, _ := newAgent(t, server.URL, t.TempDir())
	_, err = rivalManager.Acquire(ctx)
	var held *domainLease.HeldError
	if !errors.As(err, &held) {
		t.Fatalf("rival acquire error = %v, want HeldError", err)
	}
	if held.HolderSessionID != lease.SessionID {
		t.Fatalf("holder session %s, want %s", held.HolderSessionID, lease.SessionID)
	}

	manager.Release(ctx)
	if _, err := rivalManager.Acquire(ctx); err != nil {
		t.Fatalf("rival acquire after release: %v", err)
	}
}

func TestFreshProcessAdoptsRemoteChain(t *testing.T) {
	server := newAuthorityServer(t)
	ctx := context.Background()

	key, client, manager, service := newAgent(t, server.URL, t.TempDir())
	lease, err := manager.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	client.UseToken(lease.Token)

	for i, summary := range []string{"identity created", "first", "second"} {
		actionType := chain.ActionTransaction
		if i == 0 {
			actionType = chain.ActionAttestation
		}
		if _, err := service.AppendAndSync(ctx, actionType, summary, nil); err != nil {
			t.Fatalf("append %q: %v", summary, err)
		}
	}
	manager.Release(ctx)

	// same key on a new host with an empty state dir: the chain comes
	// back from the Authority
	_, _, _, fresh := newAgentWithKey(t, server.URL, t.TempDir(), key)
	if err := fresh.VerifyAgainstRemote(ctx); err != nil {
		t.Fatalf("fresh verify: %v", err)
	}
	if fresh.Len() != 3 {
		t.Fatalf("fresh chain length %d, want 3", fresh.Len())
	}
	head, ok := fresh.Head()
	if !ok || head.Sequence != 2 {
		t.Fatalf("fresh head = %+v, want sequence 2", head)
	}
}

func TestStateEventStream(t *testing.T) {
	server := newAuthorityServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/v1/state/"+testIdentityID+"/events?client_id=watcher-1", nil)
	if err != nil {
		t.Fatalf("events request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("events connect: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status %d", resp.StatusCode)
	}

	eventCh := make(chan map[string]any, 1)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			if strings.HasPrefix(line, "data: ") {
				payload := strings.TrimSpace(strings.TrimPrefix(line, "data: "))
				var event map[string]any
				if err := json.Unmarshal([]byte(payload), &event); err == nil {
					eventCh <- event
					return
				}
			}
		}
	}()

	_, client, manager, service := newAgent(t, server.URL, t.TempDir())
	lease, err := manager.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	client.UseToken(lease.Token)
	if _, err := service.AppendAndSync(ctx, chain.ActionAttestation, "identity created", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case event := <-eventCh:
		if event["identity_id"] != testIdentityID {
			t.Fatalf("event identity %v", event["identity_id"])
		}
		if event["sequence"] != float64(0) {
			t.Fatalf("event sequence %v, want 0", event["sequence"])
		}
		if event["summary"] != "identity created" {
			t.Fatalf("event summary %v", event["summary"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("state event not received")
	}
}
