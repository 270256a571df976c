package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AuthorityConfig holds the Authority server configuration.
type AuthorityConfig struct {
	ServerAddr string

	// StoreBackend selects the Authority store: memory, postgres or raft.
	StoreBackend  string
	DatabaseURL   string
	MigrationsDir string

	LeaseTTL         time.Duration
	RequestMaxSkew   time.Duration
	PolicyExpression string

	RaftNodeID    string
	RaftAddr      string
	RaftDataDir   string
	RaftBootstrap bool
}

// LoadAuthority reads Authority configuration from environment.
func LoadAuthority() (*AuthorityConfig, error) {
	backend := getenv("STORE_BACKEND", "memory")
	switch backend {
	case "memory", "postgres", "raft":
	default:
		return nil, fmt.Errorf("unsupported STORE_BACKEND: %s", backend)
	}

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" && backend == "postgres" {
		user := getenv("POSTGRES_USER", "soleid")
		pass := getenv("POSTGRES_PASSWORD", "soleid_pass")
		db := getenv("POSTGRES_DB", "soleid")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	cfg := &AuthorityConfig{
		ServerAddr:       getenv("SERVER_ADDR", "0.0.0.0:8080"),
		StoreBackend:     backend,
		DatabaseURL:      dsn,
		MigrationsDir:    getenv("MIGRATIONS_DIR", "internal/migrations"),
		LeaseTTL:         parseDuration(getenv("LEASE_TTL", "30s"), 30*time.Second),
		RequestMaxSkew:   parseDuration(getenv("REQUEST_MAX_SKEW", "2m"), 2*time.Minute),
		PolicyExpression: os.Getenv("ADMISSION_POLICY"),
		RaftNodeID:       getenv("RAFT_NODE_ID", "authority-1"),
		RaftAddr:         getenv("RAFT_ADDR", "127.0.0.1:9520"),
		RaftDataDir:      getenv("RAFT_DATA_DIR", "data/raft"),
		RaftBootstrap:    parseBool(getenv("RAFT_BOOTSTRAP", "true"), true),
	}
	return cfg, nil
}

// AgentConfig holds the agent daemon configuration.
type AgentConfig struct {
	AuthorityURL string
	IdentityID   string

	// KeySeed is the hex-encoded ed25519 seed or private key.
	KeySeed string

	StateDir string

	PollInterval time.Duration
	RenewBuffer  time.Duration
	MaxFailures  int
}

// LoadAgent reads agent configuration from environment.
func LoadAgent() (*AgentConfig, error) {
	identityID := os.Getenv("IDENTITY_ID")
	if identityID == "" {
		return nil, fmt.Errorf("IDENTITY_ID is required")
	}
	keySeed := os.Getenv("IDENTITY_KEY")
	if keySeed == "" {
		return nil, fmt.Errorf("IDENTITY_KEY is required")
	}

	return &AgentConfig{
		AuthorityURL: getenv("AUTHORITY_URL", "http://localhost:8080"),
		IdentityID:   identityID,
		KeySeed:      keySeed,
		StateDir:     getenv("STATE_DIR", "data/state"),
		PollInterval: parseDuration(getenv("HEARTBEAT_POLL_INTERVAL", "1s"), time.Second),
		RenewBuffer:  parseDuration(getenv("HEARTBEAT_RENEW_BUFFER", "10s"), 10*time.Second),
		MaxFailures:  parseInt(getenv("HEARTBEAT_MAX_FAILURES", "5"), 5),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
