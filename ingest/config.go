package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects how the indexer consumes chain activity.
type Mode string

const (
	ModePolling Mode = "polling"
	ModeWebsocket Mode = "websocket"
	ModeAuto      Mode = "auto"
)

// MetadataIndexMode gates whether metadata events are applied at all.
type MetadataIndexMode string

const (
	MetadataIndexOff    MetadataIndexMode = "off"
	MetadataIndexNormal MetadataIndexMode = "normal"
)

// Config holds all indexer configuration, loaded from INDEXER_-prefixed
// environment variables with sensible defaults.
type Config struct {
	// Chain RPC
	ProgramAddress string
	RPCEndpoints   []string
	WebsocketURL   string
	RequestTimeout time.Duration

	// Postgres
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string

	// Ingestion mode
	IndexerMode           Mode
	PollingInterval       time.Duration
	WSReconnectInterval   time.Duration
	WSMaxRetries          int

	// Buffer
	FlushMaxEvents int
	FlushInterval  time.Duration
	FlushMaxRetries int
	DeadLetterCapacity int

	// Poller
	PollerChunkSize        int
	PollerChunkConcurrency int

	// Verifier
	VerificationEnabled   bool
	VerifyInterval        time.Duration
	VerifyBatchSize       int
	VerifySafetyMarginSlots uint64
	VerifyMaxRetries      int
	VerifyRecoveryCycles  int
	CheckpointInterval    int64

	// Metadata / validation
	MetadataIndexMode   MetadataIndexMode
	MetadataMaxBytes    int
	MetadataTimeout     time.Duration
	ValidationIndexEnabled bool

	// Metrics
	MetricsEndpointEnabled bool
	MetricsAddr            string
}

// DefaultConfig returns a Config with production-sane defaults.
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,

		PostgresPort:    5432,
		PostgresDB:      "postgres",
		PostgresUser:    "postgres",
		PostgresSSLMode: "require",

		IndexerMode:         ModeAuto,
		PollingInterval:     5 * time.Second,
		WSReconnectInterval: 2 * time.Second,
		WSMaxRetries:        10,

		FlushMaxEvents:     500,
		FlushInterval:      500 * time.Millisecond,
		FlushMaxRetries:    3,
		DeadLetterCapacity: 10000,

		PollerChunkSize:        100,
		PollerChunkConcurrency: 3,

		VerificationEnabled:     true,
		VerifyInterval:          time.Minute,
		VerifyBatchSize:         100,
		VerifySafetyMarginSlots: 32,
		VerifyMaxRetries:        3,
		VerifyRecoveryCycles:    10,
		CheckpointInterval:      1000,

		MetadataIndexMode:      MetadataIndexNormal,
		MetadataMaxBytes:       65536,
		MetadataTimeout:        10 * time.Second,
		ValidationIndexEnabled: true,

		MetricsEndpointEnabled: false,
		MetricsAddr:            ":9090",
	}
}

// LoadFromEnv loads configuration from INDEXER_-prefixed environment
// variables, falling back to DefaultConfig values when unset. A .env file in
// the working directory is loaded first, if present, for local runs.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	cfg.ProgramAddress = os.Getenv("INDEXER_PROGRAM_ADDRESS")
	cfg.RPCEndpoints = splitCSV(os.Getenv("INDEXER_RPC_ENDPOINTS"))
	cfg.WebsocketURL = os.Getenv("INDEXER_WS_URL")

	if v := os.Getenv("INDEXER_REQUEST_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("INDEXER_POSTGRES_HOST"); v != "" {
		cfg.PostgresHost = v
	}
	if v := os.Getenv("INDEXER_POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.PostgresPort = p
		}
	}
	if v := os.Getenv("INDEXER_POSTGRES_DB"); v != "" {
		cfg.PostgresDB = v
	}
	if v := os.Getenv("INDEXER_POSTGRES_USER"); v != "" {
		cfg.PostgresUser = v
	}
	if v := os.Getenv("INDEXER_POSTGRES_PASSWORD"); v != "" {
		cfg.PostgresPassword = v
	}
	if v := os.Getenv("INDEXER_POSTGRES_SSLMODE"); v != "" {
		cfg.PostgresSSLMode = v
	}

	if v := os.Getenv("INDEXER_MODE"); v != "" {
		cfg.IndexerMode = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("INDEXER_POLLING_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.PollingInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("INDEXER_WS_RECONNECT_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.WSReconnectInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("INDEXER_WS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WSMaxRetries = n
		}
	}

	if v := os.Getenv("INDEXER_VERIFICATION_ENABLED"); v != "" {
		cfg.VerificationEnabled = parseBool(v)
	}
	if v := os.Getenv("INDEXER_VERIFY_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.VerifyInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("INDEXER_VERIFY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyBatchSize = n
		}
	}
	if v := os.Getenv("INDEXER_VERIFY_SAFETY_MARGIN_SLOTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.VerifySafetyMarginSlots = n
		}
	}
	if v := os.Getenv("INDEXER_VERIFY_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyMaxRetries = n
		}
	}
	if v := os.Getenv("INDEXER_VERIFY_RECOVERY_CYCLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.VerifyRecoveryCycles = n
		}
	}

	if v := os.Getenv("INDEXER_METADATA_INDEX_MODE"); v != "" {
		cfg.MetadataIndexMode = MetadataIndexMode(strings.ToLower(strings.TrimSpace(v)))
	}
	if v := os.Getenv("INDEXER_VALIDATION_INDEX_ENABLED"); v != "" {
		cfg.ValidationIndexEnabled = parseBool(v)
	}
	if v := os.Getenv("INDEXER_METRICS_ENDPOINT_ENABLED"); v != "" {
		cfg.MetricsEndpointEnabled = parseBool(v)
	}
	if v := os.Getenv("INDEXER_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.ProgramAddress == "" {
		return fmt.Errorf("INDEXER_PROGRAM_ADDRESS is required")
	}
	if len(c.RPCEndpoints) == 0 {
		return fmt.Errorf("at least one INDEXER_RPC_ENDPOINTS entry is required")
	}
	if c.PostgresHost == "" {
		return fmt.Errorf("INDEXER_POSTGRES_HOST is required")
	}
	switch c.IndexerMode {
	case ModePolling, ModeWebsocket, ModeAuto:
	default:
		return fmt.Errorf("invalid INDEXER_MODE: %s", c.IndexerMode)
	}
	if c.IndexerMode != ModePolling && c.WebsocketURL == "" {
		return fmt.Errorf("INDEXER_WS_URL is required for mode %s", c.IndexerMode)
	}
	if c.FlushMaxEvents < 1 {
		return fmt.Errorf("flush max events must be positive")
	}
	if c.DeadLetterCapacity < 1 {
		return fmt.Errorf("dead letter capacity must be positive")
	}
	return nil
}

// GetPostgresDSN returns the PostgreSQL connection string.
func (c *Config) GetPostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresDB,
		c.PostgresUser, c.PostgresPassword, c.PostgresSSLMode,
	)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
