package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeCluster    Mode = "cluster"
)

type Config struct {
	Mode     Mode
	HTTPAddr string
	DataDir  string

	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	Raft RaftConfig

	WriterBatchSize     int
	WriterFlushInterval time.Duration
	WriterWorkers       int
	WriterBufferSize    int
	WriterBlockOnFull   bool

	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration

	FIFOQueueSize int
	SubmitTimeout time.Duration
	LoaderForce   bool

	LogLevel  string
	LogFormat string
}

type RaftConfig struct {
	NodeID        string
	BindAddr      string
	AdvertiseAddr string
	Peers         string
	// HTTPPeers maps node ids to their HTTP base address ("id=http://host:port,...")
	// so not-leader responses can point clients at the leader's API.
	HTTPPeers        string
	Bootstrap        bool
	ElectionTimeout  time.Duration
	SnapshotInterval time.Duration
	ApplyTimeout     time.Duration
}

// Load reads configuration from the environment, after loading a .env file
// when one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		Mode:        Mode(strings.ToLower(getEnv("LEDGER_MODE", string(ModeStandalone)))),
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DataDir:     getEnv("DATA_DIR", "./data"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "transaction_completed"),

		Raft: RaftConfig{
			NodeID:           getEnv("RAFT_NODE_ID", ""),
			BindAddr:         getEnv("RAFT_BIND_ADDR", "127.0.0.1:8091"),
			AdvertiseAddr:    getEnv("RAFT_ADVERTISE_ADDR", ""),
			Peers:            getEnv("RAFT_PEERS", "node1=127.0.0.1:8091,node2=127.0.0.1:8092,node3=127.0.0.1:8093"),
			HTTPPeers:        getEnv("RAFT_HTTP_PEERS", ""),
			Bootstrap:        getEnvBool("RAFT_BOOTSTRAP", false),
			ElectionTimeout:  getEnvDuration("RAFT_ELECTION_TIMEOUT", 5*time.Second),
			SnapshotInterval: getEnvDuration("RAFT_SNAPSHOT_INTERVAL", 30*time.Second),
			ApplyTimeout:     getEnvDuration("RAFT_APPLY_TIMEOUT", 10*time.Second),
		},

		WriterBatchSize:     getEnvInt("WRITER_BATCH_SIZE", 16384),
		WriterFlushInterval: getEnvDuration("WRITER_FLUSH_INTERVAL", 100*time.Millisecond),
		WriterWorkers:       getEnvInt("WRITER_WORKERS", 1),
		WriterBufferSize:    getEnvInt("WRITER_BUFFER_SIZE", 100000),
		WriterBlockOnFull:   getEnvBool("WRITER_BLOCK_ON_FULL", false),

		IdempotencyTTL:             getEnvDuration("IDEMPOTENCY_TTL", 60*time.Minute),
		IdempotencyCleanupInterval: getEnvDuration("IDEMPOTENCY_CLEANUP_INTERVAL", 30*time.Minute),

		FIFOQueueSize: getEnvInt("FIFO_QUEUE_SIZE", 10000),
		SubmitTimeout: getEnvDuration("SUBMIT_TIMEOUT", 5*time.Second),
		LoaderForce:   getEnvBool("LOADER_FORCE", false),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModeStandalone:
	case ModeCluster:
		if c.Raft.NodeID == "" {
			errs = append(errs, errors.New("RAFT_NODE_ID is required in cluster mode"))
		}
		if c.Raft.BindAddr == "" {
			errs = append(errs, errors.New("RAFT_BIND_ADDR is required in cluster mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("LEDGER_MODE must be %q or %q, got %q", ModeStandalone, ModeCluster, c.Mode))
	}

	positive := map[string]int{
		"WRITER_BATCH_SIZE":  c.WriterBatchSize,
		"WRITER_WORKERS":     c.WriterWorkers,
		"WRITER_BUFFER_SIZE": c.WriterBufferSize,
		"FIFO_QUEUE_SIZE":    c.FIFOQueueSize,
	}
	for _, key := range []string{"WRITER_BATCH_SIZE", "WRITER_WORKERS", "WRITER_BUFFER_SIZE", "FIFO_QUEUE_SIZE"} {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", key, positive[key]))
		}
	}
	if c.WriterFlushInterval <= 0 {
		errs = append(errs, errors.New("WRITER_FLUSH_INTERVAL must be positive"))
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyCleanupInterval <= 0 {
		errs = append(errs, errors.New("IDEMPOTENCY_TTL and IDEMPOTENCY_CLEANUP_INTERVAL must be positive"))
	}
	if c.SubmitTimeout <= 0 {
		errs = append(errs, errors.New("SUBMIT_TIMEOUT must be positive"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("DATA_DIR is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Helper to get env with a default fallback
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvBool(key string, fallback bool) bool {
	v, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return v
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
