package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeStandalone {
		t.Errorf("mode = %s", cfg.Mode)
	}
	if cfg.WriterBatchSize != 16384 || cfg.WriterFlushInterval != 100*time.Millisecond ||
		cfg.WriterWorkers != 1 || cfg.WriterBufferSize != 100000 {
		t.Errorf("writer defaults = %d %s %d %d", cfg.WriterBatchSize, cfg.WriterFlushInterval, cfg.WriterWorkers, cfg.WriterBufferSize)
	}
	if cfg.IdempotencyTTL != time.Hour || cfg.IdempotencyCleanupInterval != 30*time.Minute {
		t.Errorf("idempotency defaults = %s %s", cfg.IdempotencyTTL, cfg.IdempotencyCleanupInterval)
	}
	if cfg.Raft.ElectionTimeout != 5*time.Second || cfg.Raft.SnapshotInterval != 30*time.Second {
		t.Errorf("raft defaults = %+v", cfg.Raft)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_MODE", "Cluster")
	t.Setenv("RAFT_NODE_ID", "node2")
	t.Setenv("RAFT_BOOTSTRAP", "true")
	t.Setenv("RAFT_HTTP_PEERS", "node1=http://10.0.0.1:8080")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,")
	t.Setenv("WRITER_FLUSH_INTERVAL", "250ms")
	t.Setenv("WRITER_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Mode != ModeCluster || cfg.Raft.NodeID != "node2" || !cfg.Raft.Bootstrap {
		t.Errorf("cluster settings = %+v / %+v", cfg.Mode, cfg.Raft)
	}
	if cfg.Raft.HTTPPeers != "node1=http://10.0.0.1:8080" {
		t.Errorf("http peers = %q", cfg.Raft.HTTPPeers)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Errorf("brokers = %v", cfg.KafkaBrokers)
	}
	if cfg.WriterFlushInterval != 250*time.Millisecond {
		t.Errorf("flush interval = %s", cfg.WriterFlushInterval)
	}
	if cfg.WriterBatchSize != 16384 {
		t.Errorf("unparseable value did not fall back: %d", cfg.WriterBatchSize)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"unknown mode", map[string]string{"LEDGER_MODE": "mesh"}, "LEDGER_MODE"},
		{"cluster without node id", map[string]string{"LEDGER_MODE": "cluster"}, "RAFT_NODE_ID"},
		{"zero workers", map[string]string{"WRITER_WORKERS": "0"}, "WRITER_WORKERS"},
		{"negative queue", map[string]string{"FIFO_QUEUE_SIZE": "-1"}, "FIFO_QUEUE_SIZE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chdir(t, t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
