package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	t.Run("node defaults", func(t *testing.T) {
		if config.Node.ID != 0 {
			t.Errorf("expected no default node id, got %d", config.Node.ID)
		}
		if config.Node.Address != "127.0.0.1:7001" {
			t.Errorf("expected address '127.0.0.1:7001', got %q", config.Node.Address)
		}
		if config.Node.DataDir != "/var/lib/dlog" {
			t.Errorf("expected data dir '/var/lib/dlog', got %q", config.Node.DataDir)
		}
	})

	t.Run("cluster defaults", func(t *testing.T) {
		if len(config.Cluster.Peers) != 0 {
			t.Errorf("expected no default peers, got %v", config.Cluster.Peers)
		}
		if config.Cluster.ElectionTimeoutMin != 150*time.Millisecond {
			t.Errorf("expected election timeout min 150ms, got %v", config.Cluster.ElectionTimeoutMin)
		}
		if config.Cluster.ElectionTimeoutMax != 300*time.Millisecond {
			t.Errorf("expected election timeout max 300ms, got %v", config.Cluster.ElectionTimeoutMax)
		}
		if config.Cluster.HeartbeatInterval != 50*time.Millisecond {
			t.Errorf("expected heartbeat interval 50ms, got %v", config.Cluster.HeartbeatInterval)
		}
		if !config.Cluster.PreVote || !config.Cluster.CheckQuorum {
			t.Error("expected preVote and checkQuorum enabled by default")
		}
		if config.Cluster.MaxAppendEntries != 256 {
			t.Errorf("expected max append entries 256, got %d", config.Cluster.MaxAppendEntries)
		}
		if config.Cluster.MaxAppendBytesValue() != 1024*1024 {
			t.Errorf("expected max append bytes 1MB, got %d", config.Cluster.MaxAppendBytesValue())
		}
		if config.Cluster.SubmitTimeout != 5*time.Second {
			t.Errorf("expected submit timeout 5s, got %v", config.Cluster.SubmitTimeout)
		}
	})

	t.Run("storage defaults", func(t *testing.T) {
		if config.Storage.SegmentSizeBytes() != 64*1024*1024 {
			t.Errorf("expected segment size 64MB, got %d", config.Storage.SegmentSizeBytes())
		}
		if config.Storage.RetainEntries != 100000 {
			t.Errorf("expected retain entries 100000, got %d", config.Storage.RetainEntries)
		}
		if config.Storage.CompactionInterval != time.Minute {
			t.Errorf("expected compaction interval 1m, got %v", config.Storage.CompactionInterval)
		}
	})

	t.Run("logging defaults", func(t *testing.T) {
		if config.Logging.Level != "info" {
			t.Errorf("expected log level 'info', got %q", config.Logging.Level)
		}
		if config.Logging.Format != "json" {
			t.Errorf("expected log format 'json', got %q", config.Logging.Format)
		}
		if config.Logging.Output != "stdout" {
			t.Errorf("expected log output 'stdout', got %q", config.Logging.Output)
		}
	})
}

func TestParseConfig(t *testing.T) {
	t.Run("empty config uses defaults", func(t *testing.T) {
		config, err := ParseConfig([]byte(""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.Address != "127.0.0.1:7001" {
			t.Errorf("expected default address, got %q", config.Node.Address)
		}
	})

	t.Run("parse node config", func(t *testing.T) {
		yaml := `
node:
  id: 3
  address: "10.0.0.3:7003"
  dataDir: /data/dlog/node3
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.ID != 3 {
			t.Errorf("expected id 3, got %d", config.Node.ID)
		}
		if config.Node.Address != "10.0.0.3:7003" {
			t.Errorf("expected address '10.0.0.3:7003', got %q", config.Node.Address)
		}
		if config.Node.DataDir != "/data/dlog/node3" {
			t.Errorf("expected dataDir '/data/dlog/node3', got %q", config.Node.DataDir)
		}
	})

	t.Run("parse cluster config", func(t *testing.T) {
		yaml := `
cluster:
  electionTimeoutMin: 500ms
  electionTimeoutMax: 1s
  heartbeatInterval: 100ms
  preVote: false
  checkQuorum: no
  maxAppendEntries: 64
  maxAppendBytes: 256KB
  submitTimeout: 10s
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		c := config.Cluster
		if c.ElectionTimeoutMin != 500*time.Millisecond || c.ElectionTimeoutMax != time.Second {
			t.Errorf("election timeouts = %v..%v", c.ElectionTimeoutMin, c.ElectionTimeoutMax)
		}
		if c.HeartbeatInterval != 100*time.Millisecond {
			t.Errorf("expected heartbeat 100ms, got %v", c.HeartbeatInterval)
		}
		if c.PreVote || c.CheckQuorum {
			t.Error("expected preVote and checkQuorum disabled")
		}
		if c.MaxAppendEntries != 64 {
			t.Errorf("expected max append entries 64, got %d", c.MaxAppendEntries)
		}
		if c.MaxAppendBytesValue() != 256*1024 {
			t.Errorf("expected max append bytes 256KB, got %d", c.MaxAppendBytesValue())
		}
		if c.SubmitTimeout != 10*time.Second {
			t.Errorf("expected submit timeout 10s, got %v", c.SubmitTimeout)
		}
	})

	t.Run("parse storage config", func(t *testing.T) {
		yaml := `
storage:
  segmentSize: 16MB
  retainEntries: 5000
  compactionInterval: 30s
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Storage.SegmentSizeBytes() != 16*1024*1024 {
			t.Errorf("expected segment size 16MB, got %d", config.Storage.SegmentSizeBytes())
		}
		if config.Storage.RetainEntries != 5000 {
			t.Errorf("expected retain entries 5000, got %d", config.Storage.RetainEntries)
		}
		if config.Storage.CompactionInterval != 30*time.Second {
			t.Errorf("expected compaction interval 30s, got %v", config.Storage.CompactionInterval)
		}
	})

	t.Run("parse logging config", func(t *testing.T) {
		yaml := `
logging:
  level: debug
  format: text
  output: stderr
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Logging.Level != "debug" || config.Logging.Format != "text" || config.Logging.Output != "stderr" {
			t.Errorf("unexpected logging config %+v", config.Logging)
		}
	})

	t.Run("unknown sections are ignored", func(t *testing.T) {
		yaml := `
metrics:
  enabled: true
node:
  id: 1
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.ID != 1 {
			t.Errorf("expected id 1, got %d", config.Node.ID)
		}
	})
}

func TestParseClusterPeers(t *testing.T) {
	t.Run("list of objects", func(t *testing.T) {
		yaml := `
cluster:
  peers:
    - id: 1
      addr: 127.0.0.1:7001
    - id: 2
      addr: "127.0.0.1:7002"
    - id: 3
      addr: 127.0.0.1:7003
      voter: false
  heartbeatInterval: 40ms
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		want := []PeerConfig{
			{ID: 1, Addr: "127.0.0.1:7001", Voter: true},
			{ID: 2, Addr: "127.0.0.1:7002", Voter: true},
			{ID: 3, Addr: "127.0.0.1:7003", Voter: false},
		}
		if len(config.Cluster.Peers) != len(want) {
			t.Fatalf("expected %d peers, got %d", len(want), len(config.Cluster.Peers))
		}
		for i, p := range config.Cluster.Peers {
			if p != want[i] {
				t.Errorf("peer %d = %+v, want %+v", i, p, want[i])
			}
		}
		// Keys after the list still belong to the cluster section.
		if config.Cluster.HeartbeatInterval != 40*time.Millisecond {
			t.Errorf("expected heartbeat 40ms, got %v", config.Cluster.HeartbeatInterval)
		}
	})

	t.Run("inline array", func(t *testing.T) {
		yaml := `
cluster:
  peers: [1@127.0.0.1:7001, "2@127.0.0.1:7002"]
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(config.Cluster.Peers) != 2 {
			t.Fatalf("expected 2 peers, got %d", len(config.Cluster.Peers))
		}
		if p := config.Cluster.Peers[1]; p.ID != 2 || p.Addr != "127.0.0.1:7002" || !p.Voter {
			t.Errorf("unexpected peer %+v", p)
		}
		if _, ok := config.Cluster.Peer(1); !ok {
			t.Error("Peer(1) not found")
		}
		if _, ok := config.Cluster.Peer(9); ok {
			t.Error("Peer(9) should not exist")
		}
	})

	t.Run("malformed inline peer", func(t *testing.T) {
		tests := []struct {
			yaml string
			want error
		}{
			{"cluster:\n  peers: [127.0.0.1:7001]\n", ErrInvalidListItem},
			{"cluster:\n  peers: [x@127.0.0.1:7001]\n", ErrInvalidNumber},
			{"cluster:\n  peers: [1@]\n", ErrInvalidListItem},
		}
		for _, tt := range tests {
			if _, err := ParseConfig([]byte(tt.yaml)); !errors.Is(err, tt.want) {
				t.Errorf("ParseConfig(%q) error = %v, want %v", tt.yaml, err, tt.want)
			}
		}
	})
}

func TestEnvironmentVariableSubstitution(t *testing.T) {
	t.Run("simple substitution", func(t *testing.T) {
		t.Setenv("TEST_DLOG_ADDRESS", "127.0.0.1:9001")

		yaml := `
node:
  address: "${TEST_DLOG_ADDRESS}"
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.Address != "127.0.0.1:9001" {
			t.Errorf("expected address '127.0.0.1:9001', got %q", config.Node.Address)
		}
	})

	t.Run("substitution with default value", func(t *testing.T) {
		os.Unsetenv("TEST_DLOG_MISSING")

		yaml := `
node:
  id: ${TEST_DLOG_MISSING:-7}
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.ID != 7 {
			t.Errorf("expected id 7, got %d", config.Node.ID)
		}
	})

	t.Run("substitution with default when var is set", func(t *testing.T) {
		t.Setenv("TEST_DLOG_LEVEL", "warn")

		yaml := `
logging:
  level: ${TEST_DLOG_LEVEL:-info}
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Logging.Level != "warn" {
			t.Errorf("expected level 'warn', got %q", config.Logging.Level)
		}
	})

	t.Run("unset variable keeps default", func(t *testing.T) {
		os.Unsetenv("TEST_DLOG_UNSET")

		yaml := `
node:
  dataDir: "${TEST_DLOG_UNSET}"
`
		config, err := ParseConfig([]byte(yaml))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.DataDir != "/var/lib/dlog" {
			t.Errorf("expected default dataDir, got %q", config.Node.DataDir)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	t.Run("load from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.yaml")

		yaml := `
node:
  id: 2
  address: "127.0.0.1:7002"
logging:
  level: "warn"
`
		if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		config, err := LoadConfig(configPath)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if config.Node.ID != 2 {
			t.Errorf("expected id 2, got %d", config.Node.ID)
		}
		if config.Logging.Level != "warn" {
			t.Errorf("expected log level 'warn', got %q", config.Logging.Level)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		_, err := LoadConfig("/nonexistent/path/config.yaml")
		if err != ErrFileNotFound {
			t.Errorf("expected ErrFileNotFound, got %v", err)
		}
	})
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input    string
		expected time.Duration
		hasError bool
	}{
		{"30s", 30 * time.Second, false},
		{"150ms", 150 * time.Millisecond, false},
		{"5m", 5 * time.Minute, false},
		{"1h", 1 * time.Hour, false},
		{"7d", 7 * 24 * time.Hour, false},
		{"1h30m", 90 * time.Minute, false},
		{"", 0, false},
		{"invalid", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := parseDuration(tt.input)
			if tt.hasError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if result != tt.expected {
					t.Errorf("expected %v, got %v", tt.expected, result)
				}
			}
		})
	}
}

func TestParseBool(t *testing.T) {
	tests := []struct {
		input    string
		expected bool
	}{
		{"true", true},
		{"True", true},
		{"yes", true},
		{"1", true},
		{"on", true},
		{"false", false},
		{"no", false},
		{"0", false},
		{"off", false},
		{"", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := parseBool(tt.input)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		hasError bool
	}{
		{"", 0, false},
		{"4096", 4096, false},
		{"512B", 512, false},
		{"64KB", 64 * 1024, false},
		{"64MB", 64 * 1024 * 1024, false},
		{"2gb", 2 * 1024 * 1024 * 1024, false},
		{"1TB", 1 << 40, false},
		{"10 MB", 10 * 1024 * 1024, false},
		{"MB", 0, true},
		{"12XB", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := parseSize(tt.input)
			if tt.hasError {
				if err == nil {
					t.Errorf("expected error, got %d", result)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result != tt.expected {
				t.Errorf("expected %d, got %d", tt.expected, result)
			}
		})
	}
}

func TestInvalidYAML(t *testing.T) {
	t.Run("missing colon", func(t *testing.T) {
		yaml := `
node
  id: 1
`
		_, err := ParseConfig([]byte(yaml))
		if err != ErrInvalidYAML {
			t.Errorf("expected ErrInvalidYAML, got %v", err)
		}
	})

	t.Run("invalid number", func(t *testing.T) {
		yaml := `
node:
  id: not-a-number
`
		_, err := ParseConfig([]byte(yaml))
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("expected ErrInvalidNumber, got %v", err)
		}
	})

	t.Run("invalid duration", func(t *testing.T) {
		yaml := `
cluster:
  heartbeatInterval: invalid-duration
`
		_, err := ParseConfig([]byte(yaml))
		if !errors.Is(err, ErrInvalidDuration) {
			t.Errorf("expected ErrInvalidDuration, got %v", err)
		}
	})

	t.Run("invalid peer id", func(t *testing.T) {
		yaml := `
cluster:
  peers:
    - id: one
      addr: 127.0.0.1:7001
`
		_, err := ParseConfig([]byte(yaml))
		if !errors.Is(err, ErrInvalidNumber) {
			t.Errorf("expected ErrInvalidNumber, got %v", err)
		}
	})
}

func TestCompleteConfigExample(t *testing.T) {
	yaml := `
# Three node cluster, node 1.
node:
  id: 1
  address: 127.0.0.1:7001
  dataDir: /var/lib/dlog/node1

cluster:
  peers:
    - id: 1
      addr: 127.0.0.1:7001
    - id: 2
      addr: 127.0.0.1:7002
    - id: 3
      addr: 127.0.0.1:7003
  electionTimeoutMin: 150ms
  electionTimeoutMax: 300ms
  heartbeatInterval: 50ms
  preVote: true
  checkQuorum: true
  maxAppendEntries: 256
  submitTimeout: 5s

storage:
  segmentSize: 64MB
  retainEntries: 100000
  compactionInterval: 1m

logging:
  level: info
  format: json
  output: stdout
`
	config, err := ParseConfig([]byte(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if errs := ValidateConfig(config); len(errs) > 0 {
		t.Fatalf("expected valid config, got %v", errs)
	}

	if config.Node.ID != 1 || config.Node.DataDir != "/var/lib/dlog/node1" {
		t.Errorf("node section mismatch: %+v", config.Node)
	}
	if len(config.Cluster.Peers) != 3 {
		t.Errorf("expected 3 peers, got %d", len(config.Cluster.Peers))
	}
	if p, _ := config.Cluster.Peer(3); p.Addr != "127.0.0.1:7003" {
		t.Errorf("peer 3 addr mismatch: %q", p.Addr)
	}
	if config.Storage.RetainEntries != 100000 {
		t.Errorf("storage.retainEntries mismatch")
	}
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Run("substitute single var", func(t *testing.T) {
		t.Setenv("TEST_VAR", "value")

		input := []byte("key: ${TEST_VAR}")
		result := substituteEnvVars(input)
		expected := "key: value"
		if string(result) != expected {
			t.Errorf("expected %q, got %q", expected, string(result))
		}
	})

	t.Run("substitute with default", func(t *testing.T) {
		os.Unsetenv("TEST_MISSING")

		input := []byte("key: ${TEST_MISSING:-default}")
		result := substituteEnvVars(input)
		expected := "key: default"
		if string(result) != expected {
			t.Errorf("expected %q, got %q", expected, string(result))
		}
	})

	t.Run("no substitution needed", func(t *testing.T) {
		input := []byte("key: value")
		result := substituteEnvVars(input)
		if string(result) != string(input) {
			t.Errorf("expected %q, got %q", string(input), string(result))
		}
	})
}
