package config

import "time"

// DefaultConfig returns a Config with sensible default values. The node
// identity and peers have no defaults.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      0,
			Address: "127.0.0.1:7001",
			DataDir: "/var/lib/dlog",
		},
		Cluster: ClusterConfig{
			Peers:              nil,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
			PreVote:            true,
			CheckQuorum:        true,
			MaxAppendEntries:   256,
			MaxAppendBytes:     "1MB",
			SubmitTimeout:      5 * time.Second,
		},
		Storage: StorageConfig{
			SegmentSize:        "64MB",
			RetainEntries:      100000,
			CompactionInterval: time.Minute,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}
