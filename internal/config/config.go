package config

import "time"

// Config holds the complete node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Storage StorageConfig `yaml:"storage"`
	Logging LogConfig     `yaml:"logging"`
}

// NodeConfig holds the identity of the local node.
type NodeConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
	DataDir string `yaml:"dataDir"`
}

// ClusterConfig holds the initial membership and consensus timing.
type ClusterConfig struct {
	Peers              []PeerConfig  `yaml:"peers"`
	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
	PreVote            bool          `yaml:"preVote"`
	CheckQuorum        bool          `yaml:"checkQuorum"`
	MaxAppendEntries   int           `yaml:"maxAppendEntries"`
	MaxAppendBytes     string        `yaml:"maxAppendBytes"`
	SubmitTimeout      time.Duration `yaml:"submitTimeout"`
}

// PeerConfig holds one member of the initial cluster.
type PeerConfig struct {
	ID    uint64 `yaml:"id"`
	Addr  string `yaml:"addr"`
	Voter bool   `yaml:"voter"`
}

// StorageConfig holds log store configuration.
type StorageConfig struct {
	SegmentSize        string        `yaml:"segmentSize"`
	RetainEntries      uint64        `yaml:"retainEntries"`
	CompactionInterval time.Duration `yaml:"compactionInterval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SegmentSizeBytes returns the parsed segment size, 0 when unset or invalid.
func (c *StorageConfig) SegmentSizeBytes() int64 {
	n, err := parseSize(c.SegmentSize)
	if err != nil {
		return 0
	}
	return n
}

// MaxAppendBytesValue returns the parsed per-message byte limit, 0 when
// unset or invalid.
func (c *ClusterConfig) MaxAppendBytesValue() int {
	n, err := parseSize(c.MaxAppendBytes)
	if err != nil {
		return 0
	}
	return int(n)
}

// Peer returns the configured peer with the given id.
func (c *ClusterConfig) Peer(id uint64) (PeerConfig, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerConfig{}, false
}
