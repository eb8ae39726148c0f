package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
)

// ConfigManager manages runtime configuration with hot reload support.
// Only logging.level can change while a node runs; see RestartRequired.
type ConfigManager struct {
	config     *Config
	configFile string
	mu         sync.RWMutex
	onUpdate   func(old, new *Config)
}

// NewConfigManager creates a new config manager.
func NewConfigManager(cfg *Config, configFile string) *ConfigManager {
	return &ConfigManager{
		config:     cfg,
		configFile: configFile,
	}
}

// SetOnUpdate sets the callback for config updates.
func (m *ConfigManager) SetOnUpdate(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// GetConfig returns the current config.
func (m *ConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigFile returns the config file path.
func (m *ConfigManager) GetConfigFile() string {
	return m.configFile
}

// ConfigJSON represents config in JSON format.
type ConfigJSON struct {
	Node    NodeConfigJSON    `json:"node"`
	Cluster ClusterConfigJSON `json:"cluster"`
	Storage StorageConfigJSON `json:"storage"`
	Logging LogConfigJSON     `json:"logging"`
}

// NodeConfigJSON represents node config in JSON.
type NodeConfigJSON struct {
	ID      uint64 `json:"id"`
	Address string `json:"address"`
	DataDir string `json:"dataDir"`
}

// ClusterConfigJSON represents cluster config in JSON.
type ClusterConfigJSON struct {
	Peers              []PeerConfigJSON `json:"peers"`
	ElectionTimeoutMin string           `json:"electionTimeoutMin"`
	ElectionTimeoutMax string           `json:"electionTimeoutMax"`
	HeartbeatInterval  string           `json:"heartbeatInterval"`
	PreVote            bool             `json:"preVote"`
	CheckQuorum        bool             `json:"checkQuorum"`
	MaxAppendEntries   int              `json:"maxAppendEntries"`
	MaxAppendBytes     string           `json:"maxAppendBytes"`
	SubmitTimeout      string           `json:"submitTimeout"`
}

// PeerConfigJSON represents a peer in JSON.
type PeerConfigJSON struct {
	ID    uint64 `json:"id"`
	Addr  string `json:"addr"`
	Voter bool   `json:"voter"`
}

// StorageConfigJSON represents storage config in JSON.
type StorageConfigJSON struct {
	SegmentSize        string `json:"segmentSize"`
	RetainEntries      uint64 `json:"retainEntries"`
	CompactionInterval string `json:"compactionInterval"`
}

// LogConfigJSON represents logging config in JSON.
type LogConfigJSON struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// ToJSON returns config as JSON-serializable struct.
func (m *ConfigManager) ToJSON() *ConfigJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return configJSON(m.config)
}

func configJSON(c *Config) *ConfigJSON {
	peers := make([]PeerConfigJSON, 0, len(c.Cluster.Peers))
	for _, p := range c.Cluster.Peers {
		peers = append(peers, PeerConfigJSON{ID: p.ID, Addr: p.Addr, Voter: p.Voter})
	}

	return &ConfigJSON{
		Node: NodeConfigJSON{
			ID:      c.Node.ID,
			Address: c.Node.Address,
			DataDir: c.Node.DataDir,
		},
		Cluster: ClusterConfigJSON{
			Peers:              peers,
			ElectionTimeoutMin: c.Cluster.ElectionTimeoutMin.String(),
			ElectionTimeoutMax: c.Cluster.ElectionTimeoutMax.String(),
			HeartbeatInterval:  c.Cluster.HeartbeatInterval.String(),
			PreVote:            c.Cluster.PreVote,
			CheckQuorum:        c.Cluster.CheckQuorum,
			MaxAppendEntries:   c.Cluster.MaxAppendEntries,
			MaxAppendBytes:     c.Cluster.MaxAppendBytes,
			SubmitTimeout:      c.Cluster.SubmitTimeout.String(),
		},
		Storage: StorageConfigJSON{
			SegmentSize:        c.Storage.SegmentSize,
			RetainEntries:      c.Storage.RetainEntries,
			CompactionInterval: c.Storage.CompactionInterval.String(),
		},
		Logging: LogConfigJSON{
			Level:  c.Logging.Level,
			Format: c.Logging.Format,
			Output: c.Logging.Output,
		},
	}
}

// GetSection returns a specific config section.
func (m *ConfigManager) GetSection(section string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := configJSON(m.config)
	switch strings.ToLower(section) {
	case "node":
		return all.Node, nil
	case "cluster":
		return all.Cluster, nil
	case "storage":
		return all.Storage, nil
	case "logging":
		return all.Logging, nil
	default:
		return nil, fmt.Errorf("unknown section: %s", section)
	}
}

// UpdateSection updates a config section at runtime. Only logging.level is
// writable.
func (m *ConfigManager) UpdateSection(section string, data map[string]interface{}) error {
	m.mu.Lock()
	oldConfig := m.config
	newConfig := copyConfig(oldConfig)

	switch strings.ToLower(section) {
	case "logging":
		if v, ok := data["level"].(string); ok {
			newConfig.Logging.Level = v
		}
	default:
		m.mu.Unlock()
		return fmt.Errorf("unknown or read-only section: %s", section)
	}

	if errs := ValidateConfig(newConfig); len(errs) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("validation failed: %v", errs[0])
	}

	m.config = newConfig
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(oldConfig, newConfig)
	}
	return nil
}

// Reload reloads config from file.
func (m *ConfigManager) Reload() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	newConfig, err := LoadConfig(m.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if errs := ValidateConfig(newConfig); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs[0])
	}

	m.Set(newConfig)
	return nil
}

// Set replaces the current config and runs the update callback.
func (m *ConfigManager) Set(newConfig *Config) {
	m.mu.Lock()
	oldConfig := m.config
	m.config = newConfig
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		onUpdate(oldConfig, newConfig)
	}
}

// SaveToFile saves current config to file.
func (m *ConfigManager) SaveToFile() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	m.mu.RLock()
	data := MarshalYAML(m.config)
	m.mu.RUnlock()

	if err := os.WriteFile(m.configFile, []byte(data), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MarshalYAML renders cfg in the format read by ParseConfig.
func MarshalYAML(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("node:\n")
	sb.WriteString(fmt.Sprintf("  id: %d\n", cfg.Node.ID))
	sb.WriteString(fmt.Sprintf("  address: %q\n", cfg.Node.Address))
	sb.WriteString(fmt.Sprintf("  dataDir: %q\n", cfg.Node.DataDir))

	sb.WriteString("\ncluster:\n")
	if len(cfg.Cluster.Peers) > 0 {
		sb.WriteString("  peers:\n")
		for _, p := range cfg.Cluster.Peers {
			sb.WriteString(fmt.Sprintf("    - id: %d\n", p.ID))
			sb.WriteString(fmt.Sprintf("      addr: %q\n", p.Addr))
			if !p.Voter {
				sb.WriteString("      voter: false\n")
			}
		}
	}
	sb.WriteString(fmt.Sprintf("  electionTimeoutMin: %s\n", cfg.Cluster.ElectionTimeoutMin))
	sb.WriteString(fmt.Sprintf("  electionTimeoutMax: %s\n", cfg.Cluster.ElectionTimeoutMax))
	sb.WriteString(fmt.Sprintf("  heartbeatInterval: %s\n", cfg.Cluster.HeartbeatInterval))
	sb.WriteString(fmt.Sprintf("  preVote: %t\n", cfg.Cluster.PreVote))
	sb.WriteString(fmt.Sprintf("  checkQuorum: %t\n", cfg.Cluster.CheckQuorum))
	sb.WriteString(fmt.Sprintf("  maxAppendEntries: %d\n", cfg.Cluster.MaxAppendEntries))
	if cfg.Cluster.MaxAppendBytes != "" {
		sb.WriteString(fmt.Sprintf("  maxAppendBytes: %s\n", cfg.Cluster.MaxAppendBytes))
	}
	sb.WriteString(fmt.Sprintf("  submitTimeout: %s\n", cfg.Cluster.SubmitTimeout))

	sb.WriteString("\nstorage:\n")
	sb.WriteString(fmt.Sprintf("  segmentSize: %s\n", cfg.Storage.SegmentSize))
	sb.WriteString(fmt.Sprintf("  retainEntries: %d\n", cfg.Storage.RetainEntries))
	sb.WriteString(fmt.Sprintf("  compactionInterval: %s\n", cfg.Storage.CompactionInterval))

	sb.WriteString("\nlogging:\n")
	sb.WriteString(fmt.Sprintf("  level: %q\n", cfg.Logging.Level))
	sb.WriteString(fmt.Sprintf("  format: %q\n", cfg.Logging.Format))
	sb.WriteString(fmt.Sprintf("  output: %q\n", cfg.Logging.Output))

	return sb.String()
}

// RestartRequired returns the sections that differ between old and new and
// only take effect after a restart.
func RestartRequired(old, new *Config) []string {
	var sections []string
	if !reflect.DeepEqual(old.Node, new.Node) {
		sections = append(sections, "node")
	}
	if !reflect.DeepEqual(old.Cluster, new.Cluster) {
		sections = append(sections, "cluster")
	}
	if !reflect.DeepEqual(old.Storage, new.Storage) {
		sections = append(sections, "storage")
	}
	if old.Logging.Format != new.Logging.Format {
		sections = append(sections, "logging.format")
	}
	if old.Logging.Output != new.Logging.Output {
		sections = append(sections, "logging.output")
	}
	return sections
}

// copyConfig creates a deep copy of config.
func copyConfig(c *Config) *Config {
	newConfig := *c
	newConfig.Cluster.Peers = make([]PeerConfig, len(c.Cluster.Peers))
	copy(newConfig.Cluster.Peers, c.Cluster.Peers)
	return &newConfig
}
