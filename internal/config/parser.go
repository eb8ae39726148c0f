package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Parser errors.
var (
	ErrInvalidYAML       = errors.New("config: invalid YAML format")
	ErrInvalidDuration   = errors.New("config: invalid duration format")
	ErrInvalidNumber     = errors.New("config: invalid number format")
	ErrFileNotFound      = errors.New("config: configuration file not found")
	ErrInvalidListItem   = errors.New("config: invalid list item format")
	ErrMissingConfigFile = errors.New("config: config file path is required")
	ErrMissingOnChange   = errors.New("config: onChange callback is required")
)

// LoadConfig loads configuration from a file path.
// It reads the file, substitutes environment variables, parses YAML,
// and applies defaults for missing values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses configuration from YAML data.
// It substitutes environment variables and applies defaults for missing values.
func ParseConfig(data []byte) (*Config, error) {
	// Substitute environment variables
	data = substituteEnvVars(data)

	// Start with defaults
	config := DefaultConfig()

	// Parse YAML and merge with defaults
	if err := parseYAML(data, config); err != nil {
		return nil, err
	}

	return config, nil
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment variable values.
func substituteEnvVars(data []byte) []byte {
	// Pattern matches ${VAR} or ${VAR:-default}
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllFunc(data, func(match []byte) []byte {
		// Extract content between ${ and }
		content := string(match[2 : len(match)-1])

		// Check for default value syntax: VAR:-default
		if idx := strings.Index(content, ":-"); idx != -1 {
			varName := content[:idx]
			defaultVal := content[idx+2:]
			if val := os.Getenv(varName); val != "" {
				return []byte(val)
			}
			return []byte(defaultVal)
		}

		// Simple variable substitution
		return []byte(os.Getenv(content))
	})
}

// yamlNode represents a parsed YAML node.
type yamlNode struct {
	key          string
	value        string
	indent       int
	children     []*yamlNode
	isList       bool
	isListObject bool // true when list item contains key: value (- key: value)
	listItems    []string
}

// parseYAML parses YAML data into the config struct.
func parseYAML(data []byte, config *Config) error {
	lines := strings.Split(string(data), "\n")
	root := &yamlNode{indent: -1}

	if err := buildTree(lines, root); err != nil {
		return err
	}

	return applyConfig(root, config)
}

// buildTree builds a tree structure from YAML lines.
func buildTree(lines []string, root *yamlNode) error {
	stack := []*yamlNode{root}

	for _, line := range lines {
		// Skip empty lines and comments
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		// Calculate indentation
		indent := countIndent(line)

		// Parse key-value or list item
		node, err := parseLine(trimmed, indent)
		if err != nil {
			return err
		}

		// Find parent based on indentation
		for len(stack) > 1 && stack[len(stack)-1].indent >= indent {
			stack = stack[:len(stack)-1]
		}

		parent := stack[len(stack)-1]

		// Handle list items
		if node.isList {
			if node.isListObject {
				// List item that starts a new object (- key: value)
				// Create a container node for this list item
				listItemNode := &yamlNode{
					indent:   indent,
					children: []*yamlNode{},
				}
				// Add the first key-value as child
				firstChild := &yamlNode{
					key:    node.key,
					value:  node.value,
					indent: indent + 2,
				}
				listItemNode.children = append(listItemNode.children, firstChild)
				parent.children = append(parent.children, listItemNode)
				stack = append(stack, listItemNode)
				continue
			}

			// Simple list item (- value)
			if parent.listItems == nil {
				parent.listItems = []string{}
			}
			parent.listItems = append(parent.listItems, node.value)
			continue
		}

		parent.children = append(parent.children, node)
		stack = append(stack, node)
	}

	return nil
}

// countIndent counts the number of leading spaces.
func countIndent(line string) int {
	count := 0
	for _, ch := range line {
		if ch == ' ' {
			count++
		} else if ch == '\t' {
			count += 2 // Treat tab as 2 spaces
		} else {
			break
		}
	}
	return count
}

// parseLine parses a single YAML line.
func parseLine(line string, indent int) (*yamlNode, error) {
	// Check for list item
	if strings.HasPrefix(line, "- ") {
		content := strings.TrimPrefix(line, "- ")

		// Check if list item contains key: value (nested object like "- id: 1")
		if colonIdx := strings.Index(content, ":"); colonIdx != -1 {
			key := strings.TrimSpace(content[:colonIdx])
			value := ""
			if colonIdx+1 < len(content) {
				value = strings.TrimSpace(content[colonIdx+1:])
			}
			value = unquote(value)

			return &yamlNode{
				key:          key,
				value:        value,
				indent:       indent,
				isList:       true,
				isListObject: true,
			}, nil
		}

		// Simple list item (- value)
		return &yamlNode{
			value:  strings.TrimSpace(content),
			indent: indent,
			isList: true,
		}, nil
	}

	// Parse key: value
	colonIdx := strings.Index(line, ":")
	if colonIdx == -1 {
		return nil, ErrInvalidYAML
	}

	key := strings.TrimSpace(line[:colonIdx])
	value := ""
	if colonIdx+1 < len(line) {
		value = strings.TrimSpace(line[colonIdx+1:])
	}

	// Remove quotes from value
	value = unquote(value)

	return &yamlNode{
		key:    key,
		value:  value,
		indent: indent,
	}, nil
}

// unquote removes surrounding quotes from a string.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// parseInlineArray parses inline array format like ["a", "b", "c"]
func parseInlineArray(s string) []string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil
	}

	// Remove brackets
	s = s[1 : len(s)-1]
	if s == "" {
		return []string{}
	}

	var result []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		item = unquote(item)
		if item != "" {
			result = append(result, item)
		}
	}
	return result
}

// applyConfig applies parsed YAML nodes to the config struct. Unknown
// sections are ignored.
func applyConfig(root *yamlNode, config *Config) error {
	for _, node := range root.children {
		switch node.key {
		case "node":
			if err := applyNodeConfig(node, &config.Node); err != nil {
				return err
			}
		case "cluster":
			if err := applyClusterConfig(node, &config.Cluster); err != nil {
				return err
			}
		case "storage":
			if err := applyStorageConfig(node, &config.Storage); err != nil {
				return err
			}
		case "logging":
			if err := applyLogConfig(node, &config.Logging); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyNodeConfig applies node identity configuration.
func applyNodeConfig(node *yamlNode, config *NodeConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "id":
			if child.value != "" {
				val, err := strconv.ParseUint(child.value, 10, 64)
				if err != nil {
					return fmt.Errorf("node.id: %w", ErrInvalidNumber)
				}
				config.ID = val
			}
		case "address":
			if child.value != "" {
				config.Address = child.value
			}
		case "dataDir":
			if child.value != "" {
				config.DataDir = child.value
			}
		}
	}
	return nil
}

// applyClusterConfig applies cluster configuration.
func applyClusterConfig(node *yamlNode, config *ClusterConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "peers":
			peers, err := parseClusterPeers(child)
			if err != nil {
				return err
			}
			config.Peers = peers
		case "electionTimeoutMin":
			if err := setDuration(child, "cluster.electionTimeoutMin", &config.ElectionTimeoutMin); err != nil {
				return err
			}
		case "electionTimeoutMax":
			if err := setDuration(child, "cluster.electionTimeoutMax", &config.ElectionTimeoutMax); err != nil {
				return err
			}
		case "heartbeatInterval":
			if err := setDuration(child, "cluster.heartbeatInterval", &config.HeartbeatInterval); err != nil {
				return err
			}
		case "preVote":
			config.PreVote = parseBool(child.value)
		case "checkQuorum":
			config.CheckQuorum = parseBool(child.value)
		case "maxAppendEntries":
			if child.value != "" {
				val, err := strconv.Atoi(child.value)
				if err != nil {
					return fmt.Errorf("cluster.maxAppendEntries: %w", ErrInvalidNumber)
				}
				config.MaxAppendEntries = val
			}
		case "maxAppendBytes":
			if child.value != "" {
				config.MaxAppendBytes = child.value
			}
		case "submitTimeout":
			if err := setDuration(child, "cluster.submitTimeout", &config.SubmitTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// parseClusterPeers parses the peer list, either as list objects
//
//	peers:
//	  - id: 1
//	    addr: 127.0.0.1:7001
//
// or inline as peers: [1@127.0.0.1:7001, 2@127.0.0.1:7002]. Peers are
// voters unless they set voter: false.
func parseClusterPeers(node *yamlNode) ([]PeerConfig, error) {
	if inline := parseInlineArray(node.value); inline != nil {
		peers := make([]PeerConfig, 0, len(inline))
		for _, item := range inline {
			peer, err := parseInlinePeer(item)
			if err != nil {
				return nil, err
			}
			peers = append(peers, peer)
		}
		return peers, nil
	}

	var peers []PeerConfig
	for _, child := range node.children {
		peer := PeerConfig{Voter: true}
		for _, peerChild := range child.children {
			switch peerChild.key {
			case "id":
				val, err := strconv.ParseUint(peerChild.value, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("cluster.peers.id: %w", ErrInvalidNumber)
				}
				peer.ID = val
			case "addr":
				peer.Addr = peerChild.value
			case "voter":
				peer.Voter = parseBool(peerChild.value)
			}
		}
		if peer.ID > 0 || peer.Addr != "" {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

// parseInlinePeer parses "id@addr".
func parseInlinePeer(s string) (PeerConfig, error) {
	idx := strings.Index(s, "@")
	if idx <= 0 || idx == len(s)-1 {
		return PeerConfig{}, fmt.Errorf("cluster.peers %q: %w", s, ErrInvalidListItem)
	}
	id, err := strconv.ParseUint(s[:idx], 10, 64)
	if err != nil {
		return PeerConfig{}, fmt.Errorf("cluster.peers %q: %w", s, ErrInvalidNumber)
	}
	return PeerConfig{ID: id, Addr: s[idx+1:], Voter: true}, nil
}

// applyStorageConfig applies storage configuration.
func applyStorageConfig(node *yamlNode, config *StorageConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "segmentSize":
			if child.value != "" {
				config.SegmentSize = child.value
			}
		case "retainEntries":
			if child.value != "" {
				val, err := strconv.ParseUint(child.value, 10, 64)
				if err != nil {
					return fmt.Errorf("storage.retainEntries: %w", ErrInvalidNumber)
				}
				config.RetainEntries = val
			}
		case "compactionInterval":
			if err := setDuration(child, "storage.compactionInterval", &config.CompactionInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyLogConfig applies logging configuration.
func applyLogConfig(node *yamlNode, config *LogConfig) error {
	for _, child := range node.children {
		switch child.key {
		case "level":
			if child.value != "" {
				config.Level = child.value
			}
		case "format":
			if child.value != "" {
				config.Format = child.value
			}
		case "output":
			if child.value != "" {
				config.Output = child.value
			}
		}
	}
	return nil
}

func setDuration(node *yamlNode, field string, dst *time.Duration) error {
	if node.value == "" {
		return nil
	}
	dur, err := parseDuration(node.value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = dur
	return nil
}

// parseDuration parses a duration string supporting formats like "30s", "5m", "1h", "90d".
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	// Check for day suffix (not supported by time.ParseDuration)
	if strings.HasSuffix(s, "d") {
		numStr := strings.TrimSuffix(s, "d")
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, ErrInvalidDuration
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	// Use standard library for other formats
	dur, err := time.ParseDuration(s)
	if err != nil {
		return 0, ErrInvalidDuration
	}
	return dur, nil
}

// parseBool parses a boolean string.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "yes" || s == "1" || s == "on"
}
