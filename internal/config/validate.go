package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation errors.
// An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateNodeConfig(&config.Node)...)
	errs = append(errs, validateClusterConfig(&config.Cluster)...)
	errs = append(errs, validateStorageConfig(&config.Storage)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)

	// The local node must agree with its own peer entry.
	if p, ok := config.Cluster.Peer(config.Node.ID); ok && config.Node.ID != 0 && p.Addr != config.Node.Address {
		errs = append(errs, ValidationError{
			Field:   "cluster.peers",
			Message: fmt.Sprintf("peer %d address %s does not match node.address %s", p.ID, p.Addr, config.Node.Address),
		})
	}

	return errs
}

// validateNodeConfig validates node identity.
func validateNodeConfig(config *NodeConfig) []error {
	var errs []error

	if config.ID == 0 {
		errs = append(errs, ValidationError{
			Field:   "node.id",
			Message: "node id is required and must be non-zero",
		})
	}

	if config.Address == "" {
		errs = append(errs, ValidationError{
			Field:   "node.address",
			Message: "address is required",
		})
	} else if err := validateAddress(config.Address); err != nil {
		errs = append(errs, ValidationError{
			Field:   "node.address",
			Message: err.Error(),
		})
	}

	if config.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "node.dataDir",
			Message: "data directory is required",
		})
	} else if !filepath.IsAbs(config.DataDir) {
		errs = append(errs, ValidationError{
			Field:   "node.dataDir",
			Message: "must be an absolute path",
		})
	}

	return errs
}

// validateClusterConfig validates peers and consensus timing.
func validateClusterConfig(config *ClusterConfig) []error {
	var errs []error

	seenIDs := make(map[uint64]bool, len(config.Peers))
	seenAddrs := make(map[string]bool, len(config.Peers))
	for i, p := range config.Peers {
		field := fmt.Sprintf("cluster.peers[%d]", i)
		if p.ID == 0 {
			errs = append(errs, ValidationError{Field: field + ".id", Message: "must be non-zero"})
		} else if seenIDs[p.ID] {
			errs = append(errs, ValidationError{Field: field + ".id", Message: fmt.Sprintf("duplicate peer id %d", p.ID)})
		}
		seenIDs[p.ID] = true

		if p.Addr == "" {
			errs = append(errs, ValidationError{Field: field + ".addr", Message: "address is required"})
			continue
		}
		if err := validateAddress(p.Addr); err != nil {
			errs = append(errs, ValidationError{Field: field + ".addr", Message: err.Error()})
		} else if seenAddrs[p.Addr] {
			errs = append(errs, ValidationError{Field: field + ".addr", Message: fmt.Sprintf("duplicate peer address %s", p.Addr)})
		}
		seenAddrs[p.Addr] = true
	}

	if len(config.Peers) > 0 {
		voters := 0
		for _, p := range config.Peers {
			if p.Voter {
				voters++
			}
		}
		if voters == 0 {
			errs = append(errs, ValidationError{
				Field:   "cluster.peers",
				Message: "at least one peer must be a voter",
			})
		}
	}

	if config.ElectionTimeoutMin <= 0 {
		errs = append(errs, ValidationError{
			Field:   "cluster.electionTimeoutMin",
			Message: "must be positive",
		})
	}
	if config.ElectionTimeoutMax <= config.ElectionTimeoutMin {
		errs = append(errs, ValidationError{
			Field:   "cluster.electionTimeoutMax",
			Message: "must be greater than electionTimeoutMin",
		})
	}
	if config.HeartbeatInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "cluster.heartbeatInterval",
			Message: "must be positive",
		})
	} else if config.HeartbeatInterval >= config.ElectionTimeoutMin/2 {
		errs = append(errs, ValidationError{
			Field:   "cluster.heartbeatInterval",
			Message: "must be below half of electionTimeoutMin",
		})
	}

	if config.MaxAppendEntries < 0 {
		errs = append(errs, ValidationError{
			Field:   "cluster.maxAppendEntries",
			Message: "must be non-negative",
		})
	}
	if config.MaxAppendBytes != "" {
		if _, err := parseSize(config.MaxAppendBytes); err != nil {
			errs = append(errs, ValidationError{
				Field:   "cluster.maxAppendBytes",
				Message: err.Error(),
			})
		}
	}
	if config.SubmitTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "cluster.submitTimeout",
			Message: "must be non-negative",
		})
	}

	return errs
}

// validateStorageConfig validates storage configuration.
func validateStorageConfig(config *StorageConfig) []error {
	var errs []error

	if config.SegmentSize != "" {
		if _, err := parseSize(config.SegmentSize); err != nil {
			errs = append(errs, ValidationError{
				Field:   "storage.segmentSize",
				Message: err.Error(),
			})
		}
	}

	if config.CompactionInterval < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.compactionInterval",
			Message: "must be non-negative",
		})
	}

	return errs
}

// validateLogConfig validates logging configuration.
func validateLogConfig(config *LogConfig) []error {
	var errs []error

	// Validate log level
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: "must be debug, info, warn, or error",
		})
	}

	// Validate log format
	validFormats := map[string]bool{"text": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: "must be text or json",
		})
	}

	// Validate output
	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" {
		// Check if it's a valid file path
		dir := filepath.Dir(config.Output)
		if !filepath.IsAbs(config.Output) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "must be stdout, stderr, or an absolute file path",
			})
		} else if _, err := os.Stat(dir); os.IsNotExist(err) {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: fmt.Sprintf("directory %s does not exist", dir),
			})
		}
	}

	return errs
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}

	if strings.ContainsAny(host, " /") {
		return fmt.Errorf("invalid host %q", host)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

// sizeSuffixes is ordered so that "MB" is tried before "B".
var sizeSuffixes = []struct {
	suffix string
	mult   int64
}{
	{"TB", 1 << 40},
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
	{"B", 1},
}

// parseSize parses a size string like "256MB" or "1GB".
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, nil
	}

	num, mult := s, int64(1)
	for _, sz := range sizeSuffixes {
		if strings.HasSuffix(s, sz.suffix) {
			num, mult = strings.TrimSpace(strings.TrimSuffix(s, sz.suffix)), sz.mult
			break
		}
	}

	n, err := strconv.ParseInt(num, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size format: %s", s)
	}
	return n * mult, nil
}
