package raft

import (
	"fmt"
	"time"

	"github.com/artbin/dlog/internal/logging"
)

// NodeConfig holds configuration for a Raft node.
type NodeConfig struct {
	ID    uint64   // Unique node ID
	Addr  string   // Raft RPC listen address
	Peers []Member // Initial cluster, used until a membership has been persisted

	ElectionTimeoutMin time.Duration // Lower bound of the randomized election timeout
	ElectionTimeoutMax time.Duration // Upper bound (exclusive)
	HeartbeatInterval  time.Duration // Leader heartbeat period

	PreVote     bool // Run a pre-vote round before incrementing the term
	CheckQuorum bool // Leader steps down without contact from a quorum

	MaxAppendEntries int // Max entries per AppendEntries
	MaxAppendBytes   int // Max encoded entry bytes per AppendEntries

	SubmitTimeout time.Duration // Applied to client calls without a deadline

	Logger logging.Logger
}

// DefaultNodeConfig returns default configuration.
func DefaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		PreVote:            true,
		CheckQuorum:        true,
		MaxAppendEntries:   256,
		MaxAppendBytes:     1024 * 1024,
		SubmitTimeout:      5 * time.Second,
	}
}

// Validate checks if the configuration is valid and fills in defaults for
// unset limits.
func (c *NodeConfig) Validate() error {
	if c.ID == 0 {
		return fmt.Errorf("%w: node id must be non-zero", ErrInvalidConfig)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: address required", ErrInvalidConfig)
	}
	if c.ElectionTimeoutMin <= 0 {
		return fmt.Errorf("%w: election timeout must be positive", ErrInvalidConfig)
	}
	if c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("%w: max election timeout must exceed min", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatInterval >= c.ElectionTimeoutMin/2 {
		return fmt.Errorf("%w: heartbeat interval must be below half the min election timeout", ErrInvalidConfig)
	}

	seen := make(map[uint64]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.ID == 0 {
			return fmt.Errorf("%w: peer id must be non-zero", ErrInvalidConfig)
		}
		if seen[p.ID] {
			return fmt.Errorf("%w: duplicate peer %d", ErrInvalidConfig, p.ID)
		}
		seen[p.ID] = true
	}

	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = 256
	}
	if c.MaxAppendBytes <= 0 {
		c.MaxAppendBytes = 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = logging.NewNop()
	}
	return nil
}
