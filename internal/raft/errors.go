package raft

import (
	"errors"
	"fmt"
)

// Raft errors.
var (
	// ErrNotLeader is returned when a write operation is attempted on a non-leader node.
	// The concrete error is a *NotLeaderError carrying the leader hint.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrNodeStopped is returned when operation is attempted on a stopped node.
	ErrNodeStopped = errors.New("raft: node stopped")

	// ErrTimeout is returned when an operation times out.
	ErrTimeout = errors.New("raft: operation timeout")

	// ErrLeadershipLost is returned to callers waiting on a leader that stepped down.
	ErrLeadershipLost = errors.New("raft: leadership lost")

	// ErrStaleTerm marks a peer message from an obsolete term. It is logged,
	// never returned to clients.
	ErrStaleTerm = errors.New("raft: stale term")

	// ErrConfigChangeInProgress is returned when a membership change is
	// proposed while another one is still uncommitted.
	ErrConfigChangeInProgress = errors.New("raft: configuration change in progress")

	// ErrMemberExists is returned when adding a member that is already present.
	ErrMemberExists = errors.New("raft: member already exists")

	// ErrUnknownMember is returned when removing a member that is not present.
	ErrUnknownMember = errors.New("raft: unknown member")

	// ErrCompacted is returned when a read starts below the first retained index.
	ErrCompacted = errors.New("raft: requested index compacted")

	// ErrMalformedMessage is returned when an RPC or payload cannot be decoded.
	ErrMalformedMessage = errors.New("raft: malformed message")

	// ErrTransportClosed is returned when transport is closed.
	ErrTransportClosed = errors.New("raft: transport closed")

	// ErrConnectFailed is returned when connection to peer fails.
	ErrConnectFailed = errors.New("raft: connection failed")

	// ErrInvalidConfig is returned when configuration is invalid.
	ErrInvalidConfig = errors.New("raft: invalid configuration")
)

// NotLeaderError is returned by client operations on a node that is not the
// leader. LeaderID is 0 when no leader is known.
type NotLeaderError struct {
	LeaderID   uint64
	LeaderAddr string
}

// Error implements error.
func (e *NotLeaderError) Error() string {
	if e.LeaderID == 0 {
		return "raft: not the leader (leader unknown)"
	}
	return fmt.Sprintf("raft: not the leader (leader %d at %s)", e.LeaderID, e.LeaderAddr)
}

// Is lets errors.Is(err, ErrNotLeader) match.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
