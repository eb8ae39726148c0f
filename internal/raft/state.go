package raft

import "time"

// Role is the consensus role of a node.
type Role uint8

// Node roles.
const (
	Follower Role = iota
	PreCandidate
	Candidate
	Leader
)

// String returns the string representation of a role.
func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case PreCandidate:
		return "pre-candidate"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Status is a point-in-time view of a node.
type Status struct {
	ID          uint64
	Role        Role
	Term        uint64
	LeaderID    uint64
	LeaderAddr  string
	CommitIndex uint64
	LastApplied uint64
	FirstIndex  uint64
	LastIndex   uint64
	Membership  *Membership
}

// progress is the leader's view of one follower. It lives only while the
// node is leader.
type progress struct {
	id    uint64
	match uint64 // Highest index known replicated on the peer
	next  uint64 // Next index to send

	inflight     bool      // An AppendEntries carrying entries is outstanding
	inflightID   uint64    // Send id of that request
	inflightAt   time.Time // When it was sent
	recentActive bool      // Heard from since the last quorum check
	lastContact  time.Time // Last reply in the current term
	ackSeq       uint64    // Highest heartbeat sequence acknowledged
	behind       bool      // Peer needs entries that were compacted away
}

// persistedMark records the hard state carried by the last queued job.
type persistedMark struct {
	term, votedFor, commit, applied uint64
	membership                      *Membership
}
