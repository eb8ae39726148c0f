package raft

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Member is one node of the cluster.
type Member struct {
	ID    uint64 // Stable node identity, never 0
	Addr  string // Peer RPC address
	Voter bool   // Voters count toward quorum; learners only receive the log
}

// Membership is a versioned view of the cluster. A Membership is never
// modified after creation; Apply returns a new one.
type Membership struct {
	Version uint64   // Log index of the change that produced this view, 0 for the initial one
	Members []Member // Sorted by ID
}

// NewMembership creates a membership from members, sorted by ID.
func NewMembership(members []Member) *Membership {
	m := &Membership{Members: make([]Member, len(members))}
	copy(m.Members, members)
	sort.Slice(m.Members, func(i, j int) bool { return m.Members[i].ID < m.Members[j].ID })
	return m
}

// Clone returns a deep copy.
func (m *Membership) Clone() *Membership {
	c := NewMembership(m.Members)
	c.Version = m.Version
	return c
}

// Get returns the member with the given id.
func (m *Membership) Get(id uint64) (Member, bool) {
	for _, mem := range m.Members {
		if mem.ID == id {
			return mem, true
		}
	}
	return Member{}, false
}

// Contains reports whether id is a member.
func (m *Membership) Contains(id uint64) bool {
	_, ok := m.Get(id)
	return ok
}

// IsVoter reports whether id is a voting member.
func (m *Membership) IsVoter(id uint64) bool {
	mem, ok := m.Get(id)
	return ok && mem.Voter
}

// Voters returns the ids of all voting members.
func (m *Membership) Voters() []uint64 {
	var ids []uint64
	for _, mem := range m.Members {
		if mem.Voter {
			ids = append(ids, mem.ID)
		}
	}
	return ids
}

// Peers returns every member except self.
func (m *Membership) Peers(self uint64) []Member {
	peers := make([]Member, 0, len(m.Members))
	for _, mem := range m.Members {
		if mem.ID != self {
			peers = append(peers, mem)
		}
	}
	return peers
}

// Quorum returns the number of votes that form a strict majority of voters.
func (m *Membership) Quorum() int {
	return len(m.Voters())/2 + 1
}

// Apply returns the membership that results from cc. version becomes the
// Version of the result.
func (m *Membership) Apply(cc ConfigChange, version uint64) (*Membership, error) {
	if cc.Member.ID == 0 {
		return nil, fmt.Errorf("%w: member id 0", ErrInvalidConfig)
	}

	next := m.Clone()
	next.Version = version

	existing, ok := m.Get(cc.Member.ID)
	switch cc.Op {
	case AddVoter:
		if ok && existing.Voter {
			return nil, fmt.Errorf("%w: %d", ErrMemberExists, cc.Member.ID)
		}
		mem := cc.Member
		mem.Voter = true
		if ok && mem.Addr == "" {
			mem.Addr = existing.Addr
		}
		if mem.Addr == "" {
			return nil, fmt.Errorf("%w: member %d has no address", ErrInvalidConfig, mem.ID)
		}
		next.put(mem)
	case AddLearner:
		if ok {
			return nil, fmt.Errorf("%w: %d", ErrMemberExists, cc.Member.ID)
		}
		mem := cc.Member
		mem.Voter = false
		if mem.Addr == "" {
			return nil, fmt.Errorf("%w: member %d has no address", ErrInvalidConfig, mem.ID)
		}
		next.put(mem)
	case RemoveMember:
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMember, cc.Member.ID)
		}
		if existing.Voter && len(m.Voters()) == 1 {
			return nil, fmt.Errorf("%w: cannot remove the last voter", ErrInvalidConfig)
		}
		next.remove(cc.Member.ID)
	default:
		return nil, fmt.Errorf("%w: unknown change op %d", ErrInvalidConfig, cc.Op)
	}
	return next, nil
}

func (m *Membership) put(mem Member) {
	for i := range m.Members {
		if m.Members[i].ID == mem.ID {
			m.Members[i] = mem
			return
		}
	}
	m.Members = append(m.Members, mem)
	sort.Slice(m.Members, func(i, j int) bool { return m.Members[i].ID < m.Members[j].ID })
}

func (m *Membership) remove(id uint64) {
	for i := range m.Members {
		if m.Members[i].ID == id {
			m.Members = append(m.Members[:i], m.Members[i+1:]...)
			return
		}
	}
}

// Serialize encodes the membership.
// Format: [version:8][count:4] then per member [id:8][voter:1][addrLen:2][addr:N]
func (m *Membership) Serialize() []byte {
	size := 12
	for _, mem := range m.Members {
		size += 11 + len(mem.Addr)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint64(buf[0:8], m.Version)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.Members)))
	off := 12
	for _, mem := range m.Members {
		off += putMember(buf[off:], mem)
	}
	return buf
}

// DeserializeMembership decodes a membership.
func DeserializeMembership(data []byte) (*Membership, error) {
	if len(data) < 12 {
		return nil, ErrMalformedMessage
	}
	m := &Membership{Version: binary.LittleEndian.Uint64(data[0:8])}
	count := int(binary.LittleEndian.Uint32(data[8:12]))
	if count > (len(data)-12)/11 {
		return nil, ErrMalformedMessage
	}

	off := 12
	m.Members = make([]Member, 0, count)
	for i := 0; i < count; i++ {
		mem, n, err := readMember(data[off:])
		if err != nil {
			return nil, err
		}
		m.Members = append(m.Members, mem)
		off += n
	}
	return m, nil
}

func putMember(buf []byte, mem Member) int {
	binary.LittleEndian.PutUint64(buf[0:8], mem.ID)
	if mem.Voter {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(mem.Addr)))
	copy(buf[11:], mem.Addr)
	return 11 + len(mem.Addr)
}

func readMember(data []byte) (Member, int, error) {
	if len(data) < 11 {
		return Member{}, 0, ErrMalformedMessage
	}
	addrLen := int(binary.LittleEndian.Uint16(data[9:11]))
	if len(data) < 11+addrLen {
		return Member{}, 0, ErrMalformedMessage
	}
	return Member{
		ID:    binary.LittleEndian.Uint64(data[0:8]),
		Voter: data[8] == 1,
		Addr:  string(data[11 : 11+addrLen]),
	}, 11 + addrLen, nil
}

// ConfigChangeOp is the kind of membership change.
type ConfigChangeOp uint8

const (
	// AddVoter adds a voting member or promotes a learner.
	AddVoter ConfigChangeOp = iota + 1
	// AddLearner adds a non-voting member.
	AddLearner
	// RemoveMember removes a member of either kind.
	RemoveMember
)

// String returns the string representation of a ConfigChangeOp.
func (op ConfigChangeOp) String() string {
	switch op {
	case AddVoter:
		return "add-voter"
	case AddLearner:
		return "add-learner"
	case RemoveMember:
		return "remove"
	default:
		return "unknown"
	}
}

// ConfigChange is the payload of an EntryConfigChange log entry.
type ConfigChange struct {
	Op     ConfigChangeOp
	Member Member
}

// Serialize encodes the change.
// Format: [op:1][member]
func (cc *ConfigChange) Serialize() []byte {
	buf := make([]byte, 1+11+len(cc.Member.Addr))
	buf[0] = byte(cc.Op)
	putMember(buf[1:], cc.Member)
	return buf
}

// DeserializeConfigChange decodes a change.
func DeserializeConfigChange(data []byte) (*ConfigChange, error) {
	if len(data) < 1 {
		return nil, ErrMalformedMessage
	}
	mem, _, err := readMember(data[1:])
	if err != nil {
		return nil, err
	}
	return &ConfigChange{Op: ConfigChangeOp(data[0]), Member: mem}, nil
}
