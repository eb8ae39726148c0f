package raft

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/artbin/dlog/internal/logstore"
)

// RPC message types.
const (
	RPCRequestVote uint8 = iota
	RPCRequestVoteReply
	RPCAppendEntries
	RPCAppendEntriesReply
	RPCInstallSnapshot
	RPCInstallSnapshotReply
)

// RequestVoteArgs is sent by candidates to gather votes, and by
// pre-candidates to test whether they could win.
type RequestVoteArgs struct {
	Term         uint64 // Candidate's term (proposed term for a pre-vote)
	CandidateID  uint64 // Candidate requesting vote
	LastLogIndex uint64 // Index of candidate's last log entry
	LastLogTerm  uint64 // Term of candidate's last log entry
	PreVote      bool   // Pre-vote round; voters change no state
}

// Serialize encodes RequestVoteArgs to bytes.
func (r *RequestVoteArgs) Serialize() []byte {
	buf := make([]byte, 33)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	binary.LittleEndian.PutUint64(buf[8:16], r.CandidateID)
	binary.LittleEndian.PutUint64(buf[16:24], r.LastLogIndex)
	binary.LittleEndian.PutUint64(buf[24:32], r.LastLogTerm)
	if r.PreVote {
		buf[32] = 1
	}
	return buf
}

// DeserializeRequestVoteArgs decodes RequestVoteArgs from bytes.
func DeserializeRequestVoteArgs(data []byte) (*RequestVoteArgs, error) {
	if len(data) < 33 {
		return nil, ErrMalformedMessage
	}
	return &RequestVoteArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		CandidateID:  binary.LittleEndian.Uint64(data[8:16]),
		LastLogIndex: binary.LittleEndian.Uint64(data[16:24]),
		LastLogTerm:  binary.LittleEndian.Uint64(data[24:32]),
		PreVote:      data[32] == 1,
	}, nil
}

// RequestVoteReply is the response to RequestVote.
type RequestVoteReply struct {
	Term        uint64 // Current term, for candidate to update itself
	VoteGranted bool   // True if candidate received vote
}

// Serialize encodes RequestVoteReply to bytes.
func (r *RequestVoteReply) Serialize() []byte {
	buf := make([]byte, 9)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	if r.VoteGranted {
		buf[8] = 1
	}
	return buf
}

// DeserializeRequestVoteReply decodes RequestVoteReply from bytes.
func DeserializeRequestVoteReply(data []byte) (*RequestVoteReply, error) {
	if len(data) < 9 {
		return nil, ErrMalformedMessage
	}
	return &RequestVoteReply{
		Term:        binary.LittleEndian.Uint64(data[0:8]),
		VoteGranted: data[8] == 1,
	}, nil
}

// AppendEntriesArgs is sent by leader to replicate log entries.
type AppendEntriesArgs struct {
	Term         uint64            // Leader's term
	LeaderID     uint64            // So follower can redirect clients
	PrevLogIndex uint64            // Index of log entry immediately preceding new ones
	PrevLogTerm  uint64            // Term of prevLogIndex entry
	Entries      []*logstore.Entry // Log entries to store (empty for heartbeat)
	LeaderCommit uint64            // Leader's commitIndex
}

// appendEntriesHeaderSize is the fixed part of an encoded AppendEntriesArgs.
const appendEntriesHeaderSize = 48

// Serialize encodes AppendEntriesArgs to bytes.
// Format: [term:8][leader:8][prevIndex:8][prevTerm:8][count:8][commit:8]
// followed by count × [len:4][entry:N].
func (a *AppendEntriesArgs) Serialize() []byte {
	var buf bytes.Buffer

	// Fixed fields
	header := make([]byte, appendEntriesHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], a.Term)
	binary.LittleEndian.PutUint64(header[8:16], a.LeaderID)
	binary.LittleEndian.PutUint64(header[16:24], a.PrevLogIndex)
	binary.LittleEndian.PutUint64(header[24:32], a.PrevLogTerm)
	binary.LittleEndian.PutUint64(header[32:40], uint64(len(a.Entries)))
	binary.LittleEndian.PutUint64(header[40:48], a.LeaderCommit)
	buf.Write(header)

	// Entries
	var lenBuf [4]byte
	for _, entry := range a.Entries {
		entryData := entry.Encode()
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(entryData)))
		buf.Write(lenBuf[:])
		buf.Write(entryData)
	}

	return buf.Bytes()
}

// DeserializeAppendEntriesArgs decodes AppendEntriesArgs from bytes.
func DeserializeAppendEntriesArgs(data []byte) (*AppendEntriesArgs, error) {
	if len(data) < appendEntriesHeaderSize {
		return nil, ErrMalformedMessage
	}

	args := &AppendEntriesArgs{
		Term:         binary.LittleEndian.Uint64(data[0:8]),
		LeaderID:     binary.LittleEndian.Uint64(data[8:16]),
		PrevLogIndex: binary.LittleEndian.Uint64(data[16:24]),
		PrevLogTerm:  binary.LittleEndian.Uint64(data[24:32]),
		LeaderCommit: binary.LittleEndian.Uint64(data[40:48]),
	}

	numEntries := binary.LittleEndian.Uint64(data[32:40])
	// Every entry needs at least its length prefix and header.
	if numEntries > uint64(len(data)-appendEntriesHeaderSize)/21 {
		return nil, ErrMalformedMessage
	}
	if numEntries > 0 {
		args.Entries = make([]*logstore.Entry, 0, numEntries)
	}

	reader := bytes.NewReader(data[appendEntriesHeaderSize:])
	var lenBuf [4]byte
	for i := uint64(0); i < numEntries; i++ {
		if _, err := io.ReadFull(reader, lenBuf[:]); err != nil {
			return nil, ErrMalformedMessage
		}
		entryLen := binary.LittleEndian.Uint32(lenBuf[:])
		if int64(entryLen) > int64(reader.Len()) {
			return nil, ErrMalformedMessage
		}

		entryData := make([]byte, entryLen)
		if _, err := io.ReadFull(reader, entryData); err != nil {
			return nil, ErrMalformedMessage
		}

		entry, err := logstore.DecodeEntry(entryData)
		if err != nil {
			return nil, ErrMalformedMessage
		}
		args.Entries = append(args.Entries, entry)
	}

	return args, nil
}

// AppendEntriesReply is the response to AppendEntries.
type AppendEntriesReply struct {
	Term          uint64 // Current term, for leader to update itself
	Success       bool   // True if follower contained entry matching prevLogIndex/prevLogTerm
	LastIndex     uint64 // Follower's last log index after handling the request
	ConflictTerm  uint64 // Term of the follower's entry at prevLogIndex, 0 if it has none
	ConflictIndex uint64 // First index of ConflictTerm, or follower's last index + 1
}

// Serialize encodes AppendEntriesReply to bytes.
func (r *AppendEntriesReply) Serialize() []byte {
	buf := make([]byte, 33)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	if r.Success {
		buf[8] = 1
	}
	binary.LittleEndian.PutUint64(buf[9:17], r.LastIndex)
	binary.LittleEndian.PutUint64(buf[17:25], r.ConflictTerm)
	binary.LittleEndian.PutUint64(buf[25:33], r.ConflictIndex)
	return buf
}

// DeserializeAppendEntriesReply decodes AppendEntriesReply from bytes.
func DeserializeAppendEntriesReply(data []byte) (*AppendEntriesReply, error) {
	if len(data) < 33 {
		return nil, ErrMalformedMessage
	}
	return &AppendEntriesReply{
		Term:          binary.LittleEndian.Uint64(data[0:8]),
		Success:       data[8] == 1,
		LastIndex:     binary.LittleEndian.Uint64(data[9:17]),
		ConflictTerm:  binary.LittleEndian.Uint64(data[17:25]),
		ConflictIndex: binary.LittleEndian.Uint64(data[25:33]),
	}, nil
}

// InstallSnapshotArgs is sent by the leader to a follower whose next entry
// was compacted away. It carries no state machine data: the follower
// discards its log and restarts it after LastIncludedIndex, taking the
// leader's applied membership.
type InstallSnapshotArgs struct {
	Term              uint64 // Leader's term
	LeaderID          uint64 // So follower can redirect clients
	LastIncludedIndex uint64 // Leader's compaction boundary
	LastIncludedTerm  uint64 // Term of LastIncludedIndex
	Membership        []byte // Encoded membership, see Membership.Serialize
}

// installSnapshotHeaderSize is the fixed part of InstallSnapshotArgs.
const installSnapshotHeaderSize = 36

// Serialize encodes InstallSnapshotArgs to bytes.
// Format: [term:8][leaderID:8][lastIncludedIndex:8][lastIncludedTerm:8][membershipLen:4][membership:N]
func (a *InstallSnapshotArgs) Serialize() []byte {
	buf := make([]byte, installSnapshotHeaderSize+len(a.Membership))
	binary.LittleEndian.PutUint64(buf[0:8], a.Term)
	binary.LittleEndian.PutUint64(buf[8:16], a.LeaderID)
	binary.LittleEndian.PutUint64(buf[16:24], a.LastIncludedIndex)
	binary.LittleEndian.PutUint64(buf[24:32], a.LastIncludedTerm)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(a.Membership)))
	copy(buf[installSnapshotHeaderSize:], a.Membership)
	return buf
}

// DeserializeInstallSnapshotArgs decodes InstallSnapshotArgs from bytes.
func DeserializeInstallSnapshotArgs(data []byte) (*InstallSnapshotArgs, error) {
	if len(data) < installSnapshotHeaderSize {
		return nil, ErrMalformedMessage
	}
	n := binary.LittleEndian.Uint32(data[32:36])
	if uint64(len(data)-installSnapshotHeaderSize) != uint64(n) {
		return nil, ErrMalformedMessage
	}
	a := &InstallSnapshotArgs{
		Term:              binary.LittleEndian.Uint64(data[0:8]),
		LeaderID:          binary.LittleEndian.Uint64(data[8:16]),
		LastIncludedIndex: binary.LittleEndian.Uint64(data[16:24]),
		LastIncludedTerm:  binary.LittleEndian.Uint64(data[24:32]),
	}
	if n > 0 {
		a.Membership = append([]byte(nil), data[installSnapshotHeaderSize:]...)
	}
	return a, nil
}

// InstallSnapshotReply is the response to InstallSnapshot.
type InstallSnapshotReply struct {
	Term uint64 // Current term, for leader to update itself
}

// Serialize encodes InstallSnapshotReply to bytes.
func (r *InstallSnapshotReply) Serialize() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], r.Term)
	return buf
}

// DeserializeInstallSnapshotReply decodes InstallSnapshotReply from bytes.
func DeserializeInstallSnapshotReply(data []byte) (*InstallSnapshotReply, error) {
	if len(data) < 8 {
		return nil, ErrMalformedMessage
	}
	return &InstallSnapshotReply{
		Term: binary.LittleEndian.Uint64(data[0:8]),
	}, nil
}
