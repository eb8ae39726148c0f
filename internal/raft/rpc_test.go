package raft

import (
	"bytes"
	"errors"
	"testing"

	"github.com/artbin/dlog/internal/logstore"
)

func TestRequestVoteSerialization(t *testing.T) {
	tests := []struct {
		name    string
		preVote bool
	}{
		{"vote", false},
		{"pre-vote", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := &RequestVoteArgs{
				Term:         5,
				CandidateID:  2,
				LastLogIndex: 100,
				LastLogTerm:  4,
				PreVote:      tt.preVote,
			}

			restored, err := DeserializeRequestVoteArgs(args.Serialize())
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if *restored != *args {
				t.Errorf("got %+v, want %+v", restored, args)
			}
		})
	}
}

func TestRequestVoteReplySerialization(t *testing.T) {
	tests := []struct {
		name        string
		term        uint64
		voteGranted bool
	}{
		{"vote granted", 5, true},
		{"vote denied", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := &RequestVoteReply{
				Term:        tt.term,
				VoteGranted: tt.voteGranted,
			}

			restored, err := DeserializeRequestVoteReply(reply.Serialize())
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if *restored != *reply {
				t.Errorf("got %+v, want %+v", restored, reply)
			}
		})
	}
}

func TestAppendEntriesSerialization(t *testing.T) {
	args := &AppendEntriesArgs{
		Term:         10,
		LeaderID:     1,
		PrevLogIndex: 50,
		PrevLogTerm:  9,
		LeaderCommit: 45,
		Entries: []*logstore.Entry{
			{Index: 51, Term: 10, Type: logstore.EntryNormal, Payload: []byte("cmd1")},
			{Index: 52, Term: 10, Type: logstore.EntryNoop},
			{Index: 53, Term: 10, Type: logstore.EntryConfigChange, Payload: []byte{1, 2, 3}},
		},
	}

	restored, err := DeserializeAppendEntriesArgs(args.Serialize())
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}

	if restored.Term != args.Term || restored.LeaderID != args.LeaderID ||
		restored.PrevLogIndex != args.PrevLogIndex || restored.PrevLogTerm != args.PrevLogTerm ||
		restored.LeaderCommit != args.LeaderCommit {
		t.Errorf("header mismatch: got %+v", restored)
	}
	if len(restored.Entries) != len(args.Entries) {
		t.Fatalf("Entries length mismatch: got %d, want %d", len(restored.Entries), len(args.Entries))
	}
	for i, e := range restored.Entries {
		want := args.Entries[i]
		if e.Index != want.Index || e.Term != want.Term || e.Type != want.Type {
			t.Errorf("entry %d: got %+v, want %+v", i, e, want)
		}
		if !bytes.Equal(e.Payload, want.Payload) {
			t.Errorf("entry %d payload: got %q, want %q", i, e.Payload, want.Payload)
		}
	}
}

func TestAppendEntriesHeartbeat(t *testing.T) {
	args := &AppendEntriesArgs{Term: 3, LeaderID: 2, PrevLogIndex: 7, PrevLogTerm: 3, LeaderCommit: 7}

	data := args.Serialize()
	if len(data) != appendEntriesHeaderSize {
		t.Errorf("heartbeat size = %d, want %d", len(data), appendEntriesHeaderSize)
	}

	restored, err := DeserializeAppendEntriesArgs(data)
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if len(restored.Entries) != 0 {
		t.Errorf("expected no entries, got %d", len(restored.Entries))
	}
}

func TestAppendEntriesReplySerialization(t *testing.T) {
	tests := []struct {
		name  string
		reply AppendEntriesReply
	}{
		{"success", AppendEntriesReply{Term: 4, Success: true, LastIndex: 99}},
		{"short log", AppendEntriesReply{Term: 4, LastIndex: 10, ConflictIndex: 11}},
		{"conflict", AppendEntriesReply{Term: 4, LastIndex: 20, ConflictTerm: 2, ConflictIndex: 15}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			restored, err := DeserializeAppendEntriesReply(tt.reply.Serialize())
			if err != nil {
				t.Fatalf("Deserialize failed: %v", err)
			}
			if *restored != tt.reply {
				t.Errorf("got %+v, want %+v", restored, tt.reply)
			}
		})
	}
}

func TestInstallSnapshotSerialization(t *testing.T) {
	membership := NewMembership([]Member{
		{ID: 1, Addr: "node1", Voter: true},
		{ID: 2, Addr: "node2", Voter: true},
	})
	args := &InstallSnapshotArgs{
		Term:              7,
		LeaderID:          1,
		LastIncludedIndex: 4096,
		LastIncludedTerm:  6,
		Membership:        membership.Serialize(),
	}

	restored, err := DeserializeInstallSnapshotArgs(args.Serialize())
	if err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if restored.Term != 7 || restored.LeaderID != 1 || restored.LastIncludedIndex != 4096 || restored.LastIncludedTerm != 6 {
		t.Errorf("got %+v, want %+v", restored, args)
	}
	if !bytes.Equal(restored.Membership, args.Membership) {
		t.Errorf("Membership = %x, want %x", restored.Membership, args.Membership)
	}
	m, err := DeserializeMembership(restored.Membership)
	if err != nil {
		t.Fatalf("DeserializeMembership failed: %v", err)
	}
	if !m.IsVoter(2) {
		t.Errorf("decoded membership lost voter 2: %+v", m.Members)
	}

	reply, err := DeserializeInstallSnapshotReply((&InstallSnapshotReply{Term: 9}).Serialize())
	if err != nil {
		t.Fatalf("Deserialize reply failed: %v", err)
	}
	if reply.Term != 9 {
		t.Errorf("reply term = %d, want 9", reply.Term)
	}
}

func TestDeserializeMalformed(t *testing.T) {
	valid := (&AppendEntriesArgs{
		Term:    1,
		Entries: []*logstore.Entry{{Index: 1, Term: 1, Payload: []byte("x")}},
	}).Serialize()

	// Claims far more entries than the buffer can hold.
	inflated := append([]byte(nil), valid...)
	inflated[32] = 0xff

	install := (&InstallSnapshotArgs{Term: 1, Membership: []byte("abc")}).Serialize()

	tests := []struct {
		name   string
		decode func() error
	}{
		{"short vote args", func() error { _, err := DeserializeRequestVoteArgs(make([]byte, 10)); return err }},
		{"short vote reply", func() error { _, err := DeserializeRequestVoteReply(make([]byte, 4)); return err }},
		{"short append args", func() error { _, err := DeserializeAppendEntriesArgs(make([]byte, 20)); return err }},
		{"truncated entry", func() error { _, err := DeserializeAppendEntriesArgs(valid[:len(valid)-2]); return err }},
		{"inflated count", func() error { _, err := DeserializeAppendEntriesArgs(inflated); return err }},
		{"short append reply", func() error { _, err := DeserializeAppendEntriesReply(make([]byte, 16)); return err }},
		{"short install args", func() error { _, err := DeserializeInstallSnapshotArgs(make([]byte, 30)); return err }},
		{"truncated membership", func() error { _, err := DeserializeInstallSnapshotArgs(install[:len(install)-1]); return err }},
		{"short install reply", func() error { _, err := DeserializeInstallSnapshotReply(make([]byte, 7)); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.decode(); !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("expected ErrMalformedMessage, got %v", err)
			}
		})
	}
}
