package logstore

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
)

// State file constants.
const (
	stateFileName = "state.dat"
	stateVersion  = 1

	// stateHeaderSize covers magic, version and the six fixed fields.
	stateHeaderSize = 4 + 1 + 6*8
)

var stateMagic = []byte("DLST")

// HardState is the consensus state that must survive a restart.
type HardState struct {
	Term        uint64 // Latest term the node has seen
	VotedFor    uint64 // Candidate voted for in Term, 0 if none
	CommitIndex uint64 // Highest index known committed
	LastApplied uint64 // Highest index applied locally
	Membership  []byte // Encoded applied cluster membership
}

// IsEmpty reports whether the state carries no information.
func (hs HardState) IsEmpty() bool {
	return hs.Term == 0 && hs.VotedFor == 0 && hs.CommitIndex == 0 &&
		hs.LastApplied == 0 && len(hs.Membership) == 0
}

// clone returns a copy that does not share the membership buffer.
func (hs HardState) clone() HardState {
	c := hs
	if hs.Membership != nil {
		c.Membership = append([]byte(nil), hs.Membership...)
	}
	return c
}

// persistedState is the full content of the state file.
type persistedState struct {
	HardState
	CompactIndex uint64 // Last index removed by compaction
	CompactTerm  uint64 // Term of CompactIndex
}

// encode serializes the state.
// Format:
//
//	[magic:4][version:1][term:8][votedFor:8][commit:8][applied:8]
//	[compactIndex:8][compactTerm:8][membershipLen:4][membership:N][crc32:4]
func (ps *persistedState) encode() []byte {
	buf := make([]byte, stateHeaderSize+4+len(ps.Membership)+4)
	copy(buf[0:4], stateMagic)
	buf[4] = stateVersion
	off := 5
	for _, v := range []uint64{ps.Term, ps.VotedFor, ps.CommitIndex, ps.LastApplied, ps.CompactIndex, ps.CompactTerm} {
		binary.LittleEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(ps.Membership)))
	off += 4
	copy(buf[off:], ps.Membership)
	off += len(ps.Membership)
	binary.LittleEndian.PutUint32(buf[off:], crc32.ChecksumIEEE(buf[:off]))
	return buf
}

func decodePersistedState(data []byte) (*persistedState, error) {
	if len(data) < stateHeaderSize+8 {
		return nil, ErrCorruptState
	}
	if !bytes.Equal(data[0:4], stateMagic) || data[4] != stateVersion {
		return nil, ErrCorruptState
	}

	body := data[:len(data)-4]
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(data[len(data)-4:]) {
		return nil, ErrCorruptState
	}

	ps := &persistedState{}
	off := 5
	fields := []*uint64{&ps.Term, &ps.VotedFor, &ps.CommitIndex, &ps.LastApplied, &ps.CompactIndex, &ps.CompactTerm}
	for _, f := range fields {
		*f = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}

	n := int(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	if off+n != len(body) {
		return nil, ErrCorruptState
	}
	if n > 0 {
		ps.Membership = append([]byte(nil), data[off:off+n]...)
	}
	return ps, nil
}

// loadState reads the state file. A missing file yields the zero state.
func loadState(dir string) (*persistedState, error) {
	data, err := os.ReadFile(filepath.Join(dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return &persistedState{}, nil
		}
		return nil, err
	}
	return decodePersistedState(data)
}

// saveState atomically replaces the state file: write a temporary file,
// fsync it, rename it over the old one and fsync the directory.
func saveState(dir string, ps *persistedState) error {
	path := filepath.Join(dir, stateFileName)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(ps.encode()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	return syncDir(dir)
}
