package logstore

import (
	"encoding/binary"
)

// EntryType identifies what an entry carries.
type EntryType uint8

const (
	// EntryNormal carries a client record.
	EntryNormal EntryType = iota
	// EntryConfigChange carries an encoded membership change.
	EntryConfigChange
	// EntryNoop is appended by a new leader to commit entries from earlier terms.
	EntryNoop
)

// String returns the string representation of an EntryType.
func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "normal"
	case EntryConfigChange:
		return "config"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// entryHeaderSize is the fixed prefix of an encoded entry.
// Layout:
//   - Bytes 0-7:   Index (uint64)
//   - Bytes 8-15:  Term (uint64)
//   - Byte 16:     Type (uint8)
const entryHeaderSize = 17

// Entry is a single position in the replicated log.
type Entry struct {
	Index   uint64    // Log index (1-based, contiguous)
	Term    uint64    // Term of the leader that created the entry
	Type    EntryType // Normal, ConfigChange or Noop
	Payload []byte    // Opaque record bytes
}

// Size returns the encoded size of the entry.
func (e *Entry) Size() int {
	return entryHeaderSize + len(e.Payload)
}

// Encode encodes the entry to bytes.
// Format: [Index:8][Term:8][Type:1][Payload:N]
func (e *Entry) Encode() []byte {
	buf := make([]byte, e.Size())
	e.encodeTo(buf)
	return buf
}

func (e *Entry) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.Index)
	binary.LittleEndian.PutUint64(buf[8:16], e.Term)
	buf[16] = byte(e.Type)
	copy(buf[entryHeaderSize:], e.Payload)
}

// DecodeEntry decodes an entry from bytes. The payload is copied.
func DecodeEntry(data []byte) (*Entry, error) {
	if len(data) < entryHeaderSize {
		return nil, ErrShortEntry
	}

	e := &Entry{
		Index: binary.LittleEndian.Uint64(data[0:8]),
		Term:  binary.LittleEndian.Uint64(data[8:16]),
		Type:  EntryType(data[16]),
	}
	if n := len(data) - entryHeaderSize; n > 0 {
		e.Payload = make([]byte, n)
		copy(e.Payload, data[entryHeaderSize:])
	}
	return e, nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := &Entry{Index: e.Index, Term: e.Term, Type: e.Type}
	if e.Payload != nil {
		c.Payload = make([]byte, len(e.Payload))
		copy(c.Payload, e.Payload)
	}
	return c
}
