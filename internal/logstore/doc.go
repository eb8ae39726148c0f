// Package logstore implements the durable log behind a dlog node.
//
// # Overview
//
// A Store keeps a contiguous, 1-based sequence of entries in segment files
// named after the index of their first entry:
//
//	00000000000000000001.seg
//	00000000000000004097.seg
//	state.dat
//
// Only the last segment is written. It is sealed and a new one started when
// the next record would push it past Options.SegmentSize.
//
// # Record Format
//
// Every entry is framed with its length and a CRC-32 of its body:
//
//	+----------+----------+-------------------------------------+
//	| BodyLen  | CRC32    | Body                                |
//	| (4 bytes)| (4 bytes)| Index(8) Term(8) Type(1) Payload(N) |
//	+----------+----------+-------------------------------------+
//
// All integers are little-endian.
//
// # Recovery
//
// Open scans each segment record by record. In the last segment the first
// short or mismatching record marks a torn write from a crash: the file is
// cut back to the last verified record and recovery continues. In a sealed
// segment the same damage cannot come from a crash, so Open fails with
// ErrCorruptSegment.
//
// # Hard State
//
// Term, vote, commit index, last applied index and the encoded cluster
// membership live in state.dat, replaced atomically with a
// write-fsync-rename sequence. The file also records the compaction boundary
// so TermAt keeps answering for the entry just below FirstIndex.
//
// # Usage
//
//	store, err := logstore.Open(dir, logstore.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	err = store.Append([]*logstore.Entry{
//	    {Index: store.LastIndex() + 1, Term: 1, Payload: []byte("A")},
//	})
package logstore
