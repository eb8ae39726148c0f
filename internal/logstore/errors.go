package logstore

import "errors"

// Log store errors.
var (
	// ErrOutOfOrderAppend is returned when appended entries do not start at LastIndex()+1
	// or are not contiguous among themselves.
	ErrOutOfOrderAppend = errors.New("logstore: out of order append")

	// ErrInvalidTruncation is returned when a truncation would remove committed entries.
	ErrInvalidTruncation = errors.New("logstore: invalid truncation")

	// ErrCorruptSegment is returned when a sealed segment fails verification.
	ErrCorruptSegment = errors.New("logstore: corrupt segment")

	// ErrNotFound is returned for indexes below the compaction boundary or above the last index.
	ErrNotFound = errors.New("logstore: entry not found")

	// ErrShortEntry is returned when an encoded entry is shorter than its header.
	ErrShortEntry = errors.New("logstore: short entry")

	// ErrCommitBeyondLog is returned when a commit index exceeds the last log index.
	ErrCommitBeyondLog = errors.New("logstore: commit index beyond last index")

	// ErrCorruptState is returned when the hard state file fails verification.
	ErrCorruptState = errors.New("logstore: corrupt state file")

	// ErrClosed is returned for operations on a closed store.
	ErrClosed = errors.New("logstore: closed")
)
