package raft

import (
	"github.com/artbin/dlog/internal/logstore"
)

// raftLog is the event loop's view of the log: the durable prefix held by the
// store followed by an unstable tail that has been decided but not yet
// written. unstable[0] has index offset. Entries in the store at or above
// offset are hidden; they are either about to be confirmed by stableTo or
// about to be truncated by a queued persist job.
//
// After installBoundary the whole store is hidden below floor until the
// queued install job resets it; gen changes so that callbacks of jobs queued
// before the install do not mark the new tail stable.
type raftLog struct {
	store    *logstore.Store
	unstable []*logstore.Entry
	offset   uint64

	floor     uint64 // Installed boundary, 0 if none
	floorTerm uint64
	gen       uint64
}

// newRaftLog creates a view over store with an empty unstable tail.
func newRaftLog(store *logstore.Store) *raftLog {
	return &raftLog{
		store:  store,
		offset: store.LastIndex() + 1,
	}
}

// firstIndex returns the lowest index still readable.
func (l *raftLog) firstIndex() uint64 {
	first := l.store.FirstIndex()
	if l.floor >= first {
		return l.floor + 1
	}
	return first
}

// lastIndex returns the index of the last entry, durable or not.
func (l *raftLog) lastIndex() uint64 {
	if n := len(l.unstable); n > 0 {
		return l.offset + uint64(n) - 1
	}
	return l.offset - 1
}

// stableIndex returns the highest index known to be durable.
func (l *raftLog) stableIndex() uint64 {
	return l.offset - 1
}

// lastTerm returns the term of the last entry.
func (l *raftLog) lastTerm() uint64 {
	t, _ := l.term(l.lastIndex())
	return t
}

// term returns the term of the entry at index. ok is false when the index
// is beyond the log or compacted away.
func (l *raftLog) term(index uint64) (uint64, bool) {
	if index >= l.offset {
		if index > l.lastIndex() {
			return 0, false
		}
		return l.unstable[index-l.offset].Term, true
	}
	if l.floor > 0 && index <= l.floor {
		if index == l.floor {
			return l.floorTerm, true
		}
		return 0, false
	}
	return l.store.TermAt(index)
}

// matchTerm reports whether the entry at index has the given term.
func (l *raftLog) matchTerm(index, term uint64) bool {
	t, ok := l.term(index)
	return ok && t == term
}

// isUpToDate reports whether a log ending at (lastIndex, lastTerm) is at
// least as up to date as this one.
func (l *raftLog) isUpToDate(lastIndex, lastTerm uint64) bool {
	ourTerm := l.lastTerm()
	return lastTerm > ourTerm || (lastTerm == ourTerm && lastIndex >= l.lastIndex())
}

// entries returns entries in [lo, hi) limited to maxBytes of encoded size,
// always at least one entry when the range is non-empty. It returns
// logstore.ErrNotFound when lo has been compacted.
func (l *raftLog) entries(lo, hi uint64, maxBytes int) ([]*logstore.Entry, error) {
	if hi > l.lastIndex()+1 {
		hi = l.lastIndex() + 1
	}
	if lo >= hi {
		return nil, nil
	}

	if l.floor > 0 && lo <= l.floor {
		return nil, logstore.ErrNotFound
	}

	var (
		out  []*logstore.Entry
		size int
	)
	if lo < l.offset {
		stableHi := hi
		if stableHi > l.offset {
			stableHi = l.offset
		}
		ents, err := l.store.Entries(lo, stableHi, maxBytes)
		if err != nil {
			return nil, err
		}
		out = ents
		if uint64(len(ents)) < stableHi-lo {
			return out, nil
		}
		for _, e := range ents {
			size += e.Size()
		}
		lo = stableHi
	}

	for i := lo; i < hi; i++ {
		e := l.unstable[i-l.offset]
		size += e.Size()
		if maxBytes > 0 && size > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// truncateAndAppend places ents at ents[0].Index, discarding anything at or
// after that index. It reports whether existing entries were discarded.
func (l *raftLog) truncateAndAppend(ents []*logstore.Entry) bool {
	if len(ents) == 0 {
		return false
	}
	at := ents[0].Index
	truncated := at <= l.lastIndex()

	switch {
	case at == l.offset+uint64(len(l.unstable)):
		l.unstable = append(l.unstable, ents...)
	case at >= l.offset:
		// Full slice expression so the append never writes into a backing
		// array shared with entries handed to the persister.
		keep := at - l.offset
		l.unstable = append(l.unstable[:keep:keep], ents...)
	default:
		l.offset = at
		l.unstable = append([]*logstore.Entry(nil), ents...)
	}
	return truncated
}

// stableTo marks entries up to index as durable, provided the entry at
// index still has term. It reports whether the tail moved.
func (l *raftLog) stableTo(index, term uint64) bool {
	if index < l.offset || index > l.lastIndex() {
		return false
	}
	if l.unstable[index-l.offset].Term != term {
		return false
	}
	l.unstable = l.unstable[index+1-l.offset:]
	l.offset = index + 1
	if len(l.unstable) == 0 {
		l.unstable = nil
	}
	return true
}

// installBoundary drops every entry and restarts the log after index,
// whose term becomes term. The store catches up when the matching install
// job runs.
func (l *raftLog) installBoundary(index, term uint64) {
	l.unstable = nil
	l.offset = index + 1
	l.floor = index
	l.floorTerm = term
	l.gen++
}

// lastIndexOfTerm returns the highest index at or below from whose term is
// term, or 0 when the log holds no entry of that term there.
func (l *raftLog) lastIndexOfTerm(term, from uint64) uint64 {
	if from > l.lastIndex() {
		from = l.lastIndex()
	}
	for i := from; i > 0; i-- {
		t, ok := l.term(i)
		if !ok || t < term {
			return 0
		}
		if t == term {
			return i
		}
	}
	return 0
}

// firstIndexOfTerm returns the lowest retained index in the run of entries
// with term that ends at from.
func (l *raftLog) firstIndexOfTerm(term, from uint64) uint64 {
	first := l.firstIndex()
	i := from
	for i > first {
		t, ok := l.term(i - 1)
		if !ok || t != term {
			break
		}
		i--
	}
	return i
}
