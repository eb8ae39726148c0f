package logstore

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/artbin/dlog/internal/logging"
)

// Store is a durable, segmented, append-only log of entries plus the hard
// state of the node that owns it. All methods are safe for concurrent use;
// writes are serialized.
type Store struct {
	mu     sync.RWMutex
	dir    string
	opts   Options
	logger logging.Logger

	segments []*segment
	state    persistedState

	lastIndex uint64
	lastTerm  uint64

	closed bool
}

// Open opens the store in dir, creating the directory if needed, and runs
// recovery over the segment files found there.
func Open(dir string, opts Options) (*Store, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("logstore: create dir: %w", err)
	}

	ps, err := loadState(dir)
	if err != nil {
		return nil, fmt.Errorf("logstore: load state: %w", err)
	}

	s := &Store{
		dir:    dir,
		opts:   opts,
		logger: opts.Logger,
		state:  *ps,
	}

	if err := s.recover(); err != nil {
		s.closeSegments()
		return nil, err
	}

	s.logger.Info("log store opened",
		"dir", dir,
		"segments", len(s.segments),
		"first_index", s.firstIndex(),
		"last_index", s.lastIndex,
		"commit_index", s.state.CommitIndex,
	)
	return s, nil
}

// recover opens every segment in base order, verifies its records and
// rebuilds lastIndex/lastTerm. A torn tail in the last segment is cut off;
// the same damage in a sealed segment fails the open.
func (s *Store) recover() error {
	bases, err := listSegments(s.dir)
	if err != nil {
		return fmt.Errorf("logstore: list segments: %w", err)
	}

	for i, base := range bases {
		seg, err := openSegment(s.dir, base)
		if err != nil {
			return fmt.Errorf("logstore: open segment: %w", err)
		}
		s.segments = append(s.segments, seg)

		valid, size, err := seg.scan()
		if err != nil {
			return fmt.Errorf("logstore: scan %s: %w", segmentName(base), err)
		}

		last := i == len(bases)-1
		if valid < size {
			if !last {
				return fmt.Errorf("%w: %s damaged at offset %d", ErrCorruptSegment, segmentName(base), valid)
			}
			s.logger.Warn("discarding torn log tail",
				"segment", segmentName(base),
				"offset", valid,
				"bytes", size-valid,
				"error", ErrCorruptSegment,
			)
			if err := seg.truncateTo(valid); err != nil {
				return fmt.Errorf("logstore: truncate torn tail: %w", err)
			}
		}

		if i > 0 {
			prev := s.segments[i-1]
			if seg.base != prev.lastIndex()+1 {
				return fmt.Errorf("%w: %s does not follow index %d", ErrCorruptSegment, segmentName(base), prev.lastIndex())
			}
		}
	}

	// Segments left behind by a compaction interrupted after the state save.
	for len(s.segments) > 1 && s.segments[0].lastIndex() <= s.state.CompactIndex {
		seg := s.segments[0]
		s.logger.Info("removing compacted segment", "segment", segmentName(seg.base))
		if err := seg.remove(); err != nil {
			return fmt.Errorf("logstore: remove compacted segment: %w", err)
		}
		s.segments = s.segments[1:]
	}

	if len(s.segments) == 0 {
		seg, err := createSegment(s.dir, s.state.CompactIndex+1)
		if err != nil {
			return fmt.Errorf("logstore: create segment: %w", err)
		}
		s.segments = append(s.segments, seg)
	}

	if first := s.segments[0].base; first > s.state.CompactIndex+1 {
		return fmt.Errorf("%w: log starts at %d, compacted through %d", ErrCorruptSegment, first, s.state.CompactIndex)
	}

	s.lastIndex = s.segments[len(s.segments)-1].lastIndex()
	if s.lastIndex < s.state.CompactIndex {
		return fmt.Errorf("%w: last index %d below compaction index %d", ErrCorruptSegment, s.lastIndex, s.state.CompactIndex)
	}
	s.lastTerm, _ = s.termAt(s.lastIndex)

	if s.state.CommitIndex > s.lastIndex {
		s.logger.Warn("clamping commit index to recovered log",
			"commit_index", s.state.CommitIndex,
			"last_index", s.lastIndex,
		)
		s.state.CommitIndex = s.lastIndex
	}
	if s.state.LastApplied > s.state.CommitIndex {
		s.state.LastApplied = s.state.CommitIndex
	}
	return nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}

// Append durably appends entries. They must be contiguous and start at
// LastIndex()+1, with terms that never decrease.
func (s *Store) Append(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	next, term := s.lastIndex+1, s.lastTerm
	for _, e := range entries {
		if e.Index != next || e.Term < term {
			return fmt.Errorf("%w: got index %d term %d, want index %d term >= %d",
				ErrOutOfOrderAppend, e.Index, e.Term, next, term)
		}
		if e.Size() > MaxRecordSize {
			return fmt.Errorf("logstore: entry %d exceeds max record size", e.Index)
		}
		next++
		term = e.Term
	}

	for len(entries) > 0 {
		active := s.segments[len(s.segments)-1]

		// Take as many entries as fit; an empty segment takes at least one.
		n := 0
		size := active.size
		for n < len(entries) {
			rs := recordSize(entries[n])
			if size+rs > s.opts.SegmentSize && (size > 0 || n > 0) {
				break
			}
			size += rs
			n++
		}

		if n == 0 {
			seg, err := createSegment(s.dir, entries[0].Index)
			if err != nil {
				return fmt.Errorf("logstore: roll segment: %w", err)
			}
			s.logger.Debug("rolled segment", "segment", segmentName(seg.base), "sealed", segmentName(active.base))
			s.segments = append(s.segments, seg)
			continue
		}

		if err := active.append(entries[:n]); err != nil {
			return fmt.Errorf("logstore: append: %w", err)
		}
		last := entries[n-1]
		s.lastIndex, s.lastTerm = last.Index, last.Term
		entries = entries[n:]
	}
	return nil
}

// Get returns the entry at index, or ErrNotFound when it has been compacted
// away or lies beyond the end of the log.
func (s *Store) Get(index uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if index < s.firstIndex() || index > s.lastIndex {
		return nil, ErrNotFound
	}
	return s.segmentFor(index).read(index)
}

// Entries returns entries in [lo, hi). Reading stops once maxBytes of
// encoded entries have been collected, but at least one entry is returned.
// A maxBytes of zero or less means no limit.
func (s *Store) Entries(lo, hi uint64, maxBytes int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if lo >= hi {
		return nil, nil
	}
	if lo < s.firstIndex() || hi > s.lastIndex+1 {
		return nil, ErrNotFound
	}

	var (
		out   []*Entry
		total int
	)
	for index := lo; index < hi; index++ {
		e, err := s.segmentFor(index).read(index)
		if err != nil {
			return nil, err
		}
		total += e.Size()
		if maxBytes > 0 && total > maxBytes && len(out) > 0 {
			break
		}
		out = append(out, e)
	}
	return out, nil
}

// TruncateSuffix discards every entry with index >= from. Committed entries
// cannot be truncated.
func (s *Store) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if from <= s.state.CommitIndex {
		return fmt.Errorf("%w: from %d at or below commit index %d", ErrInvalidTruncation, from, s.state.CommitIndex)
	}
	if from > s.lastIndex {
		return nil
	}

	removed := false
	for len(s.segments) > 1 && s.segments[len(s.segments)-1].base >= from {
		seg := s.segments[len(s.segments)-1]
		if err := seg.remove(); err != nil {
			return fmt.Errorf("logstore: remove segment: %w", err)
		}
		s.segments = s.segments[:len(s.segments)-1]
		removed = true
	}
	if removed {
		if err := syncDir(s.dir); err != nil {
			return err
		}
	}

	if err := s.segments[len(s.segments)-1].truncateFrom(from); err != nil {
		return fmt.Errorf("logstore: truncate: %w", err)
	}

	s.logger.Debug("truncated log suffix", "from", from, "previous_last", s.lastIndex)
	s.lastIndex = from - 1
	s.lastTerm, _ = s.termAt(s.lastIndex)
	return nil
}

// FirstIndex returns the lowest readable index. On an empty log it is
// LastIndex()+1.
func (s *Store) FirstIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex()
}

func (s *Store) firstIndex() uint64 {
	first := s.segments[0].base
	if c := s.state.CompactIndex + 1; c > first {
		first = c
	}
	return first
}

// LastIndex returns the index of the last entry, 0 for a new log.
func (s *Store) LastIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex
}

// LastTerm returns the term of the last entry, 0 for a new log.
func (s *Store) LastTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTerm
}

// TermAt returns the term of the entry at index. Index 0 and the compaction
// boundary are always known.
func (s *Store) TermAt(index uint64) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.termAt(index)
}

func (s *Store) termAt(index uint64) (uint64, bool) {
	if index == 0 {
		return 0, true
	}
	if index == s.state.CompactIndex {
		return s.state.CompactTerm, true
	}
	if index < s.firstIndex() || index > s.lastIndex {
		return 0, false
	}
	return s.segmentFor(index).termAt(index), true
}

// segmentFor returns the segment holding index. The index must be in range.
func (s *Store) segmentFor(index uint64) *segment {
	i := sort.Search(len(s.segments), func(i int) bool {
		return s.segments[i].base > index
	})
	return s.segments[i-1]
}

// CommitIndex returns the persisted commit index.
func (s *Store) CommitIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.CommitIndex
}

// SetCommitIndex persists a new commit index. It never moves backwards and
// never passes LastIndex().
func (s *Store) SetCommitIndex(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if index > s.lastIndex {
		return fmt.Errorf("%w: %d > %d", ErrCommitBeyondLog, index, s.lastIndex)
	}
	if index <= s.state.CommitIndex {
		return nil
	}

	ps := s.state
	ps.CommitIndex = index
	return s.saveLocked(ps)
}

// LastApplied returns the persisted last applied index.
func (s *Store) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.LastApplied
}

// SetLastApplied persists the last applied index. It never moves backwards
// and never passes CommitIndex().
func (s *Store) SetLastApplied(index uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if index > s.state.CommitIndex {
		return fmt.Errorf("logstore: applied index %d beyond commit index %d", index, s.state.CommitIndex)
	}
	if index <= s.state.LastApplied {
		return nil
	}

	ps := s.state
	ps.LastApplied = index
	return s.saveLocked(ps)
}

// HardState returns a copy of the persisted hard state.
func (s *Store) HardState() HardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.HardState.clone()
}

// SaveHardState durably replaces the hard state. Commit and applied indexes
// keep their monotonic guarantees: lower values are ignored.
func (s *Store) SaveHardState(hs HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	ps := s.state
	ps.HardState = hs.clone()
	if ps.CommitIndex < s.state.CommitIndex {
		ps.CommitIndex = s.state.CommitIndex
	}
	if ps.CommitIndex > s.lastIndex {
		return fmt.Errorf("%w: %d > %d", ErrCommitBeyondLog, ps.CommitIndex, s.lastIndex)
	}
	if ps.LastApplied < s.state.LastApplied {
		ps.LastApplied = s.state.LastApplied
	}
	if ps.LastApplied > ps.CommitIndex {
		ps.LastApplied = ps.CommitIndex
	}
	return s.saveLocked(ps)
}

// saveLocked writes ps and makes it current. Caller holds s.mu.
func (s *Store) saveLocked(ps persistedState) error {
	if err := saveState(s.dir, &ps); err != nil {
		return fmt.Errorf("logstore: save state: %w", err)
	}
	s.state = ps
	return nil
}

// Compact removes sealed segments whose entries are all at or below
// min(watermark, CommitIndex()). The active segment is never removed. It
// returns the number of segments deleted.
func (s *Store) Compact(watermark uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	limit := watermark
	if limit > s.state.CommitIndex {
		limit = s.state.CommitIndex
	}

	n := 0
	for n < len(s.segments)-1 && s.segments[n].lastIndex() <= limit {
		n++
	}
	if n == 0 {
		return 0, nil
	}

	boundary := s.segments[n-1]
	ps := s.state
	ps.CompactIndex = boundary.lastIndex()
	ps.CompactTerm = boundary.termAt(ps.CompactIndex)

	// The boundary is recorded first so a crash mid-way leaves only
	// segments that recovery recognizes as already compacted.
	if err := s.saveLocked(ps); err != nil {
		return 0, err
	}

	var errs []error
	removed := 0
	for _, seg := range s.segments[:n] {
		if err := seg.remove(); err != nil {
			errs = append(errs, err)
			break
		}
		removed++
	}
	s.segments = s.segments[removed:]
	if err := syncDir(s.dir); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("compacted log",
		"segments", removed,
		"compact_index", ps.CompactIndex,
		"first_index", s.firstIndex(),
	)
	if err := errors.Join(errs...); err != nil {
		return removed, fmt.Errorf("logstore: compact: %w", err)
	}
	return removed, nil
}

// InstallBoundary discards the whole log and restarts it after index, which
// becomes the compaction boundary with the given term. Commit and applied
// indexes move to index and membership replaces the stored membership. It
// is used by a follower whose missing entries were compacted away on the
// leader. The boundary must lie above CommitIndex().
func (s *Store) InstallBoundary(index, term uint64, membership []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if index <= s.state.CommitIndex {
		return fmt.Errorf("%w: boundary %d not above commit index %d", ErrInvalidTruncation, index, s.state.CommitIndex)
	}

	// Segments go newest first so a crash leaves a prefix of the old log
	// that still matches the old state.
	for len(s.segments) > 0 {
		seg := s.segments[len(s.segments)-1]
		if err := seg.remove(); err != nil {
			return s.failLocked(fmt.Errorf("logstore: install boundary: %w", err))
		}
		s.segments = s.segments[:len(s.segments)-1]
	}
	if err := syncDir(s.dir); err != nil {
		return s.failLocked(fmt.Errorf("logstore: install boundary: %w", err))
	}

	ps := s.state
	ps.CompactIndex = index
	ps.CompactTerm = term
	ps.CommitIndex = index
	ps.LastApplied = index
	ps.Membership = append([]byte(nil), membership...)
	if err := s.saveLocked(ps); err != nil {
		return s.failLocked(err)
	}

	seg, err := createSegment(s.dir, index+1)
	if err != nil {
		return s.failLocked(fmt.Errorf("logstore: create segment: %w", err))
	}
	s.segments = append(s.segments, seg)
	s.lastIndex = index
	s.lastTerm = term

	s.logger.Info("installed compaction boundary",
		"compact_index", index,
		"compact_term", term,
	)
	return nil
}

// failLocked closes a store left without a usable segment list. Reopening
// runs recovery over what reached the disk. Caller holds s.mu.
func (s *Store) failLocked(err error) error {
	s.closed = true
	if cerr := s.closeSegments(); cerr != nil {
		return errors.Join(err, cerr)
	}
	return err
}

// SegmentCount returns the number of segment files.
func (s *Store) SegmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// Close closes all segment files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeSegments()
}

func (s *Store) closeSegments() error {
	var errs []error
	for _, seg := range s.segments {
		if err := seg.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
