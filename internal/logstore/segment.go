package logstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const segmentExt = ".seg"

// segment is one file of the log holding a contiguous run of entries
// starting at base. Only the last segment of a store is ever written.
type segment struct {
	base    uint64
	path    string
	file    *os.File
	offsets []int64  // offsets[i] is the file offset of entry base+i
	terms   []uint64 // terms[i] is the term of entry base+i
	size    int64
}

func segmentName(base uint64) string {
	return fmt.Sprintf("%020d%s", base, segmentExt)
}

func parseSegmentName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	base, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 64)
	if err != nil || base == 0 {
		return 0, false
	}
	return base, true
}

// listSegments returns the base indexes of all segment files in dir, sorted.
func listSegments(dir string) ([]uint64, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var bases []uint64
	for _, de := range des {
		if de.IsDir() {
			continue
		}
		if base, ok := parseSegmentName(de.Name()); ok {
			bases = append(bases, base)
		}
	}
	sort.Slice(bases, func(i, j int) bool { return bases[i] < bases[j] })
	return bases, nil
}

// createSegment creates an empty segment file.
func createSegment(dir string, base uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(base))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err := syncDir(dir); err != nil {
		file.Close()
		return nil, err
	}
	return &segment{base: base, path: path, file: file}, nil
}

// openSegment opens an existing segment file without scanning it.
func openSegment(dir string, base uint64) (*segment, error) {
	path := filepath.Join(dir, segmentName(base))
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &segment{base: base, path: path, file: file}, nil
}

// scan rebuilds the in-memory index by reading records from the start of the
// file. It stops at the first record that is incomplete, fails its checksum
// or does not carry the next expected index. It returns the length of the
// verified prefix and the size of the file.
func (s *segment) scan() (valid int64, fileSize int64, err error) {
	info, err := s.file.Stat()
	if err != nil {
		return 0, 0, err
	}
	fileSize = info.Size()

	s.offsets = s.offsets[:0]
	s.terms = s.terms[:0]

	var offset int64
	for offset < fileSize {
		e, n, err := readRecord(s.file, offset, fileSize)
		if err == errTornRecord {
			break
		}
		if err != nil {
			return 0, fileSize, err
		}
		if e.Index != s.base+uint64(len(s.offsets)) {
			break
		}
		if len(s.terms) > 0 && e.Term < s.terms[len(s.terms)-1] {
			break
		}

		s.offsets = append(s.offsets, offset)
		s.terms = append(s.terms, e.Term)
		offset += n
	}

	s.size = offset
	return offset, fileSize, nil
}

// count returns the number of entries in the segment.
func (s *segment) count() int {
	return len(s.offsets)
}

// lastIndex returns the index of the last entry, or base-1 when empty.
func (s *segment) lastIndex() uint64 {
	return s.base + uint64(len(s.offsets)) - 1
}

func (s *segment) contains(index uint64) bool {
	return index >= s.base && index <= s.lastIndex()
}

func (s *segment) termAt(index uint64) uint64 {
	return s.terms[index-s.base]
}

// append writes the entries at the end of the file and syncs it. Callers
// guarantee the entries continue the segment.
func (s *segment) append(entries []*Entry) error {
	var buf []byte
	offsets := make([]int64, 0, len(entries))
	off := s.size
	for _, e := range entries {
		offsets = append(offsets, off)
		buf = appendRecord(buf, e)
		off += recordSize(e)
	}

	if _, err := s.file.WriteAt(buf, s.size); err != nil {
		// Drop whatever part of the batch reached the file.
		return s.rollback(err)
	}
	if err := s.file.Sync(); err != nil {
		return s.rollback(err)
	}

	s.offsets = append(s.offsets, offsets...)
	for _, e := range entries {
		s.terms = append(s.terms, e.Term)
	}
	s.size = off
	return nil
}

// rollback cuts the file back to the last complete record after a failed
// append. A failed cut is reported with the append error; the torn bytes are
// then dropped by recovery on the next open.
func (s *segment) rollback(err error) error {
	if terr := s.file.Truncate(s.size); terr != nil {
		return errors.Join(err, fmt.Errorf("rollback to offset %d: %w", s.size, terr))
	}
	return err
}

// read returns the entry at index.
func (s *segment) read(index uint64) (*Entry, error) {
	e, _, err := readRecord(s.file, s.offsets[index-s.base], s.size)
	if err == errTornRecord {
		return nil, fmt.Errorf("%w: %s at index %d", ErrCorruptSegment, filepath.Base(s.path), index)
	}
	return e, err
}

// truncateFrom removes entries >= index from the segment.
func (s *segment) truncateFrom(index uint64) error {
	if index > s.lastIndex() {
		return nil
	}
	i := int(index - s.base)
	cut := s.offsets[i]

	if err := s.file.Truncate(cut); err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return err
	}

	s.offsets = s.offsets[:i]
	s.terms = s.terms[:i]
	s.size = cut
	return nil
}

// truncateTo cuts the file to size bytes. Used by recovery to drop a torn tail.
func (s *segment) truncateTo(size int64) error {
	if err := s.file.Truncate(size); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *segment) close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// remove closes and deletes the segment file.
func (s *segment) remove() error {
	if err := s.close(); err != nil {
		return err
	}
	return os.Remove(s.path)
}

// syncDir flushes directory metadata so created, renamed and removed files
// survive a crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
