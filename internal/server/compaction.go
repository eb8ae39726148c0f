package server

import "time"

// compactionLoop periodically drops sealed segments that hold only entries
// older than the retained window.
func (s *Server) compactionLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.node.Done():
			return
		case <-ticker.C:
			if _, err := s.Compact(); err != nil {
				s.logger.Warn("log compaction failed", "error", err)
			}
		}
	}
}

// Compact removes sealed segments whose entries are all applied and fall
// outside the last Storage.RetainEntries applied entries. It returns the
// number of segments removed.
func (s *Server) Compact() (int, error) {
	applied := s.node.Status().LastApplied
	retain := s.config.Storage.RetainEntries
	if applied <= retain {
		return 0, nil
	}

	removed, err := s.store.Compact(applied - retain)
	if removed > 0 {
		s.logger.Debug("compaction pass",
			"applied", applied,
			"watermark", applied-retain,
			"segments_removed", removed,
			"first_index", s.store.FirstIndex(),
		)
	}
	return removed, err
}
