package logstore

import (
	"github.com/artbin/dlog/internal/logging"
)

// DefaultSegmentSize is the size at which the active segment rolls over.
const DefaultSegmentSize = 64 * 1024 * 1024

// minSegmentSize keeps tiny configured sizes from producing one file per entry.
const minSegmentSize = 4 * 1024

// Options configures a Store.
type Options struct {
	// SegmentSize is the size in bytes at which the active segment is sealed
	// and a new one started. A segment only grows past it when it holds a
	// single larger entry.
	// Default: 64MB.
	SegmentSize int64

	// Logger receives recovery and compaction events.
	// Default: no-op logger.
	Logger logging.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	return Options{
		SegmentSize: DefaultSegmentSize,
		Logger:      logging.NewNop(),
	}
}

// Validate fills unset options with defaults.
func (o *Options) Validate() error {
	if o.SegmentSize <= 0 {
		o.SegmentSize = DefaultSegmentSize
	}
	if o.SegmentSize < minSegmentSize {
		o.SegmentSize = minSegmentSize
	}
	if o.Logger == nil {
		o.Logger = logging.NewNop()
	}
	return nil
}

// WithSegmentSize sets the segment rollover size.
func (o Options) WithSegmentSize(size int64) Options {
	o.SegmentSize = size
	return o
}

// WithLogger sets the logger.
func (o Options) WithLogger(logger logging.Logger) Options {
	o.Logger = logger
	return o
}
