package raft

import (
	"fmt"
	"sync"

	"github.com/artbin/dlog/internal/logstore"
)

// persistJob is one unit of durable work. The steps run in order:
// boundary install, truncation, append, hard state. after runs on the event
// loop once the job is done, and only if it succeeded.
type persistJob struct {
	install      *boundary
	truncateFrom uint64 // 0 when nothing is truncated
	entries      []*logstore.Entry
	hardState    *logstore.HardState
	after        func()
	err          error
}

// boundary is a compaction boundary taken over from the leader.
type boundary struct {
	index, term uint64
	membership  []byte
}

// persister executes persist jobs in FIFO order on its own goroutine.
type persister struct {
	store *logstore.Store

	mu     sync.Mutex
	queue  []*persistJob
	notify chan struct{}

	done chan *persistJob
}

func newPersister(store *logstore.Store) *persister {
	return &persister{
		store:  store,
		notify: make(chan struct{}, 1),
		done:   make(chan *persistJob, 64),
	}
}

// enqueue adds a job. It never blocks.
func (p *persister) enqueue(job *persistJob) {
	p.mu.Lock()
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// run executes jobs until stopCh closes or a job fails. A failed job is
// still delivered on done so the loop can react.
func (p *persister) run(stopCh <-chan struct{}) {
	for {
		select {
		case <-stopCh:
			return
		case <-p.notify:
		}

		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		p.mu.Unlock()

		for _, job := range batch {
			job.err = p.execute(job)

			select {
			case p.done <- job:
			case <-stopCh:
				return
			}
			if job.err != nil {
				return
			}
		}
	}
}

func (p *persister) execute(job *persistJob) error {
	if b := job.install; b != nil {
		if err := p.store.InstallBoundary(b.index, b.term, b.membership); err != nil {
			return fmt.Errorf("install boundary %d: %w", b.index, err)
		}
	}
	if job.truncateFrom > 0 {
		if err := p.store.TruncateSuffix(job.truncateFrom); err != nil {
			return fmt.Errorf("truncate from %d: %w", job.truncateFrom, err)
		}
	}
	if len(job.entries) > 0 {
		if err := p.store.Append(job.entries); err != nil {
			return fmt.Errorf("append %d entries at %d: %w", len(job.entries), job.entries[0].Index, err)
		}
	}
	if job.hardState != nil {
		if err := p.store.SaveHardState(*job.hardState); err != nil {
			return fmt.Errorf("save hard state: %w", err)
		}
	}
	return nil
}
