package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/artbin/dlog/internal/logstore"
)

// DefaultReadMax is the entry limit of a read that does not set Max.
const DefaultReadMax = 1000

// readBatchBytes bounds a single store read while serving a client read.
const readBatchBytes = 4 * 1024 * 1024

// Consistency selects how a read is served.
type Consistency uint8

const (
	// Linearizable reads are served by the leader after it confirms its
	// leadership with a quorum.
	Linearizable Consistency = iota
	// StaleLocal reads are served from the local applied log on any node.
	StaleLocal
)

// String returns the string representation of a Consistency.
func (c Consistency) String() string {
	switch c {
	case Linearizable:
		return "linearizable"
	case StaleLocal:
		return "stale"
	default:
		return "unknown"
	}
}

// ParseConsistency parses "linearizable" or "stale".
func ParseConsistency(s string) (Consistency, error) {
	switch s {
	case "", "linearizable":
		return Linearizable, nil
	case "stale", "local":
		return StaleLocal, nil
	default:
		return 0, fmt.Errorf("raft: unknown consistency %q", s)
	}
}

// ReadRequest selects the committed client entries to read.
type ReadRequest struct {
	From        uint64 // First index to read; 0 means the first retained index
	Max         int    // Maximum entries returned; DefaultReadMax when 0
	Consistency Consistency
}

type proposal struct {
	entryType logstore.EntryType
	payload   []byte
	change    *ConfigChange
	index     uint64
	term      uint64
	done      chan proposalResult
}

type proposalResult struct {
	index uint64
	err   error
}

type readRequest struct {
	index     uint64 // Commit index when the read was admitted
	seq       uint64 // Heartbeat round that must be acknowledged, 0 until admitted
	confirmed bool
	done      chan readResult
}

type readResult struct {
	applied uint64
	err     error
}

// Submit appends payload to the replicated log and blocks until it is
// committed and applied locally, returning its index. Non-leaders return a
// *NotLeaderError. Cancelling ctx does not withdraw the entry.
func (n *Node) Submit(ctx context.Context, payload []byte) (uint64, error) {
	return n.propose(ctx, &proposal{entryType: logstore.EntryNormal, payload: payload})
}

// AddMember adds a voter or, when m.Voter is false, a learner. Adding an
// existing learner as a voter promotes it.
func (n *Node) AddMember(ctx context.Context, m Member) error {
	op := AddLearner
	if m.Voter {
		op = AddVoter
	}
	_, err := n.propose(ctx, &proposal{
		entryType: logstore.EntryConfigChange,
		change:    &ConfigChange{Op: op, Member: m},
	})
	return err
}

// RemoveMember removes a member. A leader that removes itself steps down
// once the change is committed.
func (n *Node) RemoveMember(ctx context.Context, id uint64) error {
	_, err := n.propose(ctx, &proposal{
		entryType: logstore.EntryConfigChange,
		change:    &ConfigChange{Op: RemoveMember, Member: Member{ID: id}},
	})
	return err
}

func (n *Node) propose(ctx context.Context, p *proposal) (uint64, error) {
	if n.stopped() {
		return 0, ErrNodeStopped
	}
	if st := n.Status(); st.Role != Leader {
		return 0, &NotLeaderError{LeaderID: st.LeaderID, LeaderAddr: st.LeaderAddr}
	}

	ctx, cancel, own := n.requestContext(ctx)
	defer cancel()

	p.done = make(chan proposalResult, 1)
	select {
	case n.proposeCh <- p:
	case <-n.doneCh:
		return 0, ErrNodeStopped
	case <-ctx.Done():
		return 0, contextError(ctx, own)
	}

	select {
	case res := <-p.done:
		return res.index, res.err
	case <-n.doneCh:
		return 0, ErrNodeStopped
	case <-ctx.Done():
		return 0, contextError(ctx, own)
	}
}

// Read returns committed client entries starting at req.From.
func (n *Node) Read(ctx context.Context, req ReadRequest) ([]*logstore.Entry, error) {
	switch req.Consistency {
	case StaleLocal:
		return n.readApplied(req, n.appliedIndex())
	case Linearizable:
	default:
		return nil, fmt.Errorf("raft: unknown consistency %d", req.Consistency)
	}

	if n.stopped() {
		return nil, ErrNodeStopped
	}
	if st := n.Status(); st.Role != Leader {
		return nil, &NotLeaderError{LeaderID: st.LeaderID, LeaderAddr: st.LeaderAddr}
	}

	ctx, cancel, own := n.requestContext(ctx)
	defer cancel()

	r := &readRequest{done: make(chan readResult, 1)}
	select {
	case n.readCh <- r:
	case <-n.doneCh:
		return nil, ErrNodeStopped
	case <-ctx.Done():
		return nil, contextError(ctx, own)
	}

	select {
	case res := <-r.done:
		if res.err != nil {
			return nil, res.err
		}
		return n.readApplied(req, res.applied)
	case <-n.doneCh:
		return nil, ErrNodeStopped
	case <-ctx.Done():
		return nil, contextError(ctx, own)
	}
}

// WaitApplied blocks until the local applied index reaches index.
func (n *Node) WaitApplied(ctx context.Context, index uint64) error {
	for {
		n.appliedMu.Lock()
		applied, ch := n.appliedIdx, n.appliedCh
		n.appliedMu.Unlock()

		if applied >= index {
			return nil
		}
		select {
		case <-ch:
		case <-n.doneCh:
			return ErrNodeStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Node) appliedIndex() uint64 {
	n.appliedMu.Lock()
	defer n.appliedMu.Unlock()
	return n.appliedIdx
}

// readApplied collects normal entries in [From, applied] from the store.
func (n *Node) readApplied(req ReadRequest, applied uint64) ([]*logstore.Entry, error) {
	limit := req.Max
	if limit <= 0 {
		limit = DefaultReadMax
	}

	from := req.From
	first := n.store.FirstIndex()
	if from == 0 {
		from = first
	}
	if from < first {
		return nil, fmt.Errorf("%w: index %d, first retained %d", ErrCompacted, from, first)
	}

	out := make([]*logstore.Entry, 0)
	for from <= applied && len(out) < limit {
		hi := applied + 1
		if want := from + uint64(limit-len(out)); want < hi {
			hi = want
		}
		ents, err := n.store.Entries(from, hi, readBatchBytes)
		if err != nil {
			if errors.Is(err, logstore.ErrNotFound) {
				return nil, fmt.Errorf("%w: index %d", ErrCompacted, from)
			}
			return nil, err
		}
		for _, e := range ents {
			if e.Type == logstore.EntryNormal {
				out = append(out, e)
			}
		}
		from = ents[len(ents)-1].Index + 1
	}
	return out, nil
}

// requestContext applies SubmitTimeout to contexts without a deadline. own
// reports whether the returned deadline is ours.
func (n *Node) requestContext(ctx context.Context) (context.Context, context.CancelFunc, bool) {
	if _, ok := ctx.Deadline(); ok || n.config.SubmitTimeout <= 0 {
		return ctx, func() {}, false
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.SubmitTimeout)
	return ctx, cancel, true
}

func contextError(ctx context.Context, own bool) error {
	if own && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

// drainProposals batches proposals that are already queued.
func (n *Node) drainProposals(first *proposal) []*proposal {
	batch := []*proposal{first}
	for len(batch) < n.config.MaxAppendEntries {
		select {
		case p := <-n.proposeCh:
			batch = append(batch, p)
		default:
			return batch
		}
	}
	return batch
}

// handleProposals appends a batch of proposals as one log write.
func (n *Node) handleProposals(batch []*proposal) {
	if n.role != Leader {
		err := n.notLeaderError()
		for _, p := range batch {
			p.done <- proposalResult{err: err}
		}
		return
	}

	var (
		ents     []*logstore.Entry
		accepted []*proposal
	)
	for _, p := range batch {
		e := &logstore.Entry{Type: p.entryType, Payload: p.payload}
		if p.change != nil {
			if err := n.checkConfigChange(p.change); err != nil {
				p.done <- proposalResult{err: err}
				continue
			}
			e.Payload = p.change.Serialize()
		}
		ents = append(ents, e)
		accepted = append(accepted, p)
		if p.change != nil {
			n.pendingConfIndex = n.log.lastIndex() + uint64(len(ents))
		}
	}
	if len(ents) == 0 {
		return
	}

	n.appendEntries(ents)
	for i, p := range accepted {
		p.index = ents[i].Index
		p.term = ents[i].Term
		n.proposals = append(n.proposals, p)
	}
}

// checkConfigChange validates a proposed change against the current view.
// Only one change may be in the log unapplied at a time.
func (n *Node) checkConfigChange(cc *ConfigChange) error {
	if n.pendingConfIndex > n.lastApplied {
		return ErrConfigChangeInProgress
	}
	_, err := n.membership.Apply(*cc, 0)
	return err
}

// resolveProposals answers proposals whose entries have been applied.
func (n *Node) resolveProposals() {
	i := 0
	for ; i < len(n.proposals); i++ {
		p := n.proposals[i]
		if p.index > n.lastApplied {
			break
		}
		if t, ok := n.log.term(p.index); ok && t != p.term {
			p.done <- proposalResult{err: ErrLeadershipLost}
			continue
		}
		p.done <- proposalResult{index: p.index}
	}
	n.proposals = n.proposals[i:]
}

func (n *Node) failProposals(err error) {
	for _, p := range n.proposals {
		p.done <- proposalResult{err: err}
	}
	n.proposals = nil
}

// handleRead admits a linearizable read on the leader.
func (n *Node) handleRead(r *readRequest) {
	if n.role != Leader {
		r.done <- readResult{err: n.notLeaderError()}
		return
	}
	n.reads = append(n.reads, r)
	n.checkReads()
}

// checkReads advances pending reads. A read is admitted once the leader has
// committed an entry of its term, is confirmed by a heartbeat round sent
// after admission, and is served once that commit index is applied.
func (n *Node) checkReads() {
	if n.role != Leader || len(n.reads) == 0 {
		return
	}

	admitted := false
	pending := n.reads[:0]
	for _, r := range n.reads {
		if r.seq == 0 {
			if n.commitIndex < n.readyIndex {
				pending = append(pending, r)
				continue
			}
			r.index = n.commitIndex
			r.seq = n.heartbeatSeq + 1
			admitted = true
			pending = append(pending, r)
			continue
		}
		if !r.confirmed {
			r.confirmed = n.ackedByQuorum(r.seq)
		}
		if r.confirmed && n.lastApplied >= r.index {
			r.done <- readResult{applied: n.lastApplied}
			continue
		}
		pending = append(pending, r)
	}
	n.reads = pending

	if admitted {
		n.broadcastHeartbeat(time.Now())
		// A single voter confirms its own round.
		n.checkReads()
	}
}

// ackedByQuorum reports whether a quorum of voters acknowledged heartbeat
// round seq or a later one.
func (n *Node) ackedByQuorum(seq uint64) bool {
	acks := 0
	for _, id := range n.membership.Voters() {
		if id == n.id {
			acks++
			continue
		}
		if p := n.progress[id]; p != nil && p.ackSeq >= seq {
			acks++
		}
	}
	return acks >= n.membership.Quorum()
}

func (n *Node) failReads(err error) {
	for _, r := range n.reads {
		r.done <- readResult{err: err}
	}
	n.reads = nil
}
