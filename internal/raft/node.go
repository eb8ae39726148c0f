package raft

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artbin/dlog/internal/logging"
	"github.com/artbin/dlog/internal/logstore"
)

// Node represents a Raft node in the cluster.
//
// All consensus state is owned by a single event loop goroutine. Inbound
// RPCs, RPC replies, ticks, proposals, reads and persistence completions
// reach it as events; public methods communicate with it over channels.
type Node struct {
	// Configuration
	id     uint64
	config *NodeConfig
	logger logging.Logger

	// Components
	store     *logstore.Store
	log       *raftLog
	transport Transport
	persister *persister

	// Event loop state
	role             Role
	term             uint64
	votedFor         uint64
	leaderID         uint64
	commitIndex      uint64
	lastApplied      uint64
	membership       *Membership
	progress         map[uint64]*progress
	votes            map[uint64]bool
	electionDeadline time.Time
	leaderContact    time.Time
	heartbeatDue     time.Time
	quorumCheckDue   time.Time
	pendingConfIndex uint64 // Index of the latest config change proposed by this leader
	readyIndex       uint64 // Leader's first own-term entry, 0 when it had none to append
	heartbeatSeq     uint64
	sendSeq          uint64
	proposals        []*proposal
	reads            []*readRequest
	mark             persistedMark
	hardStateJobs    int
	installsPending  int // Boundary installs queued but not yet durable
	stepDown         bool
	rng              *rand.Rand

	// Channels
	rpcCh     chan *rpcCall
	eventCh   chan func()
	proposeCh chan *proposal
	readCh    chan *readRequest
	stopCh    chan struct{}
	doneCh    chan struct{}

	// Lifecycle
	running  int32
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Published views
	status     atomic.Value // *Status
	appliedMu  sync.Mutex
	appliedIdx uint64
	appliedCh  chan struct{}
}

// rpcCall is an inbound RPC waiting for the event loop.
type rpcCall struct {
	msgType uint8
	data    []byte
	resp    chan []byte
}

func (c *rpcCall) respond(data []byte) {
	c.resp <- data
}

// NewNode creates a new Raft node backed by store. Term, vote, commit and
// applied indexes and the cluster membership are recovered from the store;
// cfg.Peers is used only when no membership has been persisted yet.
func NewNode(cfg *NodeConfig, store *logstore.Store, transport Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil || transport == nil {
		return nil, fmt.Errorf("%w: store and transport are required", ErrInvalidConfig)
	}

	hs := store.HardState()
	membership, err := initialMembership(cfg, hs)
	if err != nil {
		return nil, err
	}

	n := &Node{
		id:          cfg.ID,
		config:      cfg,
		logger:      cfg.Logger.Named("raft").WithFields("node", cfg.ID),
		store:       store,
		log:         newRaftLog(store),
		transport:   transport,
		persister:   newPersister(store),
		role:        Follower,
		term:        hs.Term,
		votedFor:    hs.VotedFor,
		commitIndex: store.CommitIndex(),
		lastApplied: store.LastApplied(),
		membership:  membership,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.ID))),
		rpcCh:       make(chan *rpcCall, 64),
		eventCh:     make(chan func(), 256),
		proposeCh:   make(chan *proposal, 256),
		readCh:      make(chan *readRequest, 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		appliedCh:   make(chan struct{}),
	}
	n.appliedIdx = n.lastApplied
	n.mark = persistedMark{
		term:     hs.Term,
		votedFor: hs.VotedFor,
		commit:   hs.CommitIndex,
		applied:  hs.LastApplied,
	}
	if len(hs.Membership) > 0 {
		n.mark.membership = membership
	}
	n.publishStatus()

	return n, nil
}

// initialMembership returns the persisted membership, or the configured one
// for a node that has never applied a change.
func initialMembership(cfg *NodeConfig, hs logstore.HardState) (*Membership, error) {
	if len(hs.Membership) > 0 {
		m, err := DeserializeMembership(hs.Membership)
		if err != nil {
			return nil, fmt.Errorf("raft: load membership: %w", err)
		}
		return m, nil
	}
	if len(cfg.Peers) > 0 {
		return NewMembership(cfg.Peers), nil
	}
	return NewMembership([]Member{{ID: cfg.ID, Addr: cfg.Addr, Voter: true}}), nil
}

// ID returns the node's ID.
func (n *Node) ID() uint64 {
	return n.id
}

// Status returns the most recently published view of the node.
func (n *Node) Status() Status {
	return *n.status.Load().(*Status)
}

// IsLeader returns true if this node is the leader.
func (n *Node) IsLeader() bool {
	return n.Status().Role == Leader
}

// Term returns the current term.
func (n *Node) Term() uint64 {
	return n.Status().Term
}

// LeaderID returns the current leader's ID (0 if unknown).
func (n *Node) LeaderID() uint64 {
	return n.Status().LeaderID
}

// Start starts the Raft node.
func (n *Node) Start() error {
	select {
	case <-n.stopCh:
		return ErrNodeStopped
	default:
	}
	if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
		return nil // Already running
	}

	for _, m := range n.membership.Peers(n.id) {
		n.transport.AddPeer(m.ID, m.Addr)
	}

	// Start transport listener
	if err := n.transport.Listen(n.handleRPC); err != nil {
		atomic.StoreInt32(&n.running, 0)
		return err
	}

	n.resetElectionDeadline(time.Now())

	// Loop state is read here before the loop owns it.
	n.logger.Info("node started",
		"addr", n.transport.LocalAddr(),
		"term", n.term,
		"commit", n.commitIndex,
		"last_index", n.log.lastIndex(),
		"members", len(n.membership.Members),
	)

	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.persister.run(n.stopCh)
	}()
	go n.run()
	return nil
}

// Stop stops the Raft node. It is safe to call more than once.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.wg.Wait()
		if atomic.LoadInt32(&n.running) == 0 {
			// Never started, so no loop closed it.
			close(n.doneCh)
		}
		n.transport.Close()
		n.logger.Info("node stopped")
	})
}

// Done is closed once the node's event loop has exited.
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

func (n *Node) stopped() bool {
	select {
	case <-n.doneCh:
		return true
	default:
		return false
	}
}

// run is the main loop for the Raft node.
func (n *Node) run() {
	defer n.wg.Done()
	defer n.shutdown()

	ticker := time.NewTicker(n.tickInterval())
	defer ticker.Stop()

	// Entries committed before a restart are applied right away.
	n.applyCommitted()
	n.afterEvent()

	for {
		select {
		case <-n.stopCh:
			return
		case call := <-n.rpcCh:
			n.dispatchRPC(call)
		case fn := <-n.eventCh:
			fn()
		case p := <-n.proposeCh:
			n.handleProposals(n.drainProposals(p))
		case r := <-n.readCh:
			n.handleRead(r)
		case job := <-n.persister.done:
			if job.hardState != nil {
				n.hardStateJobs--
			}
			if job.err != nil {
				n.logger.Error("persistence failed, stopping node", "error", job.err)
				go n.Stop()
				return
			}
			if job.after != nil {
				job.after()
			}
		case now := <-ticker.C:
			n.tick(now)
		}
		n.afterEvent()
	}
}

// shutdown fails every waiting request and marks the loop as exited.
func (n *Node) shutdown() {
	n.failProposals(ErrNodeStopped)
	n.failReads(ErrNodeStopped)
	n.role = Follower
	n.leaderID = 0
	n.publishStatus()
	close(n.doneCh)
}

func (n *Node) tickInterval() time.Duration {
	d := n.config.HeartbeatInterval / 2
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// afterEvent persists a changed hard state and publishes the new status.
func (n *Node) afterEvent() {
	if n.hardStateChanged() {
		n.persist(&persistJob{})
	}
	n.publishStatus()
	n.publishApplied()
}

// hardStateChanged reports whether the hard state differs from the last
// queued one. Term, vote and membership changes always count; commit and
// applied progress is coalesced while a hard-state write is outstanding.
func (n *Node) hardStateChanged() bool {
	if n.term != n.mark.term || n.votedFor != n.mark.votedFor || n.membership != n.mark.membership {
		return true
	}
	if n.hardStateJobs > 0 {
		return false
	}
	return n.durableCommit() != n.mark.commit || n.lastApplied != n.mark.applied
}

// durableCommit is the commit index that may be written: the store
// rejects a commit index beyond its last entry.
func (n *Node) durableCommit() uint64 {
	if stable := n.log.stableIndex(); stable < n.commitIndex {
		return stable
	}
	return n.commitIndex
}

// persist queues job, attaching the current hard state when it changed.
// Jobs complete in order, so a job's callback runs only after everything
// queued before it is durable.
func (n *Node) persist(job *persistJob) {
	if job.hardState == nil && n.hardStateChanged() {
		hs := logstore.HardState{
			Term:        n.term,
			VotedFor:    n.votedFor,
			CommitIndex: n.durableCommit(),
			LastApplied: n.lastApplied,
			Membership:  n.membership.Serialize(),
		}
		job.hardState = &hs
		n.mark = persistedMark{
			term:       hs.Term,
			votedFor:   hs.VotedFor,
			commit:     hs.CommitIndex,
			applied:    hs.LastApplied,
			membership: n.membership,
		}
	}
	if job.hardState != nil {
		n.hardStateJobs++
	}
	n.persister.enqueue(job)
}

// sync runs after on the loop once the current hard state and all earlier
// jobs are durable.
func (n *Node) sync(after func()) {
	n.persist(&persistJob{after: after})
}

func (n *Node) publishStatus() {
	st := &Status{
		ID:          n.id,
		Role:        n.role,
		Term:        n.term,
		LeaderID:    n.leaderID,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		FirstIndex:  n.log.firstIndex(),
		LastIndex:   n.log.lastIndex(),
		Membership:  n.membership,
	}
	if m, ok := n.membership.Get(n.leaderID); ok {
		st.LeaderAddr = m.Addr
	}
	n.status.Store(st)
}

// publishApplied wakes WaitApplied callers.
func (n *Node) publishApplied() {
	n.appliedMu.Lock()
	defer n.appliedMu.Unlock()
	if n.lastApplied <= n.appliedIdx {
		return
	}
	n.appliedIdx = n.lastApplied
	close(n.appliedCh)
	n.appliedCh = make(chan struct{})
}

// post runs fn on the event loop.
func (n *Node) post(fn func()) {
	select {
	case n.eventCh <- fn:
	case <-n.doneCh:
	}
}

// handleRPC handles incoming RPC messages on a transport goroutine by
// handing them to the event loop.
func (n *Node) handleRPC(msgType uint8, data []byte) []byte {
	call := &rpcCall{msgType: msgType, data: data, resp: make(chan []byte, 1)}
	select {
	case n.rpcCh <- call:
	case <-n.doneCh:
		return nil
	}
	select {
	case resp := <-call.resp:
		return resp
	case <-n.doneCh:
		return nil
	}
}

// dispatchRPC decodes an inbound RPC on the loop.
func (n *Node) dispatchRPC(call *rpcCall) {
	switch call.msgType {
	case RPCRequestVote:
		args, err := DeserializeRequestVoteArgs(call.data)
		if err != nil {
			n.logger.Debug("dropping malformed vote request", "error", err)
			call.respond(nil)
			return
		}
		n.handleRequestVote(call, args)
	case RPCAppendEntries:
		args, err := DeserializeAppendEntriesArgs(call.data)
		if err != nil {
			n.logger.Debug("dropping malformed append request", "error", err)
			call.respond(nil)
			return
		}
		n.handleAppendEntries(call, args)
	case RPCInstallSnapshot:
		args, err := DeserializeInstallSnapshotArgs(call.data)
		if err != nil {
			n.logger.Debug("dropping malformed install request", "error", err)
			call.respond(nil)
			return
		}
		n.handleInstallSnapshot(call, args)
	default:
		n.logger.Debug("dropping unknown rpc", "type", call.msgType)
		call.respond(nil)
	}
}

func (n *Node) resetElectionDeadline(now time.Time) {
	spread := int64(n.config.ElectionTimeoutMax - n.config.ElectionTimeoutMin)
	n.electionDeadline = now.Add(n.config.ElectionTimeoutMin + time.Duration(n.rng.Int63n(spread)))
}

// notLeaderError builds the redirect error from the loop's view.
func (n *Node) notLeaderError() error {
	e := &NotLeaderError{LeaderID: n.leaderID}
	if m, ok := n.membership.Get(n.leaderID); ok {
		e.LeaderAddr = m.Addr
	}
	return e
}
