package raft

import (
	"sort"
	"time"

	"github.com/artbin/dlog/internal/logstore"
)

// appendEntries appends entries proposed by this leader, assigning indexes
// and the current term, and starts replicating them. It returns the index of
// the last entry.
func (n *Node) appendEntries(ents []*logstore.Entry) uint64 {
	last := n.log.lastIndex()
	for i, e := range ents {
		e.Index = last + 1 + uint64(i)
		e.Term = n.term
	}
	n.log.truncateAndAppend(ents)

	tail := ents[len(ents)-1]
	term, gen := n.term, n.log.gen
	n.persist(&persistJob{
		entries: ents,
		after: func() {
			if n.log.gen != gen || !n.log.stableTo(tail.Index, tail.Term) {
				return
			}
			// The leader counts toward quorum only for durable entries.
			if n.role == Leader && n.term == term {
				n.maybeCommit()
			}
			n.applyCommitted()
		},
	})

	now := time.Now()
	for _, p := range n.progress {
		n.sendAppend(p, false, now)
	}
	return tail.Index
}

// broadcastHeartbeat starts a new heartbeat round. Every acknowledged round
// confirms leadership for reads waiting on its sequence number.
func (n *Node) broadcastHeartbeat(now time.Time) {
	n.heartbeatSeq++
	n.heartbeatDue = now.Add(n.config.HeartbeatInterval)
	for _, p := range n.progress {
		n.sendAppend(p, true, now)
	}
}

// sendAppend sends the next batch of entries to p. With heartbeat set it
// sends something even when the peer is busy or has nothing to receive.
func (n *Node) sendAppend(p *progress, heartbeat bool, now time.Time) {
	if n.role != Leader {
		return
	}
	// A reply that never came back must not stall the peer forever.
	if p.inflight && now.Sub(p.inflightAt) > n.config.ElectionTimeoutMax {
		p.inflight = false
	}
	if p.inflight {
		if heartbeat {
			n.sendHeartbeat(p)
		}
		return
	}

	prev := p.next - 1
	prevTerm, ok := n.log.term(prev)
	var ents []*logstore.Entry
	if ok {
		var err error
		ents, err = n.log.entries(p.next, p.next+uint64(n.config.MaxAppendEntries), n.config.MaxAppendBytes)
		ok = err == nil
	}
	if !ok {
		n.sendBoundary(p, now)
		return
	}
	if len(ents) == 0 && !heartbeat {
		return
	}

	n.sendAppendRPC(p, &AppendEntriesArgs{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		Entries:      ents,
		LeaderCommit: n.commitIndex,
	}, true, now)
}

// sendHeartbeat sends an empty AppendEntries anchored at the peer's match
// index, which the peer is known to hold.
func (n *Node) sendHeartbeat(p *progress) {
	prev := p.match
	prevTerm, ok := n.log.term(prev)
	if !ok {
		prev, prevTerm = 0, 0
	}
	n.sendAppendRPC(p, &AppendEntriesArgs{
		Term:         n.term,
		LeaderID:     n.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		LeaderCommit: n.commitIndex,
	}, false, time.Now())
}

// sendAppendRPC sends args on its own goroutine. A pump request occupies
// the peer's single in-flight slot.
func (n *Node) sendAppendRPC(p *progress, args *AppendEntriesArgs, pump bool, now time.Time) {
	n.sendSeq++
	id, seq, peerID := n.sendSeq, n.heartbeatSeq, p.id
	if pump {
		p.inflight = true
		p.inflightID = id
		p.inflightAt = now
	}

	data := args.Serialize()
	go func() {
		resp, err := n.transport.Send(peerID, RPCAppendEntries, data)
		var reply *AppendEntriesReply
		if err == nil {
			reply, err = DeserializeAppendEntriesReply(resp)
		}
		n.post(func() { n.handleAppendReply(peerID, args, id, seq, reply, err) })
	}()
}

func (n *Node) handleAppendReply(peerID uint64, args *AppendEntriesArgs, id, seq uint64, reply *AppendEntriesReply, err error) {
	if n.role != Leader || args.Term != n.term {
		return
	}
	p := n.progress[peerID]
	if p == nil {
		return
	}
	if p.inflight && p.inflightID == id {
		p.inflight = false
	}
	if err != nil {
		n.logger.Debug("append request failed", "peer", peerID, "error", err)
		return
	}

	now := time.Now()
	if reply.Term > n.term {
		n.logger.Info("peer has higher term", "peer", peerID, "peer_term", reply.Term)
		n.becomeFollower(now, reply.Term, 0)
		return
	}

	p.recentActive = true
	p.lastContact = now
	if seq > p.ackSeq {
		p.ackSeq = seq
	}

	resend := false
	if reply.Success {
		match := args.PrevLogIndex + uint64(len(args.Entries))
		if match > p.match {
			p.match = match
		}
		if p.next < match+1 {
			p.next = match + 1
		}
		if len(args.Entries) > 0 {
			p.behind = false
		}
		resend = p.next <= n.log.lastIndex()
		n.maybeCommit()
	} else if args.PrevLogIndex == p.next-1 {
		old := p.next
		n.backoff(p, reply)
		resend = p.next != old
		n.logger.Debug("append rejected",
			"peer", peerID,
			"prev_index", args.PrevLogIndex,
			"conflict_term", reply.ConflictTerm,
			"conflict_index", reply.ConflictIndex,
			"next", p.next,
		)
	}

	n.checkReads()
	if resend && n.role == Leader {
		n.sendAppend(p, false, now)
	}
}

// backoff moves p.next back after a rejection using the follower's conflict
// hint, skipping a whole term at a time.
func (n *Node) backoff(p *progress, reply *AppendEntriesReply) {
	next := reply.ConflictIndex
	if reply.ConflictTerm != 0 {
		if idx := n.log.lastIndexOfTerm(reply.ConflictTerm, p.next-1); idx > 0 {
			next = idx + 1
		}
	}
	if next > reply.LastIndex+1 {
		next = reply.LastIndex + 1
	}
	if next >= p.next {
		next = p.next - 1
	}
	if next <= p.match {
		next = p.match + 1
	}
	if next < 1 {
		next = 1
	}
	p.next = next
}

// maybeCommit advances the commit index to the highest current-term entry
// stored by a quorum of voters.
func (n *Node) maybeCommit() {
	voters := n.membership.Voters()
	matches := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if id == n.id {
			matches = append(matches, n.log.stableIndex())
			continue
		}
		var match uint64
		if p := n.progress[id]; p != nil {
			match = p.match
		}
		matches = append(matches, match)
	}

	q := n.membership.Quorum()
	if len(matches) < q {
		return
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })

	idx := matches[q-1]
	if idx <= n.commitIndex {
		return
	}
	// Entries from earlier terms commit only through a current-term entry.
	if !n.log.matchTerm(idx, n.term) {
		return
	}
	n.commitTo(idx)
}

func (n *Node) commitTo(index uint64) {
	if index <= n.commitIndex {
		return
	}
	n.logger.Debug("commit index advanced", "from", n.commitIndex, "to", index, "term", n.term)
	n.commitIndex = index
	n.applyCommitted()
}

// handleAppendEntries handles AppendEntries from a leader. Success is
// reported only once the appended entries are durable.
func (n *Node) handleAppendEntries(call *rpcCall, args *AppendEntriesArgs) {
	now := time.Now()
	reply := &AppendEntriesReply{Term: n.term}

	if args.Term < n.term {
		n.logger.Debug("rejecting append", "leader", args.LeaderID, "term", args.Term, "error", ErrStaleTerm)
		reply.LastIndex = n.log.lastIndex()
		call.respond(reply.Serialize())
		return
	}

	n.followLeader(now, args.Term, args.LeaderID)
	reply.Term = n.term

	if args.PrevLogIndex > n.log.lastIndex() {
		reply.ConflictIndex = n.log.lastIndex() + 1
		reply.LastIndex = n.log.lastIndex()
		n.respondDurable(call, reply)
		return
	}
	// A compacted prev entry is committed and therefore matches.
	if t, ok := n.log.term(args.PrevLogIndex); ok && t != args.PrevLogTerm {
		reply.ConflictTerm = t
		reply.ConflictIndex = n.log.firstIndexOfTerm(t, args.PrevLogIndex)
		reply.LastIndex = n.log.lastIndex()
		n.respondDurable(call, reply)
		return
	}

	// Skip what is already present so a re-delivered request changes nothing.
	ents := args.Entries
	first := n.log.firstIndex()
	for len(ents) > 0 {
		e := ents[0]
		if e.Index >= first {
			if t, ok := n.log.term(e.Index); !ok || t != e.Term {
				break
			}
		}
		ents = ents[1:]
	}

	if len(ents) > 0 {
		at := ents[0].Index
		if at <= n.commitIndex {
			n.logger.Error("leader sent entries conflicting with committed log",
				"leader", args.LeaderID,
				"index", at,
				"commit", n.commitIndex,
			)
			reply.LastIndex = n.log.lastIndex()
			n.respondDurable(call, reply)
			return
		}

		job := &persistJob{entries: ents}
		if n.log.truncateAndAppend(ents) {
			job.truncateFrom = at
			n.logger.Info("truncating conflicting suffix", "from", at, "leader", args.LeaderID, "term", args.Term)
		}
		tail := ents[len(ents)-1]
		gen := n.log.gen
		job.after = func() {
			if n.log.gen == gen {
				n.log.stableTo(tail.Index, tail.Term)
			}
		}
		n.persist(job)
	}

	lastNew := args.PrevLogIndex + uint64(len(args.Entries))
	leaderCommit := args.LeaderCommit
	gen := n.log.gen
	n.sync(func() {
		if n.log.gen != gen {
			// A boundary install replaced the entries this request added.
			reply.ConflictIndex = n.log.lastIndex() + 1
			reply.LastIndex = n.log.lastIndex()
			call.respond(reply.Serialize())
			return
		}
		commit := leaderCommit
		if commit > lastNew {
			commit = lastNew
		}
		n.commitTo(commit)

		reply.Success = true
		reply.LastIndex = n.log.lastIndex()
		call.respond(reply.Serialize())
	})
}

// followLeader accepts leaderID as the leader of term and restarts the
// election timer.
func (n *Node) followLeader(now time.Time, term, leaderID uint64) {
	if term > n.term || n.role != Follower || n.leaderID != leaderID {
		if n.leaderID != leaderID {
			n.logger.Info("following leader", "leader", leaderID, "term", term)
		}
		n.becomeFollower(now, term, leaderID)
	}
	n.leaderContact = now
	n.resetElectionDeadline(now)
}

// respondDurable answers once the current hard state is durable.
func (n *Node) respondDurable(call *rpcCall, reply *AppendEntriesReply) {
	data := reply.Serialize()
	n.sync(func() { call.respond(data) })
}
