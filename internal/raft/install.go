package raft

import (
	"time"
)

// sendBoundary hands a follower whose next entry was compacted away the
// leader's compaction boundary and applied membership. The follower restarts
// its log after the boundary and normal replication resumes from there.
func (n *Node) sendBoundary(p *progress, now time.Time) {
	index := n.log.firstIndex() - 1
	term, ok := n.log.term(index)
	if !ok {
		n.logger.Error("compaction boundary has no term", "peer", p.id, "index", index)
		return
	}
	if !p.behind {
		p.behind = true
		n.logger.Info("peer needs entries that were compacted away, sending boundary",
			"peer", p.id,
			"next", p.next,
			"boundary", index,
		)
	}

	args := &InstallSnapshotArgs{
		Term:              n.term,
		LeaderID:          n.id,
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Membership:        n.membership.Serialize(),
	}

	n.sendSeq++
	id, seq, peerID := n.sendSeq, n.heartbeatSeq, p.id
	p.inflight = true
	p.inflightID = id
	p.inflightAt = now

	data := args.Serialize()
	go func() {
		resp, err := n.transport.Send(peerID, RPCInstallSnapshot, data)
		var reply *InstallSnapshotReply
		if err == nil {
			reply, err = DeserializeInstallSnapshotReply(resp)
		}
		n.post(func() { n.handleInstallReply(peerID, args, id, seq, reply, err) })
	}()
}

func (n *Node) handleInstallReply(peerID uint64, args *InstallSnapshotArgs, id, seq uint64, reply *InstallSnapshotReply, err error) {
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
		n.logger.Debug("install request failed", "peer", peerID, "error", err)
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

	// The follower now holds everything up to the boundary.
	if args.LastIncludedIndex > p.match {
		p.match = args.LastIncludedIndex
	}
	if p.next <= p.match {
		p.next = p.match + 1
	}
	if p.behind {
		p.behind = false
		n.logger.Info("peer installed compaction boundary", "peer", peerID, "boundary", args.LastIncludedIndex)
	}

	n.maybeCommit()
	n.checkReads()
	if n.role == Leader && p.next <= n.log.lastIndex() {
		n.sendAppend(p, false, now)
	}
}

// handleInstallSnapshot handles a compaction boundary from the leader. The
// reply is sent once the boundary is durable.
func (n *Node) handleInstallSnapshot(call *rpcCall, args *InstallSnapshotArgs) {
	now := time.Now()
	reply := &InstallSnapshotReply{Term: n.term}

	if args.Term < n.term {
		n.logger.Debug("rejecting install", "leader", args.LeaderID, "term", args.Term, "error", ErrStaleTerm)
		call.respond(reply.Serialize())
		return
	}
	n.followLeader(now, args.Term, args.LeaderID)
	reply.Term = n.term

	index, term := args.LastIncludedIndex, args.LastIncludedTerm
	switch {
	case index <= n.commitIndex:
		// Everything up to the boundary is already committed here.
	case n.log.matchTerm(index, term):
		// The entry at the boundary is present, so is everything before it.
		n.commitTo(index)
	default:
		membership, err := DeserializeMembership(args.Membership)
		if err != nil {
			n.logger.Warn("dropping install with undecodable membership", "leader", args.LeaderID, "error", err)
			call.respond(nil)
			return
		}
		n.installBoundary(index, term, membership)
	}

	data := reply.Serialize()
	n.sync(func() { call.respond(data) })
}

// installBoundary discards the local log, uncommitted suffix included, and
// restarts it after index. Nothing is applied past the old applied index
// until the store has been reset.
func (n *Node) installBoundary(index, term uint64, membership *Membership) {
	n.logger.Info("installing compaction boundary",
		"leader", n.leaderID,
		"boundary", index,
		"boundary_term", term,
		"commit", n.commitIndex,
		"last_index", n.log.lastIndex(),
	)

	n.log.installBoundary(index, term)
	n.commitIndex = index

	prev := n.membership
	n.membership = membership
	for _, m := range membership.Peers(n.id) {
		n.transport.AddPeer(m.ID, m.Addr)
	}
	for _, m := range prev.Peers(n.id) {
		if !membership.Contains(m.ID) {
			n.transport.RemovePeer(m.ID)
		}
	}

	n.installsPending++
	n.persist(&persistJob{
		install: &boundary{index: index, term: term, membership: membership.Serialize()},
		after: func() {
			n.installsPending--
			if n.lastApplied < index {
				n.lastApplied = index
			}
			n.applyCommitted()
		},
	})
}
