package raft

import (
	"time"

	"github.com/artbin/dlog/internal/logstore"
)

// applyBatchBytes bounds the entries read per apply step.
const applyBatchBytes = 4 * 1024 * 1024

// applyCommitted applies committed, durable entries in index order. Normal
// entries need no work beyond advancing lastApplied since reads are served
// from the store; config changes update the membership view.
func (n *Node) applyCommitted() {
	limit := n.commitIndex
	if stable := n.log.stableIndex(); stable < limit {
		limit = stable
	}
	if n.installsPending > 0 {
		// The store still holds the log the boundary replaces.
		limit = n.lastApplied
	}

	confChanged := false
	for n.lastApplied < limit {
		ents, err := n.log.entries(n.lastApplied+1, limit+1, applyBatchBytes)
		if err != nil || len(ents) == 0 {
			n.logger.Error("cannot read committed entries",
				"from", n.lastApplied+1,
				"to", limit,
				"error", err,
			)
			break
		}
		for _, e := range ents {
			if e.Type == logstore.EntryConfigChange && n.applyConfigChange(e) {
				confChanged = true
			}
			n.lastApplied = e.Index
		}
	}

	// Callers released below observe the state their entries produced.
	n.publishStatus()
	n.publishApplied()
	n.resolveProposals()

	if n.stepDown {
		n.stepDown = false
		n.logger.Info("removed from cluster, stepping down", "term", n.term)
		n.becomeFollower(time.Now(), n.term, 0)
		return
	}
	if confChanged && n.role == Leader {
		// Quorum size may have changed.
		n.maybeCommit()
	}
	n.checkReads()
}

// applyConfigChange applies a committed membership change. It reports
// whether the view changed.
func (n *Node) applyConfigChange(e *logstore.Entry) bool {
	if e.Index <= n.membership.Version {
		return false
	}
	cc, err := DeserializeConfigChange(e.Payload)
	if err != nil {
		n.logger.Error("skipping undecodable config change", "index", e.Index, "error", err)
		return false
	}
	next, err := n.membership.Apply(*cc, e.Index)
	if err != nil {
		n.logger.Warn("skipping config change", "index", e.Index, "op", cc.Op, "member", cc.Member.ID, "error", err)
		return false
	}

	prev := n.membership
	n.membership = next
	n.logger.Info("membership changed",
		"index", e.Index,
		"op", cc.Op,
		"member", cc.Member.ID,
		"voters", len(next.Voters()),
		"members", len(next.Members),
	)

	id := cc.Member.ID
	switch cc.Op {
	case AddVoter, AddLearner:
		if id == n.id {
			return true
		}
		mem, _ := next.Get(id)
		n.transport.AddPeer(id, mem.Addr)
		if n.role == Leader && !prev.Contains(id) {
			n.progress[id] = newProgress(id, n.log.lastIndex()+1, time.Now())
			n.sendAppend(n.progress[id], true, time.Now())
		}
	case RemoveMember:
		if id == n.id {
			if n.role == Leader {
				n.stepDown = true
			}
			return true
		}
		n.transport.RemovePeer(id)
		if n.role == Leader {
			delete(n.progress, id)
		}
	}
	return true
}
