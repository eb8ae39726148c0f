package raft

import (
	"time"

	"github.com/artbin/dlog/internal/logstore"
)

// tick drives heartbeats, the leader's quorum check and election timeouts.
func (n *Node) tick(now time.Time) {
	if n.role == Leader {
		n.leaderContact = now
		if !now.Before(n.heartbeatDue) {
			n.broadcastHeartbeat(now)
		}
		if n.config.CheckQuorum && !now.Before(n.quorumCheckDue) {
			n.checkQuorum(now)
		}
		return
	}

	if now.Before(n.electionDeadline) {
		return
	}
	if !n.membership.IsVoter(n.id) {
		// Learners and removed nodes never campaign.
		n.resetElectionDeadline(now)
		return
	}
	if n.config.PreVote {
		n.becomePreCandidate(now)
	} else {
		n.becomeCandidate(now)
	}
}

// checkQuorum steps down a leader that has not heard from a quorum of
// voters since the previous check.
func (n *Node) checkQuorum(now time.Time) {
	n.quorumCheckDue = now.Add(n.config.ElectionTimeoutMax)

	active := 0
	for _, id := range n.membership.Voters() {
		if id == n.id {
			active++
			continue
		}
		if p := n.progress[id]; p != nil && p.recentActive {
			active++
		}
	}
	for _, p := range n.progress {
		p.recentActive = false
	}

	if active < n.membership.Quorum() {
		n.logger.Warn("lost contact with quorum, stepping down",
			"term", n.term,
			"active", active,
			"quorum", n.membership.Quorum(),
		)
		n.becomeFollower(now, n.term, 0)
	}
}

// inLease reports whether a leader has been heard from within the minimum
// election timeout.
func (n *Node) inLease(now time.Time) bool {
	return n.leaderID != 0 && now.Sub(n.leaderContact) < n.config.ElectionTimeoutMin
}

func (n *Node) becomeFollower(now time.Time, term, leaderID uint64) {
	wasLeader := n.role == Leader
	if term > n.term {
		n.term = term
		n.votedFor = 0
	}
	n.role = Follower
	n.leaderID = leaderID
	if leaderID != 0 {
		n.leaderContact = now
	}
	n.votes = nil
	n.resetElectionDeadline(now)

	if wasLeader {
		n.progress = nil
		n.failProposals(ErrLeadershipLost)
		n.failReads(ErrLeadershipLost)
		n.logger.Info("stepped down", "term", n.term, "role", n.role)
	}
}

func (n *Node) becomePreCandidate(now time.Time) {
	n.role = PreCandidate
	n.leaderID = 0
	n.votes = map[uint64]bool{n.id: true}
	n.resetElectionDeadline(now)

	n.logger.Debug("starting pre-vote", "term", n.term+1, "role", n.role)
	if n.hasVoteQuorum() {
		n.becomeCandidate(now)
		return
	}
	n.requestVotes(true)
}

func (n *Node) becomeCandidate(now time.Time) {
	n.role = Candidate
	n.term++
	n.votedFor = n.id
	n.leaderID = 0
	n.votes = map[uint64]bool{n.id: true}
	n.resetElectionDeadline(now)

	term := n.term
	n.logger.Info("starting election", "term", term, "role", n.role)

	// Vote requests go out only once the self-vote is durable.
	n.sync(func() {
		if n.role != Candidate || n.term != term {
			return
		}
		if n.hasVoteQuorum() {
			n.becomeLeader(time.Now())
			return
		}
		n.requestVotes(false)
	})
}

func (n *Node) hasVoteQuorum() bool {
	granted := 0
	for _, id := range n.membership.Voters() {
		if n.votes[id] {
			granted++
		}
	}
	return granted >= n.membership.Quorum()
}

// requestVotes sends RequestVote to every other voter.
func (n *Node) requestVotes(preVote bool) {
	args := &RequestVoteArgs{
		Term:         n.term,
		CandidateID:  n.id,
		LastLogIndex: n.log.lastIndex(),
		LastLogTerm:  n.log.lastTerm(),
		PreVote:      preVote,
	}
	if preVote {
		args.Term = n.term + 1
	}
	data := args.Serialize()

	for _, id := range n.membership.Voters() {
		if id == n.id {
			continue
		}
		peerID := id
		go func() {
			resp, err := n.transport.Send(peerID, RPCRequestVote, data)
			var reply *RequestVoteReply
			if err == nil {
				reply, err = DeserializeRequestVoteReply(resp)
			}
			n.post(func() { n.handleVoteReply(peerID, args, reply, err) })
		}()
	}
}

func (n *Node) handleVoteReply(from uint64, args *RequestVoteArgs, reply *RequestVoteReply, err error) {
	if err != nil {
		n.logger.Debug("vote request failed", "peer", from, "error", err)
		return
	}

	if reply.Term > n.term && !reply.VoteGranted {
		n.logger.Info("vote rejected by peer with higher term", "peer", from, "peer_term", reply.Term)
		n.becomeFollower(time.Now(), reply.Term, 0)
		return
	}

	if args.PreVote {
		if n.role != PreCandidate || args.Term != n.term+1 {
			return
		}
	} else if n.role != Candidate || args.Term != n.term {
		return
	}
	if !reply.VoteGranted {
		return
	}

	n.votes[from] = true
	if !n.hasVoteQuorum() {
		return
	}
	if args.PreVote {
		n.becomeCandidate(time.Now())
	} else {
		n.becomeLeader(time.Now())
	}
}

// handleRequestVote answers a vote or pre-vote request. A granted vote is
// answered only after it is durable.
func (n *Node) handleRequestVote(call *rpcCall, args *RequestVoteArgs) {
	now := time.Now()
	reply := &RequestVoteReply{Term: n.term}
	upToDate := n.log.isUpToDate(args.LastLogIndex, args.LastLogTerm)

	if args.PreVote {
		if args.Term > n.term && upToDate && !n.inLease(now) {
			reply.Term = args.Term
			reply.VoteGranted = true
		}
		n.logger.Debug("pre-vote request",
			"candidate", args.CandidateID,
			"term", args.Term,
			"granted", reply.VoteGranted,
		)
		call.respond(reply.Serialize())
		return
	}

	if args.Term < n.term {
		n.logger.Debug("rejecting vote request", "candidate", args.CandidateID, "error", ErrStaleTerm)
		call.respond(reply.Serialize())
		return
	}
	if args.Term > n.term {
		if n.config.CheckQuorum && n.inLease(now) {
			n.logger.Debug("ignoring vote request within leader lease",
				"candidate", args.CandidateID,
				"term", args.Term,
			)
			call.respond(reply.Serialize())
			return
		}
		n.becomeFollower(now, args.Term, 0)
		reply.Term = n.term
	}

	if (n.votedFor == 0 || n.votedFor == args.CandidateID) && upToDate {
		n.votedFor = args.CandidateID
		reply.VoteGranted = true
		n.resetElectionDeadline(now)
		n.logger.Info("granted vote", "candidate", args.CandidateID, "term", n.term)
	}

	data := reply.Serialize()
	n.sync(func() { call.respond(data) })
}

func (n *Node) becomeLeader(now time.Time) {
	n.role = Leader
	n.leaderID = n.id
	n.leaderContact = now
	n.votes = nil
	n.heartbeatDue = now
	n.quorumCheckDue = now.Add(n.config.ElectionTimeoutMax)

	next := n.log.lastIndex() + 1
	n.progress = make(map[uint64]*progress)
	for _, m := range n.membership.Peers(n.id) {
		n.progress[m.ID] = newProgress(m.ID, next, now)
	}

	n.pendingConfIndex = n.lastConfigIndex()
	n.readyIndex = 0

	n.logger.Info("became leader",
		"term", n.term,
		"role", n.role,
		"last_index", n.log.lastIndex(),
		"commit", n.commitIndex,
	)

	// A no-op in the new term lets earlier entries commit. An empty log has
	// nothing to expose, so the first client entry keeps index 1.
	if n.log.lastIndex() > 0 {
		n.readyIndex = n.appendEntries([]*logstore.Entry{{Type: logstore.EntryNoop}})
	}
	n.broadcastHeartbeat(now)
}

// lastConfigIndex returns the index of the last config change that is in
// the log but not yet applied, 0 if there is none.
func (n *Node) lastConfigIndex() uint64 {
	var last uint64
	for i := n.lastApplied + 1; i <= n.log.lastIndex(); {
		ents, err := n.log.entries(i, n.log.lastIndex()+1, n.config.MaxAppendBytes)
		if err != nil || len(ents) == 0 {
			break
		}
		for _, e := range ents {
			if e.Type == logstore.EntryConfigChange {
				last = e.Index
			}
		}
		i = ents[len(ents)-1].Index + 1
	}
	return last
}

func newProgress(id, next uint64, now time.Time) *progress {
	return &progress{
		id:           id,
		next:         next,
		recentActive: true,
		lastContact:  now,
	}
}
