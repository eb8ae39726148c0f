// Package raft replicates an append-only log across a cluster using the Raft
// consensus algorithm.
//
// # Overview
//
// This package provides:
//   - Leader election with randomized timeouts, pre-vote and check-quorum
//   - Log replication with bulk conflict back-skip
//   - Catch-up of followers behind the leader's compaction boundary
//   - Single-change membership reconfiguration through the log
//   - Linearizable (ReadIndex) and stale local reads
//   - TCP and in-memory RPC transports
//
// Entries are stored durably by a logstore.Store. A node never acknowledges
// a vote or an append before the state it depends on has been fsynced.
//
// # Architecture
//
// Each Node runs one event loop goroutine that owns all consensus state and
// one persistence goroutine that writes log entries and hard state in FIFO
// order. Outbound RPCs run on short-lived goroutines and post their replies
// back to the loop.
//
// The cluster tolerates (N-1)/2 failed voters for N voters:
//   - 3 voters: tolerates 1 failure
//   - 5 voters: tolerates 2 failures
//
// # Usage
//
//	store, err := logstore.Open(dir, logstore.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//
//	cfg := raft.DefaultNodeConfig()
//	cfg.ID = 1
//	cfg.Addr = "127.0.0.1:7001"
//	cfg.Peers = []raft.Member{
//	    {ID: 1, Addr: "127.0.0.1:7001", Voter: true},
//	    {ID: 2, Addr: "127.0.0.1:7002", Voter: true},
//	    {ID: 3, Addr: "127.0.0.1:7003", Voter: true},
//	}
//
//	transport := raft.NewTCPTransport(cfg.Addr, nil)
//	node, err := raft.NewNode(cfg, store, transport)
//	if err != nil {
//	    return err
//	}
//	if err := node.Start(); err != nil {
//	    return err
//	}
//	defer node.Stop()
//
//	index, err := node.Submit(ctx, []byte("record"))
//	var nle *raft.NotLeaderError
//	if errors.As(err, &nle) {
//	    // retry at nle.LeaderAddr
//	}
//
// # References
//
//   - Raft Paper: https://raft.github.io/raft.pdf
//   - Raft Thesis, chapters 4, 6 and 9: https://github.com/ongardie/dissertation
package raft
