// Package server assembles a dlog node from its configuration.
//
// # Overview
//
// A Server owns, for one node:
//
//   - the logstore.Store in node.dataDir
//   - the raft.TCPTransport bound to node.address
//   - the raft.Node replicating the log
//   - a compaction loop bounded by storage.retainEntries
//   - an optional config file watcher for runtime log level changes
//
// # Usage
//
//	srv, err := server.New(cfg, logger)
//	if err != nil {
//	    return err
//	}
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop(context.Background())
//
//	index, err := srv.Append(ctx, []byte("event"))
//	entries, err := srv.Read(ctx, raft.ReadRequest{From: index})
//
// Append and Read on a follower fail with a *raft.NotLeaderError that names
// the leader to retry against.
package server
