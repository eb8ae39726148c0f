// Package config provides configuration parsing and management for a dlog
// node.
//
// # Overview
//
// The config package loads, parses and validates node configuration from a
// YAML file. It supports:
//
//   - A YAML subset: nested maps, lists of maps, inline arrays
//   - Environment variable substitution with ${VAR} and ${VAR:-default}
//   - Default values for every setting except the node identity
//   - Validation that reports every problem at once
//
// # Configuration Structure
//
//	type Config struct {
//	    Node    NodeConfig    // Identity, peer RPC address, data directory
//	    Cluster ClusterConfig // Initial peers and consensus timing
//	    Storage StorageConfig // Segment size and compaction
//	    Logging LogConfig     // Level, format, output
//	}
//
// # Loading Configuration
//
//	cfg, err := config.LoadConfig("/etc/dlog/node1.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
//	    for _, e := range errs {
//	        log.Println(e)
//	    }
//	}
//
// # Example Configuration File
//
//	node:
//	  id: 1
//	  address: 127.0.0.1:7001
//	  dataDir: /var/lib/dlog/node1
//
//	cluster:
//	  peers:
//	    - id: 1
//	      addr: 127.0.0.1:7001
//	    - id: 2
//	      addr: 127.0.0.1:7002
//	    - id: 3
//	      addr: 127.0.0.1:7003
//	      voter: false
//	  electionTimeoutMin: 150ms
//	  electionTimeoutMax: 300ms
//	  heartbeatInterval: 50ms
//	  preVote: true
//	  checkQuorum: true
//	  submitTimeout: 5s
//
//	storage:
//	  segmentSize: 64MB
//	  retainEntries: 100000
//	  compactionInterval: 1m
//
//	logging:
//	  level: ${DLOG_LOG_LEVEL:-info}
//	  format: json
//	  output: stdout
//
// Peers may also be written inline as peers: [1@127.0.0.1:7001, 2@127.0.0.1:7002].
// A node whose id is not among the peers starts without a cluster and
// waits to be added by the leader.
//
// # Hot Reload
//
// ConfigWatcher polls the file and hands validated changes to a callback.
// Only logging.level applies to a running node; RestartRequired names the
// changed sections that need a restart.
package config
