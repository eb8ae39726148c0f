// Package logging provides structured logging for dlog nodes.
//
// # Overview
//
// The logging package provides a structured logging interface with support for:
//
//   - Multiple log levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Request ID tracking for distributed tracing
//   - Field-based contextual logging
//
// # Creating a Logger
//
// Create a logger with configuration:
//
//	logger := logging.New(logging.Config{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "/var/log/dlog/node1.log",
//	})
//
// Or use defaults:
//
//	logger := logging.NewDefault() // Info level, text format, stdout
//
// For testing, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Log Levels
//
// Four log levels are supported:
//
//	logger.Debug("detailed debugging info", "key", "value")
//	logger.Info("informational message", "key", "value")
//	logger.Warn("warning message", "key", "value")
//	logger.Error("error message", "key", "value")
//
// Parse level from string:
//
//	level := logging.ParseLevel("debug") // Returns LevelDebug
//
// The level is shared by a logger and every logger derived from it with
// Named, WithFields or WithRequestID, and can be changed while running:
//
//	logger.SetLevel(logging.LevelDebug)
//
// # Structured Logging
//
// Add key-value pairs to log entries:
//
//	logger.Info("became leader",
//	    "term", 4,
//	    "last_index", 1832,
//	    "voters", 3,
//	)
//
// Output (JSON format):
//
//	{
//	    "ts": "2026-02-18T10:30:00.123Z",
//	    "level": "info",
//	    "logger": "raft",
//	    "msg": "became leader",
//	    "term": 4,
//	    "last_index": 1832,
//	    "voters": 3
//	}
//
// Errors, durations and fmt.Stringer values are rendered as strings.
//
// # Request ID Tracking
//
// Add request ID for tracing:
//
//	requestID := logging.GenerateRequestID() // UUID v4, 32 hex characters
//	reqLogger := logger.WithRequestID(requestID)
//
//	reqLogger.Info("append committed") // Includes request_id field
//
// # Contextual Fields
//
// Create loggers with persistent fields:
//
//	nodeLogger := logger.WithFields("node", cfg.Node.ID)
//
//	// All subsequent logs include these fields
//	nodeLogger.Info("log store opened")
//
// Name sub-components with Named; names nest with dots:
//
//	raftLogger := nodeLogger.Named("raft")
//	raftLogger.Named("transport").Debug("dial failed") // logger=raft.transport
//
// # Output Formats
//
// Text format (human-readable):
//
//	2026-02-18T10:30:00.123Z [info] raft: became leader last_index=1832 term=4 voters=3
//
// Fields after the message are sorted by key.
//
// JSON format (machine-parseable):
//
//	{"ts":"2026-02-18T10:30:00.123Z","level":"info","logger":"raft","msg":"became leader",...}
//
// # Output Destinations
//
// Configure output destination:
//
//	logging.Config{Output: "stdout"}           // Standard output
//	logging.Config{Output: "stderr"}           // Standard error
//	logging.Config{Output: "/var/log/dlog.log"} // File path
package logging
