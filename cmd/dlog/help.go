package main

import (
	"fmt"
	"io"
)

// printUsage prints the main usage information to the given writer.
func printUsage(w io.Writer) {
	fmt.Fprint(w, `dlog - Replicated append-only log

Usage:
  dlog <command> [options]

Commands:
  serve       Start a cluster node
  config      Configuration management
  version     Show version information

Use "dlog <command> -h" for more information about a command.
`)
}

// printServeUsage prints the serve command usage.
func printServeUsage(w io.Writer) {
	fmt.Fprint(w, `Start a cluster node

Usage:
  dlog serve -config <file> [options]

Options:
  -config string
        Path to configuration file (required)
  -node-id uint
        Node ID (overrides config)
  -address string
        Peer RPC listen address (overrides config)
  -data-dir string
        Data directory path (overrides config)
  -log-level string
        Log level: debug, info, warn, error (overrides config)
  -h, -help
        Show this help message

Environment Variables:
  DLOG_NODE_ID             Override node ID
  DLOG_NODE_ADDRESS        Override peer RPC listen address
  DLOG_NODE_DATA_DIR       Override data directory path
  DLOG_LOGGING_LEVEL       Override log level

The configuration file is watched while the node runs. Changes to
logging.level take effect immediately; other changes need a restart.
`)
}

// printConfigUsage prints the config command usage.
func printConfigUsage(w io.Writer) {
	fmt.Fprint(w, `Configuration management

Usage:
  dlog config <subcommand> [options]

Subcommands:
  validate    Validate configuration file
  init        Generate default configuration
  show        Show effective configuration

Use "dlog config <subcommand> -h" for more information.
`)
}

// printVersionUsage prints the version command usage.
func printVersionUsage(w io.Writer) {
	fmt.Fprint(w, `Show version information

Usage:
  dlog version [options]

Options:
  -short
        Show only version number
  -h, -help
        Show this help message
`)
}
