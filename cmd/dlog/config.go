package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/artbin/dlog/internal/config"
)

// configCmd handles the config command.
func configCmd(args []string) int {
	if len(args) == 0 {
		printConfigUsage(os.Stdout)
		return 0
	}

	if args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "validate":
		return configValidateCmd(args[1:])
	case "init":
		return configInitCmd(args[1:])
	case "show":
		return configShowCmd(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config subcommand: %s\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'dlog config help' for usage.")
		return 1
	}
}

// configValidateCmd handles the config validate subcommand.
func configValidateCmd(args []string) int {
	fs := flag.NewFlagSet("config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Validate configuration file")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  dlog config validate [options]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -config string")
		fmt.Println("        Path to configuration file (required)")
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	if !printValidationErrors(config.ValidateConfig(cfg)) {
		return 1
	}

	fmt.Println("Configuration is valid")
	return 0
}

// configInitCmd handles the config init subcommand.
func configInitCmd(args []string) int {
	fs := flag.NewFlagSet("config init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	nodeID := fs.Uint64("node-id", 1, "Node ID written to the generated file")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Generate default configuration")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  dlog config init [options]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -node-id uint")
		fmt.Println("        Node ID written to the generated file (default 1)")
		fmt.Println()
		fmt.Println("Outputs a single-node configuration to stdout in YAML format.")
		return 0
	}

	cfg := config.DefaultConfig()
	cfg.Node.ID = *nodeID
	cfg.Cluster.Peers = []config.PeerConfig{
		{ID: cfg.Node.ID, Addr: cfg.Node.Address, Voter: true},
	}

	fmt.Print(config.MarshalYAML(cfg))
	return 0
}

// configShowCmd handles the config show subcommand.
func configShowCmd(args []string) int {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	format := fs.String("format", "yaml", "Output format (yaml, json)")
	section := fs.String("section", "", "Show a single section (json only)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		fmt.Println("Show effective configuration")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  dlog config show [options]")
		fmt.Println()
		fmt.Println("Options:")
		fmt.Println("  -config string")
		fmt.Println("        Path to configuration file")
		fmt.Println("  -format string")
		fmt.Println("        Output format: yaml, json (default \"yaml\")")
		fmt.Println("  -section string")
		fmt.Println("        Show a single section: node, cluster, storage, logging")
		return 0
	}

	var cfg *config.Config
	var err error

	if *configFile != "" {
		cfg, err = config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if err := applyEnvOverrides(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment override: %v\n", err)
		return 1
	}

	if *section != "" {
		*format = "json"
	}

	switch strings.ToLower(*format) {
	case "json":
		manager := config.NewConfigManager(cfg, *configFile)
		var v interface{} = manager.ToJSON()
		if *section != "" {
			v, err = manager.GetSection(*section)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to marshal config: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
	case "yaml":
		fmt.Print(config.MarshalYAML(cfg))
	default:
		fmt.Fprintf(os.Stderr, "Unknown format: %s\n", *format)
		return 1
	}

	return 0
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern DLOG_<SECTION>_<KEY>.
func applyEnvOverrides(cfg *config.Config) error {
	if v := os.Getenv("DLOG_NODE_ID"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DLOG_NODE_ID: %w", err)
		}
		cfg.Node.ID = id
	}
	if v := os.Getenv("DLOG_NODE_ADDRESS"); v != "" {
		cfg.Node.Address = v
	}
	if v := os.Getenv("DLOG_NODE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("DLOG_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	return nil
}

// printValidationErrors reports errs on stderr and returns true when there
// were none.
func printValidationErrors(errs []error) bool {
	if len(errs) == 0 {
		return true
	}
	fmt.Fprintln(os.Stderr, "Configuration errors:")
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "  - %s\n", e)
	}
	return false
}
