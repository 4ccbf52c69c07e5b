package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"custodian/internal/config"
	"custodian/internal/daemon"
	"custodian/internal/storage"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "migrate":
		runMigrate(os.Args[2:])
	case "version":
		fmt.Printf("custodian %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(cfg, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

// runMigrate opens the database once so the embedded schema is applied, then
// exits. Useful for provisioning before the first serve.
func runMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file (yaml)")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
	db.Close()
	fmt.Printf("schema applied: %s\n", cfg.Storage.Path)
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `custodian %s — backup fleet orchestration daemon

Usage: custodian <command> [options]

Commands:
  serve [--config <path>]     Run the daemon (HTTP API + background loops)
  migrate [--config <path>]   Apply the database schema and exit
  version                     Show version
  help                        Show this help
`, version)
}
