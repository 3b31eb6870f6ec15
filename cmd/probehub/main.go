// ABOUTME: Entry point for the probehub server and its operator commands
// ABOUTME: Subcommands serve the hub, issue API keys, and query a running hub over HTTP

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/probehub/internal/config"
	"github.com/2389/probehub/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _          _           _
 _ __  _ __ ___ | |__   ___| |__  _   _| |__
| '_ \| '__/ _ \| '_ \ / _ \ '_ \| | | | '_ \
| |_) | | | (_) | |_) |  __/ | | | |_| | |_) |
| .__/|_|  \___/|_.__/ \___|_| |_|\__,_|_.__/
|_|
`

func usage() {
	fmt.Println("Usage: probehub <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the hub")
	fmt.Println("  token --name NAME      Issue an API key and print its bearer token")
	fmt.Println("  keys                   List API keys")
	fmt.Println("  revoke KEY_ID          Revoke an API key")
	fmt.Println("  health                 Check hub health")
	fmt.Println("  agents                 List connected agents")
	fmt.Println("  audit-verify           Verify the audit chain of a running hub")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken(ctx, args)
	case "keys":
		err = runKeys(ctx)
	case "revoke":
		err = runRevoke(ctx, args)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "audit-verify":
		err = runAuditVerify(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.Path()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Packs:     %s\n", cfg.Packs.ManifestDir)
	if len(cfg.Integrations) > 0 {
		green.Print("    ▶ ")
		fmt.Printf("Targets:   %d integration(s)\n", len(cfg.Integrations))
	}
	if !cfg.Auth.Enabled() {
		yellow.Print("    ! ")
		fmt.Println("Auth:      disabled (no jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting probehub",
		"config", configPath,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
