// Command agent runs the workstation side of openclaw: the local execution
// daemon that holds the channel to the gateway and runs allow-listed actions
// behind the path jail, rate limit, and audit log.
//
// With --oneshot it instead serves exactly one request over stdin/stdout,
// which is how the gateway's SSH fallback invokes it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"openclaw/pkg/agentd"
	"openclaw/pkg/config"
	"openclaw/pkg/logx"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file (optional; env vars override it)")
		home        = flag.String("home", ".", "Directory holding the .openclaw secrets file")
		oneshot     = flag.Bool("oneshot", false, "Serve one request from stdin to stdout and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("openclaw-agent %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *debug {
		logx.SetLevel(logx.LevelDebug)
	}

	// Run main logic and get exit code so defers execute before os.Exit.
	os.Exit(run(*configPath, *home, *oneshot))
}

// run loads config, assembles the daemon, and serves until a signal.
func run(configPath, home string, oneshot bool) int {
	// In oneshot mode stdout carries the response envelope, so nothing else
	// may write there and no terminal prompt can happen.
	if !oneshot {
		if err := unlockSecrets(home); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
			return 1
		}
	}

	cfg, err := config.LoadAgent(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	d, err := agentd.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Agent setup failed: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := d.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close audit log: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if oneshot {
		if err := d.Oneshot(ctx, os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Oneshot failed: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Println("⏳ Starting agent...")
	fmt.Printf("🔗 Gateway: %s\n", cfg.GatewayURL)
	fmt.Printf("📁 Allowed roots: %s\n", strings.Join(cfg.AllowedRoots, ", "))
	if cfg.EmergencyStop {
		fmt.Println("🚨 Emergency stop is latched; all actions will be rejected until resume.")
	}

	err = d.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Agent stopped: %v\n", err)
		return 1
	}

	fmt.Println("👋 Agent stopped.")
	return 0
}

// unlockSecrets decrypts the secrets file under home when one is present.
// Without a terminal to prompt on, the file stays locked and configuration
// falls back to plain environment variables.
func unlockSecrets(home string) error {
	if !config.SecretsFileExists(home) {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "🔒 Secrets file found but stdin is not a terminal; staying locked.")
		return nil
	}

	fmt.Print("🔑 Secrets password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}

	secrets, err := config.DecryptSecretsFile(home, string(password))
	if err != nil {
		return err
	}
	config.SetDecryptedSecrets(secrets)
	fmt.Printf("🔓 Unlocked %d secrets.\n", len(secrets))
	return nil
}
