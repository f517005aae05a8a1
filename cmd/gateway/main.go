// Command gateway runs the cloud side of openclaw: the agent channel
// listener, the loopback control API, the provider router, and the
// autonomous project orchestrator.
package main

import (
	"bufio"
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"openclaw/pkg/config"
	"openclaw/pkg/gateway/channel"
	"openclaw/pkg/gateway/controlapi"
	"openclaw/pkg/gateway/dispatch"
	"openclaw/pkg/gateway/metrics"
	"openclaw/pkg/gateway/sshfallback"
	"openclaw/pkg/logx"
	"openclaw/pkg/orchestrator"
	"openclaw/pkg/persistence"
	"openclaw/pkg/provider"
	"openclaw/pkg/skills"
	"openclaw/pkg/tokens"
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
		initSecrets = flag.Bool("init-secrets", false, "Interactively create the encrypted secrets file and exit")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("openclaw-gateway %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *debug {
		logx.SetLevel(logx.LevelDebug)
	}

	if *initSecrets {
		os.Exit(runInitSecrets(*home))
	}

	fmt.Println("⏳ Starting gateway...")

	// Run main logic and get exit code so defers execute before os.Exit.
	os.Exit(run(*configPath, *home))
}

// run wires the gateway and blocks until a signal or a listener failure.
func run(configPath, home string) int {
	if err := unlockSecrets(home); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	cfg, err := config.LoadGateway(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		return 1
	}

	log := logx.NewLogger("gateway")

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database %s: %v\n", cfg.DBPath, err)
		return 1
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Error("closing store: %v", closeErr)
		}
	}()

	// Async write path: project events, conversation turns, and task status
	// updates drain through one goroutine so workers never block on disk.
	// Stopped after the manager so its final events still land.
	writer := persistence.NewWriter(store, 256)
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()
	writerDone := make(chan struct{})
	go func() {
		writer.Run(writerCtx)
		close(writerDone)
	}()

	counter, err := tokens.NewCounter("gpt-4")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize token counter: %v\n", err)
		return 1
	}

	router, err := provider.NewRouter(&cfg, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Provider setup failed: %v\n", err)
		return 1
	}

	promReg := prometheus.NewRegistry()
	rec := metrics.NewPrometheus(promReg)
	router.SetObserver(rec)

	channelSrv := channel.NewServer(cfg, rec)

	var fallback dispatch.Fallback
	if cfg.SSHFallback.Enabled {
		ex, sshErr := sshfallback.New(cfg.SSHFallback)
		if sshErr != nil {
			fmt.Fprintf(os.Stderr, "SSH fallback setup failed: %v\n", sshErr)
			return 1
		}
		fallback = ex
		log.Info("ssh fallback armed for %s", ex.Target())
	}

	dispatcher := dispatch.New(channelSrv, fallback, store, rec)

	events := orchestrator.NewNotifier(writer.Channel(), nil)
	manager := orchestrator.NewManager(cfg, store, router, dispatcher, events, nil, counter)

	// The tool catalog is frozen before anything can call into it.
	skills.RegisterProjectSkill(manager)
	skills.Seal()

	if err := manager.ResumeInterrupted(); err != nil {
		log.Warn("resume of interrupted projects failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := controlapi.NewServer(dispatcher)
	api.SetGatherer(promReg)
	if cfg.PrometheusURL != "" {
		usage, usageErr := metrics.NewQueryService(cfg.PrometheusURL)
		if usageErr != nil {
			log.Warn("usage queries disabled: %v", usageErr)
		} else {
			api.SetUsageService(usage)
		}
	}
	if err := api.StartServer(ctx, cfg.ControlAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Control API failed to start: %v\n", err)
		return 1
	}

	mux := http.NewServeMux()
	mux.Handle("/channel", channelSrv)
	channelHTTP := &http.Server{
		Addr:              cfg.ChannelAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			log.Info("channel listening on wss://%s/channel", cfg.ChannelAddr)
			serveErr <- channelHTTP.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			log.Info("channel listening on ws://%s/channel", cfg.ChannelAddr)
			serveErr <- channelHTTP.ListenAndServe()
		}
	}()

	fmt.Println("✅ Gateway ready.")

	exitCode := 0
	select {
	case <-ctx.Done():
		fmt.Println("\n🛑 Shutting down...")
	case err := <-serveErr:
		fmt.Fprintf(os.Stderr, "Channel listener failed: %v\n", err)
		exitCode = 1
	}

	// Shutdown order: stop spawning work, then drop the channel, then let
	// the writer drain what the workers queued on their way out.
	manager.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := channelHTTP.Shutdown(shutdownCtx); err != nil {
		log.Error("channel listener shutdown failed: %v", err)
	}
	channelSrv.Close()

	stopWriter()
	<-writerDone

	fmt.Println("👋 Gateway stopped.")
	return exitCode
}

// unlockSecrets decrypts the secrets file under home when one is present.
// Without a terminal to prompt on, the file stays locked and configuration
// falls back to plain environment variables.
func unlockSecrets(home string) error {
	if !config.SecretsFileExists(home) {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Println("🔒 Secrets file found but stdin is not a terminal; staying locked.")
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

// runInitSecrets collects NAME=VALUE pairs on the terminal and writes the
// encrypted secrets file under home.
func runInitSecrets(home string) int {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "-init-secrets needs an interactive terminal")
		return 1
	}

	fmt.Println("Enter secrets as NAME=VALUE, one per line (AUTH_TOKEN, GROQ_API_KEY, ...).")
	fmt.Println("A blank line finishes.")

	scanner := bufio.NewScanner(os.Stdin)
	secrets := make(map[string]string)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			fmt.Println("❌ Expected NAME=VALUE.")
			continue
		}
		secrets[name] = value
	}
	if len(secrets) == 0 {
		fmt.Fprintln(os.Stderr, "No secrets entered; nothing written.")
		return 1
	}

	password, err := promptNewPassword()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get password: %v\n", err)
		return 1
	}
	if err := config.EncryptSecretsFile(home, password, secrets); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encrypt secrets: %v\n", err)
		return 1
	}
	fmt.Printf("✅ Saved %d secrets under %s/.openclaw/ (mode 0600).\n", len(secrets), home)
	return 0
}

// promptNewPassword asks twice and insists the entries match.
func promptNewPassword() (string, error) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		fmt.Print("Encryption password: ")
		first, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Print("Confirm password: ")
		second, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		if len(first) > 0 && bytes.Equal(first, second) {
			return string(first), nil
		}
		if attempt < maxAttempts {
			fmt.Println("❌ Passwords do not match. Try again.")
		}
	}
	return "", fmt.Errorf("passwords did not match after %d attempts", maxAttempts)
}
