// Package config loads and validates configuration for the gateway and the
// local agent.
//
// Precedence, highest first:
//
//  1. Environment variables, OPENCLAW_-prefixed then bare (AUTH_TOKEN and
//     OPENCLAW_AUTH_TOKEN both work), falling back to the decrypted
//     secrets file once it has been unlocked.
//  2. An optional YAML file passed on the command line.
//  3. Built-in defaults.
//
// Config values are returned by value from the Load functions; nothing in
// this package is mutable after load. State (quota counters, latches,
// approvals) never lives here — it belongs to the store and to the control
// structures that own it.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names used across the router and the escalation chain.
const (
	ProviderOllama = "ollama"
	ProviderGroq   = "groq"
	ProviderGemini = "gemini"
	ProviderClaude = "claude"
	ProviderOpenAI = "openai"
)

// ProviderCfg describes one LLM provider adapter.
type ProviderCfg struct {
	Name          string `yaml:"name"`
	Model         string `yaml:"model"`
	APIKeyEnv     string `yaml:"api_key_env,omitempty"`
	BaseURL       string `yaml:"base_url,omitempty"`
	ContextWindow int    `yaml:"context_window"`
	DailyLimit    int    `yaml:"daily_limit"` // 0 = unlimited
}

// SSHFallback configures the out-of-band execution transport used when no
// agent is connected.
type SSHFallback struct {
	Enabled bool   `yaml:"enabled"`
	Target  string `yaml:"target"` // user@host:port
	KeyFile string `yaml:"key_file,omitempty"`

	// Command is the fixed command line run on the remote host for each
	// action; the request itself travels over stdin.
	Command string `yaml:"command,omitempty"`
}

// Gateway is the cloud-side configuration.
type Gateway struct {
	AuthToken   string `yaml:"auth_token"`
	ChannelAddr string `yaml:"channel_addr"` // websocket listener
	ControlAddr string `yaml:"control_addr"` // loopback HTTP surface
	TLSCert     string `yaml:"tls_cert,omitempty"`
	TLSKey      string `yaml:"tls_key,omitempty"`

	DBPath string `yaml:"db_path"`

	// WorkspaceRoot is where project workdirs are created on the
	// workstation; the agent's path jail must cover it.
	WorkspaceRoot string `yaml:"workspace_root"`

	Providers           []ProviderCfg     `yaml:"providers"`
	EscalationChain     []string          `yaml:"escalation_chain"`
	TaskTypePreferences map[string]string `yaml:"task_type_preferences"`

	SSHFallback SSHFallback `yaml:"ssh_fallback"`

	AutoApproveAndStart bool `yaml:"auto_approve_and_start"`
	MinIdeasForAutoPlan int  `yaml:"min_ideas_for_auto_plan"`
	WorkerPoolSize      int  `yaml:"worker_pool_size"`

	PrometheusURL string `yaml:"prometheus_url,omitempty"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	PingInterval   time.Duration `yaml:"ping_interval"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
}

// Agent is the workstation-side configuration.
type Agent struct {
	GatewayURL string `yaml:"gateway_url"`
	AuthToken  string `yaml:"auth_token"`

	AllowedRoots       []string `yaml:"allowed_roots"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
	EmergencyStop      bool     `yaml:"emergency_stop"`

	AuditLogDir  string `yaml:"audit_log_dir"`
	AuditLogFile string `yaml:"audit_log_file"`

	// ConfirmMode selects what happens for CONFIRM-tier actions arriving
	// without upstream approval: "prompt" asks on the terminal, "defer"
	// returns requires_confirmation to the gateway.
	ConfirmMode    string        `yaml:"confirm_mode"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`

	BraveAPIKey string `yaml:"brave_api_key,omitempty"`
	OllamaHost  string `yaml:"ollama_host,omitempty"`

	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// Confirm modes.
const (
	ConfirmModePrompt = "prompt"
	ConfirmModeDefer  = "defer"
)

// DefaultGateway returns gateway defaults before file and env overlays.
func DefaultGateway() Gateway {
	return Gateway{
		ChannelAddr:   ":8765",
		ControlAddr:   "127.0.0.1:8080",
		DBPath:        "openclaw.db",
		WorkspaceRoot: "~/projects",
		Providers: []ProviderCfg{
			{Name: ProviderOllama, Model: "qwen2.5-coder:7b", ContextWindow: 32768},
			{Name: ProviderGroq, Model: "llama-3.3-70b-versatile", APIKeyEnv: "GROQ_API_KEY", ContextWindow: 131072, DailyLimit: 1000},
			{Name: ProviderGemini, Model: "gemini-2.0-flash", APIKeyEnv: "GEMINI_API_KEY", ContextWindow: 1048576, DailyLimit: 1500},
			{Name: ProviderClaude, Model: "claude-sonnet-4-20250514", APIKeyEnv: "ANTHROPIC_API_KEY", ContextWindow: 200000, DailyLimit: 500},
		},
		EscalationChain: []string{ProviderOllama, ProviderGroq, ProviderGemini, ProviderClaude},
		TaskTypePreferences: map[string]string{
			"planning":         ProviderClaude,
			"hard_debug":       ProviderClaude,
			"complex_refactor": ProviderClaude,
			"scaffold":         ProviderGroq,
			"crud":             ProviderGroq,
			"unit_test":        ProviderGroq,
			"readme_polish":    ProviderOllama,
		},
		MinIdeasForAutoPlan: 3,
		WorkerPoolSize:      4,
		RequestTimeout:      120 * time.Second,
		PingInterval:        30 * time.Second,
		PongTimeout:         10 * time.Second,
	}
}

// DefaultAgent returns agent defaults before file and env overlays.
func DefaultAgent() Agent {
	return Agent{
		GatewayURL:         "ws://127.0.0.1:8765/channel",
		RateLimitPerMinute: 30,
		AuditLogDir:        "logs",
		AuditLogFile:       "audit.jsonl",
		ConfirmMode:        ConfirmModePrompt,
		ConfirmTimeout:     300 * time.Second,
		ReconnectMinDelay:  5 * time.Second,
		ReconnectMaxDelay:  120 * time.Second,
	}
}

// LoadGateway builds the gateway configuration from defaults, an optional
// YAML file, and the environment. A missing auth token is a fatal error per
// the startup contract.
func LoadGateway(path string) (Gateway, error) {
	cfg := DefaultGateway()

	if path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return Gateway{}, err
		}
	}

	applyGatewayEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Gateway{}, err
	}
	return cfg, nil
}

// LoadAgent builds the agent configuration from defaults, an optional YAML
// file, and the environment.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()

	if path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return Agent{}, err
		}
	}

	applyAgentEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyGatewayEnv(cfg *Gateway) {
	setStr(&cfg.AuthToken, "AUTH_TOKEN")
	setStr(&cfg.ChannelAddr, "CHANNEL_ADDR")
	setStr(&cfg.ControlAddr, "CONTROL_ADDR")
	setStr(&cfg.TLSCert, "TLS_CERT")
	setStr(&cfg.TLSKey, "TLS_KEY")
	setStr(&cfg.DBPath, "DB_PATH")
	setStr(&cfg.WorkspaceRoot, "WORKSPACE_ROOT")
	setStr(&cfg.PrometheusURL, "PROMETHEUS_URL")
	setBool(&cfg.AutoApproveAndStart, "AUTO_APPROVE_AND_START")
	setInt(&cfg.MinIdeasForAutoPlan, "MIN_IDEAS_FOR_AUTO_PLAN")
	setInt(&cfg.WorkerPoolSize, "WORKER_POOL_SIZE")
	setBool(&cfg.SSHFallback.Enabled, "SSH_FALLBACK_ENABLED")
	setStr(&cfg.SSHFallback.Target, "SSH_FALLBACK_TARGET")
	setStr(&cfg.SSHFallback.KeyFile, "SSH_FALLBACK_KEY_FILE")
	setStr(&cfg.SSHFallback.Command, "SSH_FALLBACK_COMMAND")
}

func applyAgentEnv(cfg *Agent) {
	setStr(&cfg.GatewayURL, "GATEWAY_URL")
	setStr(&cfg.AuthToken, "AUTH_TOKEN")
	setInt(&cfg.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")
	setBool(&cfg.EmergencyStop, "EMERGENCY_STOP")
	setStr(&cfg.AuditLogDir, "AUDIT_LOG_DIR")
	setStr(&cfg.AuditLogFile, "AUDIT_LOG_FILE")
	setStr(&cfg.ConfirmMode, "CONFIRM_MODE")
	setStr(&cfg.BraveAPIKey, "BRAVE_API_KEY")
	setStr(&cfg.OllamaHost, "OLLAMA_HOST")

	if v, ok := lookupEnv("ALLOWED_ROOTS"); ok {
		roots := strings.Split(v, string(os.PathListSeparator))
		cfg.AllowedRoots = cfg.AllowedRoots[:0]
		for _, root := range roots {
			root = strings.TrimSpace(root)
			if root != "" {
				cfg.AllowedRoots = append(cfg.AllowedRoots, root)
			}
		}
	}
}

// lookupEnv checks OPENCLAW_<name> first, then the bare name, then the
// decrypted secrets cache when one has been unlocked.
func lookupEnv(name string) (string, bool) {
	if v := os.Getenv("OPENCLAW_" + name); v != "" {
		return v, true
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	if v := secretValue(name); v != "" {
		return v, true
	}
	return "", false
}

func setStr(dst *string, name string) {
	if v, ok := lookupEnv(name); ok {
		*dst = v
	}
}

func setBool(dst *bool, name string) {
	if v, ok := lookupEnv(name); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}

func setInt(dst *int, name string) {
	if v, ok := lookupEnv(name); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

// Validate checks the gateway configuration for startup.
func (g *Gateway) Validate() error {
	if g.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required; refusing to start without a channel secret")
	}
	if len(g.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	known := make(map[string]bool, len(g.Providers))
	for i := range g.Providers {
		p := &g.Providers[i]
		if p.Name == "" {
			return fmt.Errorf("provider %d has no name", i)
		}
		if known[p.Name] {
			return fmt.Errorf("duplicate provider name: %s", p.Name)
		}
		known[p.Name] = true
	}
	for _, name := range g.EscalationChain {
		if !known[name] {
			return fmt.Errorf("escalation chain references unknown provider: %s", name)
		}
	}
	if g.SSHFallback.Enabled {
		if _, _, _, err := ParseSSHTarget(g.SSHFallback.Target); err != nil {
			return err
		}
	}
	if g.WorkerPoolSize <= 0 {
		return fmt.Errorf("worker_pool_size must be positive")
	}
	return nil
}

// Validate checks the agent configuration for startup.
func (a *Agent) Validate() error {
	if a.AuthToken == "" {
		return fmt.Errorf("AUTH_TOKEN is required; refusing to start without a channel secret")
	}
	if a.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	if len(a.AllowedRoots) == 0 {
		return fmt.Errorf("ALLOWED_ROOTS is required; the agent will not run without a path jail")
	}
	for _, root := range a.AllowedRoots {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("allowed root must be absolute: %s", root)
		}
	}
	if a.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive")
	}
	switch a.ConfirmMode {
	case ConfirmModePrompt, ConfirmModeDefer:
	default:
		return fmt.Errorf("confirm_mode must be %q or %q, got %q", ConfirmModePrompt, ConfirmModeDefer, a.ConfirmMode)
	}
	return nil
}

// ParseSSHTarget splits user@host:port, defaulting the port to 22.
func ParseSSHTarget(target string) (user, host, port string, err error) {
	if target == "" {
		return "", "", "", fmt.Errorf("ssh fallback target is empty")
	}
	at := strings.Index(target, "@")
	if at <= 0 {
		return "", "", "", fmt.Errorf("ssh fallback target must be user@host[:port], got %q", target)
	}
	user = target[:at]
	hostPort := target[at+1:]
	if hostPort == "" {
		return "", "", "", fmt.Errorf("ssh fallback target must be user@host[:port], got %q", target)
	}
	if i := strings.LastIndex(hostPort, ":"); i >= 0 {
		host, port = hostPort[:i], hostPort[i+1:]
		if host == "" || port == "" {
			return "", "", "", fmt.Errorf("ssh fallback target must be user@host[:port], got %q", target)
		}
		if _, convErr := strconv.Atoi(port); convErr != nil {
			return "", "", "", fmt.Errorf("ssh fallback port must be numeric, got %q", port)
		}
	} else {
		host, port = hostPort, "22"
	}
	return user, host, port, nil
}

// ProviderByName returns the configuration for a named provider.
func (g *Gateway) ProviderByName(name string) (ProviderCfg, bool) {
	for i := range g.Providers {
		if g.Providers[i].Name == name {
			return g.Providers[i], true
		}
	}
	return ProviderCfg{}, false
}
