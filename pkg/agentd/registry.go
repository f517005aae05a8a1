package agentd

import (
	"context"
	"time"

	"openclaw/pkg/proto"
)

// Tier classifies an action for the validation kernel. Anything absent from
// the registry is rejected as unknown; anything registered without an AUTO
// or CONFIRM tier is blocked.
type Tier int

const (
	// TierAuto executes without operator involvement.
	TierAuto Tier = iota
	// TierConfirm requires upstream approval or a local operator prompt.
	TierConfirm
	// TierBlocked is never executed. Blocked names stay registered so
	// attempts are audit-logged as blocked rather than unknown.
	TierBlocked
)

// Invocation is what a handler receives once the kernel has validated the
// request: the raw parameters, the jail-resolved path when the action
// declares one, and the action's execution timeout.
type Invocation struct {
	Params  map[string]any
	Path    string
	Timeout time.Duration
}

// Handler runs one validated action. A non-zero returncode is a result for
// the gateway, never an error; handlers report their own failures inside the
// result.
type Handler func(ctx context.Context, inv *Invocation) *proto.ActionResult

// actionSpec is one registry row.
type actionSpec struct {
	tier    Tier
	timeout time.Duration // zero means the executor default

	// pathKeys lists the accepted names of the action's path parameter in
	// priority order. Non-empty means the kernel resolves it through the
	// jail before the handler runs.
	pathKeys []string

	// pathOptional permits the path parameter to be absent; when present
	// it is still jailed.
	pathOptional bool

	run Handler
}

// Registry maps action names to their specs.
type Registry map[string]actionSpec

// Per-action timeouts. Everything unlisted uses the executor default.
const (
	installTimeout     = 300 * time.Second
	dockerBuildTimeout = 600 * time.Second
	composeTimeout     = 300 * time.Second
	ghCreateTimeout    = 60 * time.Second
	codingAgentTimeout = 1800 * time.Second
)

var (
	workDirKeys   = []string{"path", "working_dir"}
	fileKeys      = []string{"path", "file"}
	directoryKeys = []string{"path", "directory"}
)

// newRegistry assembles the full action table over one handler set.
func newRegistry(h *handlers) Registry {
	reg := Registry{
		// AUTO tier.
		"git_status":          {tier: TierAuto, pathKeys: workDirKeys, run: h.gitStatus},
		"run_tests":           {tier: TierAuto, pathKeys: workDirKeys, run: h.runTests},
		"lint_project":        {tier: TierAuto, pathKeys: workDirKeys, run: h.lintProject},
		"build_project":       {tier: TierAuto, pathKeys: workDirKeys, run: h.buildProject},
		"start_dev_server":    {tier: TierAuto, pathKeys: workDirKeys, run: h.startDevServer},
		"file_read":           {tier: TierAuto, pathKeys: fileKeys, run: h.fileRead},
		"list_directory":      {tier: TierAuto, pathKeys: directoryKeys, run: h.listDirectory},
		"web_search":          {tier: TierAuto, run: h.webSearch},
		"ollama_chat":         {tier: TierAuto, run: h.ollamaChat},
		"check_coding_agents": {tier: TierAuto, run: h.checkCodingAgents},

		// CONFIRM tier.
		"git_commit":           {tier: TierConfirm, pathKeys: workDirKeys, run: h.gitCommit},
		"git_init":             {tier: TierConfirm, pathKeys: workDirKeys, run: h.gitInit},
		"git_add_all":          {tier: TierConfirm, pathKeys: workDirKeys, run: h.gitAddAll},
		"git_push":             {tier: TierConfirm, pathKeys: workDirKeys, run: h.gitPush},
		"gh_create_repo":       {tier: TierConfirm, timeout: ghCreateTimeout, pathKeys: workDirKeys, run: h.ghCreateRepo},
		"install_dependencies": {tier: TierConfirm, timeout: installTimeout, pathKeys: workDirKeys, run: h.installDependencies},
		"file_write":           {tier: TierConfirm, pathKeys: fileKeys, run: h.fileWrite},
		"create_directory":     {tier: TierConfirm, pathKeys: directoryKeys, run: h.createDirectory},
		"open_in_vscode":       {tier: TierConfirm, pathKeys: []string{"path"}, run: h.openInVSCode},
		"run_coding_agent":     {tier: TierConfirm, timeout: codingAgentTimeout, pathKeys: workDirKeys, pathOptional: true, run: h.runCodingAgent},
		"docker_build":         {tier: TierConfirm, timeout: dockerBuildTimeout, pathKeys: workDirKeys, run: h.dockerBuild},
		"docker_compose_up":    {tier: TierConfirm, timeout: composeTimeout, pathKeys: workDirKeys, run: h.dockerComposeUp},
		"zip_project":          {tier: TierConfirm, pathKeys: workDirKeys, run: h.zipProject},
		"close_app":            {tier: TierConfirm, run: h.closeApp},
	}

	// Forbidden names are registered explicitly so attempts audit-log as
	// blocked instead of unknown.
	for _, name := range blockedActions {
		reg[name] = actionSpec{tier: TierBlocked}
	}
	return reg
}

// blockedActions are permanently rejected capabilities.
var blockedActions = []string{
	"shell_exec",
	"format_disk",
	"modify_registry",
	"manage_users",
	"firewall_change",
	"download_exec",
	"eval_code",
}
