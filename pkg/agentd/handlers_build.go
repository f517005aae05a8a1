package agentd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"openclaw/pkg/exec"
	"openclaw/pkg/proto"
)

var dockerTagRe = regexp.MustCompile(`^[a-zA-Z0-9._/:@-]+$`)

const defaultDockerTag = "openclaw-build:latest"

// closeableApps is the only set of processes close_app may kill, keyed by
// friendly name with per-OS process images.
var closeableApps = map[string]struct{ windows, unix string }{
	"notepad": {windows: "notepad.exe", unix: "notepad"},
	"vscode":  {windows: "Code.exe", unix: "code"},
	"chrome":  {windows: "chrome.exe", unix: "chrome"},
	"edge":    {windows: "msedge.exe", unix: "msedge"},
}

// hasNodeProject reports whether dir looks like an npm project.
func hasNodeProject(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "package.json"))
	return err == nil
}

// runTests runs the project test suite. Without an explicit runner the
// project layout decides: a package.json means npm, anything else pytest.
func (h *handlers) runTests(ctx context.Context, inv *Invocation) *proto.ActionResult {
	runner := stringOr(inv.Params, "", "runner")
	if runner == "" {
		if hasNodeProject(inv.Path) {
			runner = "npm"
		} else {
			runner = "pytest"
		}
	}

	switch runner {
	case "pytest":
		return h.exec(ctx, inv, []string{"python", "-m", "pytest", "--tb=short", "-q"})
	case "npm":
		return h.exec(ctx, inv, []string{"npm", "test"})
	default:
		return failResult("Unknown runner: %s", runner)
	}
}

// lintProject lints with ruff or eslint.
func (h *handlers) lintProject(ctx context.Context, inv *Invocation) *proto.ActionResult {
	switch linter := stringOr(inv.Params, "ruff", "linter"); linter {
	case "ruff":
		return h.exec(ctx, inv, []string{"python", "-m", "ruff", "check", "."})
	case "eslint":
		return h.exec(ctx, inv, []string{"npx", "eslint", "."})
	default:
		return failResult("Unknown linter: %s", linter)
	}
}

// buildProject builds with npm or the python build module.
func (h *handlers) buildProject(ctx context.Context, inv *Invocation) *proto.ActionResult {
	switch tool := stringOr(inv.Params, "npm", "build_tool"); tool {
	case "npm":
		return h.exec(ctx, inv, []string{"npm", "run", "build"})
	case "python":
		return h.exec(ctx, inv, []string{"python", "-m", "build"})
	default:
		return failResult("Unknown build tool: %s", tool)
	}
}

// startDevServer launches a dev server without waiting for it; the result
// only confirms the launch.
func (h *handlers) startDevServer(_ context.Context, inv *Invocation) *proto.ActionResult {
	switch framework := stringOr(inv.Params, "npm", "framework"); framework {
	case "npm":
		pid, err := h.detach([]string{"npm", "run", "dev"}, inv.Path)
		if err != nil {
			return failResult("%v", err)
		}
		return textResult("Dev server started (pid=%d).", pid)
	case "uvicorn":
		appModule := stringOr(inv.Params, "main:app", "app_module")
		pid, err := h.detach([]string{"python", "-m", "uvicorn", appModule, "--reload"}, inv.Path)
		if err != nil {
			return failResult("%v", err)
		}
		return textResult("Uvicorn started (pid=%d).", pid)
	default:
		return failResult("Unknown framework: %s", framework)
	}
}

// installDependencies installs with pip or npm.
func (h *handlers) installDependencies(ctx context.Context, inv *Invocation) *proto.ActionResult {
	switch manager := stringOr(inv.Params, "pip", "manager"); manager {
	case "pip":
		reqFile := filepath.Join(inv.Path, "requirements.txt")
		return h.exec(ctx, inv, []string{"python", "-m", "pip", "install", "-r", reqFile})
	case "npm":
		return h.exec(ctx, inv, []string{"npm", "install"})
	default:
		return failResult("Unknown manager: %s", manager)
	}
}

// dockerBuild builds an image from the project directory.
func (h *handlers) dockerBuild(ctx context.Context, inv *Invocation) *proto.ActionResult {
	tag := stringOr(inv.Params, defaultDockerTag, "tag")
	if !dockerTagRe.MatchString(tag) {
		return failResult("Invalid Docker tag characters.")
	}
	return h.exec(ctx, inv, []string{"docker", "build", "-t", tag, "."})
}

// dockerComposeUp brings the compose stack up detached, rebuilding images
// that changed.
func (h *handlers) dockerComposeUp(ctx context.Context, inv *Invocation) *proto.ActionResult {
	return h.exec(ctx, inv, []string{"docker", "compose", "up", "-d", "--build"})
}

// closeApp kills an allowlisted application by its process image, with a
// fixed argv per platform.
func (h *handlers) closeApp(ctx context.Context, inv *Invocation) *proto.ActionResult {
	name, ok := firstString(inv.Params, "name", "app")
	if !ok {
		return missingParam("name")
	}
	name = strings.ToLower(name)

	app, ok := closeableApps[name]
	if !ok {
		allowed := make([]string, 0, len(closeableApps))
		for key := range closeableApps {
			allowed = append(allowed, key)
		}
		sort.Strings(allowed)
		return failResult("'%s' is not in the allowed list. Allowed: %s", name, strings.Join(allowed, ", "))
	}

	var argv []string
	if h.goos == "windows" {
		argv = []string{"taskkill", "/F", "/IM", app.windows}
	} else {
		argv = []string{"pkill", "-x", app.unix}
	}
	res, err := h.run.Run(ctx, argv, &exec.Opts{Timeout: inv.Timeout})
	if err != nil {
		return failResult("%v", err)
	}
	return execResult(res)
}

// openInVSCode opens the jailed path in VS Code. The path is an argument
// here, not a working directory.
func (h *handlers) openInVSCode(ctx context.Context, inv *Invocation) *proto.ActionResult {
	res, err := h.run.Run(ctx, []string{"code", inv.Path}, &exec.Opts{Timeout: inv.Timeout})
	if err != nil {
		return failResult("%v", err)
	}
	return execResult(res)
}

// checkCodingAgents probes the known coding agent CLIs and reports which are
// runnable.
func (h *handlers) checkCodingAgents(_ context.Context, _ *Invocation) *proto.ActionResult {
	lines := make([]string, 0, len(codingAgentOrder))
	for _, name := range codingAgentOrder {
		binary := h.codingBinaries[name]
		resolved, _ := h.resolveCodingBinary(name)
		if resolved != "" {
			lines = append(lines, fmt.Sprintf("%s: available (%s)", name, resolved))
		} else {
			lines = append(lines, fmt.Sprintf("%s: unavailable (expected binary: %s)", name, binary))
		}
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

// runCodingAgent runs a local coding agent CLI in non-interactive mode with
// the prompt as its final argument.
func (h *handlers) runCodingAgent(ctx context.Context, inv *Invocation) *proto.ActionResult {
	agent, ok := firstString(inv.Params, "agent")
	if !ok {
		return missingParam("agent")
	}
	agent = strings.ToLower(strings.TrimSpace(agent))
	prompt, ok := firstString(inv.Params, "prompt")
	if !ok {
		return missingParam("prompt")
	}

	prefix, known := codingAgentArgs[agent]
	if !known {
		allowed := make([]string, 0, len(codingAgentArgs))
		for name := range codingAgentArgs {
			allowed = append(allowed, name)
		}
		sort.Strings(allowed)
		return failResult("Unknown coding agent '%s'. Allowed: %s", agent, strings.Join(allowed, ", "))
	}

	timeout := clampInt(intOr(inv.Params, int(codingAgentTimeout.Seconds()), "timeout_seconds"), 30, 3600)

	resolved, configured := h.resolveCodingBinary(agent)
	if resolved == "" {
		return failResult("%s CLI not found (configured '%s'). Set OPENCLAW_%s_BIN to the executable path.",
			agent, configured, strings.ToUpper(agent))
	}

	argv := append([]string{resolved}, prefix...)
	argv = append(argv, prompt)
	res, err := h.run.Run(ctx, argv, &exec.Opts{
		WorkDir: inv.Path,
		Timeout: time.Duration(timeout) * time.Second,
	})
	if err != nil {
		return failResult("%v", err)
	}
	return execResult(res)
}

// Coding agent CLIs, their non-interactive flags, and env-overridable binary
// names.
var (
	codingAgentOrder = []string{"codex", "claude", "cline"}
	codingAgentArgs  = map[string][]string{
		"codex":  {"exec"},
		"claude": {"-p"},
		"cline":  {"-p"},
	}
)

func codingAgentBinaries() map[string]string {
	binaries := make(map[string]string, len(codingAgentOrder))
	for _, name := range codingAgentOrder {
		binary := os.Getenv("OPENCLAW_" + strings.ToUpper(name) + "_BIN")
		if binary == "" {
			binary = name
		}
		binaries[name] = binary
	}
	return binaries
}

// resolveCodingBinary returns the runnable path for a coding agent binary,
// or "" plus the configured name when it cannot be found.
func (h *handlers) resolveCodingBinary(name string) (resolved, configured string) {
	binary := h.codingBinaries[name]
	if filepath.IsAbs(binary) {
		if _, err := os.Stat(binary); err == nil {
			return binary, binary
		}
		return "", binary
	}
	path, err := h.lookPath(binary)
	if err != nil {
		return "", binary
	}
	return path, binary
}
