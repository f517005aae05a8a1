package agentd

import (
	"context"
	"testing"

	"openclaw/pkg/exec"
)

func TestGitStatusArgv(t *testing.T) {
	h, runner := newTestHandlers()

	res := h.gitStatus(context.Background(), &Invocation{Path: "/work/proj"})
	if res.Returncode != 0 {
		t.Fatalf("rc=%d", res.Returncode)
	}
	if len(runner.calls) != 1 || !argvEqual(runner.calls[0].argv, []string{"git", "status", "--porcelain"}) {
		t.Errorf("argv = %v", runner.calls)
	}
	if runner.calls[0].opts.WorkDir != "/work/proj" {
		t.Errorf("workdir = %q", runner.calls[0].opts.WorkDir)
	}
}

func TestGitCommitStagesThenCommits(t *testing.T) {
	h, runner := newTestHandlers()

	res := h.gitCommit(context.Background(), &Invocation{
		Params: map[string]any{"message": "fix parser"},
		Path:   "/work/proj",
	})
	if res.Returncode != 0 {
		t.Fatalf("rc=%d stderr=%s", res.Returncode, res.Stderr)
	}
	if len(runner.calls) != 2 {
		t.Fatalf("got %d spawns, want 2", len(runner.calls))
	}
	if !argvEqual(runner.calls[0].argv, []string{"git", "add", "-u"}) {
		t.Errorf("stage argv = %v", runner.calls[0].argv)
	}
	if !argvEqual(runner.calls[1].argv, []string{"git", "commit", "-m", "fix parser"}) {
		t.Errorf("commit argv = %v", runner.calls[1].argv)
	}
}

func TestGitCommitStopsWhenStagingFails(t *testing.T) {
	h, runner := newTestHandlers()
	runner.run = func(argv []string, _ *exec.Opts) (exec.Result, error) {
		return exec.Result{Returncode: 128, Stderr: "fatal: not a git repository"}, nil
	}

	res := h.gitCommit(context.Background(), &Invocation{
		Params: map[string]any{"message": "fix"},
		Path:   "/work/proj",
	})
	if res.Returncode != 128 || res.Stderr != "fatal: not a git repository" {
		t.Errorf("rc=%d stderr=%q", res.Returncode, res.Stderr)
	}
	if len(runner.calls) != 1 {
		t.Errorf("commit attempted after failed staging: %d spawns", len(runner.calls))
	}
}

func TestGitCommitRequiresMessage(t *testing.T) {
	h, runner := newTestHandlers()

	res := h.gitCommit(context.Background(), &Invocation{Params: map[string]any{}, Path: "/work/proj"})
	if res.Returncode != 1 || res.Stderr != "Missing required parameter: 'message'" {
		t.Errorf("rc=%d stderr=%q", res.Returncode, res.Stderr)
	}
	if len(runner.calls) != 0 {
		t.Error("git spawned without a message")
	}
}

func TestGitInitSwitchesToMain(t *testing.T) {
	h, runner := newTestHandlers()
	runner.run = func(argv []string, _ *exec.Opts) (exec.Result, error) {
		if argv[1] == "init" {
			return exec.Result{Returncode: 0, Stdout: "Initialized empty Git repository"}, nil
		}
		return exec.Result{Returncode: 0}, nil
	}

	res := h.gitInit(context.Background(), &Invocation{Path: "/work/proj"})
	if res.Stdout != "Initialized empty Git repository" {
		t.Errorf("stdout = %q, want the init output", res.Stdout)
	}
	if len(runner.calls) != 2 || !argvEqual(runner.calls[1].argv, []string{"git", "checkout", "-b", "main"}) {
		t.Errorf("spawns = %v", runner.calls)
	}
}

func TestGitInitFailureSkipsBranchSwitch(t *testing.T) {
	h, runner := newTestHandlers()
	runner.run = func(argv []string, _ *exec.Opts) (exec.Result, error) {
		return exec.Result{Returncode: 1, Stderr: "permission denied"}, nil
	}

	res := h.gitInit(context.Background(), &Invocation{Path: "/work/proj"})
	if res.Returncode != 1 {
		t.Errorf("rc=%d", res.Returncode)
	}
	if len(runner.calls) != 1 {
		t.Errorf("branch switch attempted after failed init: %d spawns", len(runner.calls))
	}
}

func TestGitAddAllArgv(t *testing.T) {
	h, runner := newTestHandlers()

	h.gitAddAll(context.Background(), &Invocation{Path: "/work/proj"})
	if len(runner.calls) != 1 || !argvEqual(runner.calls[0].argv, []string{"git", "add", "-A"}) {
		t.Errorf("argv = %v", runner.calls)
	}
}

func TestGitPushDefaultsToOriginMain(t *testing.T) {
	h, runner := newTestHandlers()

	h.gitPush(context.Background(), &Invocation{Params: map[string]any{}, Path: "/work/proj"})
	if !argvEqual(runner.calls[0].argv, []string{"git", "push", "-u", "origin", "main"}) {
		t.Errorf("argv = %v", runner.calls[0].argv)
	}

	h.gitPush(context.Background(), &Invocation{
		Params: map[string]any{"remote": "upstream", "branch": "release"},
		Path:   "/work/proj",
	})
	if !argvEqual(runner.calls[1].argv, []string{"git", "push", "-u", "upstream", "release"}) {
		t.Errorf("argv = %v", runner.calls[1].argv)
	}
}

func TestGhCreateRepoArgv(t *testing.T) {
	h, runner := newTestHandlers()

	h.ghCreateRepo(context.Background(), &Invocation{
		Params: map[string]any{"name": "my-app", "private": true, "description": "demo app"},
		Path:   "/work/proj",
	})
	want := []string{"gh", "repo", "create", "my-app", "--private", "--source=.", "--push", "--description", "demo app"}
	if !argvEqual(runner.calls[0].argv, want) {
		t.Errorf("argv = %v, want %v", runner.calls[0].argv, want)
	}
}

func TestGhCreateRepoDefaultsToPublic(t *testing.T) {
	h, runner := newTestHandlers()

	h.ghCreateRepo(context.Background(), &Invocation{
		Params: map[string]any{"repo_name": "webapp"},
		Path:   "/work/proj",
	})
	want := []string{"gh", "repo", "create", "webapp", "--public", "--source=.", "--push"}
	if !argvEqual(runner.calls[0].argv, want) {
		t.Errorf("argv = %v, want %v", runner.calls[0].argv, want)
	}
}

func TestGhCreateRepoRejectsInvalidName(t *testing.T) {
	h, runner := newTestHandlers()

	res := h.ghCreateRepo(context.Background(), &Invocation{
		Params: map[string]any{"name": "bad name; rm -rf"},
		Path:   "/work/proj",
	})
	if res.Returncode != 1 || res.Stderr != "Invalid repo name characters." {
		t.Errorf("rc=%d stderr=%q", res.Returncode, res.Stderr)
	}
	if len(runner.calls) != 0 {
		t.Error("gh spawned with an invalid name")
	}
}

func TestGhCreateRepoRequiresName(t *testing.T) {
	h, _ := newTestHandlers()

	res := h.ghCreateRepo(context.Background(), &Invocation{Params: map[string]any{}, Path: "/work/proj"})
	if res.Returncode != 1 || res.Stderr != "Missing required parameter: 'name'" {
		t.Errorf("rc=%d stderr=%q", res.Returncode, res.Stderr)
	}
}
