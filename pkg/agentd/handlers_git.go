package agentd

import (
	"context"
	"regexp"

	"openclaw/pkg/proto"
)

var repoNameRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// gitStatus shows the porcelain status of the working tree.
func (h *handlers) gitStatus(ctx context.Context, inv *Invocation) *proto.ActionResult {
	return h.exec(ctx, inv, []string{"git", "status", "--porcelain"})
}

// gitCommit stages tracked changes and commits them. Untracked files are
// left alone; git_add_all exists for those.
func (h *handlers) gitCommit(ctx context.Context, inv *Invocation) *proto.ActionResult {
	message, ok := firstString(inv.Params, "message")
	if !ok {
		return missingParam("message")
	}

	staged := h.exec(ctx, inv, []string{"git", "add", "-u"})
	if staged.Returncode != 0 {
		return staged
	}
	return h.exec(ctx, inv, []string{"git", "commit", "-m", message})
}

// gitInit initializes a repository and switches the default branch to main.
// The init result is what flows back, even if the branch switch fails.
func (h *handlers) gitInit(ctx context.Context, inv *Invocation) *proto.ActionResult {
	result := h.exec(ctx, inv, []string{"git", "init"})
	if result.Returncode == 0 {
		h.exec(ctx, inv, []string{"git", "checkout", "-b", "main"})
	}
	return result
}

// gitAddAll stages everything, untracked files included.
func (h *handlers) gitAddAll(ctx context.Context, inv *Invocation) *proto.ActionResult {
	return h.exec(ctx, inv, []string{"git", "add", "-A"})
}

// gitPush pushes and sets the upstream for the branch.
func (h *handlers) gitPush(ctx context.Context, inv *Invocation) *proto.ActionResult {
	remote := stringOr(inv.Params, "origin", "remote")
	branch := stringOr(inv.Params, "main", "branch")
	return h.exec(ctx, inv, []string{"git", "push", "-u", remote, branch})
}

// ghCreateRepo creates a GitHub repository from the project directory and
// pushes it as origin.
func (h *handlers) ghCreateRepo(ctx context.Context, inv *Invocation) *proto.ActionResult {
	repoName, ok := firstString(inv.Params, "name", "repo_name")
	if !ok {
		return missingParam("name")
	}
	if !repoNameRe.MatchString(repoName) {
		return failResult("Invalid repo name characters.")
	}

	visibility := "--public"
	if boolTrue(inv.Params, "private") {
		visibility = "--private"
	}
	argv := []string{"gh", "repo", "create", repoName, visibility, "--source=.", "--push"}
	if description := stringOr(inv.Params, "", "description"); description != "" {
		argv = append(argv, "--description", description)
	}
	return h.exec(ctx, inv, argv)
}
