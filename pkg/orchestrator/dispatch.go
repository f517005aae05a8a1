package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"openclaw/pkg/proto"
)

// ActionDispatcher forwards one action toward the local agent and returns
// its wire response. The gateway dispatch layer implements this over the
// channel with an SSH fallback; tests substitute fakes.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error)
}

// formatActionResult renders an agent response as the tool-result text fed
// back to the model. Non-zero exit codes are results, not errors; the model
// sees stdout, stderr, and the exit code and decides what to do next.
func formatActionResult(resp *proto.ActionResponse, err error) string {
	if err != nil {
		return fmt.Sprintf("ERROR: Failed to reach agent: %v", err)
	}
	if resp == nil {
		return "ERROR: Unknown error"
	}
	if resp.Status == proto.StatusError {
		msg := resp.Error
		if msg == "" {
			msg = "Unknown error"
		}
		return fmt.Sprintf("ERROR: %s", msg)
	}
	if resp.Result == nil {
		return "OK"
	}

	var parts []string
	if resp.Result.Stdout != "" {
		parts = append(parts, resp.Result.Stdout)
	}
	if resp.Result.Stderr != "" {
		parts = append(parts, fmt.Sprintf("STDERR: %s", resp.Result.Stderr))
	}
	parts = append(parts, fmt.Sprintf("[exit code: %d]", resp.Result.Returncode))
	return strings.Join(parts, "\n")
}
