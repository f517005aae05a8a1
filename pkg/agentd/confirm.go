package agentd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"openclaw/pkg/logx"
)

// Confirmer decides CONFIRM-tier requests that arrive without upstream
// approval. Returning false denies the action.
type Confirmer interface {
	Confirm(ctx context.Context, action string, params map[string]any) bool
}

// TerminalConfirmer asks the operator on the controlling terminal and denies
// after the timeout. It only makes sense when stdin is a terminal; use
// StdinIsTerminal to decide before wiring it in.
type TerminalConfirmer struct {
	Timeout time.Duration
	In      io.Reader // defaults to os.Stdin
	Out     io.Writer // defaults to os.Stderr

	log *logx.Logger
}

// StdinIsTerminal reports whether the process has an interactive stdin.
func StdinIsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Confirm prompts y/N and blocks until a reply, the timeout, or ctx
// cancellation. Silence is a denial.
func (t *TerminalConfirmer) Confirm(ctx context.Context, action string, params map[string]any) bool {
	in := t.In
	if in == nil {
		in = os.Stdin
	}
	out := t.Out
	if out == nil {
		out = os.Stderr
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	if t.log == nil {
		t.log = logx.NewLogger("confirm")
	}

	fmt.Fprintf(out, "\n[confirm] %s %s\n[confirm] allow? [y/N]: ", action, compactParams(params))

	answers := make(chan string, 1)
	go func() {
		reader := bufio.NewReader(in)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			answers <- ""
			return
		}
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-answers:
		return answer == "y" || answer == "yes"
	case <-timer.C:
		fmt.Fprintln(out)
		t.log.Warn("confirmation for %s timed out after %s; denying", action, timeout)
		return false
	case <-ctx.Done():
		return false
	}
}

// compactParams renders params on one line for the prompt, truncated so a
// large file_write cannot flood the terminal.
func compactParams(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		return "{}"
	}
	const max = 200
	if len(data) > max {
		return string(data[:max]) + "...}"
	}
	return string(data)
}
