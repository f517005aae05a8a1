package agentd

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"openclaw/pkg/proto"
)

// Oneshot reads exactly one action_request envelope from in, runs it through
// the kernel, and writes the response envelope to out. The gateway's ssh
// fallback invokes the agent binary this way; the response always reaches
// stdout, so a policy rejection is still a successful run.
func (d *Daemon) Oneshot(ctx context.Context, in io.Reader, out io.Writer) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read request from stdin: %w", err)
	}

	msg, err := proto.FromJSON(bytes.TrimSpace(data))
	if err != nil {
		return err
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if msg.Type != proto.KindActionRequest {
		return fmt.Errorf("expected an action_request envelope, got %s", msg.Type)
	}

	resp := d.kernel.Handle(ctx, msg.Request)
	payload, err := resp.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := out.Write(payload); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	return nil
}
