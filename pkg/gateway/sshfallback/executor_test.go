package sshfallback

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"openclaw/pkg/config"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

// writeClientKey generates an ed25519 keypair, writes the private half in
// OpenSSH PEM format, and returns the path plus the public key the test
// server should accept.
func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	return path, sshPub
}

type execCall struct {
	command string
	stdin   []byte
}

// startTestSSHServer runs a loopback SSH server that records exec requests
// and answers them with the handler's stdout and exit status.
func startTestSSHServer(t *testing.T, authorized ssh.PublicKey, calls chan<- execCall, handler func(stdin []byte) (string, uint32)) string {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	serverCfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				sconn, chans, reqs, err := ssh.NewServerConn(c, serverCfg)
				if err != nil {
					return
				}
				defer sconn.Close()
				go ssh.DiscardRequests(reqs)
				for newCh := range chans {
					if newCh.ChannelType() != "session" {
						_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
						continue
					}
					ch, chReqs, err := newCh.Accept()
					if err != nil {
						continue
					}
					go serveSession(ch, chReqs, calls, handler)
				}
			}(netConn)
		}
	}()
	return listener.Addr().String()
}

func serveSession(ch ssh.Channel, reqs <-chan *ssh.Request, calls chan<- execCall, handler func([]byte) (string, uint32)) {
	defer ch.Close()
	for req := range reqs {
		if req.Type != "exec" {
			_ = req.Reply(false, nil)
			continue
		}
		var payload struct{ Command string }
		_ = ssh.Unmarshal(req.Payload, &payload)
		_ = req.Reply(true, nil)

		stdin, _ := io.ReadAll(ch)
		if calls != nil {
			calls <- execCall{command: payload.Command, stdin: stdin}
		}
		stdout, exit := handler(stdin)
		_, _ = io.WriteString(ch, stdout)
		status := struct{ Status uint32 }{exit}
		_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
		return
	}
}

func newTestExecutor(t *testing.T, addr, keyFile string) *Executor {
	t.Helper()
	exec, err := New(config.SSHFallback{
		Enabled: true,
		Target:  "dev@" + addr,
		KeyFile: keyFile,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	exec.hostKey = ssh.InsecureIgnoreHostKey()
	return exec
}

func TestExecuteRoundTrip(t *testing.T) {
	keyFile, pub := writeClientKey(t)
	calls := make(chan execCall, 1)

	addr := startTestSSHServer(t, pub, calls, func(stdin []byte) (string, uint32) {
		msg, err := proto.FromJSON(bytes.TrimSpace(stdin))
		if err != nil || msg.Request == nil {
			return "", 1
		}
		reply := proto.NewActionResponse(msg.Request.RequestID, msg.Request.Action,
			&proto.ActionResult{Returncode: 0, Stdout: "remote ok"})
		data, _ := reply.ToJSON()
		return string(data) + "\n", 0
	})

	exec := newTestExecutor(t, addr, keyFile)
	resp, err := exec.Execute(context.Background(), "git_status", map[string]any{"path": "/home/dev/projects/todo"}, true)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if resp.Status != proto.StatusOK || resp.Result == nil || resp.Result.Stdout != "remote ok" {
		t.Errorf("response = %+v, want stdout 'remote ok'", resp)
	}

	call := <-calls
	if call.command != DefaultCommand {
		t.Errorf("remote command = %q, want %q", call.command, DefaultCommand)
	}
	msg, err := proto.FromJSON(bytes.TrimSpace(call.stdin))
	if err != nil {
		t.Fatalf("stdin was not a wire message: %v", err)
	}
	if msg.Request.Action != "git_status" || !msg.Request.Confirmed {
		t.Errorf("forwarded request = %+v", msg.Request)
	}
	if msg.Request.Params["path"] != "/home/dev/projects/todo" {
		t.Errorf("params not forwarded: %v", msg.Request.Params)
	}
}

func TestExecutePolicyErrorPassesThrough(t *testing.T) {
	keyFile, pub := writeClientKey(t)

	addr := startTestSSHServer(t, pub, nil, func(stdin []byte) (string, uint32) {
		msg, _ := proto.FromJSON(bytes.TrimSpace(stdin))
		reply := proto.NewErrorResponse(msg.Request.RequestID, msg.Request.Action, "blocked")
		data, _ := reply.ToJSON()
		return string(data), 0
	})

	exec := newTestExecutor(t, addr, keyFile)
	resp, err := exec.Execute(context.Background(), "shell_exec", nil, false)
	if err != nil {
		t.Fatalf("policy rejections are responses, not errors: %v", err)
	}
	if resp.Status != proto.StatusError || resp.Error != "blocked" {
		t.Errorf("response = %+v, want status error / blocked", resp)
	}
}

func TestExecuteRemoteFailure(t *testing.T) {
	keyFile, pub := writeClientKey(t)

	addr := startTestSSHServer(t, pub, nil, func([]byte) (string, uint32) {
		return "command not found", 127
	})

	exec := newTestExecutor(t, addr, keyFile)
	_, err := exec.Execute(context.Background(), "git_status", nil, false)
	if !oops.Is(err, oops.CodeNoExecutor) {
		t.Errorf("expected no_executor, got %v", err)
	}
}

func TestExecuteUnreachableHost(t *testing.T) {
	keyFile, _ := writeClientKey(t)

	// Grab a port and close it so the dial is refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()

	exec := newTestExecutor(t, addr, keyFile)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if exec.Healthy(ctx) {
		t.Error("Healthy should be false for a closed port")
	}
	_, err = exec.Execute(ctx, "git_status", nil, false)
	if !oops.Is(err, oops.CodeNoExecutor) {
		t.Errorf("expected no_executor, got %v", err)
	}
}

func TestHealthy(t *testing.T) {
	keyFile, pub := writeClientKey(t)
	addr := startTestSSHServer(t, pub, nil, func([]byte) (string, uint32) { return "", 0 })

	exec := newTestExecutor(t, addr, keyFile)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if !exec.Healthy(ctx) {
		t.Error("Healthy should be true with the test server up")
	}
}

func TestNewRejectsBadTarget(t *testing.T) {
	if _, err := New(config.SSHFallback{Enabled: true, Target: "no-user-part"}); err == nil {
		t.Error("expected target parse error")
	}
	if _, err := New(config.SSHFallback{Enabled: true, Target: "dev@host"}); err != nil {
		t.Errorf("port should default: %v", err)
	}
}
