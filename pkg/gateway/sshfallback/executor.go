// Package sshfallback executes actions out-of-band when no agent holds the
// channel. Each call opens one SSH session to the workstation, runs the
// agent binary in one-shot mode, and exchanges the same wire messages the
// channel would carry: the request goes in on stdin, the response comes
// back on stdout. The remote command line is a fixed string; nothing from
// the request ever reaches the remote shell.
package sshfallback

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"openclaw/pkg/config"
	"openclaw/pkg/logx"
	"openclaw/pkg/oops"
	"openclaw/pkg/proto"
)

const (
	dialTimeout = 10 * time.Second

	// DefaultCommand runs the agent's one-shot mode on the remote host.
	DefaultCommand = "openclaw-agent --oneshot"
)

// Executor runs single actions over SSH.
type Executor struct {
	target  string
	user    string
	addr    string
	keyFile string
	command string
	hostKey ssh.HostKeyCallback
	log     *logx.Logger

	mu     sync.Mutex
	signer ssh.Signer
}

// New builds an executor from the fallback configuration. The target must
// parse; the key is loaded lazily on first use.
func New(cfg config.SSHFallback) (*Executor, error) {
	user, host, port, err := config.ParseSSHTarget(cfg.Target)
	if err != nil {
		return nil, err
	}

	command := cfg.Command
	if command == "" {
		command = DefaultCommand
	}

	return &Executor{
		target:  cfg.Target,
		user:    user,
		addr:    net.JoinHostPort(host, port),
		keyFile: cfg.KeyFile,
		command: command,
		hostKey: defaultHostKeyCallback(),
		log:     logx.NewLogger("sshfallback"),
	}, nil
}

// Target returns the configured user@host:port string for status reporting.
func (e *Executor) Target() string {
	return e.target
}

// Healthy reports whether an SSH session can currently be opened.
func (e *Executor) Healthy(ctx context.Context) bool {
	client, err := e.dial(ctx)
	if err != nil {
		e.log.Debug("health check failed: %v", err)
		return false
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return false
	}
	_ = session.Close()
	return true
}

// Execute runs one action on the remote host and returns the decoded
// response. The response shape is identical to what the channel delivers;
// a policy rejection comes back as a status "error" response, not a Go
// error. Errors here mean the transport itself failed.
func (e *Executor) Execute(ctx context.Context, action string, params map[string]any, confirmed bool) (*proto.ActionResponse, error) {
	request := proto.NewActionRequest(action, params, confirmed)
	payload, err := request.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode action request: %w", err)
	}

	client, err := e.dial(ctx)
	if err != nil {
		return nil, oops.Wrap(oops.KindTransport, oops.CodeNoExecutor, err, "ssh fallback unreachable")
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, oops.Wrap(oops.KindTransport, oops.CodeNoExecutor, err, "ssh session failed")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = bytes.NewReader(append(payload, '\n'))
	session.Stdout = &stdout
	session.Stderr = &stderr

	e.log.Info("executing %s over ssh fallback (%s)", action, e.target)

	if err := session.Start(e.command); err != nil {
		return nil, oops.Wrap(oops.KindTransport, oops.CodeNoExecutor, err, "ssh exec failed")
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- session.Wait() }()

	select {
	case err = <-waitCh:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, oops.Wrap(oops.KindTransport, oops.CodeNoExecutor, err,
			fmt.Sprintf("remote agent run failed: %s", firstLine(stderr.String())))
	}

	msg, err := proto.FromJSON(bytes.TrimSpace(stdout.Bytes()))
	if err != nil {
		return nil, oops.Wrap(oops.KindTransport, oops.CodeNoExecutor, err, "unparseable ssh fallback output")
	}
	if msg.Type != proto.KindActionResponse || msg.Response == nil {
		return nil, oops.Newf(oops.KindTransport, oops.CodeNoExecutor, "ssh fallback returned a %s message", msg.Type)
	}
	return msg.Response, nil
}

func (e *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	signer, err := e.loadSigner()
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            e.user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: e.hostKey,
		Timeout:         dialTimeout,
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", e.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", e.addr, err)
	}

	conn, chans, reqs, err := ssh.NewClientConn(netConn, e.addr, clientCfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", e.addr, err)
	}
	return ssh.NewClient(conn, chans, reqs), nil
}

func (e *Executor) loadSigner() (ssh.Signer, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.signer != nil {
		return e.signer, nil
	}

	path := e.keyFile
	if path == "" {
		path = defaultKeyFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no ssh key configured and none found under ~/.ssh")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", path, err)
	}
	e.signer = signer
	return signer, nil
}

// defaultKeyFile returns the first conventional private key that exists.
func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	for _, name := range []string{"id_ed25519", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// defaultHostKeyCallback verifies against ~/.ssh/known_hosts when the file
// exists. Without one, host keys are accepted unverified; the channel
// transport with its bearer token remains the primary path.
func defaultHostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if _, statErr := os.Stat(path); statErr == nil {
			if callback, khErr := knownhosts.New(path); khErr == nil {
				return callback
			}
		}
	}
	//nolint:gosec // Documented fallback for hosts without a known_hosts file.
	return ssh.InsecureIgnoreHostKey()
}

func firstLine(s string) string {
	if i := bytes.IndexByte([]byte(s), '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
