package agentd

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	osexec "os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"openclaw/pkg/config"
	"openclaw/pkg/exec"
	"openclaw/pkg/logx"
	"openclaw/pkg/proto"
)

// Size and listing caps.
const (
	fileReadCap   = 64 * 1024
	fileWriteCap  = 1 * 1024 * 1024
	zipSizeCap    = 10 * 1024 * 1024
	listMaxDepth  = 3
	listMaxEntry  = 500
	webSearchWait = 15 * time.Second
)

// zipExcludedDirs never end up in a project archive.
var zipExcludedDirs = map[string]bool{
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
	"venv":         true,
	".venv":        true,
	"dist":         true,
	"build":        true,
	".next":        true,
}

// handlers carries the dependencies every action implementation shares. The
// func fields exist so tests can intercept process spawns and lookups.
type handlers struct {
	run      exec.Executor
	detach   func(argv []string, workDir string) (int, error)
	lookPath func(file string) (string, error)
	goos     string

	http      *http.Client
	braveKey  string
	braveURL  string
	ddgURL    string
	userAgent string

	ollamaHost  string
	ollamaModel string

	codingBinaries map[string]string

	log *logx.Logger
}

func newHandlers(cfg config.Agent) *handlers {
	return &handlers{
		run:            exec.NewLocalExec(),
		detach:         exec.StartDetached,
		lookPath:       osexec.LookPath,
		goos:           runtime.GOOS,
		http:           &http.Client{Timeout: webSearchWait},
		braveKey:       cfg.BraveAPIKey,
		braveURL:       braveSearchURL,
		ddgURL:         ddgSearchURL,
		userAgent:      searchUserAgent,
		ollamaHost:     cfg.OllamaHost,
		ollamaModel:    defaultChatModel,
		codingBinaries: codingAgentBinaries(),
		log:            logx.NewLogger("actions"),
	}
}

// exec runs argv in the invocation's working directory with its timeout.
func (h *handlers) exec(ctx context.Context, inv *Invocation, argv []string) *proto.ActionResult {
	res, err := h.run.Run(ctx, argv, &exec.Opts{WorkDir: inv.Path, Timeout: inv.Timeout})
	if err != nil {
		return failResult("%v", err)
	}
	return execResult(res)
}

func execResult(res exec.Result) *proto.ActionResult {
	return &proto.ActionResult{Returncode: res.Returncode, Stdout: res.Stdout, Stderr: res.Stderr}
}

func textResult(format string, args ...any) *proto.ActionResult {
	return &proto.ActionResult{Returncode: 0, Stdout: fmt.Sprintf(format, args...)}
}

func failResult(format string, args ...any) *proto.ActionResult {
	return &proto.ActionResult{Returncode: 1, Stderr: fmt.Sprintf(format, args...)}
}

func missingParam(key string) *proto.ActionResult {
	return failResult("Missing required parameter: '%s'", key)
}

// fileRead returns a file's contents, truncated at 64 KiB.
func (h *handlers) fileRead(_ context.Context, inv *Invocation) *proto.ActionResult {
	data, err := os.ReadFile(inv.Path)
	if err != nil {
		return failResult("%v", err)
	}
	content := string(data)
	if len(content) > fileReadCap {
		content = content[:fileReadCap] + "\n... (truncated at 64 KB)"
	}
	return textResult("%s", content)
}

// fileWrite writes string content, creating parent directories. The 1 MiB
// cap keeps a runaway model from filling the disk through the channel.
func (h *handlers) fileWrite(_ context.Context, inv *Invocation) *proto.ActionResult {
	raw, ok := inv.Params["content"]
	if !ok {
		raw = ""
	}
	content, ok := raw.(string)
	if !ok {
		return failResult("content must be a string.")
	}
	if len(content) > fileWriteCap {
		return failResult("Content exceeds 1 MB limit.")
	}

	if err := os.MkdirAll(filepath.Dir(inv.Path), 0o755); err != nil {
		return failResult("%v", err)
	}
	if err := os.WriteFile(inv.Path, []byte(content), 0o644); err != nil {
		return failResult("%v", err)
	}
	return textResult("Wrote %d bytes to %s.", len(content), inv.Path)
}

// createDirectory makes the directory and any missing parents.
func (h *handlers) createDirectory(_ context.Context, inv *Invocation) *proto.ActionResult {
	if err := os.MkdirAll(inv.Path, 0o755); err != nil {
		return failResult("%v", err)
	}
	return textResult("Created %s", inv.Path)
}

// listDirectory renders a directory tree capped at depth 3 and 500 entries
// per level.
func (h *handlers) listDirectory(_ context.Context, inv *Invocation) *proto.ActionResult {
	recursive := boolTrue(inv.Params, "recursive")
	listing, err := listDir(inv.Path, recursive, 0)
	if err != nil {
		return failResult("%v", err)
	}
	return textResult("%s", listing)
}

func listDir(dir string, recursive bool, depth int) (string, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var entries []string
	count := 0
	prefix := strings.Repeat("  ", depth)
	for _, ent := range dirents {
		if count >= listMaxEntry {
			entries = append(entries, "... (truncated)")
			break
		}
		if ent.IsDir() {
			entries = append(entries, fmt.Sprintf("%s[DIR] %s/", prefix, ent.Name()))
			if recursive && depth < listMaxDepth {
				nested, err := listDir(filepath.Join(dir, ent.Name()), true, depth+1)
				if err != nil {
					return "", err
				}
				entries = append(entries, nested)
			}
		} else {
			info, err := ent.Info()
			if err != nil {
				return "", err
			}
			entries = append(entries, fmt.Sprintf("%s%s  (%d bytes)", prefix, ent.Name(), info.Size()))
		}
		count++
	}
	return strings.Join(entries, "\n"), nil
}

// zipProject archives the project directory to base64, skipping generated
// trees and capping the archive at 10 MiB.
func (h *handlers) zipProject(_ context.Context, inv *Invocation) *proto.ActionResult {
	info, err := os.Stat(inv.Path)
	if err != nil || !info.IsDir() {
		return failResult("Not a directory: %s", inv.Path)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	fileCount := 0
	overflow := false

	walkErr := filepath.WalkDir(inv.Path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != inv.Path && zipExcludedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(inv.Path, path)
		if err != nil {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil // unreadable file
		}
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		fileCount++

		if buf.Len() > zipSizeCap {
			overflow = true
			return filepath.SkipAll
		}
		return nil
	})

	if overflow {
		return failResult("Zip exceeds 10 MB limit.")
	}
	if walkErr != nil {
		return failResult("Zip error: %v", walkErr)
	}
	if err := zw.Close(); err != nil {
		return failResult("Zip error: %v", err)
	}

	archive := buf.Bytes()
	return &proto.ActionResult{
		Returncode: 0,
		Stdout:     base64.StdEncoding.EncodeToString(archive),
		Stderr:     fmt.Sprintf("Zipped %d files (%d bytes)", fileCount, len(archive)),
	}
}
