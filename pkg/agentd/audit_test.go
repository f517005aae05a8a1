package agentd

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

func readAuditLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("audit line is not JSON: %v\n%s", err, scanner.Text())
		}
		lines = append(lines, rec)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit log: %v", err)
	}
	return lines
}

func TestAuditLogRecordsDecisions(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir, "audit.jsonl")
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	rc := 0
	audit.Record("git_status", map[string]any{"path": "/work/proj"}, decisionExecuted, &rc, 125*time.Millisecond)
	audit.Record("shell_exec", map[string]any{"command": "rm -rf /"}, "blocked", nil, 0)
	if err := audit.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readAuditLines(t, filepath.Join(dir, "audit.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2", len(lines))
	}

	executed := lines[0]
	if executed["action"] != "git_status" || executed["decision"] != decisionExecuted {
		t.Errorf("executed record = %v", executed)
	}
	if got, ok := executed["returncode"].(float64); !ok || got != 0 {
		t.Errorf("executed returncode = %v, want 0", executed["returncode"])
	}
	if got, ok := executed["duration_ms"].(float64); !ok || got != 125 {
		t.Errorf("duration_ms = %v, want 125", executed["duration_ms"])
	}
	if ts, _ := executed["ts"].(string); ts == "" {
		t.Error("executed record has no ts")
	} else if _, err := time.Parse(auditTimeFormat, ts); err != nil {
		t.Errorf("ts %q does not parse: %v", ts, err)
	}

	rejected := lines[1]
	if rejected["decision"] != "blocked" {
		t.Errorf("rejected decision = %v", rejected["decision"])
	}
	if _, present := rejected["returncode"]; present {
		t.Error("rejected record carries a returncode")
	}

	for _, rec := range lines {
		digest, _ := rec["params_digest"].(string)
		if !hexDigestRe.MatchString(digest) {
			t.Errorf("params_digest %q is not a sha256 hex string", digest)
		}
		if raw, _ := json.Marshal(rec); strings.Contains(string(raw), "rm -rf") {
			t.Error("raw params leaked into the audit log")
		}
	}
}

func TestParamsDigestIsCanonical(t *testing.T) {
	a := map[string]any{"path": "/w", "message": "fix", "count": 3}
	b := map[string]any{"count": 3, "message": "fix", "path": "/w"}

	if paramsDigest(a) != paramsDigest(b) {
		t.Error("digest differs across key insertion order")
	}
	if paramsDigest(a) == paramsDigest(map[string]any{"path": "/w"}) {
		t.Error("digest ignores params content")
	}
	if !hexDigestRe.MatchString(paramsDigest(nil)) {
		t.Error("nil params do not digest")
	}
}

func TestAuditLogAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	first, err := NewAuditLog(dir, "audit.jsonl")
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}
	first.Record("file_read", nil, decisionExecuted, new(int), time.Millisecond)
	first.Close()

	second, err := NewAuditLog(dir, "audit.jsonl")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second.Record("file_read", nil, "rate_limited", nil, 0)
	second.Close()

	lines := readAuditLines(t, filepath.Join(dir, "audit.jsonl"))
	if len(lines) != 2 {
		t.Fatalf("got %d lines after reopen, want 2", len(lines))
	}
	if lines[0]["decision"] != decisionExecuted || lines[1]["decision"] != "rate_limited" {
		t.Errorf("decisions = %v, %v", lines[0]["decision"], lines[1]["decision"])
	}
}
