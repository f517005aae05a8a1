package agentd

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"openclaw/pkg/logx"
)

// Decision recorded for an executed action; every rejection records its
// error code instead.
const decisionExecuted = "executed"

const auditTimeFormat = "2006-01-02T15:04:05.000Z"

// auditRecord is one line of the append-only audit log. Parameters are
// digested rather than stored, so secrets in params never land on disk.
type auditRecord struct {
	TS           string `json:"ts"`
	Action       string `json:"action"`
	ParamsDigest string `json:"params_digest"`
	Decision     string `json:"decision"`
	Returncode   *int   `json:"returncode,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
}

// AuditLog appends one JSON line per validated request to a local file.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
	log  *logx.Logger
	now  func() time.Time
}

// NewAuditLog opens (creating if needed) the audit file in append mode.
func NewAuditLog(dir, name string) (*AuditLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %s: %w", path, err)
	}
	return &AuditLog{
		file: file,
		log:  logx.NewLogger("audit"),
		now:  time.Now,
	}, nil
}

// Record appends one entry. returncode is nil for requests that never reached
// their handler. A write failure is logged but does not fail the action.
func (a *AuditLog) Record(action string, params map[string]any, decision string, returncode *int, duration time.Duration) {
	rec := auditRecord{
		TS:           a.now().UTC().Format(auditTimeFormat),
		Action:       action,
		ParamsDigest: paramsDigest(params),
		Decision:     decision,
		Returncode:   returncode,
		DurationMS:   duration.Milliseconds(),
	}

	line, err := json.Marshal(rec)
	if err != nil {
		a.log.Error("failed to encode audit record for %s: %v", action, err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.file.Write(append(line, '\n')); err != nil {
		a.log.Error("failed to append audit record for %s: %v", action, err)
	}
}

// Close flushes and closes the underlying file.
func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.file.Close()
}

// paramsDigest hashes the canonical JSON form of params. Map keys marshal in
// sorted order, so equal params always digest equally.
func paramsDigest(params map[string]any) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
