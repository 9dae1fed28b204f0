package jobgroup

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Audit appends terminal jobgroup events as JSON lines to a per-day log
// file. Writes are best-effort and never raise.
type Audit struct {
	Dir string
}

// Record appends one event line. Missing directory or write failures are
// logged and swallowed.
func (a *Audit) Record(event string, fields map[string]any) {
	if a == nil || a.Dir == "" {
		return
	}
	doc := map[string]any{
		"event": event,
		"at":    time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		doc[k] = v
	}
	line, err := json.Marshal(doc)
	if err != nil {
		slog.Debug("audit encode failed", slog.Any("error", err))
		return
	}
	if err := os.MkdirAll(a.Dir, 0o755); err != nil {
		slog.Debug("audit dir create failed", slog.Any("error", err))
		return
	}
	name := filepath.Join(a.Dir, "jobgroup-"+time.Now().UTC().Format("2006-01-02")+".log")
	f, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Debug("audit open failed", slog.Any("error", err))
		return
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Debug("audit write failed", slog.Any("error", err))
	}
}
