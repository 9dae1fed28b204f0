package imaging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// ExifTool extracts metadata by shelling out to exiftool. Extraction is
// best-effort: when the binary is missing, times out or crashes, callers
// get an empty document and the pipeline carries on.
type ExifTool struct {
	Binary  string
	Timeout time.Duration
}

// NewExifTool builds an extractor with the given budget.
func NewExifTool(timeout time.Duration) *ExifTool {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &ExifTool{Binary: "exiftool", Timeout: timeout}
}

// Extract runs exiftool -json on path and returns the flat tag map.
func (e *ExifTool) Extract(ctx domain.Context, path string) (map[string]any, error) {
	if _, err := exec.LookPath(e.Binary); err != nil {
		slog.Debug("exiftool not available, skipping metadata extraction")
		return map[string]any{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Binary, "-json", "-n", "-q", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		slog.Warn("exiftool failed", slog.String("path", path), slog.Any("error", err))
		return map[string]any{}, nil
	}
	var docs []map[string]any
	if err := json.Unmarshal(out.Bytes(), &docs); err != nil || len(docs) == 0 {
		slog.Warn("exiftool output not parseable", slog.String("path", path))
		return map[string]any{}, nil
	}
	return docs[0], nil
}
