package jobgroup

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAudit_RecordAppendsJSONL(t *testing.T) {
	dir := t.TempDir()
	a := &Audit{Dir: dir}

	a.Record("created", map[string]any{"jobgroup_id": "jg-1", "request_count": 2})
	a.Record("completed", map[string]any{"jobgroup_id": "jg-1"})

	name := filepath.Join(dir, "jobgroup-"+time.Now().UTC().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	require.NoError(t, err)

	lines := 0
	for _, line := range splitLines(data) {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(line, &doc))
		assert.Equal(t, "jg-1", doc["jobgroup_id"])
		assert.Contains(t, doc, "at")
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestAudit_DisabledAndNilAreNoOps(t *testing.T) {
	var a *Audit
	a.Record("created", nil)

	(&Audit{}).Record("created", map[string]any{"jobgroup_id": "jg-1"})
}

func splitLines(data []byte) [][]byte {
	var out [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				out = append(out, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		out = append(out, data[start:])
	}
	return out
}
