package machinist

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/iconicxs/relicxs-workers/internal/domain"
)

// BundleDir packs dir into a deterministic gzip tarball: entries sorted
// by path, fixed permissions, zero mtimes, no owner fields. The same
// directory contents always produce the same bytes, which keeps the
// preservation upload idempotent. Returns the archive and its SHA-256.
func BundleDir(dir string, maxBytes int64) ([]byte, string, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
	}
	tw := tar.NewWriter(gz)
	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
		}
		hdr := &tar.Header{
			Name:     filepath.ToSlash(rel),
			Mode:     0o644,
			Size:     int64(len(data)),
			Typeflag: tar.TypeReg,
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, "", fmt.Errorf("op=machinist.bundle: %w", err)
	}

	if maxBytes > 0 && int64(buf.Len()) > maxBytes {
		return nil, "", fmt.Errorf("op=machinist.bundle: %w",
			domain.NewResourceError("ARCHIVE_TOO_LARGE", fmt.Sprintf("archive is %d bytes, limit %d", buf.Len(), maxBytes)))
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:]), nil
}
