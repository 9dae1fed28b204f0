package machinist

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// exifGroups maps well-known exiftool tag names into the normalized
// manifest groups. Tags outside the map are dropped.
var exifGroups = map[string]string{
	"FileName":     "identity",
	"FileType":     "identity",
	"MIMEType":     "identity",
	"ImageUniqueID": "identity",

	"DateTimeOriginal": "capture",
	"CreateDate":       "capture",
	"ModifyDate":       "capture",
	"GPSLatitude":      "capture",
	"GPSLongitude":     "capture",
	"GPSAltitude":      "capture",

	"Make":         "camera",
	"Model":        "camera",
	"LensModel":    "camera",
	"LensMake":     "camera",
	"SerialNumber": "camera",

	"ExposureTime":     "exposure",
	"FNumber":          "exposure",
	"ISO":              "exposure",
	"FocalLength":      "exposure",
	"Flash":            "exposure",
	"ExposureProgram":  "exposure",
	"MeteringMode":     "exposure",
	"WhiteBalance":     "exposure",
	"ExposureCompensation": "exposure",

	"ImageWidth":    "image",
	"ImageHeight":   "image",
	"Orientation":   "image",
	"BitsPerSample": "image",
	"ColorSpace":    "image",
	"XResolution":   "image",
	"YResolution":   "image",
	"ResolutionUnit": "image",

	"Software":     "software",
	"ProcessingSoftware": "software",
	"Artist":       "software",
	"Copyright":    "software",

	"FileSize":        "file",
	"FileModifyDate":  "file",
	"FilePermissions": "file",
}

// NormalizeExif groups raw exiftool tags into the manifest vocabulary
// {identity, capture, camera, exposure, image, software, file}, dropping
// nulls and unknown tags.
func NormalizeExif(raw map[string]any) map[string]map[string]any {
	out := map[string]map[string]any{}
	for tag, val := range raw {
		if val == nil {
			continue
		}
		group, ok := exifGroups[tag]
		if !ok {
			continue
		}
		if out[group] == nil {
			out[group] = map[string]any{}
		}
		out[group][snakeCase(tag)] = val
	}
	return out
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Manifest is the merged metadata document attached to the original's
// asset-version row and uploaded beside the derivatives.
type Manifest struct {
	TenantID    string
	AssetID     string
	BatchID     string
	FilePurpose string
	Exif        map[string]map[string]any
	AI          map[string]any
	Versions    map[string]string
	GeneratedAt time.Time
}

// EncodeManifest renders the manifest with stable key ordering so that
// byte-identical inputs produce byte-identical documents.
func EncodeManifest(m Manifest) ([]byte, error) {
	doc := map[string]any{
		"tenant_id":    m.TenantID,
		"asset_id":     m.AssetID,
		"file_purpose": m.FilePurpose,
		"generated_at": m.GeneratedAt.UTC().Format(time.RFC3339),
		"exif":         m.Exif,
		"versions":     m.Versions,
	}
	if m.BatchID != "" {
		doc["batch_id"] = m.BatchID
	}
	if len(m.AI) > 0 {
		doc["ai"] = m.AI
	}
	return marshalStable(doc)
}

// marshalStable renders any value with sorted object keys. Go's
// encoding/json already sorts map keys, so a plain Marshal of the nested
// map structure is deterministic; this wrapper exists to make the
// contract explicit and to normalize nested non-map values.
func marshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("op=machinist.manifest: %w", err)
	}
	return b, nil
}

// sortedKeys is used by tests to assert stable ordering.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
