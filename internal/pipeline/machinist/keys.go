// Package machinist implements the image-derivative pipeline: download
// the uploaded original, validate it, generate derivatives, and record
// asset versions durably.
package machinist

import "fmt"

// Derivative variant filenames, normalized to kebab-case.
const (
	fileViewing     = "viewing.jpg"
	fileAI          = "ai.jpg"
	fileThumbSmall  = "thumb-small.jpg"
	fileThumbMedium = "thumb-medium.jpg"
	fileThumbLarge  = "thumb-large.jpg"
	fileManifest    = "manifest.json"
)

// assetPrefix is the per-asset landing area in the files bucket.
func assetPrefix(tenantID, batchID, assetID string) string {
	return fmt.Sprintf("tenant-%s/batch-%s/asset-%s", tenantID, batchID, assetID)
}

// OriginalKey is the landing key of the uploaded original.
func OriginalKey(tenantID, batchID, assetID, ext string) string {
	return fmt.Sprintf("%s/original.%s", assetPrefix(tenantID, batchID, assetID), ext)
}

// PurposeKey stores the original under its purpose directory, keeping
// the upload extension.
func PurposeKey(tenantID, batchID, assetID, purpose, ext string) string {
	return fmt.Sprintf("%s/%s/%s.%s", assetPrefix(tenantID, batchID, assetID), purpose, purpose, ext)
}

// DerivativeKey addresses a generated derivative by directory and filename.
func DerivativeKey(tenantID, batchID, assetID, dir, filename string) string {
	return fmt.Sprintf("%s/%s/%s", assetPrefix(tenantID, batchID, assetID), dir, filename)
}

// ManifestKey addresses the merged metadata document.
func ManifestKey(tenantID, batchID, assetID string) string {
	return DerivativeKey(tenantID, batchID, assetID, "metadata", fileManifest)
}

// PreservationBundleKey addresses the preservation tarball in the
// archive bucket. Batch is deliberately absent: the bundle survives
// batch reorganization.
func PreservationBundleKey(tenantID, assetID string) string {
	return fmt.Sprintf("archive/tenant-%s/asset-%s/preservation/preservation.tar.gz", tenantID, assetID)
}

// candidateExtensions is the fallback probe order when the landing key
// with the declared extension does not exist.
var candidateExtensions = []string{"tif", "tiff", "jpg", "jpeg", "png"}

// CandidateOriginKeys returns landing keys to probe, declared extension
// first, then the fixed fallback order with duplicates removed.
func CandidateOriginKeys(tenantID, batchID, assetID, ext string) []string {
	keys := make([]string, 0, len(candidateExtensions)+1)
	seen := map[string]bool{}
	for _, e := range append([]string{ext}, candidateExtensions...) {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		keys = append(keys, OriginalKey(tenantID, batchID, assetID, e))
	}
	return keys
}
