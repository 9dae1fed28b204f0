// Package archivist implements the AI-description pipeline: fetch a
// derivative, call the model, and persist the normalized description.
package archivist

import (
	"fmt"
	"strings"
)

// AllowedTags is the controlled vocabulary descriptions are intersected
// against. Model output outside this list is dropped.
var AllowedTags = []string{
	"photograph", "document", "portrait", "landscape", "group-photo",
	"building", "interior", "exterior", "aerial", "street-scene",
	"vehicle", "animal", "child", "wedding", "military", "sports",
	"event", "ceremony", "holiday", "travel", "nature", "artwork",
	"handwriting", "newspaper", "certificate", "map",
}

const systemPrompt = `You are an archivist describing a digitized image for a family archive.
Respond with a single JSON object and nothing else. The object has the shape:
{"title": string, "description": string, "tags": [string], "keywords": [string],
"people_count": number, "spatial": {"location_guess": string, "setting": string},
"temporal": {"era_guess": string, "season_guess": string}}.
Only use tags from the allowed list provided by the user. Be factual; when
uncertain, prefer empty fields over guesses.`

// SystemPrompt returns the static system message.
func SystemPrompt() string { return systemPrompt }

// UserPrompt builds the dynamic user block with job identifiers and the
// allowed-tag list.
func UserPrompt(tenantID, assetID, batchID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Describe the attached image.\ntenant_id: %s\nasset_id: %s\n", tenantID, assetID)
	if batchID != "" {
		fmt.Fprintf(&b, "batch_id: %s\n", batchID)
	}
	fmt.Fprintf(&b, "Allowed tags: %s\n", strings.Join(AllowedTags, ", "))
	return b.String()
}
