package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so ports stay decoupled from call sites; adapters and
// pipelines pass context.Context through unchanged.
type Context = context.Context

// VersionStatus enumerates asset version lifecycle states.
type VersionStatus string

const (
	VersionPending    VersionStatus = "pending"
	VersionProcessing VersionStatus = "processing"
	VersionSuccess    VersionStatus = "success"
	VersionFailed     VersionStatus = "failed"
)

// AssetVersion is one durable derivative record. The tuple
// (asset_id, purpose, variant, type) is unique; all writes are upserts.
type AssetVersion struct {
	AssetID           string
	Purpose           string
	Variant           string
	Type              string
	Bucket            string
	Key               string
	Status            VersionStatus
	FileSize          int64
	Width             int
	Height            int
	BitDepth          int
	ColorSpace        string
	MIMEType          string
	Checksum          string
	ChecksumAlgorithm string
	Metadata          json.RawMessage
	FailedReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// AIDescription is one durable model output record per (tenant_id, asset_id).
type AIDescription struct {
	TenantID    string
	AssetID     string
	Description json.RawMessage
	Notes       json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// JobgroupStatus enumerates jobgroup lifecycle states.
type JobgroupStatus string

const (
	JobgroupCreated    JobgroupStatus = "created"
	JobgroupValidating JobgroupStatus = "validating"
	JobgroupInProgress JobgroupStatus = "in_progress"
	JobgroupCompleted  JobgroupStatus = "completed"
	JobgroupFailed     JobgroupStatus = "failed"
	JobgroupExpired    JobgroupStatus = "expired"
	JobgroupCancelled  JobgroupStatus = "cancelled"
)

// Terminal reports whether the status is sticky; terminal writes are
// monotone and never regress.
func (s JobgroupStatus) Terminal() bool {
	switch s {
	case JobgroupCompleted, JobgroupFailed, JobgroupExpired, JobgroupCancelled:
		return true
	}
	return false
}

// NonTerminalStatuses are the states the poller scans.
var NonTerminalStatuses = []JobgroupStatus{JobgroupCreated, JobgroupInProgress, JobgroupValidating}

// Jobgroup is the durable record of one offline batch submission.
type Jobgroup struct {
	ID                  string
	TenantID            string
	BatchID             string
	ExternalJobgroupID  string
	InputFileID         string
	OutputFileID        string
	Status              JobgroupStatus
	RequestCount        int
	Notes               json.RawMessage
	CreatedAt           time.Time
	CompletedAt         *time.Time
	FailedAt            *time.Time
}

// JobgroupResultStatus is the per-asset outcome within a jobgroup.
type JobgroupResultStatus string

const (
	JobgroupResultCompleted JobgroupResultStatus = "completed"
	JobgroupResultFailed    JobgroupResultStatus = "failed"
)

// JobgroupResult is one upsert-only row per (jobgroup_id, asset_id).
type JobgroupResult struct {
	JobgroupID   string
	AssetID      string
	Status       JobgroupResultStatus
	ErrorCode    string
	ErrorMessage string
	Response     json.RawMessage
	CustomID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BatchStatus is the customer-facing batch progress vocabulary.
type BatchStatus string

const (
	BatchNotStarted BatchStatus = "not_started"
	BatchInProgress BatchStatus = "in_progress"
	BatchComplete   BatchStatus = "complete"
	BatchCancelled  BatchStatus = "cancelled"
)

// DLQEntry is the redacted dead-letter payload: identifiers and the failure
// reason only, never buffers or image bytes.
type DLQEntry struct {
	ID       string `json:"id"`
	JobType  string `json:"job_type"`
	Reason   string `json:"reason"`
	TenantID string `json:"tenant_id,omitempty"`
	AssetID  string `json:"asset_id,omitempty"`
	BatchID  string `json:"batch_id,omitempty"`
	FailedAt string `json:"failed_at"`
}

// Repositories (ports)

type AssetVersionRepository interface {
	Upsert(ctx Context, v AssetVersion) error
	Exists(ctx Context, assetID, purpose, variant, typ string) (bool, error)
	UpdateMetadata(ctx Context, assetID, purpose, variant, typ string, metadata json.RawMessage) error
	SetFailedReason(ctx Context, assetID, reason string) error
}

type AIDescriptionRepository interface {
	Upsert(ctx Context, d AIDescription) error
	UpdateNotes(ctx Context, tenantID, assetID string, notes json.RawMessage) error
	Get(ctx Context, tenantID, assetID string) (AIDescription, error)
}

type JobgroupRepository interface {
	Create(ctx Context, g Jobgroup) (string, error)
	Get(ctx Context, id string) (Jobgroup, error)
	List(ctx Context, limit int) ([]Jobgroup, error)
	ListByStatus(ctx Context, statuses ...JobgroupStatus) ([]Jobgroup, error)
	CountActiveForTenant(ctx Context, tenantID string) (int, error)
	CountCreatedSince(ctx Context, tenantID string, since time.Time) (int, error)
	// UpdateStatus is monotone: once a jobgroup is terminal the write is a
	// no-op and returns the stored status.
	UpdateStatus(ctx Context, id string, status JobgroupStatus, notes json.RawMessage) (JobgroupStatus, error)
	SetOutputFile(ctx Context, id, outputFileID string) error
	DeleteTerminalBefore(ctx Context, cutoff time.Time) (int64, error)
	ListNonTerminalBefore(ctx Context, cutoff time.Time) ([]Jobgroup, error)
}

type JobgroupResultRepository interface {
	Exists(ctx Context, jobgroupID, assetID string) (bool, error)
	Upsert(ctx Context, r JobgroupResult) error
	CountByJobgroup(ctx Context, jobgroupID string) (int, error)
	CountFailed(ctx Context, jobgroupID string) (int, error)
}

// AssetRepository recovers tenant/batch scope for an asset id found in a
// jobgroup output file.
type AssetRepository interface {
	Lookup(ctx Context, assetID string) (tenantID, batchID string, err error)
}

// BatchRepository reconciles customer-facing batch progress after job
// completion. Reconcile recomputes and stores the status.
type BatchRepository interface {
	Reconcile(ctx Context, batchID string) (BatchStatus, error)
}

// BlobStore (port) — S3-compatible object storage.

type BlobStore interface {
	Exists(ctx Context, bucket, key string) (bool, error)
	Upload(ctx Context, bucket, key string, body []byte, contentType string) error
	Download(ctx Context, bucket, key string) ([]byte, error)
}

// ModelAPI (port) — chat completions plus the offline batch surface.

type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResult struct {
	Content string
	Model   string
	Usage   ChatUsage
}

// RemoteJobgroup is the external batch endpoint's view of a jobgroup.
type RemoteJobgroup struct {
	ID           string
	Status       string
	OutputFileID string
}

type ModelAPI interface {
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (ChatResult, error)
	UploadFile(ctx Context, name string, data []byte, purpose string) (fileID string, err error)
	CreateJobgroup(ctx Context, inputFileID, completionWindow string, metadata map[string]string) (RemoteJobgroup, error)
	GetJobgroup(ctx Context, externalID string) (RemoteJobgroup, error)
	CancelJobgroup(ctx Context, externalID string) error
	FileContent(ctx Context, fileID string) ([]byte, error)
}

// ImageCodec (port) — decode/resize/encode are external collaborators; the
// pipeline depends only on this contract.

type ImageInfo struct {
	Width      int
	Height     int
	BitDepth   int
	ColorSpace string
	MIMEType   string
}

type ImageCodec interface {
	Probe(ctx Context, data []byte) (ImageInfo, error)
	// ResizeWidth scales to at most maxWidth (never upscales) and encodes
	// JPEG at the given quality, honoring EXIF orientation.
	ResizeWidth(ctx Context, data []byte, maxWidth, quality int) ([]byte, ImageInfo, error)
	// Letterbox fits the image into a w×h white canvas and encodes JPEG.
	Letterbox(ctx Context, data []byte, w, h, quality int) ([]byte, ImageInfo, error)
	// EncodeJPEG re-encodes at the given quality without resizing.
	EncodeJPEG(ctx Context, data []byte, quality int) ([]byte, error)
}

// ExifExtractor (port) — out-of-process metadata extraction; implementations
// return an empty document when no extractor is available.

type ExifExtractor interface {
	Extract(ctx Context, path string) (map[string]any, error)
}

// WebhookNotifier (port) — best-effort event notification; failures never
// propagate into pipelines.

type WebhookNotifier interface {
	Notify(ctx Context, event string, payload map[string]any)
}
