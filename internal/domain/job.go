package domain

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Worker identifies the consuming process family for a job.
type Worker string

const (
	WorkerMachinist Worker = "machinist"
	WorkerArchivist Worker = "archivist"
)

// Priority identifies the queue lane within a worker.
type Priority string

const (
	PriorityInstant  Priority = "instant"
	PriorityStandard Priority = "standard"
	PriorityJobgroup Priority = "jobgroup"
)

// FilePurpose enumerates the machinist file purposes.
const (
	PurposePreservation = "preservation"
	PurposeViewing      = "viewing"
	PurposeProduction   = "production"
	PurposeRestoration  = "restoration"
)

// AllowedExtensions is the input extension allow-list after normalization.
var AllowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "tif": true, "tiff": true,
}

// AllowedPurposes is the machinist file_purpose allow-list.
var AllowedPurposes = map[string]bool{
	PurposePreservation: true, PurposeViewing: true,
	PurposeProduction: true, PurposeRestoration: true,
}

// MaxExtensionLen bounds the raw input_extension payload field.
const MaxExtensionLen = 256

// Job is the tagged queue payload variant. Exactly one concrete type exists
// per worker; DecodeJob selects the variant from the discriminator fields.
type Job interface {
	Worker() Worker
	Priority() Priority
	Tenant() string
	Asset() string
	Batch() string
	Validate() error
}

// MachinistJob is a single image-derivative job.
type MachinistJob struct {
	JobType        string `json:"job_type"`
	ProcessingType string `json:"processing_type,omitempty"`
	TenantID       string `json:"tenant_id" validate:"required,uuid4"`
	AssetID        string `json:"asset_id" validate:"required,uuid4"`
	BatchID        string `json:"batch_id,omitempty" validate:"omitempty,uuid4"`
	FilePurpose    string `json:"file_purpose" validate:"required"`
	InputExtension string `json:"input_extension" validate:"required"`
}

// ArchivistJob is a single AI-description job.
type ArchivistJob struct {
	JobType        string `json:"job_type"`
	ProcessingType string `json:"processing_type" validate:"required"`
	TenantID       string `json:"tenant_id" validate:"required,uuid4"`
	AssetID        string `json:"asset_id" validate:"required,uuid4"`
	BatchID        string `json:"batch_id,omitempty" validate:"omitempty,uuid4"`
}

func (j MachinistJob) Worker() Worker { return WorkerMachinist }
func (j MachinistJob) Tenant() string { return j.TenantID }
func (j MachinistJob) Asset() string  { return j.AssetID }
func (j MachinistJob) Batch() string  { return j.BatchID }

// Priority derives the lane from processing_type; machinist never runs in
// the jobgroup lane (rejected by the router), unknown values degrade to
// standard.
func (j MachinistJob) Priority() Priority { return derivePriority(j.ProcessingType) }

func (j ArchivistJob) Worker() Worker     { return WorkerArchivist }
func (j ArchivistJob) Tenant() string     { return j.TenantID }
func (j ArchivistJob) Asset() string      { return j.AssetID }
func (j ArchivistJob) Batch() string      { return j.BatchID }
func (j ArchivistJob) Priority() Priority { return derivePriority(j.ProcessingType) }

func derivePriority(processingType string) Priority {
	switch strings.ToLower(strings.TrimSpace(processingType)) {
	case "instant", "individual":
		return PriorityInstant
	case "jobgroup", "batch":
		return PriorityJobgroup
	case "standard":
		return PriorityStandard
	default:
		return PriorityStandard
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Validate enforces the machinist job contract: UUIDv4 identifiers,
// enumerated file_purpose, and a sanitized extension in the allow-list.
func (j MachinistJob) Validate() error {
	if err := validateIdentifiers(getValidator().Struct(j)); err != nil {
		return err
	}
	if !AllowedPurposes[j.FilePurpose] {
		return NewValidationError("INVALID_FILE_PURPOSE", "file_purpose", "file_purpose must be one of preservation, viewing, production, restoration")
	}
	if len(j.InputExtension) > MaxExtensionLen {
		return NewValidationError("EXTENSION_TOO_LONG", "input_extension", "input_extension exceeds 256 characters")
	}
	ext, err := NormalizeExtension(j.InputExtension)
	if err != nil {
		return err
	}
	if !AllowedExtensions[ext] {
		return NewValidationError("UNSUPPORTED_EXTENSION", "input_extension", "input_extension must be one of jpg, jpeg, png, tif, tiff")
	}
	return nil
}

// Validate enforces the archivist job contract. The deprecated "batch"
// processing_type is accepted as a synonym for jobgroup.
func (j ArchivistJob) Validate() error {
	if err := validateIdentifiers(getValidator().Struct(j)); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(j.ProcessingType)) {
	case "instant", "standard", "jobgroup", "batch":
		return nil
	default:
		return NewValidationError("INVALID_PROCESSING_TYPE", "processing_type", "processing_type must be one of instant, standard, jobgroup")
	}
}

func validateIdentifiers(err error) error {
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		field := jsonFieldName(fe.StructField())
		if fe.Tag() == "uuid4" {
			return NewValidationError("INVALID_UUID", field, field+" must be a UUIDv4")
		}
		return NewValidationError("MISSING_FIELD", field, field+" is required")
	}
	return NewValidationError("INVALID_JOB", "", err.Error())
}

func jsonFieldName(structField string) string {
	switch structField {
	case "TenantID":
		return "tenant_id"
	case "AssetID":
		return "asset_id"
	case "BatchID":
		return "batch_id"
	case "FilePurpose":
		return "file_purpose"
	case "InputExtension":
		return "input_extension"
	case "ProcessingType":
		return "processing_type"
	default:
		return structField
	}
}

// NormalizeExtension case-folds, strips a single leading dot, and rejects
// traversal characters and anything outside [A-Za-z0-9_.-].
func NormalizeExtension(raw string) (string, error) {
	ext := strings.TrimSpace(strings.ToLower(raw))
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		return "", NewValidationError("EMPTY_EXTENSION", "input_extension", "input_extension must be non-empty")
	}
	if err := checkSafeName(ext, "input_extension"); err != nil {
		return "", err
	}
	return ext, nil
}

// SanitizeFilename rejects control characters, path separators, and `..`
// sequences in externally supplied filename components.
func SanitizeFilename(name string) (string, error) {
	if err := checkSafeName(name, "filename"); err != nil {
		return "", err
	}
	return name, nil
}

func checkSafeName(s, field string) error {
	if strings.Contains(s, "..") {
		return NewValidationError("UNSAFE_NAME", field, "path traversal sequences are not allowed")
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return NewValidationError("UNSAFE_NAME", field, "control characters are not allowed")
		}
		if r == '/' || r == '\\' {
			return NewValidationError("UNSAFE_NAME", field, "path separators are not allowed")
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '.', r == '-':
		default:
			return NewValidationError("UNSAFE_NAME", field, "only [A-Za-z0-9_.-] characters are allowed")
		}
	}
	return nil
}

// jobEnvelope mirrors the superset of payload fields for discrimination.
type jobEnvelope struct {
	JobType        string `json:"job_type"`
	ProcessingType string `json:"processing_type"`
	TenantID       string `json:"tenant_id"`
}

// DecodeJob parses a raw queue element into its worker variant. The worker
// is derived from the job_type prefix; payloads without a job_type but with
// a processing_type are archivist jobs (machinist payloads always carry a
// job_type).
func DecodeJob(raw []byte) (Job, error) {
	var env jobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, NewSerializationError("job payload is not valid JSON", err)
	}
	if env.TenantID == "" {
		return nil, NewValidationError("MISSING_FIELD", "tenant_id", "tenant_id is required")
	}
	if env.JobType == "" && env.ProcessingType == "" {
		return nil, NewValidationError("MISSING_DISCRIMINATOR", "job_type", "job_type or processing_type is required")
	}
	switch {
	case strings.HasPrefix(env.JobType, string(WorkerMachinist)):
		var j MachinistJob
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, NewSerializationError("machinist payload decode", err)
		}
		return j, nil
	case strings.HasPrefix(env.JobType, string(WorkerArchivist)), env.JobType == "":
		var j ArchivistJob
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, NewSerializationError("archivist payload decode", err)
		}
		return j, nil
	default:
		return nil, NewRoutingError("UNKNOWN_WORKER", "job_type "+env.JobType+" does not map to a worker")
	}
}

// NormalizeProcessingType maps the deprecated "batch" synonym to jobgroup
// and "individual" to instant.
func NormalizeProcessingType(pt string) string {
	switch strings.ToLower(strings.TrimSpace(pt)) {
	case "batch", "jobgroup":
		return string(PriorityJobgroup)
	case "individual", "instant":
		return string(PriorityInstant)
	case "":
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(pt))
	}
}
