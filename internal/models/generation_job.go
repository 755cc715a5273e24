package models

import "time"

// Generation job lifecycle states. Status only moves forward:
// uploading -> processing -> ready|error. Terminal records are retained for
// audit and webhook idempotency checks, never deleted.
const (
	JobStatusUploading  = "uploading"
	JobStatusProcessing = "processing"
	JobStatusReady      = "ready"
	JobStatusError      = "error"
)

// GenerationJob tracks one webhook-driven capture job across process
// boundaries. TokensCharged is set exactly once, at the uploading->processing
// transition, and never changes afterward.
type GenerationJob struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	JobID  string `gorm:"type:text;not null;uniqueIndex"` // Public job identifier (UUID).
	UserID uint64 `gorm:"not null;index"`                 // Owning user ID.

	Provider   string `gorm:"type:text;not null;uniqueIndex:idx_jobs_provider_external,priority:1"` // Provider name.
	ExternalID string `gorm:"type:text;not null;uniqueIndex:idx_jobs_provider_external,priority:2"` // Provider's job handle.

	Name string `gorm:"type:text;not null"` // Display name supplied at init.
	Kind string `gorm:"type:text;not null"` // Capture kind (e.g. splat, video).

	SizeBytes int64  `gorm:"not null;default:0"`                     // Declared payload size.
	Status    string `gorm:"type:text;not null;default:'uploading'"` // Lifecycle state.

	EstimatedTokens int64 `gorm:"not null;default:0"` // Cost estimate computed at init.
	TokensCharged   int64 `gorm:"not null;default:0"` // Actual charge, fixed at finalize.

	StorageLocation string `gorm:"type:text"` // Permanent object key after download.
	OutputURL       string `gorm:"type:text"` // Authoritative provider download URL.
	ViewerURL       string `gorm:"type:text"` // Durable viewer URL.

	ErrorMessage string `gorm:"type:text"` // Failure reason when status=error.

	CreatedAt           time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
	ProcessingStartedAt *time.Time // Set at finalize.
	CompletedAt         *time.Time // Set on ready or error.
}

// TableName overrides the default table name.
func (GenerationJob) TableName() string {
	return "generation_jobs"
}

// Terminal reports whether the job has reached a final state.
func (j *GenerationJob) Terminal() bool {
	return j.Status == JobStatusReady || j.Status == JobStatusError
}
