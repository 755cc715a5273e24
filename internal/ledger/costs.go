package ledger

import "strings"

// Flat per-job costs for the inline providers.
const (
	// CostStabilityJob is the gen-token cost of one sync text-to-mesh job.
	CostStabilityJob = 1
	// CostMeshyJob is the gen-token cost of one poll-queue image-to-3D job.
	CostMeshyJob = 2
)

// Capture size tiers.
const (
	captureSmallBytes = 256 << 20 // 256 MiB
	captureLargeBytes = 1 << 30   // 1 GiB
)

// EstimateCaptureTokens computes the estimated gen-token cost of a capture
// upload from declared payload size and capture kind. Video captures cost
// half again as much as photo sets.
func EstimateCaptureTokens(kind string, sizeBytes int64) int64 {
	var base int64
	switch {
	case sizeBytes <= captureSmallBytes:
		base = 2
	case sizeBytes <= captureLargeBytes:
		base = 4
	default:
		base = 8
	}
	if strings.EqualFold(strings.TrimSpace(kind), "video") {
		base += base / 2
	}
	return base
}
