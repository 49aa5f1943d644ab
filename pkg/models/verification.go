package models

import "time"

// VerificationKind selects how much of the ledger a verification run checks.
type VerificationKind string

const (
	VerificationQuick       VerificationKind = "quick"
	VerificationFull        VerificationKind = "full"
	VerificationIncremental VerificationKind = "incremental"
)

// VerificationJob is the record of one verification run.
type VerificationJob struct {
	ID            string
	DestinationID string
	Kind          VerificationKind
	StartTime     time.Time
	EndTime       *time.Time
	TotalItems    int64
	VerifiedCount int64
	MismatchCount int64
	MissingCount  int64
	ErrorCount    int64
}

// IsFullyVerified reports whether the run found no mismatches, no missing
// objects, and no client errors.
func (v *VerificationJob) IsFullyVerified() bool {
	return v.MismatchCount == 0 && v.MissingCount == 0 && v.ErrorCount == 0
}

// SuccessRate is VerifiedCount/TotalItems, 0 when nothing was checked.
func (v *VerificationJob) SuccessRate() float64 {
	if v.TotalItems == 0 {
		return 0
	}
	return float64(v.VerifiedCount) / float64(v.TotalItems)
}

// GapDetectionResult is the outcome of diffing the source collection
// against the ledger for one destination.
type GapDetectionResult struct {
	TotalInLibrary int64
	TotalSynced    int64
	// UnsyncedItems are present in the source but absent from the ledger.
	UnsyncedItems []ItemRef
	// ModifiedItems were synced but changed in the source afterwards.
	ModifiedItems []ItemRef
}

// GapCount is the number of items missing from the ledger.
func (g *GapDetectionResult) GapCount() int64 {
	return int64(len(g.UnsyncedItems))
}

// SyncPercentage is TotalSynced/TotalInLibrary as a percentage,
// 0 for an empty library.
func (g *GapDetectionResult) SyncPercentage() float64 {
	if g.TotalInLibrary == 0 {
		return 0
	}
	return float64(g.TotalSynced) / float64(g.TotalInLibrary) * 100
}
