package engine

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chmdznr/mediasync/internal/dest"
	"github.com/chmdznr/mediasync/internal/ledger"
	"github.com/chmdznr/mediasync/internal/source"
	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
)

const (
	// verifyPageSize is how many ledger rows a full verification reads
	// per query.
	verifyPageSize = 200
	// verifiedFlushSize bounds the last_verified_at update batches.
	verifiedFlushSize = 100
)

// Verifier independently audits the ledger against the remote store and
// the source collection. It is read-only apart from stamping
// last_verified_at and writing VerificationJob records. Only one
// verification run may be active at a time.
type Verifier struct {
	store     *ledger.Store
	active    atomic.Bool
	cancelled atomic.Bool
	// pendingVerified buffers item ids awaiting a batched
	// last_verified_at update. Guarded by the single-flight contract.
	pendingVerified []string
}

// NewVerifier creates a verifier over the ledger.
func NewVerifier(store *ledger.Store) *Verifier {
	return &Verifier{store: store}
}

// Cancel requests cooperative cancellation of the active run. It takes
// effect between items, never mid-call.
func (v *Verifier) Cancel() {
	v.cancelled.Store(true)
}

func (v *Verifier) acquire() error {
	if !v.active.CompareAndSwap(false, true) {
		return errs.ErrVerificationRunning
	}
	v.cancelled.Store(false)
	v.pendingVerified = v.pendingVerified[:0]
	return nil
}

func (v *Verifier) release() {
	v.active.Store(false)
}

// VerifyBackup checks every ledger row for the destination against the
// remote store. Totals are snapshotted at start; items synced mid-run
// are not included. Cancelling truncates the total to items actually
// checked.
func (v *Verifier) VerifyBackup(ctx context.Context, client dest.Client, destinationID string) (*models.VerificationJob, error) {
	if err := v.acquire(); err != nil {
		return nil, err
	}
	defer v.release()

	total, err := v.store.CountSyncedItems(destinationID)
	if err != nil {
		return nil, err
	}

	job := &models.VerificationJob{
		ID:            uuid.NewString(),
		DestinationID: destinationID,
		Kind:          models.VerificationFull,
		StartTime:     time.Now().UTC(),
		TotalItems:    total,
	}
	if err := v.store.CreateVerificationJob(job); err != nil {
		return nil, err
	}

	var checked int64
scan:
	for offset := 0; int64(offset) < total; offset += verifyPageSize {
		limit := verifyPageSize
		if rem := total - int64(offset); rem < int64(limit) {
			limit = int(rem)
		}
		items, err := v.store.PaginatedSyncedItems(destinationID, limit, offset)
		if err != nil {
			v.finalizeVerification(job, checked, true)
			return job, err
		}
		for i := range items {
			if v.cancelled.Load() || ctx.Err() != nil {
				break scan
			}
			v.checkItem(ctx, client, job, &items[i])
			checked++
		}
	}

	v.finalizeVerification(job, checked, checked < total)
	return job, nil
}

// QuickVerify runs the same classification over a random sample of at
// most sampleSize ledger rows, capped at the ledger size.
func (v *Verifier) QuickVerify(ctx context.Context, client dest.Client, destinationID string, sampleSize int) (*models.VerificationJob, error) {
	if sampleSize < 1 {
		return nil, errs.NewValidation("sample size must be positive")
	}
	if err := v.acquire(); err != nil {
		return nil, err
	}
	defer v.release()

	items, err := v.store.SampleSyncedItems(destinationID, sampleSize)
	if err != nil {
		return nil, err
	}

	job := &models.VerificationJob{
		ID:            uuid.NewString(),
		DestinationID: destinationID,
		Kind:          models.VerificationQuick,
		StartTime:     time.Now().UTC(),
		TotalItems:    int64(len(items)),
	}
	if err := v.store.CreateVerificationJob(job); err != nil {
		return nil, err
	}

	var checked int64
	for i := range items {
		if v.cancelled.Load() || ctx.Err() != nil {
			break
		}
		v.checkItem(ctx, client, job, &items[i])
		checked++
	}

	v.finalizeVerification(job, checked, checked < int64(len(items)))
	return job, nil
}

// IncrementalVerify runs the classification over rows never verified, or
// last verified before the cutoff. Freshly verified rows drop out of the
// next incremental run's scope.
func (v *Verifier) IncrementalVerify(ctx context.Context, client dest.Client, destinationID string, before time.Time) (*models.VerificationJob, error) {
	if err := v.acquire(); err != nil {
		return nil, err
	}
	defer v.release()

	items, err := v.store.StaleVerifiedItems(destinationID, before)
	if err != nil {
		return nil, err
	}

	job := &models.VerificationJob{
		ID:            uuid.NewString(),
		DestinationID: destinationID,
		Kind:          models.VerificationIncremental,
		StartTime:     time.Now().UTC(),
		TotalItems:    int64(len(items)),
	}
	if err := v.store.CreateVerificationJob(job); err != nil {
		return nil, err
	}

	var checked int64
	for i := range items {
		if v.cancelled.Load() || ctx.Err() != nil {
			break
		}
		v.checkItem(ctx, client, job, &items[i])
		checked++
	}

	v.finalizeVerification(job, checked, checked < int64(len(items)))
	return job, nil
}

// checkItem classifies one ledger row against the remote store:
// verified (match), mismatch (exists, metadata differs), missing
// (absent), or error (client call failed).
func (v *Verifier) checkItem(ctx context.Context, client dest.Client, job *models.VerificationJob, item *models.SyncedItem) {
	meta, err := client.GetMetadata(ctx, item.RemotePath)
	switch {
	case err != nil:
		job.ErrorCount++
	case meta == nil:
		job.MissingCount++
	case meta.Fingerprint != "" && meta.Fingerprint != item.Fingerprint:
		job.MismatchCount++
	case meta.Size != item.ByteSize:
		job.MismatchCount++
	default:
		job.VerifiedCount++
		v.pendingVerified = append(v.pendingVerified, item.ID)
		if len(v.pendingVerified) >= verifiedFlushSize {
			v.flushVerified()
		}
	}
}

// flushVerified stamps last_verified_at on the accumulated batch.
func (v *Verifier) flushVerified() {
	if len(v.pendingVerified) == 0 {
		return
	}
	if err := v.store.UpdateVerifiedAt(v.pendingVerified, time.Now().UTC()); err != nil {
		log.Printf("failed to update verified timestamps: %v", err)
	}
	v.pendingVerified = v.pendingVerified[:0]
}

// finalizeVerification flushes pending timestamp updates and writes the
// terminal job record. A cancelled run keeps whatever counts accumulated
// with the total truncated to items actually checked.
func (v *Verifier) finalizeVerification(job *models.VerificationJob, checked int64, truncated bool) {
	v.flushVerified()
	if truncated {
		job.TotalItems = checked
	}
	now := time.Now().UTC()
	job.EndTime = &now
	if err := v.store.UpdateVerificationJob(job); err != nil {
		log.Printf("failed to finalize verification job %s: %v", job.ID, err)
	}
}

// DetectGaps diffs the full current source enumeration against the
// ledger. Items absent from the ledger are unsynced; items whose source
// date is newer than their sync time are modified and candidates for
// re-sync.
func (v *Verifier) DetectGaps(ctx context.Context, enum source.Enumerator, destinationID string) (*models.GapDetectionResult, error) {
	if err := v.acquire(); err != nil {
		return nil, err
	}
	defer v.release()

	syncedDates, err := v.store.SyncedDates(destinationID)
	if err != nil {
		return nil, err
	}

	// The enumeration gets its own cancellable context so breaking out of
	// the loop releases the enumerator goroutine instead of stranding it
	// on the items channel.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	items, errc := enum.Enumerate(ctx, source.Filter{})
	result := &models.GapDetectionResult{}
	for ref := range items {
		if v.cancelled.Load() {
			stop()
			for range items {
			}
			return result, nil
		}
		result.TotalInLibrary++
		syncedAt, ok := syncedDates[ref.LocalID]
		if !ok {
			result.UnsyncedItems = append(result.UnsyncedItems, ref)
			continue
		}
		result.TotalSynced++
		if ref.Date.After(syncedAt) {
			result.ModifiedItems = append(result.ModifiedItems, ref)
		}
	}
	select {
	case err := <-errc:
		if err != nil {
			return nil, err
		}
	default:
	}
	return result, nil
}
