package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chmdznr/mediasync/internal/fingerprint"
	"github.com/chmdznr/mediasync/internal/ledger"
	"github.com/chmdznr/mediasync/internal/source"
	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
)

// seedLedger populates n synced items in the ledger and mirrors their
// objects into the fake destination.
func seedLedger(t *testing.T, store *ledger.Store, client *fakeClient, destID string, n int) []models.SyncedItem {
	t.Helper()
	var items []models.SyncedItem
	for i := 0; i < n; i++ {
		data := []byte(fmt.Sprintf("object-%04d", i))
		fp := fingerprint.Sum(data)
		remotePath := fmt.Sprintf("backup/IMG_%04d.jpg", i)
		item := models.SyncedItem{
			ID:            uuid.NewString(),
			LocalID:       fmt.Sprintf("IMG_%04d", i),
			DestinationID: destID,
			RemotePath:    remotePath,
			Fingerprint:   fp,
			SyncedAt:      time.Now().UTC().Add(-time.Hour),
			ByteSize:      int64(len(data)),
		}
		items = append(items, item)
		client.objects[remotePath] = fakeObject{data: data, fingerprint: fp}
	}
	require.NoError(t, store.BatchUpsertSyncedItems(items))
	return items
}

func newVerifyHarness(t *testing.T, n int) (*ledger.Store, *fakeClient, *Verifier, []models.SyncedItem) {
	t.Helper()
	store, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	client := newFakeClient()
	items := seedLedger(t, store, client, "dest-1", n)
	return store, client, NewVerifier(store), items
}

func TestVerifyBackupAllHealthy(t *testing.T) {
	store, client, v, items := newVerifyHarness(t, 10)

	job, err := v.VerifyBackup(context.Background(), client, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, models.VerificationFull, job.Kind)
	assert.Equal(t, int64(10), job.TotalItems)
	assert.Equal(t, int64(10), job.VerifiedCount)
	assert.True(t, job.IsFullyVerified())
	assert.InDelta(t, 1.0, job.SuccessRate(), 0.001)
	assert.NotNil(t, job.EndTime)

	// Verified items got their timestamp stamped.
	got, err := store.GetSyncedItem(items[0].LocalID, "dest-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastVerifiedAt)

	recent, err := store.RecentVerificationJobs(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, job.ID, recent[0].ID)
}

func TestVerifyBackupMixedClassification(t *testing.T) {
	store, client, v, items := newVerifyHarness(t, 3)
	client.missing[items[1].RemotePath] = true
	client.badFingerprint[items[2].RemotePath] = true

	job, err := v.VerifyBackup(context.Background(), client, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, int64(3), job.TotalItems)
	assert.Equal(t, int64(1), job.VerifiedCount)
	assert.Equal(t, int64(1), job.MissingCount)
	assert.Equal(t, int64(1), job.MismatchCount)
	assert.False(t, job.IsFullyVerified())

	// Only the verified item was stamped.
	got, err := store.GetSyncedItem(items[1].LocalID, "dest-1")
	require.NoError(t, err)
	assert.Nil(t, got.LastVerifiedAt)
}

func TestVerifySuccessRate(t *testing.T) {
	_, client, v, items := newVerifyHarness(t, 10)
	client.missing[items[3].RemotePath] = true
	client.missing[items[7].RemotePath] = true

	job, err := v.VerifyBackup(context.Background(), client, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, int64(8), job.VerifiedCount)
	assert.Equal(t, int64(2), job.MissingCount)
	assert.InDelta(t, 0.8, job.SuccessRate(), 0.01)
}

func TestVerifyCountsClientErrors(t *testing.T) {
	_, client, v, items := newVerifyHarness(t, 4)
	client.metaErr[items[0].RemotePath] = errors.New("connection reset")

	job, err := v.VerifyBackup(context.Background(), client, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, int64(1), job.ErrorCount)
	assert.Equal(t, int64(3), job.VerifiedCount)
	assert.False(t, job.IsFullyVerified())
}

func TestQuickVerifySampleBound(t *testing.T) {
	_, client, v, _ := newVerifyHarness(t, 3)

	// Sample larger than the ledger: never checks more than exist.
	job, err := v.QuickVerify(context.Background(), client, "dest-1", 10)
	require.NoError(t, err)
	assert.Equal(t, models.VerificationQuick, job.Kind)
	assert.Equal(t, int64(3), job.TotalItems)
	assert.Equal(t, int64(3), job.VerifiedCount)
}

func TestQuickVerifySamplesSubset(t *testing.T) {
	_, client, v, _ := newVerifyHarness(t, 50)

	job, err := v.QuickVerify(context.Background(), client, "dest-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), job.TotalItems)
	assert.Equal(t, int64(5), job.VerifiedCount)
}

func TestQuickVerifyRejectsBadSampleSize(t *testing.T) {
	_, client, v, _ := newVerifyHarness(t, 3)
	_, err := v.QuickVerify(context.Background(), client, "dest-1", 0)
	require.Error(t, err)
	assert.Equal(t, errs.Validation, errs.CategoryOf(err))
}

func TestIncrementalVerifySkipsFreshItems(t *testing.T) {
	store, client, v, items := newVerifyHarness(t, 6)

	// Stamp half the ledger as freshly verified.
	fresh := []string{items[0].ID, items[1].ID, items[2].ID}
	require.NoError(t, store.UpdateVerifiedAt(fresh, time.Now().UTC()))

	cutoff := time.Now().UTC().Add(-time.Minute)
	job, err := v.IncrementalVerify(context.Background(), client, "dest-1", cutoff)
	require.NoError(t, err)

	assert.Equal(t, models.VerificationIncremental, job.Kind)
	assert.Equal(t, int64(3), job.TotalItems)
	assert.Equal(t, int64(3), job.VerifiedCount)

	// Everything is now fresh, so the next incremental run has no scope.
	job, err = v.IncrementalVerify(context.Background(), client, "dest-1", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(0), job.TotalItems)
}

func TestVerificationSingleFlight(t *testing.T) {
	_, client, v, _ := newVerifyHarness(t, 5)
	client.metaGate = make(chan struct{})

	started := make(chan struct{})
	finished := make(chan error, 1)
	go func() {
		close(started)
		_, err := v.VerifyBackup(context.Background(), client, "dest-1")
		finished <- err
	}()
	<-started
	// Give the first run time to take the flag.
	time.Sleep(20 * time.Millisecond)

	_, err := v.QuickVerify(context.Background(), client, "dest-1", 2)
	assert.ErrorIs(t, err, errs.ErrVerificationRunning)

	close(client.metaGate)
	require.NoError(t, <-finished)

	// Released after the run finishes.
	_, err = v.QuickVerify(context.Background(), client, "dest-1", 2)
	require.NoError(t, err)
}

func TestVerifyCancelTruncatesTotals(t *testing.T) {
	_, client, v, _ := newVerifyHarness(t, 20)
	gate := make(chan struct{}, 20)
	client.metaGate = gate

	done := make(chan *models.VerificationJob, 1)
	go func() {
		job, err := v.VerifyBackup(context.Background(), client, "dest-1")
		if err != nil {
			done <- nil
			return
		}
		done <- job
	}()

	// Let 6 checks through, then cancel.
	for i := 0; i < 6; i++ {
		gate <- struct{}{}
	}
	time.Sleep(50 * time.Millisecond)
	v.Cancel()
	// Unblock any in-flight call; cancellation lands between items.
	for i := 0; i < 20; i++ {
		gate <- struct{}{}
	}

	job := <-done
	require.NotNil(t, job)
	assert.LessOrEqual(t, job.TotalItems, int64(8))
	assert.Equal(t, job.TotalItems, job.VerifiedCount+job.MismatchCount+job.MissingCount+job.ErrorCount)
	assert.NotNil(t, job.EndTime)
}

func TestDetectGapsMath(t *testing.T) {
	store, _, v, _ := newVerifyHarness(t, 0)

	// Source holds 100 items; the ledger records 80 of them.
	src := newFakeEnumerator(100)
	var synced []models.SyncedItem
	for i := 0; i < 80; i++ {
		synced = append(synced, models.SyncedItem{
			ID:            uuid.NewString(),
			LocalID:       fmt.Sprintf("IMG_%04d", i),
			DestinationID: "dest-1",
			RemotePath:    fmt.Sprintf("backup/IMG_%04d", i),
			Fingerprint:   "fp",
			SyncedAt:      time.Now().UTC(),
			ByteSize:      10,
		})
	}
	require.NoError(t, store.BatchUpsertSyncedItems(synced))

	result, err := v.DetectGaps(context.Background(), src, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, int64(100), result.TotalInLibrary)
	assert.Equal(t, int64(80), result.TotalSynced)
	assert.Equal(t, int64(20), result.GapCount())
	assert.InDelta(t, 80.0, result.SyncPercentage(), 0.001)
	assert.Empty(t, result.ModifiedItems)
}

func TestDetectGapsFlagsModifiedItems(t *testing.T) {
	store, _, v, _ := newVerifyHarness(t, 0)

	src := newFakeEnumerator(3)
	longAgo := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	items := []models.SyncedItem{
		// Synced before the source item's date: modified since sync.
		{ID: uuid.NewString(), LocalID: "IMG_0000", DestinationID: "dest-1", RemotePath: "backup/IMG_0000", SyncedAt: longAgo, ByteSize: 10},
		// Synced after: untouched.
		{ID: uuid.NewString(), LocalID: "IMG_0001", DestinationID: "dest-1", RemotePath: "backup/IMG_0001", SyncedAt: time.Now().UTC(), ByteSize: 10},
	}
	require.NoError(t, store.BatchUpsertSyncedItems(items))

	result, err := v.DetectGaps(context.Background(), src, "dest-1")
	require.NoError(t, err)

	assert.Equal(t, int64(3), result.TotalInLibrary)
	assert.Equal(t, int64(2), result.TotalSynced)
	assert.Equal(t, int64(1), result.GapCount())
	require.Len(t, result.ModifiedItems, 1)
	assert.Equal(t, "IMG_0000", result.ModifiedItems[0].LocalID)
}

// endlessEnumerator streams item refs forever until its context is
// cancelled, and closes exited when its goroutine returns.
type endlessEnumerator struct {
	exited chan struct{}
}

func (e *endlessEnumerator) Authorize() error { return nil }

func (e *endlessEnumerator) Enumerate(ctx context.Context, _ source.Filter) (<-chan models.ItemRef, <-chan error) {
	items := make(chan models.ItemRef)
	errc := make(chan error, 1)
	go func() {
		defer close(items)
		defer close(e.exited)
		for i := 0; ; i++ {
			ref := models.ItemRef{
				LocalID: fmt.Sprintf("IMG_%06d", i),
				Date:    time.Now().UTC(),
				Size:    1,
			}
			select {
			case items <- ref:
			case <-ctx.Done():
				return
			}
		}
	}()
	return items, errc
}

func (e *endlessEnumerator) Export(ctx context.Context, localID string) (*source.Item, error) {
	return nil, errs.NewSource("unknown item", localID, false, nil)
}

func TestDetectGapsCancelReleasesEnumerator(t *testing.T) {
	_, _, v, _ := newVerifyHarness(t, 0)
	enum := &endlessEnumerator{exited: make(chan struct{})}

	done := make(chan *models.GapDetectionResult, 1)
	go func() {
		result, err := v.DetectGaps(context.Background(), enum, "dest-1")
		if err != nil {
			done <- nil
			return
		}
		done <- result
	}()

	time.Sleep(50 * time.Millisecond)
	v.Cancel()

	select {
	case result := <-done:
		require.NotNil(t, result)
		assert.Greater(t, result.TotalInLibrary, int64(0))
	case <-time.After(2 * time.Second):
		t.Fatal("DetectGaps did not return after cancellation")
	}

	// The enumeration goroutine must not be left stranded on its channel.
	select {
	case <-enum.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("enumerator goroutine still running after DetectGaps returned")
	}
}

func TestGapPercentageEmptyLibrary(t *testing.T) {
	result := &models.GapDetectionResult{}
	assert.Equal(t, float64(0), result.SyncPercentage())
	assert.Equal(t, int64(0), result.GapCount())
}
