// Package engine drives deduplicated, concurrent, resumable transfers
// from a source collection to a destination store, and audits the result.
// It is constructed once per process and handed to callers; the ledger
// store is the only shared mutable resource.
package engine

import (
	"context"
	"log"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chmdznr/mediasync/internal/dest"
	"github.com/chmdznr/mediasync/internal/fingerprint"
	"github.com/chmdznr/mediasync/internal/ledger"
	"github.com/chmdznr/mediasync/internal/source"
	"github.com/chmdznr/mediasync/pkg/errs"
	"github.com/chmdznr/mediasync/pkg/models"
)

// State is the orchestrator's lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StatePreparing State = "preparing"
	StateSyncing   State = "syncing"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

const (
	maxWorkers       = 10
	defaultWorkers   = 4
	defaultBatchSize = 100
)

// Transformer optionally rewrites an exported item before fingerprinting
// and upload (format conversion, client-side encryption).
type Transformer interface {
	Transform(item *source.Item) (*source.Item, error)
}

// Config holds per-engine settings, read at job start and immutable for
// the duration of that job.
type Config struct {
	// Workers bounds transfer concurrency, clamped to 1..10.
	Workers int
	// BatchSize is the ledger write batch size.
	BatchSize int
	// RemotePrefix is joined in front of every item's remote path.
	RemotePrefix string
	// Transformer, when non-nil, is applied to every exported item.
	Transformer Transformer
	// ClientFactory builds the destination client for a record. Defaults
	// to dest.New; tests substitute fakes here.
	ClientFactory func(*models.DestinationRecord) (dest.Client, error)
}

// Engine orchestrates sync runs against one destination at a time.
type Engine struct {
	store *ledger.Store
	src   source.Enumerator
	cfg   Config

	mu        sync.Mutex
	state     State
	jobID     string
	track     *tracker
	resumeCh  chan struct{}
	cancelRun context.CancelFunc
	done      chan struct{}
	runErr    error
}

// New creates an idle engine.
func New(store *ledger.Store, src source.Enumerator, cfg Config) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Workers > maxWorkers {
		cfg.Workers = maxWorkers
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.ClientFactory == nil {
		cfg.ClientFactory = dest.New
	}
	return &Engine{
		store: store,
		src:   src,
		cfg:   cfg,
		state: StateIdle,
	}
}

// State returns the current orchestrator state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns a live snapshot of the current (or last) run.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	st, tr := e.state, e.track
	e.mu.Unlock()
	if tr == nil {
		return Progress{State: st, ETASeconds: -1}
	}
	return tr.snapshot(st)
}

// StartSync begins a new run against the destination. It fails with
// ErrAlreadyRunning while a run is in progress; terminal states and idle
// may start a fresh run. The call returns once the run is scheduled;
// Wait blocks until it finishes.
func (e *Engine) StartSync(destinationID string, filter source.Filter) error {
	if destinationID == "" {
		return errs.NewValidation("destination id is required")
	}

	e.mu.Lock()
	switch e.state {
	case StatePreparing, StateSyncing, StatePaused:
		e.mu.Unlock()
		return errs.ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	resumeCh := make(chan struct{})
	close(resumeCh) // gate starts open
	e.state = StatePreparing
	e.jobID = ""
	e.track = nil
	e.resumeCh = resumeCh
	e.cancelRun = cancel
	e.done = make(chan struct{})
	e.runErr = nil
	e.mu.Unlock()

	go e.run(ctx, destinationID, filter)
	return nil
}

// Wait blocks until the current run reaches a terminal state and returns
// its outcome: nil for a clean run, ErrNothingToSync or PartialFailure
// for benign completions, ErrCancelled, or the fatal setup error.
func (e *Engine) Wait() error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return errs.ErrNotRunning
	}
	<-done
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runErr
}

// Pause stops dispatching new items; in-flight transfers finish.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if e.state != StateSyncing {
		e.mu.Unlock()
		return errs.ErrNotRunning
	}
	e.state = StatePaused
	e.resumeCh = make(chan struct{})
	jobID := e.jobID
	e.mu.Unlock()

	e.persistJobStatus(jobID, models.JobPaused)
	return nil
}

// Resume continues dispatch from the next undispatched candidate.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if e.state != StatePaused {
		e.mu.Unlock()
		return errs.ErrNotRunning
	}
	e.state = StateSyncing
	close(e.resumeCh)
	jobID := e.jobID
	e.mu.Unlock()

	e.persistJobStatus(jobID, models.JobRunning)
	return nil
}

// Cancel stops the run. In-flight transfers drain and their ledger
// records stand; the job finalizes as cancelled.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	switch e.state {
	case StatePreparing, StateSyncing, StatePaused:
	default:
		e.mu.Unlock()
		return errs.ErrNotRunning
	}
	cancel := e.cancelRun
	e.mu.Unlock()

	cancel()
	return nil
}

func (e *Engine) persistJobStatus(jobID string, status models.JobStatus) {
	if jobID == "" {
		return
	}
	job, err := e.store.GetJob(jobID)
	if err != nil {
		log.Printf("failed to load job %s: %v", jobID, err)
		return
	}
	job.Status = status
	if err := e.store.UpdateJob(job); err != nil {
		log.Printf("failed to update job %s status: %v", jobID, err)
	}
}

// gate returns the channel the dispatcher blocks on while paused.
func (e *Engine) gate() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumeCh
}

// finish records the terminal outcome and releases Wait.
func (e *Engine) finish(s State, err error) {
	e.mu.Lock()
	e.state = s
	e.runErr = err
	done := e.done
	e.mu.Unlock()
	close(done)
}

func (e *Engine) run(ctx context.Context, destinationID string, filter source.Filter) {
	job := &models.Job{
		ID:            uuid.NewString(),
		DestinationID: destinationID,
		Status:        models.JobRunning,
		StartTime:     time.Now().UTC(),
	}
	if err := e.store.CreateJob(job); err != nil {
		e.finish(StateFailed, err)
		return
	}
	e.mu.Lock()
	e.jobID = job.ID
	e.mu.Unlock()

	fail := func(err error) {
		now := time.Now().UTC()
		job.Status = models.JobFailed
		job.EndTime = &now
		if uerr := e.store.UpdateJob(job); uerr != nil {
			log.Printf("failed to finalize job %s: %v", job.ID, uerr)
		}
		e.finish(StateFailed, err)
	}

	// Setup phase: failures here abort the run before any item is
	// dispatched.
	if err := e.src.Authorize(); err != nil {
		fail(err)
		return
	}
	rec, err := e.store.GetDestination(destinationID)
	if err != nil {
		fail(err)
		return
	}
	client, err := e.cfg.ClientFactory(rec)
	if err != nil {
		fail(err)
		return
	}
	if err := client.Connect(ctx); err != nil {
		fail(err)
		return
	}
	defer client.Disconnect()

	candidates, scanned, err := e.collectCandidates(ctx, destinationID, filter)
	if err != nil {
		if ctx.Err() != nil {
			e.finalize(job, StateCancelled, errs.ErrCancelled)
			return
		}
		fail(err)
		return
	}
	job.ItemsScanned = scanned

	if len(candidates) == 0 {
		// Nothing to do is a successful run, not an error.
		e.mu.Lock()
		e.track = newTracker(0, 0)
		e.mu.Unlock()
		e.finalize(job, StateCompleted, errs.ErrNothingToSync)
		return
	}

	var totalBytes int64
	for _, ref := range candidates {
		totalBytes += ref.Size
	}
	e.mu.Lock()
	e.track = newTracker(int64(len(candidates)), totalBytes)
	e.mu.Unlock()
	e.setStateIfActive(StateSyncing)

	jobs := make(chan models.ItemRef)
	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.worker(ctx, client, job, jobs)
		}()
	}

dispatch:
	for _, ref := range candidates {
		// The pause gate sits before dispatch, so pausing lets in-flight
		// transfers finish without admitting new items.
		select {
		case <-e.gate():
		case <-ctx.Done():
			break dispatch
		}
		select {
		case jobs <- ref:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	if ctx.Err() != nil {
		e.finalize(job, StateCancelled, errs.ErrCancelled)
		return
	}

	_, failed, _ := e.track.counts()
	var runErr error
	if failed > 0 {
		runErr = &errs.PartialFailure{
			Success: int64(len(candidates)) - failed,
			Failure: failed,
		}
	}
	e.finalize(job, StateCompleted, runErr)
}

// setStateIfActive avoids stomping a pause that raced the transition.
func (e *Engine) setStateIfActive(s State) {
	e.mu.Lock()
	if e.state == StatePreparing || e.state == StateSyncing {
		e.state = s
	}
	e.mu.Unlock()
}

// collectCandidates enumerates the source under the filter and drops
// everything the ledger already records for this destination.
func (e *Engine) collectCandidates(ctx context.Context, destinationID string, filter source.Filter) ([]models.ItemRef, int64, error) {
	items, errc := e.src.Enumerate(ctx, filter)

	var refs []models.ItemRef
	var ids []string
	for ref := range items {
		refs = append(refs, ref)
		ids = append(ids, ref.LocalID)
	}
	select {
	case err := <-errc:
		if err != nil {
			return nil, 0, err
		}
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	synced, err := e.store.LookupSyncedIDs(ids, destinationID)
	if err != nil {
		return nil, 0, err
	}

	candidates := refs[:0]
	for _, ref := range refs {
		if _, ok := synced[ref.LocalID]; !ok {
			candidates = append(candidates, ref)
		}
	}
	return candidates, int64(len(refs)), nil
}

// worker processes items until the jobs channel closes, batching ledger
// writes for throughput. Per-item failures never abort the pool.
func (e *Engine) worker(ctx context.Context, client dest.Client, job *models.Job, jobs <-chan models.ItemRef) {
	batch := make([]models.SyncedItem, 0, e.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := e.store.BatchUpsertSyncedItems(batch); err != nil {
			log.Printf("failed to persist %d synced items: %v", len(batch), err)
		}
		batch = batch[:0]
	}
	defer flush()

	for ref := range jobs {
		// An item handed off just as a pause landed must not start; it
		// waits here until resume (or cancellation) like everything else.
		select {
		case <-e.gate():
		case <-ctx.Done():
			return
		}
		e.track.begin(ref.LocalID)
		item, err := e.processItem(ctx, client, ref, job.DestinationID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.recordFailure(job.ID, ref.LocalID, err)
			e.track.fail()
			continue
		}
		batch = append(batch, *item)
		e.track.done()
		if len(batch) >= e.cfg.BatchSize {
			flush()
		}
	}
}

/// processItem runs the transfer pipeline for one candidate:
// export -> transform -> fingerprint -> upload -> ledger record.
func (e *Engine) processItem(ctx context.Context, client dest.Client, ref models.ItemRef, destinationID string) (*models.SyncedItem, error) {
	item, err := e.src.Export(ctx, ref.LocalID)
	if err != nil {
		return nil, err
	}
	if e.cfg.Transformer != nil {
		item, err = e.cfg.Transformer.Transform(item)
		if err != nil {
			return nil, errs.NewSource("transform item", ref.LocalID, false, err)
		}
	}

	fp := fingerprint.Sum(item.Data)
	remotePath := path.Join(e.cfg.RemotePrefix, ref.LocalID)

	var sent int64
	res, err := client.Upload(ctx, item.Data, remotePath, fp, func(n int64) {
		e.track.addBytes(n - sent)
		sent = n
	})
	if err != nil {
		return nil, err
	}
	size := res.Size

	// Composite assets carry a paired companion (e.g. live photo video),
	// stored next to the primary object.
	if len(item.CompanionData) > 0 {
		var csent int64
		cres, err := client.Upload(ctx, item.CompanionData, remotePath+".companion",
			fingerprint.Sum(item.CompanionData), func(n int64) {
				e.track.addBytes(n - csent)
				csent = n
			})
		if err != nil {
			return nil, err
		}
		size += cres.Size
	}

	return &models.SyncedItem{
		ID:            uuid.NewString(),
		LocalID:       ref.LocalID,
		DestinationID: destinationID,
		RemotePath:    remotePath,
		Fingerprint:   fp,
		SyncedAt:      time.Now().UTC(),
		ByteSize:      size,
	}, nil
}

// recordFailure appends one attributable error entry to the job log.
func (e *Engine) recordFailure(jobID, itemID string, cause error) {
	log.Printf("item %s failed: %v", itemID, cause)
	entry := &models.ErrorEntry{
		ID:        uuid.NewString(),
		JobID:     jobID,
		ItemID:    itemID,
		Message:   cause.Error(),
		Category:  string(errs.CategoryOf(cause)),
		Retryable: errs.ShouldRetry(cause),
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendErrorEntry(entry); err != nil {
		log.Printf("failed to record error for %s: %v", itemID, err)
	}
}

// finalize writes the terminal job record and releases Wait.
func (e *Engine) finalize(job *models.Job, s State, runErr error) {
	now := time.Now().UTC()
	completed, failed, transferred := int64(0), int64(0), int64(0)
	var avg float64
	e.mu.Lock()
	tr := e.track
	e.mu.Unlock()
	if tr != nil {
		completed, failed, transferred = tr.counts()
		avg = tr.averageSpeed()
	}

	switch s {
	case StateCancelled:
		job.Status = models.JobCancelled
	case StateFailed:
		job.Status = models.JobFailed
	default:
		job.Status = models.JobCompleted
	}
	job.EndTime = &now
	job.ItemsSynced = completed - failed
	job.ItemsFailed = failed
	job.BytesTransferred = transferred
	if avg > 0 {
		job.AverageSpeed = &avg
	}
	if err := e.store.UpdateJob(job); err != nil {
		log.Printf("failed to finalize job %s: %v", job.ID, err)
	}
	e.finish(s, runErr)
}
