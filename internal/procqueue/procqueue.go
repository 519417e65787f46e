// Package procqueue is the persistent message processor queue (C9): a
// FIFO of per-message jobs backed by C1 rows so it survives process
// restart, drained by a small worker pool that drives a message through
// C5's summary, action, and reply stages in order. Jobs marked Priority
// are dispatched on a separate lane that every worker drains ahead of
// the regular FIFO lane.
//
// The worker-pool lifecycle (context-cancellable goroutines synchronized
// on shutdown via a done channel, panic recovery around each unit of
// work) is grounded on the reference daemon's periodic pruner goroutine.
package procqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/allaspectsdev/mailcore/internal/collaborator"
	"github.com/allaspectsdev/mailcore/internal/coreerr"
	"github.com/allaspectsdev/mailcore/internal/kvstore"
)

const jobPrefix = "queue:jobs:"

// Job is one FIFO element. Jobs with identical Fingerprint are coalesced
// on enqueue: ForceRecompute and Priority OR-together into the existing
// entry rather than adding a duplicate.
type Job struct {
	ID             string                     `json:"id"`
	Fingerprint    string                     `json:"fingerprint"`
	Header         collaborator.MessageHeader `json:"header"`
	ForceRecompute bool                       `json:"force_recompute"`
	Priority       bool                       `json:"priority"`
	Attempts       int                        `json:"attempts"`
	Source         string                     `json:"source"`
}

// Stage drives one message through the pipeline (summary, then action,
// then reply). A transient error causes the job to be re-enqueued with
// an incremented attempt count; the Queue does not interpret the error
// itself.
type Stage func(ctx context.Context, job Job) error

// Queue is the C9 persistent FIFO and worker pool.
type Queue struct {
	store       *kvstore.Store
	stage       Stage
	onDrain     func()
	workers     int
	maxAttempts int
	log         zerolog.Logger

	mu      sync.Mutex
	pending map[string]*Job // fp -> job not yet claimed by a worker

	work         chan string
	priorityWork chan string
	wg           sync.WaitGroup

	processedSinceIdle int32
}

// New constructs a Queue. stage is invoked once per dispatched job; onDrain
// (may be nil) is invoked after a drain that processed at least one job.
func New(store *kvstore.Store, workers, maxAttempts int, stage Stage, onDrain func(), log zerolog.Logger) *Queue {
	if workers <= 0 {
		workers = 1
	}
	return &Queue{
		store:        store,
		stage:        stage,
		onDrain:      onDrain,
		workers:      workers,
		maxAttempts:  maxAttempts,
		log:          log.With().Str("component", "procqueue").Logger(),
		pending:      make(map[string]*Job),
		work:         make(chan string, 1024),
		priorityWork: make(chan string, 1024),
	}
}

// Start loads any persisted jobs (restart recovery), launches the worker
// pool, and dispatches the recovered jobs so a prior process's unfinished
// work is actually picked up rather than sitting in pending forever.
func (q *Queue) Start(ctx context.Context) error {
	recovered, err := q.loadPersisted(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
	for _, job := range recovered {
		if err := q.dispatch(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// dispatch sends fp to the priority lane if job.Priority is set, else the
// regular FIFO lane. Workers always drain the priority lane first (§2/§4.9's
// priority lane).
func (q *Queue) dispatch(ctx context.Context, job *Job) error {
	ch := q.work
	if job.Priority {
		ch = q.priorityWork
	}
	select {
	case ch <- job.Fingerprint:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Stop waits for all workers to return after ctx has been cancelled by
// the caller.
func (q *Queue) Stop() {
	q.wg.Wait()
}

// loadPersisted repopulates the in-memory pending index from queue:jobs:
// rows and returns the jobs recovered, in key-scan order, so the caller
// can dispatch them to the correct lane.
func (q *Queue) loadPersisted(ctx context.Context) ([]*Job, error) {
	keys, err := q.store.KeysWithPrefix(ctx, []string{jobPrefix})
	if err != nil {
		return nil, fmt.Errorf("procqueue: load persisted jobs: %w", coreerr.ErrStorage)
	}
	var recovered []*Job
	for _, key := range keys {
		rec, ok, err := q.store.GetOne(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("procqueue: read %s: %w", key, coreerr.ErrStorage)
		}
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal(rec.Value, &job); err != nil {
			q.log.Warn().Err(err).Str("key", key).Msg("dropping unreadable persisted job")
			continue
		}
		q.mu.Lock()
		q.enqueueLocked(&job)
		q.mu.Unlock()
		recovered = append(recovered, &job)
	}
	return recovered, nil
}

// Enqueue adds job to the queue, coalescing with an existing pending job
// for the same fingerprint if one exists. A fresh job is assigned a job ID
// for log correlation if it doesn't already carry one (e.g. on re-enqueue
// after a transient failure).
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	q.mu.Lock()
	if existing, ok := q.pending[job.Fingerprint]; ok {
		existing.Priority = existing.Priority || job.Priority
		existing.ForceRecompute = existing.ForceRecompute || job.ForceRecompute
		merged := *existing
		q.mu.Unlock()
		return q.persist(ctx, merged)
	}
	q.enqueueLocked(&job)
	q.mu.Unlock()

	if err := q.persist(ctx, job); err != nil {
		return err
	}

	return q.dispatch(ctx, &job)
}

// enqueueLocked adds job to the in-memory pending index. Callers must
// hold q.mu.
func (q *Queue) enqueueLocked(job *Job) {
	q.pending[job.Fingerprint] = job
}

func (q *Queue) persist(ctx context.Context, job Job) error {
	buf, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("procqueue: encode job: %w", coreerr.ErrStorage)
	}
	if err := q.store.SetOne(ctx, jobPrefix+job.Fingerprint, buf, "queue"); err != nil {
		return fmt.Errorf("procqueue: persist job: %w", coreerr.ErrStorage)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, fp string) {
	if err := q.store.Remove(ctx, []string{jobPrefix + fp}); err != nil {
		q.log.Warn().Err(err).Str("fingerprint", fp).Msg("failed to remove completed job record")
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		// Drain the priority lane first; only fall through to the regular
		// FIFO lane once it is empty.
		select {
		case <-ctx.Done():
			return
		case fp, ok := <-q.priorityWork:
			if !ok {
				return
			}
			q.process(ctx, fp)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case fp, ok := <-q.priorityWork:
			if !ok {
				return
			}
			q.process(ctx, fp)
		case fp, ok := <-q.work:
			if !ok {
				return
			}
			q.process(ctx, fp)
		}
	}
}

func (q *Queue) process(ctx context.Context, fp string) {
	q.mu.Lock()
	mapJob, ok := q.pending[fp]
	var job *Job
	if ok {
		delete(q.pending, fp)
		snapshot := *mapJob
		job = &snapshot
	}
	q.mu.Unlock()
	if !ok {
		return
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				q.log.Error().Interface("panic", r).Str("fingerprint", fp).Msg("procqueue: recovered from panic running job")
			}
		}()

		err := q.stage(ctx, *job)
		if err == nil {
			q.remove(ctx, fp)
			q.onJobDone()
			return
		}

		job.Attempts++
		if job.Attempts > q.maxAttempts {
			q.log.Error().Err(err).Str("job_id", job.ID).Str("fingerprint", fp).Int("attempts", job.Attempts).Msg("job exceeded max attempts, dropping")
			q.remove(ctx, fp)
			q.onJobDone()
			return
		}

		q.log.Warn().Err(err).Str("job_id", job.ID).Str("fingerprint", fp).Int("attempts", job.Attempts).Msg("job failed, re-enqueueing")
		if reErr := q.Enqueue(ctx, *job); reErr != nil {
			q.log.Error().Err(reErr).Str("job_id", job.ID).Str("fingerprint", fp).Msg("failed to re-enqueue job")
		}
	}()
}

// onJobDone fires onDrain once the queue has fully drained after
// processing at least one job.
func (q *Queue) onJobDone() {
	q.mu.Lock()
	q.processedSinceIdle++
	drained := len(q.pending) == 0 && len(q.work) == 0
	processed := q.processedSinceIdle
	if drained {
		q.processedSinceIdle = 0
	}
	q.mu.Unlock()

	if drained && processed > 0 && q.onDrain != nil {
		q.onDrain()
	}
}

// Depth returns the number of jobs currently pending dispatch, for
// operational introspection.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
