// Package timeline maintains the per-(run, trial, criterion) statistical
// summaries. A single background consumer drains a coalescing map of pending
// keys, recomputes the statistics from the stored sample, and upserts the
// timeline rows. Pending keys are mirrored into a durable queue so a crashed
// process resumes where it left off.
package timeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/benchdb/server/metrics"
	"github.com/benchdb/server/stats"
	"github.com/benchdb/server/types"
)

// maxPendingValues caps the in-memory backlog. Producers block above the
// threshold until the consumer drains.
const maxPendingValues = 65536

// Store is the persistence surface the updater needs.
type Store interface {
	InsertTimelineJobs(ctx context.Context, keys []types.TimelineKey) error
	ListTimelineJobs(ctx context.Context) ([]types.TimelineKey, error)
	DeleteTimelineJob(ctx context.Context, key types.TimelineKey) error
	FetchMeasurementSample(ctx context.Context, key types.TimelineKey) ([]float64, error)
	UpsertTimelineEntry(ctx context.Context, entry *types.TimelineEntry) error
}

// Updater is the multi-producer, single-consumer timeline worker.
type Updater struct {
	store      Store
	replicates int
	log        logrus.FieldLogger

	// OnUpdate, when set before Start, is invoked after each successful
	// upsert. Used to push live updates to websocket clients.
	OnUpdate func(key types.TimelineKey)

	mu            sync.Mutex
	cond          *sync.Cond
	pending       map[types.TimelineKey][]float64
	pendingValues int
	quiescent     bool
	quiet         chan struct{}
	stopped       bool

	trigger chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewUpdater creates an updater computing with the given bootstrap replicate
// count. Start must be called before values are submitted.
func NewUpdater(store Store, replicates int) *Updater {
	u := &Updater{
		store:      store,
		replicates: replicates,
		log:        logrus.WithField("component", "timeline-updater"),
		pending:    make(map[types.TimelineKey][]float64),
		quiescent:  true,
		quiet:      closedChan(),
		trigger:    make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	u.cond = sync.NewCond(&u.mu)
	return u
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Start launches the consumer loop and re-enqueues every durable job left
// behind by a previous process as a recompute-from-database request.
func (u *Updater) Start(ctx context.Context) error {
	jobs, err := u.store.ListTimelineJobs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pending timeline jobs: %w", err)
	}

	if len(jobs) > 0 {
		u.log.WithField("jobs", len(jobs)).Info("Resuming timeline jobs from durable queue")
		u.mu.Lock()
		for _, key := range jobs {
			if _, ok := u.pending[key]; !ok {
				u.pending[key] = nil
			}
		}
		u.markBusyLocked()
		u.mu.Unlock()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	u.cancel = cancel
	go u.consume(loopCtx)

	if len(jobs) > 0 {
		u.wake()
	}
	return nil
}

// AddValue appends one accepted total-criterion value to the pending list of
// its key. Blocks briefly when the backlog cap is reached.
func (u *Updater) AddValue(runID, trialID, criterionID int64, value float64) {
	key := types.TimelineKey{TrialID: trialID, RunID: runID, CriterionID: criterionID}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		u.log.WithField("key", key).Debug("Dropping value submitted after shutdown")
		return
	}
	for u.pendingValues >= maxPendingValues && !u.stopped {
		u.cond.Wait()
	}
	if u.stopped {
		return
	}

	u.pending[key] = append(u.pending[key], value)
	u.pendingValues++
	metrics.TimelinePendingValues.Set(float64(u.pendingValues))
	u.markBusyLocked()
}

// SubmitUpdateJobs persists one durable job per pending key and wakes the
// consumer. Duplicate submissions coalesce on the job key.
func (u *Updater) SubmitUpdateJobs(ctx context.Context) error {
	u.mu.Lock()
	keys := make([]types.TimelineKey, 0, len(u.pending))
	for key := range u.pending {
		keys = append(keys, key)
	}
	u.mu.Unlock()

	if len(keys) == 0 {
		return nil
	}
	if err := u.store.InsertTimelineJobs(ctx, keys); err != nil {
		return err
	}

	u.wake()
	return nil
}

// AwaitQuiescence blocks until the pending map has drained with no job in
// flight, or the context is done.
func (u *Updater) AwaitQuiescence(ctx context.Context) error {
	u.mu.Lock()
	ch := u.quiet
	u.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop flushes remaining work, awaits quiescence, and terminates the
// consumer. New values are dropped from this point on.
func (u *Updater) Stop(ctx context.Context) error {
	u.mu.Lock()
	u.stopped = true
	u.cond.Broadcast()
	u.mu.Unlock()

	if err := u.SubmitUpdateJobs(ctx); err != nil {
		u.log.WithError(err).Warn("Failed to flush timeline jobs during shutdown")
	}
	if err := u.AwaitQuiescence(ctx); err != nil {
		return err
	}

	if u.cancel != nil {
		u.cancel()
		select {
		case <-u.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (u *Updater) wake() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// markBusyLocked transitions out of the quiescent state. Caller holds mu.
func (u *Updater) markBusyLocked() {
	if u.quiescent {
		u.quiescent = false
		u.quiet = make(chan struct{})
	}
}

// consume is the single consumer loop: drain by atomic swap, recompute each
// key, re-loop while producers kept the map non-empty, then resolve
// quiescence and sleep until the next submission.
func (u *Updater) consume(ctx context.Context) {
	defer close(u.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-u.trigger:
		}

		for {
			u.mu.Lock()
			batch := u.pending
			if len(batch) == 0 {
				if !u.quiescent {
					u.quiescent = true
					close(u.quiet)
				}
				u.mu.Unlock()
				break
			}
			u.pending = make(map[types.TimelineKey][]float64)
			u.pendingValues = 0
			metrics.TimelinePendingValues.Set(0)
			u.cond.Broadcast()
			u.mu.Unlock()

			for key := range batch {
				if ctx.Err() != nil {
					return
				}
				u.processJob(ctx, key)
			}
		}
	}
}

// processJob recomputes one key from the authoritative stored sample. The
// durable job row is removed after a successful upsert, or right away when no
// measurements are stored for the key; on failure it is kept so a later pass
// retries.
func (u *Updater) processJob(ctx context.Context, key types.TimelineKey) {
	sample, err := u.store.FetchMeasurementSample(ctx, key)
	if err != nil {
		u.jobFailed(key, err)
		return
	}
	if len(sample) == 0 {
		// Job without stored measurements, nothing to summarize.
		if err := u.store.DeleteTimelineJob(ctx, key); err != nil {
			u.jobFailed(key, err)
		}
		return
	}

	summary := stats.Compute(sample, u.replicates, nil)
	entry := &types.TimelineEntry{
		RunID:       key.RunID,
		TrialID:     key.TrialID,
		CriterionID: key.CriterionID,
		Min:         summary.Min,
		Max:         summary.Max,
		StdDev:      summary.StdDev,
		Mean:        summary.Mean,
		Median:      summary.Median,
		NumSamples:  summary.NumSamples,
		BCI95Low:    summary.BCI95Low,
		BCI95Up:     summary.BCI95Up,
	}

	if err := u.store.UpsertTimelineEntry(ctx, entry); err != nil {
		u.jobFailed(key, err)
		return
	}
	if err := u.store.DeleteTimelineJob(ctx, key); err != nil {
		u.jobFailed(key, err)
		return
	}

	metrics.TimelineJobsProcessed.Inc()
	if u.OnUpdate != nil {
		u.OnUpdate(key)
	}
}

func (u *Updater) jobFailed(key types.TimelineKey, err error) {
	metrics.TimelineJobsFailed.Inc()
	u.log.WithError(err).WithFields(logrus.Fields{
		"trial_id":     key.TrialID,
		"run_id":       key.RunID,
		"criterion_id": key.CriterionID,
	}).Error("Timeline job failed, keeping durable job for retry")
}
