package tracker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"wyvernd/services/cluster"
	"wyvernd/services/events"
	"wyvernd/services/registry"
)

const (
	defaultInterval   = 5 * time.Second
	defaultMaxRetries = 5
	backoffBase       = 2 * time.Second
	maxBackoff        = 30 * time.Second
)

// MachineStore is the slice of the registry the tracker needs: committing
// terminal outcomes and flagging machines it can no longer track.
type MachineStore interface {
	FinishWorkflow(ctx context.Context, id uuid.UUID, outcome registry.WorkflowOutcome) (registry.Machine, error)
	SetStatus(ctx context.Context, id uuid.UUID, to registry.Status, reason string) (registry.Machine, error)
}

// WorkflowFetcher reads live workflow state from the cluster.
type WorkflowFetcher interface {
	GetWorkflow(ctx context.Context, name string) (cluster.Workflow, error)
}

type watch struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Tracker polls the workflow engine for every machine with an install in
// flight, maintains live progress snapshots, and commits terminal
// outcomes through the registry.
type Tracker struct {
	store     MachineStore
	fetcher   WorkflowFetcher
	estimator Estimator
	events    *events.Broadcaster
	logger    *log.Logger

	interval   time.Duration
	maxRetries int

	mu      sync.Mutex
	watches map[uuid.UUID]*watch

	snapMu    sync.RWMutex
	snapshots map[uuid.UUID]WorkflowInfo
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithInterval overrides the poll interval.
func WithInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithMaxRetries overrides how many consecutive fetch failures are
// tolerated before the machine is marked errored.
func WithMaxRetries(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxRetries = n
		}
	}
}

// New creates a Tracker bound to the provided dependencies.
func New(store MachineStore, fetcher WorkflowFetcher, estimator Estimator, broadcaster *events.Broadcaster, logger *log.Logger, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("machine store is required")
	}
	if fetcher == nil {
		return nil, errors.New("workflow fetcher is required")
	}
	if estimator == nil {
		return nil, errors.New("estimator is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	t := &Tracker{
		store:      store,
		fetcher:    fetcher,
		estimator:  estimator,
		events:     broadcaster,
		logger:     logger,
		interval:   defaultInterval,
		maxRetries: defaultMaxRetries,
		watches:    make(map[uuid.UUID]*watch),
		snapshots:  make(map[uuid.UUID]WorkflowInfo),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Watch starts polling the install workflow for a machine. A prior watch
// for the same machine is cancelled first, so re-imaging starts clean.
func (t *Tracker) Watch(ctx context.Context, machineID uuid.UUID, mac, template string) {
	t.Stop(machineID)

	runCtx, cancel := context.WithCancel(ctx)
	w := &watch{cancel: cancel, done: make(chan struct{})}

	t.mu.Lock()
	t.watches[machineID] = w
	t.mu.Unlock()
	trackedWorkflows.Inc()

	go t.run(runCtx, w, machineID, mac, template)
}

// Stop cancels the watch for a machine, waits for its loop to exit, and
// drops its progress snapshot.
func (t *Tracker) Stop(machineID uuid.UUID) {
	t.mu.Lock()
	w, ok := t.watches[machineID]
	t.mu.Unlock()
	if ok {
		w.cancel()
		<-w.done
	}

	t.snapMu.Lock()
	delete(t.snapshots, machineID)
	t.snapMu.Unlock()
}

// Snapshot returns the last observed progress for a machine.
func (t *Tracker) Snapshot(machineID uuid.UUID) (WorkflowInfo, bool) {
	t.snapMu.RLock()
	defer t.snapMu.RUnlock()
	info, ok := t.snapshots[machineID]
	return info, ok
}

// Active reports whether a machine currently has a poll loop.
func (t *Tracker) Active(machineID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.watches[machineID]
	return ok
}

// Close cancels all watches and waits for their loops to exit.
func (t *Tracker) Close() {
	t.mu.Lock()
	watches := make([]*watch, 0, len(t.watches))
	for _, w := range t.watches {
		w.cancel()
		watches = append(watches, w)
	}
	t.mu.Unlock()

	for _, w := range watches {
		<-w.done
	}
}

func (t *Tracker) run(ctx context.Context, w *watch, machineID uuid.UUID, mac, template string) {
	defer close(w.done)
	defer t.detach(machineID, w)

	name := cluster.WorkflowName(mac)
	failures := 0
	var prev *WorkflowInfo

	// First poll is immediate so resumed watches surface progress quickly.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wf, err := t.fetcher.GetWorkflow(ctx, name)
		if errors.Is(err, cluster.ErrNotFound) {
			// A definite answer: no workflow object exists for this
			// machine right now. Not a fetch failure, nothing to map.
			failures = 0
			timer.Reset(t.interval)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			trackerFetchFailures.Inc()
			if failures > t.maxRetries {
				t.giveUp(machineID, err)
				return
			}
			timer.Reset(t.backoffDelay(failures))
			continue
		}
		failures = 0

		info := buildInfo(ctx, machineID, template, wf, t.estimator, prev, time.Now().UTC())
		t.snapMu.Lock()
		t.snapshots[machineID] = info
		t.snapMu.Unlock()

		if changed(prev, info) {
			t.events.Publish(events.Event{
				Type:      events.TypeWorkflowProgress,
				MachineID: machineID.String(),
				Data:      info,
			})
		}

		if info.State.Terminal() {
			t.commit(ctx, machineID, info)
			return
		}

		copied := info
		prev = &copied
		timer.Reset(t.interval)
	}
}

// commit writes the terminal outcome through the registry. The archive row
// and the status flip land in one transaction there.
func (t *Tracker) commit(ctx context.Context, machineID uuid.UUID, info WorkflowInfo) {
	outcome := registry.WorkflowOutcome{
		Template:      info.Template,
		Succeeded:     info.State == cluster.WorkflowStateSuccess,
		CompletedAt:   info.UpdatedAt,
		TaskDurations: taskDurations(info),
	}
	if !outcome.Succeeded {
		outcome.Reason = failureReason(info)
	}
	if snapshot, err := encodeSnapshot(info); err == nil {
		outcome.Snapshot = snapshot
	}

	if _, err := t.store.FinishWorkflow(ctx, machineID, outcome); err != nil {
		// The machine may have been deleted or reassigned mid-install.
		t.logger.Printf("tracker: finish workflow for %s: %v", machineID, err)
	}
}

// giveUp marks a machine errored after fetch retries are exhausted. The
// failure is local; the cluster-side workflow is left untouched.
func (t *Tracker) giveUp(machineID uuid.UUID, cause error) {
	t.logger.Printf("tracker: giving up on %s: %v", machineID, cause)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := t.store.SetStatus(ctx, machineID, registry.StatusError, "workflow state unavailable: "+cause.Error()); err != nil {
		t.logger.Printf("tracker: mark %s errored: %v", machineID, err)
	}
}

// detach removes this loop's watch entry, leaving any replacement watch
// registered under the same machine untouched.
func (t *Tracker) detach(machineID uuid.UUID, w *watch) {
	t.mu.Lock()
	current, ok := t.watches[machineID]
	if ok && current == w {
		delete(t.watches, machineID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if ok {
		trackedWorkflows.Dec()
	}
}

// backoffDelay doubles per consecutive failure, capped so a flapping
// cluster API is retried at a steady cadence. The base is 2 s or the
// poll interval, whichever is smaller.
func (t *Tracker) backoffDelay(failures int) time.Duration {
	base := backoffBase
	if t.interval < base {
		base = t.interval
	}
	d := base << (failures - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}
