package tracker

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"wyvernd/services/cluster"
	"wyvernd/services/events"
	"wyvernd/services/registry"
)

type fakeStore struct {
	mu       sync.Mutex
	finished []registry.WorkflowOutcome
	statuses []registry.Status
	reasons  []string
}

func (f *fakeStore) FinishWorkflow(_ context.Context, id uuid.UUID, outcome registry.WorkflowOutcome) (registry.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, outcome)
	return registry.Machine{ID: id, Status: registry.StatusReady}, nil
}

func (f *fakeStore) SetStatus(_ context.Context, id uuid.UUID, to registry.Status, reason string) (registry.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, to)
	f.reasons = append(f.reasons, reason)
	return registry.Machine{ID: id, Status: to}, nil
}

func (f *fakeStore) finishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.finished)
}

func (f *fakeStore) lastStatus() (registry.Status, string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return "", "", false
	}
	return f.statuses[len(f.statuses)-1], f.reasons[len(f.reasons)-1], true
}

type fetchResult struct {
	wf  cluster.Workflow
	err error
}

type fakeFetcher struct {
	mu      sync.Mutex
	results []fetchResult
}

func (f *fakeFetcher) GetWorkflow(context.Context, string) (cluster.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return cluster.Workflow{}, errors.New("no scripted result")
	}
	result := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return result.wf, result.err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestTracker(t *testing.T, store MachineStore, fetcher WorkflowFetcher) (*Tracker, *events.Broadcaster) {
	t.Helper()
	broadcaster := events.New()
	t.Cleanup(broadcaster.Close)

	tr, err := New(store, fetcher, FixedEstimator(100*time.Second), broadcaster,
		log.New(io.Discard, "", 0), WithInterval(10*time.Millisecond), WithMaxRetries(2))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(tr.Close)
	return tr, broadcaster
}

func runningWorkflow(startedAt time.Time) cluster.Workflow {
	return cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State:         cluster.WorkflowStateRunning,
			CurrentAction: "stream-image",
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateRunning, StartedAt: &startedAt},
						{Name: "kexec", Status: cluster.WorkflowStatePending},
					},
				},
			},
		},
	}
}

func successWorkflow() cluster.Workflow {
	return cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateSuccess,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateSuccess, Seconds: 90},
						{Name: "kexec", Status: cluster.WorkflowStateSuccess, Seconds: 12},
					},
				},
			},
		},
	}
}

func TestBuildInfoWeightedProgress(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	started := now.Add(-50 * time.Second)

	wf := cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateRunning,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateSuccess, Seconds: 80},
						{Name: "write-config", Status: cluster.WorkflowStateRunning, StartedAt: &started},
						{Name: "kexec", Status: cluster.WorkflowStatePending},
					},
				},
			},
		},
	}

	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", wf, FixedEstimator(100*time.Second), nil, now)

	// Done weight: 100 (success) + 50 (elapsed of running) of 300 total.
	if info.Progress < 49 || info.Progress > 51 {
		t.Fatalf("progress = %v, want ~50", info.Progress)
	}
	// Remaining: 50s left of running + 100s pending.
	wantETA := now.Add(150 * time.Second)
	if info.EstimatedCompletion == nil || !info.EstimatedCompletion.Equal(wantETA) {
		t.Fatalf("eta = %v, want %v", info.EstimatedCompletion, wantETA)
	}
	if len(info.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(info.Tasks))
	}
	if info.Tasks[0].Status != TaskSuccess || info.Tasks[1].Status != TaskRunning || info.Tasks[2].Status != TaskPending {
		t.Fatalf("task statuses = %+v", info.Tasks)
	}
	if info.Tasks[0].Progress != 100 {
		t.Fatalf("finished task progress = %v, want 100", info.Tasks[0].Progress)
	}
	if info.Tasks[1].Progress < 49 || info.Tasks[1].Progress > 51 {
		t.Fatalf("running task progress = %v, want ~50", info.Tasks[1].Progress)
	}
	if info.Tasks[2].Progress != 0 {
		t.Fatalf("pending task progress = %v, want 0", info.Tasks[2].Progress)
	}
}

func TestBuildInfoProgressNeverRegresses(t *testing.T) {
	now := time.Now().UTC()
	prev := &WorkflowInfo{Progress: 90}

	wf := cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateRunning,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateRunning, StartedAt: &now},
					},
				},
			},
		},
	}

	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", wf, FixedEstimator(100*time.Second), prev, now)
	if info.Progress < 90 {
		t.Fatalf("progress regressed to %v", info.Progress)
	}
}

func TestBuildInfoFailureFreezesProgress(t *testing.T) {
	now := time.Now().UTC()
	prev := &WorkflowInfo{Progress: 62}

	// The failing action loses its running credit, so the raw recompute
	// would land well below the last reported value.
	wf := cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateFailed,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateSuccess, Seconds: 80},
						{Name: "write-config", Status: cluster.WorkflowStateFailed, Message: "disk full"},
						{Name: "kexec", Status: cluster.WorkflowStatePending},
					},
				},
			},
		},
	}

	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", wf, FixedEstimator(100*time.Second), prev, now)
	if info.Progress != 62 {
		t.Fatalf("progress = %v, want frozen at 62", info.Progress)
	}
	if info.Progress == 100 {
		t.Fatal("failed workflow must not read complete")
	}
	if info.EstimatedCompletion != nil {
		t.Fatalf("eta = %v, want none on terminal state", info.EstimatedCompletion)
	}
}

func TestBuildInfoRunningNeverCompletes(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-10 * time.Minute)

	wf := cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateRunning,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateRunning, StartedAt: &started},
					},
				},
			},
		},
	}

	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", wf, FixedEstimator(time.Minute), nil, now)
	if info.Progress >= 100 {
		t.Fatalf("running workflow reported complete: %v", info.Progress)
	}
}

func TestBuildInfoSuccessIsComplete(t *testing.T) {
	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", successWorkflow(), FixedEstimator(100*time.Second), nil, time.Now().UTC())
	if info.Progress != 100 {
		t.Fatalf("progress = %v, want 100", info.Progress)
	}
	if info.EstimatedCompletion != nil {
		t.Fatalf("eta = %v, want none once complete", info.EstimatedCompletion)
	}
}

func TestBuildInfoPreservesStartTimes(t *testing.T) {
	now := time.Now().UTC()
	started := now.Add(-30 * time.Second)
	prev := &WorkflowInfo{
		Tasks: []Task{
			{Name: "stream-image", Status: TaskRunning, StartedAt: &started},
		},
	}

	// Engine response dropped the start time.
	wf := cluster.Workflow{
		Status: &cluster.WorkflowStatus{
			State: cluster.WorkflowStateRunning,
			Tasks: []cluster.WorkflowTask{
				{
					Name: "os-install",
					Actions: []cluster.WorkflowAction{
						{Name: "stream-image", Status: cluster.WorkflowStateRunning},
					},
				},
			},
		},
	}

	info := buildInfo(context.Background(), uuid.New(), "ubuntu-2204", wf, FixedEstimator(100*time.Second), prev, now)
	if info.Tasks[0].StartedAt == nil || !info.Tasks[0].StartedAt.Equal(started) {
		t.Fatalf("start time not preserved: %+v", info.Tasks[0])
	}
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		info WorkflowInfo
		want string
	}{
		{
			name: "failed action with message",
			info: WorkflowInfo{
				State: cluster.WorkflowStateFailed,
				Tasks: []Task{{Name: "stream-image", Status: TaskFailed, Message: "disk full"}},
			},
			want: "action stream-image failed: disk full",
		},
		{
			name: "failed action without message",
			info: WorkflowInfo{
				State: cluster.WorkflowStateFailed,
				Tasks: []Task{{Name: "kexec", Status: TaskFailed}},
			},
			want: "action kexec failed",
		},
		{
			name: "timeout with no failed action",
			info: WorkflowInfo{State: cluster.WorkflowStateTimeout},
			want: "workflow timed out",
		},
		{
			name: "no detail",
			info: WorkflowInfo{State: cluster.WorkflowStateFailed},
			want: "workflow failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureReason(tt.info); got != tt.want {
				t.Fatalf("failureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChanged(t *testing.T) {
	base := WorkflowInfo{
		State:    cluster.WorkflowStateRunning,
		Progress: 50,
		Tasks:    []Task{{Name: "a", Status: TaskRunning}},
	}

	tests := []struct {
		name string
		prev *WorkflowInfo
		next WorkflowInfo
		want bool
	}{
		{name: "first observation", prev: nil, next: base, want: true},
		{name: "identical", prev: &base, next: base, want: false},
		{
			name: "state change",
			prev: &base,
			next: WorkflowInfo{State: cluster.WorkflowStateSuccess, Progress: 50, Tasks: base.Tasks},
			want: true,
		},
		{
			name: "progress moved",
			prev: &base,
			next: WorkflowInfo{State: cluster.WorkflowStateRunning, Progress: 51, Tasks: base.Tasks},
			want: true,
		},
		{
			name: "sub-threshold creep",
			prev: &base,
			next: WorkflowInfo{State: cluster.WorkflowStateRunning, Progress: 50.05, Tasks: base.Tasks},
			want: false,
		},
		{
			name: "task status flipped",
			prev: &base,
			next: WorkflowInfo{State: cluster.WorkflowStateRunning, Progress: 50, Tasks: []Task{{Name: "a", Status: TaskSuccess}}},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := changed(tt.prev, tt.next); got != tt.want {
				t.Fatalf("changed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTrackerCommitsSuccess(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{results: []fetchResult{
		{wf: runningWorkflow(time.Now().UTC())},
		{wf: successWorkflow()},
	}}
	tr, broadcaster := newTestTracker(t, store, fetcher)

	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	id := uuid.New()
	tr.Watch(context.Background(), id, "aa:bb:cc:00:11:22", "ubuntu-2204")

	waitFor(t, 2*time.Second, func() bool { return store.finishedCount() == 1 })

	store.mu.Lock()
	outcome := store.finished[0]
	store.mu.Unlock()

	if !outcome.Succeeded {
		t.Fatal("outcome not marked succeeded")
	}
	if outcome.Template != "ubuntu-2204" {
		t.Fatalf("template = %q", outcome.Template)
	}
	if outcome.TaskDurations["stream-image"] != 90*time.Second {
		t.Fatalf("durations = %v", outcome.TaskDurations)
	}
	if outcome.Snapshot == "" {
		t.Fatal("snapshot not recorded")
	}

	waitFor(t, 2*time.Second, func() bool { return !tr.Active(id) })

	// Final snapshot stays available for reads until the watch is replaced.
	info, ok := tr.Snapshot(id)
	if !ok || info.State != cluster.WorkflowStateSuccess {
		t.Fatalf("snapshot = %+v, ok = %v", info, ok)
	}

	var sawSuccess bool
	for !sawSuccess {
		select {
		case evt := <-ch:
			if evt.Type != events.TypeWorkflowProgress {
				t.Fatalf("unexpected event type %s", evt.Type)
			}
			if progress, ok := evt.Data.(WorkflowInfo); ok && progress.State == cluster.WorkflowStateSuccess {
				sawSuccess = true
			}
		case <-time.After(time.Second):
			t.Fatal("no terminal progress event observed")
		}
	}
}

func TestTrackerProgressClimbsAcrossTicks(t *testing.T) {
	started := time.Now().UTC()
	actions := func(done int, running bool) []cluster.WorkflowAction {
		names := []string{"stream-image", "write-netplan", "kexec"}
		out := make([]cluster.WorkflowAction, 0, len(names))
		for i, name := range names {
			switch {
			case i < done:
				out = append(out, cluster.WorkflowAction{Name: name, Status: cluster.WorkflowStateSuccess, Seconds: 45})
			case i == done && running:
				out = append(out, cluster.WorkflowAction{Name: name, Status: cluster.WorkflowStateRunning, StartedAt: &started})
			default:
				out = append(out, cluster.WorkflowAction{Name: name, Status: cluster.WorkflowStatePending})
			}
		}
		return out
	}
	wf := func(state cluster.WorkflowState, current string, done int, running bool) cluster.Workflow {
		return cluster.Workflow{Status: &cluster.WorkflowStatus{
			State:         state,
			CurrentAction: current,
			Tasks:         []cluster.WorkflowTask{{Name: "os-install", Actions: actions(done, running)}},
		}}
	}

	store := &fakeStore{}
	fetcher := &fakeFetcher{results: []fetchResult{
		{wf: wf(cluster.WorkflowStatePending, "", 0, false)},
		{wf: wf(cluster.WorkflowStateRunning, "write-netplan", 1, true)},
		{wf: wf(cluster.WorkflowStateRunning, "kexec", 2, true)},
		{wf: wf(cluster.WorkflowStateSuccess, "", 3, false)},
	}}
	tr, broadcaster := newTestTracker(t, store, fetcher)

	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	id := uuid.New()
	tr.Watch(context.Background(), id, "aa:bb:cc:dd:ee:ff", "ubuntu-2204")

	waitFor(t, 2*time.Second, func() bool { return store.finishedCount() == 1 })
	waitFor(t, 2*time.Second, func() bool { return !tr.Active(id) })

	var observed []float64
	for drained := false; !drained; {
		select {
		case evt := <-ch:
			info, ok := evt.Data.(WorkflowInfo)
			if !ok {
				t.Fatalf("event payload = %T, want WorkflowInfo", evt.Data)
			}
			observed = append(observed, info.Progress)
		default:
			drained = true
		}
	}

	if len(observed) < 4 {
		t.Fatalf("progress events = %v, want one per tick", observed)
	}
	if observed[0] != 0 {
		t.Fatalf("first progress = %v, want 0", observed[0])
	}
	for i := 1; i < len(observed); i++ {
		if observed[i] < observed[i-1] {
			t.Fatalf("progress regressed: %v", observed)
		}
	}
	if last := observed[len(observed)-1]; last != 100 {
		t.Fatalf("final progress = %v, want 100", last)
	}

	store.mu.Lock()
	outcome := store.finished[0]
	store.mu.Unlock()
	if !outcome.Succeeded {
		t.Fatal("terminal outcome not marked succeeded")
	}
}

func TestTrackerMarksErrorWhenFetchesExhausted(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: errors.New("connection refused")},
	}}
	tr, _ := newTestTracker(t, store, fetcher)

	id := uuid.New()
	tr.Watch(context.Background(), id, "aa:bb:cc:00:11:22", "ubuntu-2204")

	waitFor(t, 2*time.Second, func() bool {
		status, _, ok := store.lastStatus()
		return ok && status == registry.StatusError
	})

	_, reason, _ := store.lastStatus()
	if !strings.Contains(reason, "workflow state unavailable") {
		t.Fatalf("reason = %q", reason)
	}
	if store.finishedCount() != 0 {
		t.Fatal("fetch failure must not archive a workflow")
	}

	waitFor(t, 2*time.Second, func() bool { return !tr.Active(id) })
}

func TestTrackerTreatsAbsentWorkflowAsNoOp(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{results: []fetchResult{
		{err: cluster.ErrNotFound},
	}}
	tr, _ := newTestTracker(t, store, fetcher)

	id := uuid.New()
	tr.Watch(context.Background(), id, "aa:bb:cc:00:11:22", "ubuntu-2204")

	// Well past the retry budget for real fetch errors.
	time.Sleep(100 * time.Millisecond)

	if !tr.Active(id) {
		t.Fatal("watch gave up on a merely absent workflow")
	}
	if status, _, ok := store.lastStatus(); ok {
		t.Fatalf("status mutated to %s on absent workflow", status)
	}
	if store.finishedCount() != 0 {
		t.Fatal("absent workflow must not archive an outcome")
	}
}

func TestTrackerStopDropsWatchAndSnapshot(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{results: []fetchResult{
		{wf: runningWorkflow(time.Now().UTC())},
	}}
	tr, _ := newTestTracker(t, store, fetcher)

	id := uuid.New()
	tr.Watch(context.Background(), id, "aa:bb:cc:00:11:22", "ubuntu-2204")

	waitFor(t, 2*time.Second, func() bool {
		_, ok := tr.Snapshot(id)
		return ok
	})

	tr.Stop(id)

	if tr.Active(id) {
		t.Fatal("watch still active after Stop")
	}
	if _, ok := tr.Snapshot(id); ok {
		t.Fatal("snapshot survived Stop")
	}
	if store.finishedCount() != 0 {
		t.Fatal("Stop must not commit an outcome")
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	store := &fakeStore{}
	fetcher := &fakeFetcher{}
	broadcaster := events.New()
	t.Cleanup(broadcaster.Close)

	tr, err := New(store, fetcher, FixedEstimator(time.Second), broadcaster, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	var last time.Duration
	for failures := 1; failures <= 10; failures++ {
		d := tr.backoffDelay(failures)
		if d <= 0 {
			t.Fatalf("backoffDelay(%d) = %v", failures, d)
		}
		if d > maxBackoff {
			t.Fatalf("backoffDelay(%d) = %v exceeds cap", failures, d)
		}
		if d < last {
			t.Fatalf("backoffDelay(%d) = %v shrank from %v", failures, d, last)
		}
		last = d
	}
	if last != maxBackoff {
		t.Fatalf("backoff never reached cap: %v", last)
	}
}
