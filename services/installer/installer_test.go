package installer

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"wyvernd/services/events"
)

type fakeProber struct {
	mu     sync.Mutex
	inUse  map[string]bool
	errs   map[string]error
	probed []string
}

func (p *fakeProber) InUse(_ context.Context, ip string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, ip)
	if err := p.errs[ip]; err != nil {
		return false, err
	}
	return p.inUse[ip], nil
}

func (p *fakeProber) probeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probed)
}

type fakeBoot struct {
	mu    sync.Mutex
	path  string
	err   error
	calls []string
}

func (b *fakeBoot) Bootstrap(_ context.Context, floatingIP string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, floatingIP)
	if b.err != nil {
		return "", b.err
	}
	return b.path, nil
}

func (b *fakeBoot) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeDeploy struct {
	mu    sync.Mutex
	err   error
	calls [][2]string
}

func (d *fakeDeploy) Deploy(_ context.Context, kubeconfigPath, valuesPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, [2]string{kubeconfigPath, valuesPath})
	return d.err
}

func (d *fakeDeploy) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type fakeWaiter struct {
	nodesReady int
	nodesTotal int
	setsReady  int
	setsTotal  int
	svcIP      string
	err        error
}

func (w *fakeWaiter) NodesReady(context.Context) (int, int, error) {
	return w.nodesReady, w.nodesTotal, w.err
}

func (w *fakeWaiter) StatefulSetsReady(context.Context, string) (int, int, error) {
	return w.setsReady, w.setsTotal, w.err
}

func (w *fakeWaiter) ServiceIngressIP(context.Context, string, string) (string, error) {
	return w.svcIP, w.err
}

func newTestInstaller(t *testing.T, prober Prober, boot Bootstrapper, deploy Deployer) (*Installer, *events.Broadcaster, string) {
	t.Helper()

	dir := t.TempDir()
	broadcaster := events.New()
	t.Cleanup(broadcaster.Close)

	waiter := &fakeWaiter{nodesReady: 1, nodesTotal: 1, setsReady: 2, setsTotal: 2}
	inst, err := New(
		Options{StateDir: dir, HostIP: "192.168.1.10", ArtifactsDir: "/opt/wyvern/artifacts"},
		prober, boot, deploy,
		func(string) (ClusterWaiter, error) { return waiter, nil },
		broadcaster,
		log.New(io.Discard, "", 0),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	inst.euid = func() int { return 0 }
	inst.hostAddrs = func() map[string]bool { return map[string]bool{"192.168.1.10": true} }
	inst.readyTimeout = 100 * time.Millisecond
	inst.pollInterval = 5 * time.Millisecond
	return inst, broadcaster, dir
}

func drainPhases(ch <-chan events.Event) []string {
	var phases []string
	for {
		select {
		case evt := <-ch:
			if evt.Type != events.TypeInstallPhase {
				continue
			}
			payload, ok := evt.Data.(events.InstallPhasePayload)
			if !ok {
				continue
			}
			phases = append(phases, payload.Phase)
		default:
			return phases
		}
	}
}

func firstSeen(phases []string) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range phases {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func TestRunFreshInstall(t *testing.T) {
	prober := &fakeProber{inUse: map[string]bool{}}
	boot := &fakeBoot{path: filepath.Join(t.TempDir(), "k3s.yaml")}
	deploy := &fakeDeploy{}
	inst, broadcaster, dir := newTestInstaller(t, prober, boot, deploy)

	ch, cancel := broadcaster.Subscribe()
	defer cancel()

	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, err := inst.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want %s", state.Phase, PhaseComplete)
	}
	if state.FloatingIP != "192.168.1.11" {
		t.Fatalf("floating ip = %s, want 192.168.1.11", state.FloatingIP)
	}
	if state.KubeconfigPath != boot.path {
		t.Fatalf("kubeconfig = %s, want %s", state.KubeconfigPath, boot.path)
	}

	if got := boot.calls; !reflect.DeepEqual(got, []string{"192.168.1.11"}) {
		t.Fatalf("bootstrap calls = %v", got)
	}
	if deploy.callCount() != 1 {
		t.Fatalf("deploy calls = %d, want 1", deploy.callCount())
	}

	values, err := os.ReadFile(filepath.Join(dir, "stack-values.yaml"))
	if err != nil {
		t.Fatalf("read values: %v", err)
	}
	if !strings.Contains(string(values), "192.168.1.11") {
		t.Fatalf("values file missing floating ip:\n%s", values)
	}

	want := []string{
		string(PhaseAddressAllocation),
		string(PhaseClusterBootstrap),
		string(PhaseServiceDeployment),
		string(PhaseComplete),
	}
	if got := firstSeen(drainPhases(ch)); !reflect.DeepEqual(got, want) {
		t.Fatalf("phase events = %v, want %v", got, want)
	}
}

func TestRunResumesAfterBootstrap(t *testing.T) {
	kubeconfig := filepath.Join(t.TempDir(), "k3s.yaml")
	if err := os.WriteFile(kubeconfig, []byte("apiVersion: v1"), 0o600); err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}

	prober := &fakeProber{inUse: map[string]bool{}}
	boot := &fakeBoot{path: kubeconfig}
	deploy := &fakeDeploy{}
	inst, _, dir := newTestInstaller(t, prober, boot, deploy)

	seed := State{
		Phase:          PhaseServiceDeployment,
		FloatingIP:     "192.168.1.11",
		KubeconfigPath: kubeconfig,
	}
	if err := newStateStore(dir).Save(seed); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if boot.callCount() != 0 {
		t.Fatalf("bootstrap called %d times on resume, want 0", boot.callCount())
	}
	if prober.probeCount() != 0 {
		t.Fatalf("prober called %d times on resume, want 0", prober.probeCount())
	}
	if deploy.callCount() != 1 {
		t.Fatalf("deploy calls = %d, want 1", deploy.callCount())
	}

	state, err := inst.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Phase != PhaseComplete {
		t.Fatalf("phase = %s, want %s", state.Phase, PhaseComplete)
	}
}

func TestRunRetriesFailedPhase(t *testing.T) {
	prober := &fakeProber{inUse: map[string]bool{}}
	boot := &fakeBoot{path: filepath.Join(t.TempDir(), "k3s.yaml")}
	deploy := &fakeDeploy{err: errors.New("helm timed out")}
	inst, _, _ := newTestInstaller(t, prober, boot, deploy)

	err := inst.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with failing deployer")
	}
	var depErr *DeploymentError
	if !errors.As(err, &depErr) {
		t.Fatalf("error type = %T, want *DeploymentError", err)
	}
	if depErr.Phase != PhaseServiceDeployment {
		t.Fatalf("failed phase = %s, want %s", depErr.Phase, PhaseServiceDeployment)
	}

	state, stateErr := inst.State()
	if stateErr != nil {
		t.Fatalf("State: %v", stateErr)
	}
	if state.Phase != PhaseFailed || state.FailedPhase != PhaseServiceDeployment {
		t.Fatalf("state = %s/%s, want %s/%s", state.Phase, state.FailedPhase, PhaseFailed, PhaseServiceDeployment)
	}
	if !strings.Contains(state.LastError, "helm timed out") {
		t.Fatalf("last error = %q", state.LastError)
	}

	bootCalls := boot.callCount()

	deploy.err = nil
	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if boot.callCount() != bootCalls {
		t.Fatalf("retry re-ran bootstrap: %d calls, want %d", boot.callCount(), bootCalls)
	}

	state, stateErr = inst.State()
	if stateErr != nil {
		t.Fatalf("State: %v", stateErr)
	}
	if state.Phase != PhaseComplete {
		t.Fatalf("phase after retry = %s, want %s", state.Phase, PhaseComplete)
	}
	if state.FailedPhase != "" || state.LastError != "" {
		t.Fatalf("failure fields not cleared: %s / %q", state.FailedPhase, state.LastError)
	}
}

func TestRunRepicksLostAddress(t *testing.T) {
	prober := &fakeProber{inUse: map[string]bool{"192.168.1.11": true}}
	boot := &fakeBoot{path: filepath.Join(t.TempDir(), "k3s.yaml")}
	deploy := &fakeDeploy{}
	inst, _, dir := newTestInstaller(t, prober, boot, deploy)

	seed := State{Phase: PhaseClusterBootstrap, FloatingIP: "192.168.1.11"}
	if err := newStateStore(dir).Save(seed); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	state, err := inst.State()
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.FloatingIP != "192.168.1.12" {
		t.Fatalf("floating ip = %s, want 192.168.1.12", state.FloatingIP)
	}
	if got := boot.calls; !reflect.DeepEqual(got, []string{"192.168.1.12"}) {
		t.Fatalf("bootstrap calls = %v", got)
	}
}

func TestRunRequiresRoot(t *testing.T) {
	prober := &fakeProber{inUse: map[string]bool{}}
	boot := &fakeBoot{path: "k3s.yaml"}
	deploy := &fakeDeploy{}
	inst, _, _ := newTestInstaller(t, prober, boot, deploy)
	inst.euid = func() int { return 1000 }

	err := inst.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "root") {
		t.Fatalf("error = %v, want root requirement", err)
	}
}

func TestRunAlreadyComplete(t *testing.T) {
	prober := &fakeProber{inUse: map[string]bool{}}
	boot := &fakeBoot{path: "k3s.yaml"}
	deploy := &fakeDeploy{}
	inst, _, dir := newTestInstaller(t, prober, boot, deploy)

	if err := newStateStore(dir).Save(State{Phase: PhaseComplete, FloatingIP: "192.168.1.11"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := inst.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if boot.callCount() != 0 || deploy.callCount() != 0 || prober.probeCount() != 0 {
		t.Fatal("completed install re-ran phases")
	}
}

func TestCandidateIPs(t *testing.T) {
	tests := []struct {
		name      string
		hostIP    string
		maxOffset int
		want      []string
		wantErr   bool
	}{
		{
			name:      "walks up from host",
			hostIP:    "192.168.1.10",
			maxOffset: 3,
			want:      []string{"192.168.1.11", "192.168.1.12", "192.168.1.13"},
		},
		{
			name:      "wraps around high octets",
			hostIP:    "10.0.0.253",
			maxOffset: 3,
			want:      []string{"10.0.0.254", "10.0.0.1", "10.0.0.2"},
		},
		{
			name:    "rejects garbage",
			hostIP:  "not-an-ip",
			wantErr: true,
		},
		{
			name:    "rejects ipv6",
			hostIP:  "fe80::1",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := candidateIPs(tt.hostIP, tt.maxOffset)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("candidateIPs: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("candidates = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPickFloatingIP(t *testing.T) {
	ctx := context.Background()

	prober := &fakeProber{
		inUse: map[string]bool{"192.168.1.11": true},
		errs:  map[string]error{"192.168.1.13": errors.New("probe timeout")},
	}
	skip := map[string]bool{"192.168.1.12": true}

	got, err := pickFloatingIP(ctx, prober, "192.168.1.10", skip, maxAddressOffset)
	if err != nil {
		t.Fatalf("pickFloatingIP: %v", err)
	}
	// .11 is taken, .12 is the host's own, .13 cannot be verified.
	if got != "192.168.1.14" {
		t.Fatalf("picked %s, want 192.168.1.14", got)
	}
}

func TestPickFloatingIPExhausted(t *testing.T) {
	inUse := map[string]bool{}
	for _, c := range mustCandidates(t, "192.168.1.10", maxAddressOffset) {
		inUse[c] = true
	}
	prober := &fakeProber{inUse: inUse}

	_, err := pickFloatingIP(context.Background(), prober, "192.168.1.10", nil, maxAddressOffset)
	var conflict *AddressConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error type = %T, want *AddressConflictError", err)
	}
}

func mustCandidates(t *testing.T, hostIP string, maxOffset int) []string {
	t.Helper()
	out, err := candidateIPs(hostIP, maxOffset)
	if err != nil {
		t.Fatalf("candidateIPs: %v", err)
	}
	return out
}

func TestStateStoreRoundTrip(t *testing.T) {
	store := newStateStore(t.TempDir())

	fresh, err := store.Load()
	if err != nil {
		t.Fatalf("Load fresh: %v", err)
	}
	if fresh.Phase != PhaseAddressAllocation {
		t.Fatalf("fresh phase = %s, want %s", fresh.Phase, PhaseAddressAllocation)
	}

	saved := State{
		Phase:          PhaseFailed,
		FailedPhase:    PhaseClusterBootstrap,
		FloatingIP:     "192.168.1.14",
		KubeconfigPath: "/etc/rancher/k3s/k3s.yaml",
		LastError:      "k3s install: exit status 1",
	}
	if err := store.Save(saved); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt not stamped")
	}
	loaded.UpdatedAt = time.Time{}
	if !reflect.DeepEqual(loaded, saved) {
		t.Fatalf("loaded = %+v, want %+v", loaded, saved)
	}
}

func TestPhaseReached(t *testing.T) {
	tests := []struct {
		name   string
		phase  Phase
		target Phase
		want   bool
	}{
		{"complete is past deployment", PhaseComplete, PhaseServiceDeployment, true},
		{"phase reaches itself", PhaseClusterBootstrap, PhaseClusterBootstrap, true},
		{"allocation is before bootstrap", PhaseAddressAllocation, PhaseClusterBootstrap, false},
		{"failed reaches nothing", PhaseFailed, PhaseAddressAllocation, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.phase.reached(tt.target); got != tt.want {
				t.Fatalf("reached = %v, want %v", got, tt.want)
			}
		})
	}
}
