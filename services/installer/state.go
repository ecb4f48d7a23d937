package installer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Phase is one stage of the stack installation.
type Phase string

const (
	PhaseAddressAllocation Phase = "address_allocation"
	PhaseClusterBootstrap  Phase = "cluster_bootstrap"
	PhaseServiceDeployment Phase = "service_deployment"
	PhaseComplete          Phase = "complete"
	PhaseFailed            Phase = "failed"
)

// phaseOrder gives each forward phase a rank so re-entry can tell which
// stages already finished.
var phaseOrder = map[Phase]int{
	PhaseAddressAllocation: 0,
	PhaseClusterBootstrap:  1,
	PhaseServiceDeployment: 2,
	PhaseComplete:          3,
}

// reached reports whether the recorded phase is at or past the target.
func (p Phase) reached(target Phase) bool {
	rank, ok := phaseOrder[p]
	if !ok {
		return false
	}
	return rank >= phaseOrder[target]
}

const stateFileName = "install-state.json"

// LoadState reads the persisted install progress under dir. Other
// processes use this to report install status without an Installer.
func LoadState(dir string) (State, error) {
	return newStateStore(dir).Load()
}

// State is the installer's durable progress record. Each phase commits
// its results here before the next phase starts, so an interrupted
// install resumes instead of redoing finished work.
type State struct {
	Phase          Phase     `json:"phase"`
	FailedPhase    Phase     `json:"failed_phase,omitempty"`
	FloatingIP     string    `json:"floating_ip,omitempty"`
	KubeconfigPath string    `json:"kubeconfig_path,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// stateStore persists installer state in a directory.
type stateStore struct {
	dir string
}

func newStateStore(dir string) stateStore {
	return stateStore{dir: dir}
}

func (s stateStore) path() string {
	return filepath.Join(s.dir, stateFileName)
}

// Load reads the persisted state. A missing file yields a fresh state.
func (s stateStore) Load() (State, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{Phase: PhaseAddressAllocation}, nil
		}
		return State{}, fmt.Errorf("read install state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parse install state: %w", err)
	}
	if state.Phase == "" {
		state.Phase = PhaseAddressAllocation
	}
	return state, nil
}

// Save writes the state atomically via a temp file rename.
func (s stateStore) Save(state State) error {
	state.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal install state: %w", err)
	}

	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write install state: %w", err)
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return fmt.Errorf("commit install state: %w", err)
	}
	return nil
}
