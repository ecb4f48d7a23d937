package registry

import (
	"time"

	"github.com/google/uuid"
)

// Machine models a tracked host in the registry.
type Machine struct {
	ID            uuid.UUID      `json:"id"`
	MAC           string         `json:"mac"`
	IP            string         `json:"ip,omitempty"`
	Hostname      string         `json:"hostname,omitempty"`
	MemorableName string         `json:"memorable_name,omitempty"`
	Status        Status         `json:"status"`
	StatusReason  string         `json:"status_reason,omitempty"`
	OSChoice      string         `json:"os_choice,omitempty"`
	OSInstalled   string         `json:"os_installed,omitempty"`
	Facts         map[string]any `json:"facts,omitempty"`
	Disks         []Disk         `json:"disks,omitempty"`
	Nameservers   []string       `json:"nameservers,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	BMC           *BMCConfig     `json:"bmc,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Disk is one entry of a machine's reported disk inventory.
type Disk struct {
	Device    string `json:"device"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Model     string `json:"model,omitempty"`
}

// Redacted returns a copy safe for responses and events, with BMC
// credentials blanked.
func (m Machine) Redacted() Machine {
	if m.BMC != nil {
		bmc := *m.BMC
		bmc.Password = ""
		m.BMC = &bmc
	}
	return m
}

// BMCConfig references a machine's out-of-band management controller.
type BMCConfig struct {
	Kind     string `json:"kind"`
	Address  string `json:"address"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// BMC controller kinds understood by the power drivers.
const (
	BMCKindIPMI    = "ipmi"
	BMCKindRedfish = "redfish"
)

// RegisterRequest carries an agent's self-registration report.
type RegisterRequest struct {
	MAC         string         `json:"mac"`
	IP          string         `json:"ip,omitempty"`
	Hostname    string         `json:"hostname,omitempty"`
	Facts       map[string]any `json:"facts,omitempty"`
	Disks       []Disk         `json:"disks,omitempty"`
	Nameservers []string       `json:"nameservers,omitempty"`
	ExistingOS  string         `json:"existing_os,omitempty"`
	BMC         *BMCConfig     `json:"bmc,omitempty"`
}

// FieldPatch describes an operator edit. Nil fields are left untouched.
// A MAC change must be confirmed: the first attempt fails with
// ConfirmationRequiredError carrying a token, the retry supplies it.
type FieldPatch struct {
	Hostname     *string    `json:"hostname,omitempty"`
	IP           *string    `json:"ip,omitempty"`
	MAC          *string    `json:"mac,omitempty"`
	Nameservers  *[]string  `json:"nameservers,omitempty"`
	Tags         *[]string  `json:"tags,omitempty"`
	BMC          *BMCConfig `json:"bmc,omitempty"`
	ConfirmToken string     `json:"confirm_token,omitempty"`
}

// WorkflowOutcome is the terminal result of an installation workflow,
// handed to the registry so the archive write and the status flip commit
// together.
type WorkflowOutcome struct {
	Template      string
	Succeeded     bool
	Reason        string
	Snapshot      string
	CompletedAt   time.Time
	TaskDurations map[string]time.Duration
}

// Settings is the engine-wide configuration singleton.
type Settings struct {
	DefaultOS      string    `json:"default_os"`
	SetupCompleted bool      `json:"setup_completed"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MachineID derives the stable machine identifier for a normalized MAC.
// The same MAC always maps to the same ID, so re-registration after a
// database loss reproduces identities.
func MachineID(mac string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte(mac))
}
