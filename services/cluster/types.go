package cluster

import (
	"strings"
	"time"
)

// DefaultNamespace is where the workflow engine's resources live.
const DefaultNamespace = "tink"

const apiVersion = "tinkerbell.org/v1alpha1"

// WorkflowState mirrors the state strings reported by the workflow engine.
type WorkflowState string

const (
	WorkflowStatePending WorkflowState = "STATE_PENDING"
	WorkflowStateRunning WorkflowState = "STATE_RUNNING"
	WorkflowStateSuccess WorkflowState = "STATE_SUCCESS"
	WorkflowStateFailed  WorkflowState = "STATE_FAILED"
	WorkflowStateTimeout WorkflowState = "STATE_TIMEOUT"
)

// Terminal reports whether the workflow has finished, successfully or not.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowStateSuccess, WorkflowStateFailed, WorkflowStateTimeout:
		return true
	default:
		return false
	}
}

// Metadata is the subset of object metadata the engine reads and writes.
type Metadata struct {
	Name            string            `json:"name"`
	Namespace       string            `json:"namespace,omitempty"`
	ResourceVersion string            `json:"resourceVersion,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
}

// Hardware describes one machine to the workflow engine.
type Hardware struct {
	APIVersion string       `json:"apiVersion"`
	Kind       string       `json:"kind"`
	Metadata   Metadata     `json:"metadata"`
	Spec       HardwareSpec `json:"spec"`
}

type HardwareSpec struct {
	Interfaces []HardwareInterface `json:"interfaces"`
	Disks      []Disk              `json:"disks,omitempty"`
}

type HardwareInterface struct {
	DHCP    DHCPConfig    `json:"dhcp"`
	Netboot NetbootConfig `json:"netboot"`
}

type DHCPConfig struct {
	MAC         string   `json:"mac"`
	Hostname    string   `json:"hostname,omitempty"`
	Arch        string   `json:"arch,omitempty"`
	UEFI        bool     `json:"uefi,omitempty"`
	IP          *DHCPIP  `json:"ip,omitempty"`
	NameServers []string `json:"name_servers,omitempty"`
}

type DHCPIP struct {
	Address string `json:"address"`
	Netmask string `json:"netmask,omitempty"`
	Gateway string `json:"gateway,omitempty"`
}

type NetbootConfig struct {
	AllowPXE      bool `json:"allowPXE"`
	AllowWorkflow bool `json:"allowWorkflow"`
}

type Disk struct {
	Device string `json:"device"`
}

// Template carries the install recipe the workflow engine executes.
type Template struct {
	APIVersion string       `json:"apiVersion"`
	Kind       string       `json:"kind"`
	Metadata   Metadata     `json:"metadata"`
	Spec       TemplateSpec `json:"spec"`
}

type TemplateSpec struct {
	Data string `json:"data"`
}

// Workflow binds a template to one machine and carries live progress in
// its status while the engine runs it.
type Workflow struct {
	APIVersion string          `json:"apiVersion"`
	Kind       string          `json:"kind"`
	Metadata   Metadata        `json:"metadata"`
	Spec       WorkflowSpec    `json:"spec"`
	Status     *WorkflowStatus `json:"status,omitempty"`
}

type WorkflowSpec struct {
	TemplateRef string            `json:"templateRef"`
	HardwareRef string            `json:"hardwareRef,omitempty"`
	HardwareMap map[string]string `json:"hardwareMap,omitempty"`
}

type WorkflowStatus struct {
	State         WorkflowState  `json:"state,omitempty"`
	CurrentAction string         `json:"currentAction,omitempty"`
	Tasks         []WorkflowTask `json:"tasks,omitempty"`
}

type WorkflowTask struct {
	Name    string           `json:"name"`
	Worker  string           `json:"worker,omitempty"`
	Actions []WorkflowAction `json:"actions,omitempty"`
}

type WorkflowAction struct {
	Name      string        `json:"name"`
	Status    WorkflowState `json:"status,omitempty"`
	StartedAt *time.Time    `json:"startedAt,omitempty"`
	Seconds   int64         `json:"seconds,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// HardwareName returns the engine-side resource name for a MAC.
func HardwareName(mac string) string {
	return "machine-" + macDashes(mac)
}

// WorkflowName returns the per-machine install workflow resource name.
func WorkflowName(mac string) string {
	return "os-install-" + macDashes(mac)
}

func macDashes(mac string) string {
	return strings.ReplaceAll(strings.ToLower(mac), ":", "-")
}

// HardwareConfig carries the machine attributes the Hardware resource
// encodes for the workflow engine.
type HardwareConfig struct {
	MAC         string
	Hostname    string
	IP          string
	Nameservers []string
	DiskDevices []string
}

// NewHardware builds the Hardware resource for a registered machine.
func NewHardware(namespace string, cfg HardwareConfig) Hardware {
	dhcp := DHCPConfig{
		MAC:         cfg.MAC,
		Hostname:    cfg.Hostname,
		Arch:        "x86_64",
		UEFI:        true,
		NameServers: cfg.Nameservers,
	}
	if cfg.IP != "" {
		dhcp.IP = &DHCPIP{Address: cfg.IP}
	}

	var disks []Disk
	for _, device := range cfg.DiskDevices {
		disks = append(disks, Disk{Device: device})
	}

	return Hardware{
		APIVersion: apiVersion,
		Kind:       "Hardware",
		Metadata: Metadata{
			Name:      HardwareName(cfg.MAC),
			Namespace: namespace,
		},
		Spec: HardwareSpec{
			Interfaces: []HardwareInterface{
				{
					DHCP:    dhcp,
					Netboot: NetbootConfig{AllowPXE: true, AllowWorkflow: true},
				},
			},
			Disks: disks,
		},
	}
}

// NewTemplate wraps rendered template data in a Template resource.
func NewTemplate(namespace, name, data string) Template {
	return Template{
		APIVersion: apiVersion,
		Kind:       "Template",
		Metadata: Metadata{
			Name:      name,
			Namespace: namespace,
		},
		Spec: TemplateSpec{Data: data},
	}
}

// NewWorkflow builds the install workflow binding a template to one machine.
func NewWorkflow(namespace, templateName, mac string) Workflow {
	return Workflow{
		APIVersion: apiVersion,
		Kind:       "Workflow",
		Metadata: Metadata{
			Name:      WorkflowName(mac),
			Namespace: namespace,
		},
		Spec: WorkflowSpec{
			TemplateRef: templateName,
			HardwareRef: HardwareName(mac),
			HardwareMap: map[string]string{"device_1": mac},
		},
	}
}
