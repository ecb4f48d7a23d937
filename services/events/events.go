package events

import "encoding/json"

// Type identifies the kind of live update carried by an Event.
type Type string

const (
	TypeMachineDiscovered Type = "machine_discovered"
	TypeMachineUpdated    Type = "machine_updated"
	TypeMachineDeleted    Type = "machine_deleted"
	TypeWorkflowProgress  Type = "workflow_progress"
	TypeInstallPhase      Type = "install_phase"
)

// Event is a single live update. Data carries the event payload and is
// flattened into the wire object alongside the type discriminator, so
// consumers see `{"type": "...", ...payload}`.
type Event struct {
	Type      Type
	MachineID string
	Data      any
}

// MarshalJSON flattens Data into the top-level object and adds the type
// and machine_id discriminators.
func (e Event) MarshalJSON() ([]byte, error) {
	out := map[string]any{}

	if e.Data != nil {
		raw, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err == nil {
			for k, v := range fields {
				out[k] = v
			}
		} else {
			out["data"] = e.Data
		}
	}

	out["type"] = string(e.Type)
	if e.MachineID != "" {
		out["machine_id"] = e.MachineID
	}

	return json.Marshal(out)
}

// InstallPhasePayload is the payload for TypeInstallPhase events.
type InstallPhasePayload struct {
	Phase string `json:"phase"`
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}
