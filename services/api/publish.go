package api

import "encoding/json"

// publishJSON mirrors an event onto the bus, best effort. The SSE
// stream is the authoritative channel; bus subscribers are optional.
func (a *API) publishJSON(subject string, payload map[string]any) {
	if a.bus == nil || subject == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = a.bus.Publish(subject, data)
}
