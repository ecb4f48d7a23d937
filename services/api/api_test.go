package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"wyvernd/services/events"
	"wyvernd/services/power"
	"wyvernd/services/registry"
)

func TestRespondServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{
			name:       "not found",
			err:        registry.ErrNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "wrapped not found",
			err:        errors.Join(errors.New("load machine"), registry.ErrNotFound),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "validation",
			err:        &registry.ValidationError{Field: "hostname", Reason: "too long"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "invalid transition",
			err:        &registry.InvalidTransitionError{From: registry.StatusInstallingOS, To: registry.StatusInstallingOS},
			wantStatus: http.StatusConflict,
		},
		{
			name:       "no bmc",
			err:        power.ErrNoBMC,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			respondServiceError(rec, tt.err)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}

			var body map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] == "" {
				t.Fatal("error body missing message")
			}
		})
	}
}

func TestRespondServiceErrorConfirmation(t *testing.T) {
	rec := httptest.NewRecorder()
	respondServiceError(rec, &registry.ConfirmationRequiredError{Field: "mac", Token: "tok-123"})

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["confirm_token"] != "tok-123" {
		t.Fatalf("confirm_token = %v", body["confirm_token"])
	}
	if body["field"] != "mac" {
		t.Fatalf("field = %v", body["field"])
	}
}

func TestRequireAgentToken(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		configured string
		header     string
		wantStatus int
	}{
		{
			name:       "no token configured passes through",
			configured: "",
			header:     "",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "valid token",
			configured: "secret",
			header:     "Bearer secret",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "missing header",
			configured: "secret",
			header:     "",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong token",
			configured: "secret",
			header:     "Bearer nope",
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "wrong scheme",
			configured: "secret",
			header:     "Basic secret",
			wantStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &API{config: Config{AgentToken: tt.configured}}

			req := httptest.NewRequest(http.MethodPost, "/v1/machines", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			a.requireAgentToken(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestBootAction(t *testing.T) {
	tests := []struct {
		name   string
		status registry.Status
		known  bool
		want   string
	}{
		{"unknown machine netboots", "", false, "netboot"},
		{"awaiting assignment netboots", registry.StatusAwaitingAssignment, true, "netboot"},
		{"installing netboots", registry.StatusInstallingOS, true, "netboot"},
		{"error netboots", registry.StatusError, true, "netboot"},
		{"ready boots local", registry.StatusReady, true, "local"},
		{"existing os boots local", registry.StatusExistingOS, true, "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := registry.Machine{Status: tt.status}
			if got := bootAction(m, tt.known); got != tt.want {
				t.Fatalf("bootAction = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteSSE(t *testing.T) {
	var buf strings.Builder
	evt := events.Event{
		Type:      events.TypeWorkflowProgress,
		MachineID: "8d6f1350-9b49-5f6a-8e2f-1d2c3b4a5e6f",
		Data:      map[string]any{"progress": 0.5},
	}
	if err := writeSSE(&buf, evt); err != nil {
		t.Fatalf("writeSSE: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "event: workflow_progress\ndata: {") {
		t.Fatalf("frame = %q", out)
	}
	if !strings.HasSuffix(out, "\n\n") {
		t.Fatalf("frame not terminated: %q", out)
	}
	if !strings.Contains(out, `"type":"workflow_progress"`) {
		t.Fatalf("payload missing type: %q", out)
	}
	if !strings.Contains(out, `"progress":0.5`) {
		t.Fatalf("payload missing data: %q", out)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/machines", strings.NewReader(`{"mac":"aa:bb:cc:dd:ee:ff","bogus":true}`))

	var dest struct {
		MAC string `json:"mac"`
	}
	if err := decodeJSON(req, &dest); err == nil {
		t.Fatal("unknown field accepted")
	}
}
