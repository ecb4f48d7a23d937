package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"wyvernd/services/power"
	"wyvernd/services/registry"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondServiceError maps domain errors onto HTTP statuses. A
// confirmation requirement carries the token so the client can retry.
func respondServiceError(w http.ResponseWriter, err error) {
	var (
		confirmErr    *registry.ConfirmationRequiredError
		transitionErr *registry.InvalidTransitionError
		validationErr *registry.ValidationError
	)

	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.As(err, &confirmErr):
		respondJSON(w, http.StatusConflict, map[string]any{
			"error":         confirmErr.Error(),
			"field":         confirmErr.Field,
			"confirm_token": confirmErr.Token,
		})
	case errors.As(err, &transitionErr):
		respondError(w, http.StatusConflict, err)
	case errors.As(err, &validationErr):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, power.ErrNoBMC):
		respondError(w, http.StatusConflict, err)
	default:
		respondError(w, http.StatusInternalServerError, err)
	}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 5*time.Second)
}
