package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// handlePresignArtifact hands out a time-limited download link for an
// artifact object, for images mirrored to S3 instead of local disk.
func (a *API) handlePresignArtifact(w http.ResponseWriter, r *http.Request) {
	if a.s3 == nil || a.config.ArtifactBucket == "" {
		respondError(w, http.StatusFailedDependency, errors.New("artifact store not configured"))
		return
	}

	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		respondError(w, http.StatusBadRequest, errors.New("key query parameter is required"))
		return
	}
	if strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid key %q", key))
		return
	}

	ttl := a.config.PresignTTL
	if raw := r.URL.Query().Get("ttl"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 || parsed > 24*time.Hour {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl %q", raw))
			return
		}
		ttl = parsed
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	url, err := a.s3.PresignGet(ctx, a.config.ArtifactBucket, key, ttl)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("presign get: %w", err))
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"url":                url,
		"expires_in_seconds": int(ttl.Seconds()),
	})
}
