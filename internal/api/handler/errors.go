// Package handler contains HTTP handlers grouped by resource.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/api/middleware"
	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
)

// renderError maps err onto a JSON:API error document. Errors without an
// apperr kind are logged and rendered as a generic 500.
func renderError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if errors.Is(err, jsonapi.ErrBadBody) {
		jsonapi.RenderError(w, http.StatusBadRequest, "invalid_body", "Bad Request", "request body must be a JSON object")
		return
	}
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Kind != apperr.KindInternal {
		status := ae.Kind.Status()
		if status >= http.StatusInternalServerError {
			log.ErrorContext(r.Context(), "request failed", "error", err)
		}
		jsonapi.RenderError(w, status, ae.Code, http.StatusText(status), ae.Message)
		return
	}
	log.ErrorContext(r.Context(), "request failed", "error", err, "path", r.URL.Path)
	jsonapi.RenderError(w, http.StatusInternalServerError, "internal_error", "Internal Server Error",
		"an unexpected error occurred")
}

// readFields decodes a flat JSON object into the named string targets.
// Bodies carrying passwords and tokens are read this way so that no
// exported struct field holds a secret.
func readFields(r *http.Request, fields map[string]*string) error {
	var obj map[string]json.RawMessage
	if err := jsonapi.Decode(r, &obj); err != nil {
		return err
	}
	if obj == nil {
		return fmt.Errorf("%w: expected an object", jsonapi.ErrBadBody)
	}
	for key, dst := range fields {
		v, ok := obj[key]
		if !ok || string(v) == "null" {
			continue
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return fmt.Errorf("%w: %s must be a string", jsonapi.ErrBadBody, key)
		}
	}
	return nil
}

// session returns the caller placed in the context by RequireAuth.
func session(r *http.Request) (auth.Session, error) {
	s, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return auth.Session{}, apperr.Unauthenticated("authentication required")
	}
	return s, nil
}
