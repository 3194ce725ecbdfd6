// Package health exposes the /health and /ready HTTP handlers.
package health

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/version"
)

// Pinger is implemented by anything that can check a downstream dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler holds dependencies for the health and ready endpoints.
type Handler struct {
	checks    map[string]Pinger
	log       *slog.Logger
	startTime time.Time
}

// New creates a Handler. db may be nil during startup before the store is
// open; in that case /ready returns 503.
func New(db Pinger, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{checks: map[string]Pinger{"database": db}, log: log, startTime: time.Now()}
}

// AddCheck registers another dependency for /ready.
func (h *Handler) AddCheck(name string, p Pinger) { h.checks[name] = p }

// healthAttrs is the JSON:API attributes payload for the health response.
type healthAttrs struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	BuildDate     string `json:"build_date"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /health.
func (h *Handler) ServeHealth(w http.ResponseWriter, r *http.Request) {
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.Resource("health", "1", healthAttrs{
		Status:        "ok",
		Version:       version.String(),
		BuildDate:     version.Date,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}))
}

// ServeReady handles GET /ready.
// Returns 200 when every registered dependency answers; 503 otherwise.
func (h *Handler) ServeReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := map[string]string{"status": "ok"}
	var failed []jsonapi.ErrorObject
	for _, name := range names {
		p := h.checks[name]
		if p == nil {
			status[name] = "unavailable"
			failed = append(failed, unavailable(name+" is not initialised"))
			continue
		}
		if err := p.Ping(ctx); err != nil {
			h.log.WarnContext(ctx, "readiness check failed", "dependency", name, "error", err)
			status[name] = "unavailable"
			failed = append(failed, unavailable(name+" is unreachable"))
			continue
		}
		status[name] = "ok"
	}
	if len(failed) > 0 {
		jsonapi.RenderErrors(w, http.StatusServiceUnavailable, failed)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.Resource("ready", "1", status))
}

func unavailable(detail string) jsonapi.ErrorObject {
	return jsonapi.ErrorObject{
		Status: "503",
		Code:   "dependency_unavailable",
		Title:  "Service Unavailable",
		Detail: detail,
	}
}
