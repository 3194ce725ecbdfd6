package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/tenant"
)

// NotificationHandler streams organization events as server-sent events.
type NotificationHandler struct {
	events    *notify.Registry
	log       *slog.Logger
	keepalive time.Duration
}

// NewNotificationHandler creates a NotificationHandler.
func NewNotificationHandler(events *notify.Registry, log *slog.Logger) *NotificationHandler {
	return &NotificationHandler{events: events, log: log, keepalive: 25 * time.Second}
}

// Stream handles GET /notifications/stream. Super-admins must name the
// organization with ?org_id= unless their session carries one.
func (h *NotificationHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	scope, err := tenant.Resolve(sess, r.URL.Query().Get("org_id"))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	if scope.All {
		renderError(w, r, h.log, apperr.Validation("org_id is required"))
		return
	}
	sub, err := h.events.Subscribe(scope.OrgID)
	if err != nil {
		renderError(w, r, h.log, apperr.Wrap(apperr.KindInternal, "unavailable", "notifications are unavailable", err))
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	if err := rc.Flush(); err != nil {
		h.log.WarnContext(r.Context(), "sse flush unsupported", "error", err)
		return
	}

	ping := time.NewTicker(h.keepalive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				h.log.ErrorContext(r.Context(), "encode notification", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
