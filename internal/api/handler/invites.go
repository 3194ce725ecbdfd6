package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/model"
)

// InviteHandler handles /public/invites/* and /admin/invites.
type InviteHandler struct {
	guard *invite.Guard
	log   *slog.Logger
}

// NewInviteHandler creates an InviteHandler.
func NewInviteHandler(guard *invite.Guard, log *slog.Logger) *InviteHandler {
	return &InviteHandler{guard: guard, log: log}
}

type inviteAttrs struct {
	Email     string             `json:"email"`
	OrgID     string             `json:"org_id"`
	RoleID    model.Role         `json:"role_id"`
	Status    model.InviteStatus `json:"status"`
	InvitedBy string             `json:"invited_by,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Token     string             `json:"token,omitempty"`
	AcceptURL string             `json:"accept_url,omitempty"`
}

// Verify handles POST /public/invites/verify.
func (h *InviteHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var token string
	if err := readFields(r, map[string]*string{"token": &token}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	s, err := h.guard.Verify(r.Context(), token)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.Resource("invites", s.InviteID, inviteAttrs{
		Email: s.Email, OrgID: s.OrgID, RoleID: s.RoleID, Status: s.Status,
	}))
}

type acceptedAttrs struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

// Accept handles POST /public/invites/accept.
func (h *InviteHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var token, fullName, password string
	if err := readFields(r, map[string]*string{"token": &token, "full_name": &fullName, "password": &password}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	res, err := h.guard.Accept(r.Context(), token, fullName, password)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.Resource("memberships", res.UserID+":"+res.OrgID,
		acceptedAttrs{UserID: res.UserID, OrgID: res.OrgID}))
}

// Create handles POST /admin/invites.
func (h *InviteHandler) Create(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	var email, role, orgID string
	if err := readFields(r, map[string]*string{"email": &email, "role_id": &role, "org_id": &orgID}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	c, err := h.guard.Create(r.Context(), sess, invite.CreateInput{Email: email, RoleID: model.Role(role), OrgID: orgID})
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	attrs := viewInvite(c.Invite)
	attrs.Token, attrs.AcceptURL = c.Token, c.AcceptURL
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.Resource("invites", c.Invite.ID, attrs))
}

// List handles GET /admin/invites.
func (h *InviteHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	invs, err := h.guard.List(r.Context(), sess, r.URL.Query().Get("org_id"))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	data := make([]any, 0, len(invs))
	for i := range invs {
		data = append(data, jsonapi.Resource("invites", invs[i].ID, viewInvite(&invs[i])))
	}
	jsonapi.RenderList(w, http.StatusOK, data)
}

func viewInvite(inv *model.Invite) inviteAttrs {
	exp := inv.ExpiresAt.UTC()
	return inviteAttrs{
		Email:     inv.Email,
		OrgID:     inv.OrgID,
		RoleID:    inv.RoleID,
		Status:    inv.Status,
		InvitedBy: inv.InvitedBy,
		ExpiresAt: &exp,
	}
}
