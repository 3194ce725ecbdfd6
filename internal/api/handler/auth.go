package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/bookkeeper/internal/account"
	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
)

// AuthHandler handles /auth/* routes.
type AuthHandler struct {
	accounts *account.Service
	log      *slog.Logger
	now      func() time.Time
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(accounts *account.Service, log *slog.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, log: log, now: time.Now}
}

// tokenAttrs are the JSON attributes returned in successful auth responses.
// Sensitive fields are unexported and serialised via MarshalJSON.
type tokenAttrs struct {
	pair    auth.Pair
	user    *model.User
	session auth.Session
	now     time.Time
}

func (t tokenAttrs) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"access_token":        t.pair.AccessToken,
		"refresh_token":       t.pair.RefreshToken,
		"token_type":          "Bearer",
		"expires_in":          int64(t.pair.AccessExpiresAt.Sub(t.now).Seconds()),
		"org_id":              t.session.OrgID,
		"role_id":             t.session.RoleID,
		"subscription_status": t.session.SubscriptionStatus,
		"is_super_admin":      t.session.IsSuperAdmin,
	}
	if t.user != nil {
		out["user"] = t.user
	}
	return json.Marshal(out)
}

func (h *AuthHandler) renderTokens(w http.ResponseWriter, status int, pair auth.Pair, u *model.User, sess auth.Session) {
	jsonapi.RenderOne(w, status, jsonapi.Resource("auth_token", sess.UserID, tokenAttrs{
		pair: pair, user: u, session: sess, now: h.now(),
	}))
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var email, password, orgID string
	if err := readFields(r, map[string]*string{"email": &email, "password": &password, "org_id": &orgID}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	if email == "" || password == "" {
		renderError(w, r, h.log, apperr.Validation("email and password are required"))
		return
	}
	res, err := h.accounts.Login(r.Context(), email, password, orgID)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	h.renderTokens(w, http.StatusOK, res.Pair, res.User, res.Session)
}

// Refresh handles POST /auth/refresh.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var token string
	if err := readFields(r, map[string]*string{"refresh_token": &token}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	if token == "" {
		renderError(w, r, h.log, apperr.Validation("refresh_token is required"))
		return
	}
	res, err := h.accounts.Refresh(r.Context(), token)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	h.renderTokens(w, http.StatusOK, res.Pair, nil, res.Session)
}

// Logout handles POST /auth/logout. It answers 204 whether or not the
// token was known.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var token string
	if err := readFields(r, map[string]*string{"refresh_token": &token}); err != nil || token == "" {
		renderError(w, r, h.log, apperr.Validation("refresh_token is required"))
		return
	}
	if err := h.accounts.Logout(r.Context(), token); err != nil {
		h.log.ErrorContext(r.Context(), "logout", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

type meAttrs struct {
	User               *model.User         `json:"user"`
	Organization       *model.Organization `json:"organization,omitempty"`
	Membership         *model.Membership   `json:"membership,omitempty"`
	OrgID              string              `json:"org_id,omitempty"`
	RoleID             string              `json:"role_id,omitempty"`
	SubscriptionStatus string              `json:"subscription_status,omitempty"`
	IsSuperAdmin       bool                `json:"is_super_admin"`
}

// Me handles GET /auth/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	p, err := h.accounts.Me(r.Context(), sess)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.Resource("me", p.User.ID, meAttrs{
		User:               p.User,
		Organization:       p.Organization,
		Membership:         p.Membership,
		OrgID:              sess.OrgID,
		RoleID:             sess.RoleID,
		SubscriptionStatus: sess.SubscriptionStatus,
		IsSuperAdmin:       sess.IsSuperAdmin,
	}))
}
