package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/signup"
)

// SignupHandler handles /auth/signup/* routes.
type SignupHandler struct {
	svc *signup.Service
	log *slog.Logger
}

// NewSignupHandler creates a SignupHandler.
func NewSignupHandler(svc *signup.Service, log *slog.Logger) *SignupHandler {
	return &SignupHandler{svc: svc, log: log}
}

type signupAttrs struct {
	Email         string `json:"email"`
	FullName      string `json:"full_name"`
	OrgName       string `json:"org_name,omitempty"`
	Mobile        string `json:"mobile,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	Next          string `json:"next_step"`
}

func renderSignup(w http.ResponseWriter, status int, su *model.Signup) {
	attrs := signupAttrs{
		Email:         su.Email,
		FullName:      su.FullName,
		OrgName:       su.OrgName,
		Mobile:        su.Mobile,
		EmailVerified: su.EmailVerifiedAt != nil,
	}
	switch {
	case su.OrgName == "":
		attrs.Next = "step2"
	case su.Mobile == "":
		attrs.Next = "step3"
	case su.EmailVerifiedAt == nil:
		attrs.Next = "verify-email"
	default:
		attrs.Next = "verify-mobile"
	}
	jsonapi.RenderOne(w, status, jsonapi.Resource("signup", su.ID, attrs))
}

// Step1 handles POST /auth/signup/step1.
func (h *SignupHandler) Step1(w http.ResponseWriter, r *http.Request) {
	var email, password, fullName string
	if err := readFields(r, map[string]*string{"email": &email, "password": &password, "full_name": &fullName}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	su, err := h.svc.Start(r.Context(), signup.StartInput{Email: email, Password: password, FullName: fullName})
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	renderSignup(w, http.StatusCreated, su)
}

// Step2 handles POST /auth/signup/step2.
func (h *SignupHandler) Step2(w http.ResponseWriter, r *http.Request) {
	var id, orgName string
	if err := readFields(r, map[string]*string{"signup_id": &id, "org_name": &orgName}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	su, err := h.svc.SetOrganization(r.Context(), id, orgName)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	renderSignup(w, http.StatusOK, su)
}

// Step3 handles POST /auth/signup/step3.
func (h *SignupHandler) Step3(w http.ResponseWriter, r *http.Request) {
	var id, mobile string
	if err := readFields(r, map[string]*string{"signup_id": &id, "mobile": &mobile}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	su, err := h.svc.SetMobile(r.Context(), id, mobile)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	renderSignup(w, http.StatusOK, su)
}

// VerifyEmail handles POST /auth/signup/verify-email.
func (h *SignupHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var id, code string
	if err := readFields(r, map[string]*string{"signup_id": &id, "code": &code}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	su, err := h.svc.VerifyEmail(r.Context(), id, code)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	renderSignup(w, http.StatusOK, su)
}

// VerifyMobile handles POST /auth/signup/verify-mobile. A successful call
// completes the signup and returns the owner's tokens.
func (h *SignupHandler) VerifyMobile(w http.ResponseWriter, r *http.Request) {
	var id, code string
	if err := readFields(r, map[string]*string{"signup_id": &id, "code": &code}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	done, err := h.svc.VerifyMobile(r.Context(), id, code)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.Resource("auth_token", done.User.ID, tokenAttrs{
		pair: done.Pair, user: done.User, session: done.Session, now: time.Now(),
	}))
}
