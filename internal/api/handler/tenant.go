package handler

import (
	"log/slog"
	"net/http"

	"github.com/d9705996/bookkeeper/internal/api/jsonapi"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/tenant"
)

// TenantHandler handles organization and customer routes.
type TenantHandler struct {
	svc *tenant.Service
	log *slog.Logger
}

// NewTenantHandler creates a TenantHandler.
func NewTenantHandler(svc *tenant.Service, log *slog.Logger) *TenantHandler {
	return &TenantHandler{svc: svc, log: log}
}

// ListCustomers handles GET /customers. Super-admins may pass ?org_id=.
func (h *TenantHandler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	cs, err := h.svc.ListCustomers(r.Context(), sess, r.URL.Query().Get("org_id"))
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	data := make([]any, 0, len(cs))
	for i := range cs {
		data = append(data, jsonapi.Resource("customers", cs[i].ID, cs[i]))
	}
	jsonapi.RenderList(w, http.StatusOK, data)
}

// CreateCustomer handles POST /customers.
func (h *TenantHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	var in tenant.CustomerInput
	if err := readFields(r, map[string]*string{
		"org_id": &in.OrgID, "name": &in.Name, "email": &in.Email, "phone": &in.Phone,
	}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	c, err := h.svc.CreateCustomer(r.Context(), sess, in)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.Resource("customers", c.ID, c))
}

// CurrentOrganization handles GET /organizations/current.
func (h *TenantHandler) CurrentOrganization(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	o, err := h.svc.CurrentOrganization(r.Context(), sess)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusOK, jsonapi.Resource("organizations", o.ID, o))
}

// CreateOrganization handles POST /admin/organizations.
func (h *TenantHandler) CreateOrganization(w http.ResponseWriter, r *http.Request) {
	sess, err := session(r)
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	var name, status string
	if err := readFields(r, map[string]*string{"org_name": &name, "subscription_status": &status}); err != nil {
		renderError(w, r, h.log, err)
		return
	}
	o, err := h.svc.CreateOrganization(r.Context(), sess, tenant.OrganizationInput{
		Name: name, SubscriptionStatus: model.SubscriptionStatus(status),
	})
	if err != nil {
		renderError(w, r, h.log, err)
		return
	}
	jsonapi.RenderOne(w, http.StatusCreated, jsonapi.Resource("organizations", o.ID, o))
}
