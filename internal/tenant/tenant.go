// Package tenant confines reads and writes to the caller's organization.
// The organization always comes from the verified session; a requested
// organization is honoured only for super-admins.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
)

// Scope is the set of organizations a request may touch.
type Scope struct {
	OrgID string
	// All is set for super-admins who named no organization.
	All bool
}

// Resolve returns the scope for sess. requested is an optional org_id from
// the request; regular users may only name their own organization.
func Resolve(sess auth.Session, requested string) (Scope, error) {
	requested = strings.TrimSpace(requested)
	if sess.IsSuperAdmin {
		switch {
		case requested != "":
			return Scope{OrgID: requested}, nil
		case sess.OrgID != "":
			return Scope{OrgID: sess.OrgID}, nil
		default:
			return Scope{All: true}, nil
		}
	}
	if sess.OrgID == "" {
		return Scope{}, apperr.Forbidden("no organization in session")
	}
	if requested != "" && requested != sess.OrgID {
		return Scope{}, apperr.Forbidden("cannot access another organization")
	}
	return Scope{OrgID: sess.OrgID}, nil
}

// Store is the persistence tenant services use.
type Store interface {
	CreateOrganization(ctx context.Context, o *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	CreateCustomer(ctx context.Context, c *model.Customer) error
	ListCustomers(ctx context.Context, orgID string) ([]model.Customer, error)
	ListAllCustomers(ctx context.Context) ([]model.Customer, error)
}

// Service serves tenant-scoped records.
type Service struct {
	store Store
	now   func() time.Time
}

// New returns a Service. A nil now uses time.Now.
func New(st Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, now: now}
}

// ListCustomers returns the customers visible to sess.
func (s *Service) ListCustomers(ctx context.Context, sess auth.Session, requestedOrg string) ([]model.Customer, error) {
	scope, err := Resolve(sess, requestedOrg)
	if err != nil {
		return nil, err
	}
	var cs []model.Customer
	if scope.All {
		cs, err = s.store.ListAllCustomers(ctx)
	} else {
		cs, err = s.store.ListCustomers(ctx, scope.OrgID)
	}
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	if cs == nil {
		cs = []model.Customer{}
	}
	return cs, nil
}

// CustomerInput is a new customer.
type CustomerInput struct {
	OrgID string
	Name  string
	Email string
	Phone string
}

// CreateCustomer stores a customer in the caller's organization.
func (s *Service) CreateCustomer(ctx context.Context, sess auth.Session, in CustomerInput) (*model.Customer, error) {
	scope, err := Resolve(sess, in.OrgID)
	if err != nil {
		return nil, err
	}
	if scope.All {
		return nil, apperr.Validation("org_id is required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	email := strings.TrimSpace(in.Email)
	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, apperr.Validation("email is not a valid address")
		}
		email = strings.ToLower(addr.Address)
	}
	if _, err := s.org(ctx, scope.OrgID); err != nil {
		return nil, err
	}
	c := &model.Customer{OrgID: scope.OrgID, Name: name, Email: email, Phone: strings.TrimSpace(in.Phone)}
	if err := s.store.CreateCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return c, nil
}

// CurrentOrganization returns the organization of sess.
func (s *Service) CurrentOrganization(ctx context.Context, sess auth.Session) (*model.Organization, error) {
	if sess.OrgID == "" {
		return nil, apperr.NotFound("no organization in session")
	}
	return s.org(ctx, sess.OrgID)
}

// OrganizationInput is a new organization.
type OrganizationInput struct {
	Name               string
	SubscriptionStatus model.SubscriptionStatus
}

// CreateOrganization creates an organization. Only super-admins may call it.
func (s *Service) CreateOrganization(ctx context.Context, sess auth.Session, in OrganizationInput) (*model.Organization, error) {
	if !sess.IsSuperAdmin {
		return nil, apperr.Forbidden("super-admin required")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Validation("org_name is required")
	}
	status := in.SubscriptionStatus
	if status == "" {
		status = model.SubscriptionTrial
	}
	if !status.Valid() {
		return nil, apperr.Validation("subscription_status is not recognised")
	}
	o := &model.Organization{Name: name, SubscriptionStatus: status}
	if status == model.SubscriptionTrial {
		ends := s.now().UTC().Add(model.TrialPeriod)
		o.TrialEndsAt = &ends
	}
	if err := s.store.CreateOrganization(ctx, o); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	return o, nil
}

func (s *Service) org(ctx context.Context, id string) (*model.Organization, error) {
	o, err := s.store.GetOrganization(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("organization not found")
	case err != nil:
		return nil, fmt.Errorf("load organization: %w", err)
	}
	return o, nil
}
