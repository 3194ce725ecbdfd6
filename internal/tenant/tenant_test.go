package tenant_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store/storetest"
	"github.com/d9705996/bookkeeper/internal/tenant"
)

func TestResolve(t *testing.T) {
	user := auth.Session{UserID: "u", OrgID: "org-a", RoleID: "admin"}
	root := auth.Session{UserID: "r", IsSuperAdmin: true}

	s, err := tenant.Resolve(user, "")
	require.NoError(t, err)
	assert.Equal(t, tenant.Scope{OrgID: "org-a"}, s)

	s, err = tenant.Resolve(user, "org-a")
	require.NoError(t, err)
	assert.Equal(t, "org-a", s.OrgID)

	_, err = tenant.Resolve(user, "org-b")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	_, err = tenant.Resolve(auth.Session{UserID: "u"}, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	s, err = tenant.Resolve(root, "")
	require.NoError(t, err)
	assert.True(t, s.All)

	s, err = tenant.Resolve(root, "org-b")
	require.NoError(t, err)
	assert.Equal(t, tenant.Scope{OrgID: "org-b"}, s)
}

func TestCustomers_IsolatedByOrganization(t *testing.T) {
	st := storetest.New(t)
	svc := tenant.New(st, nil)
	ctx := context.Background()

	a := storetest.Org(t, st, "A", model.SubscriptionActive)
	b := storetest.Org(t, st, "B", model.SubscriptionActive)
	c := storetest.Org(t, st, "C", model.SubscriptionTrial)
	sessA := auth.Session{UserID: "ua", OrgID: a.ID, RoleID: "admin"}
	sessB := auth.Session{UserID: "ub", OrgID: b.ID, RoleID: "admin"}
	root := auth.Session{UserID: "root", IsSuperAdmin: true}

	_, err := svc.CreateCustomer(ctx, sessA, tenant.CustomerInput{Name: "Alpha Ltd"})
	require.NoError(t, err)
	_, err = svc.CreateCustomer(ctx, sessB, tenant.CustomerInput{Name: "Beta Ltd"})
	require.NoError(t, err)
	_, err = svc.CreateCustomer(ctx, root, tenant.CustomerInput{OrgID: c.ID, Name: "Gamma Ltd"})
	require.NoError(t, err)

	got, err := svc.ListCustomers(ctx, sessA, "")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Alpha Ltd", got[0].Name)

	_, err = svc.ListCustomers(ctx, sessA, b.ID)
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
	_, err = svc.CreateCustomer(ctx, sessA, tenant.CustomerInput{OrgID: b.ID, Name: "Sneaky"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	got, err = svc.ListCustomers(ctx, root, c.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Gamma Ltd", got[0].Name)

	got, err = svc.ListCustomers(ctx, root, "")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCreateCustomer_Validation(t *testing.T) {
	st := storetest.New(t)
	svc := tenant.New(st, nil)
	org := storetest.Org(t, st, "A", model.SubscriptionActive)
	sess := auth.Session{UserID: "u", OrgID: org.ID}

	_, err := svc.CreateCustomer(context.Background(), sess, tenant.CustomerInput{Name: " "})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreateCustomer(context.Background(), sess, tenant.CustomerInput{Name: "X", Email: "bad"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = svc.CreateCustomer(context.Background(), auth.Session{IsSuperAdmin: true}, tenant.CustomerInput{Name: "X"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestOrganizations(t *testing.T) {
	st := storetest.New(t)
	clock := storetest.NewClock(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	svc := tenant.New(st, clock.Now)
	ctx := context.Background()

	_, err := svc.CreateOrganization(ctx, auth.Session{UserID: "u", OrgID: "x", RoleID: "owner"}, tenant.OrganizationInput{Name: "New"})
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	root := auth.Session{UserID: "root", IsSuperAdmin: true}
	o, err := svc.CreateOrganization(ctx, root, tenant.OrganizationInput{Name: "New"})
	require.NoError(t, err)
	assert.Equal(t, model.SubscriptionTrial, o.SubscriptionStatus)
	require.NotNil(t, o.TrialEndsAt)
	assert.WithinDuration(t, clock.Now().Add(model.TrialPeriod), *o.TrialEndsAt, 0)

	_, err = svc.CreateOrganization(ctx, root, tenant.OrganizationInput{Name: "Bad", SubscriptionStatus: "gold"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	cur, err := svc.CurrentOrganization(ctx, auth.Session{UserID: "u", OrgID: o.ID})
	require.NoError(t, err)
	assert.Equal(t, "New", cur.Name)

	_, err = svc.CurrentOrganization(ctx, root)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
