package account_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/account"
	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
	"github.com/d9705996/bookkeeper/internal/store/storetest"
)

type fixture struct {
	svc    *account.Service
	store  *store.GormStore
	tokens *auth.TokenService
	clock  *storetest.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := storetest.NewClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "account-test-secret"}, auth.WithClock(clock.Now))
	require.NoError(t, err)
	st := storetest.New(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		svc:    account.New(st, auth.NewLedger(st, tokens), log),
		store:  st,
		tokens: tokens,
		clock:  clock,
	}
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	h, err := auth.HashPassword(pw)
	require.NoError(t, err)
	return h
}

func TestLogin_IssuesSessionForDefaultOrg(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionActive)
	u := storetest.User(t, f.store, "owner@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleOwner)

	res, err := f.svc.Login(ctx, "Owner@Acme.test", "password1", "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, res.User.ID)

	claims, err := f.tokens.VerifyToken(res.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, org.ID, claims.OrgID)
	assert.Equal(t, "owner", claims.RoleID)
	assert.Equal(t, "active", claims.SubscriptionStatus)
	assert.False(t, claims.IsSuperAdmin)
}

func TestLogin_WrongPasswordAndUnknownUserLookAlike(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)

	_, errWrong := f.svc.Login(ctx, "a@acme.test", "nope-nope", "")
	_, errUnknown := f.svc.Login(ctx, "nobody@acme.test", "password1", "")
	require.True(t, apperr.Is(errWrong, apperr.KindUnauthenticated))
	require.True(t, apperr.Is(errUnknown, apperr.KindUnauthenticated))
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
}

func TestLogin_ForeignOrgIsForbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mine := storetest.Org(t, f.store, "Mine", model.SubscriptionTrial)
	other := storetest.Org(t, f.store, "Other", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, mine, model.RoleMember)

	_, err := f.svc.Login(ctx, "a@acme.test", "password1", other.ID)
	require.True(t, apperr.Is(err, apperr.KindForbidden))
}

func TestLogin_SuperAdminWithoutMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.User(t, f.store, "root@ops.test", mustHash(t, "password1"), model.SystemRoleSuperAdmin)

	res, err := f.svc.Login(ctx, "root@ops.test", "password1", "")
	require.NoError(t, err)
	assert.True(t, res.Session.IsSuperAdmin)
	assert.Empty(t, res.Session.OrgID)

	org := storetest.Org(t, f.store, "Any", model.SubscriptionExpired)
	res, err = f.svc.Login(ctx, "root@ops.test", "password1", org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.ID, res.Session.OrgID)
	assert.Equal(t, model.SystemRoleSuperAdmin, res.Session.RoleID)
}

func TestRefresh_RotatesAndReResolves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleMember)

	res, err := f.svc.Login(ctx, "a@acme.test", "password1", "")
	require.NoError(t, err)

	// Promotion is visible after refresh.
	storetest.Member(t, f.store, u, org, model.RoleAdmin)
	pair, err := f.svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	claims, err := f.tokens.VerifyToken(pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.RoleID)
	assert.Equal(t, "admin", pair.Session.RoleID)

	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	require.True(t, apperr.Is(err, apperr.KindUnauthenticated))

	_, err = f.svc.Refresh(ctx, "garbage")
	require.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestRefresh_ExpiredIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleMember)

	res, err := f.svc.Login(ctx, "a@acme.test", "password1", "")
	require.NoError(t, err)

	f.clock.Advance(8 * 24 * time.Hour)
	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	require.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestLogout_RevokesRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleMember)

	res, err := f.svc.Login(ctx, "a@acme.test", "password1", "")
	require.NoError(t, err)

	require.NoError(t, f.svc.Logout(ctx, res.RefreshToken))
	require.NoError(t, f.svc.Logout(ctx, res.RefreshToken))
	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	require.True(t, apperr.Is(err, apperr.KindUnauthenticated))
}

func TestMe(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", "", model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleViewer)

	p, err := f.svc.Me(ctx, auth.Session{UserID: u.ID, OrgID: org.ID})
	require.NoError(t, err)
	assert.Equal(t, "a@acme.test", p.User.Email)
	require.NotNil(t, p.Organization)
	assert.Equal(t, "Acme", p.Organization.Name)
	require.NotNil(t, p.Membership)
	assert.Equal(t, model.RoleViewer, p.Membership.RoleID)
}

func TestRefresh_DeactivatedMembershipIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	m := storetest.Member(t, f.store, u, org, model.RoleMember)

	res, err := f.svc.Login(ctx, "a@acme.test", "password1", "")
	require.NoError(t, err)

	m.IsActive = false
	require.NoError(t, f.store.UpsertMembership(ctx, m))

	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))

	// The token was not consumed by the failed attempt.
	revoked, err := auth.NewLedger(f.store, f.tokens).IsRevoked(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRefresh_DeactivatedUserIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := storetest.Org(t, f.store, "Acme", model.SubscriptionTrial)
	u := storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	storetest.Member(t, f.store, u, org, model.RoleMember)

	res, err := f.svc.Login(ctx, "a@acme.test", "password1", "")
	require.NoError(t, err)
	require.NoError(t, f.store.DB().Model(u).Update("is_active", false).Error)

	_, err = f.svc.Refresh(ctx, res.RefreshToken)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestLogin_UnknownEmailPaysHashCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storetest.User(t, f.store, "a@acme.test", mustHash(t, "password1"), model.SystemRoleUser)
	// Warm the stand-in hash so its one-off generation is not measured.
	auth.CheckPassword("", "warm-up")

	start := time.Now()
	_, _ = f.svc.Login(ctx, "a@acme.test", "wrong-password", "")
	wrong := time.Since(start)

	start = time.Now()
	_, _ = f.svc.Login(ctx, "nobody@acme.test", "wrong-password", "")
	unknown := time.Since(start)

	assert.Greater(t, unknown, wrong/4, "unknown=%s wrong=%s", unknown, wrong)
}
