package invite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/store"
	"github.com/d9705996/bookkeeper/internal/store/storetest"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []invite.Message
}

func (s *recordingSender) SendInvite(_ context.Context, m invite.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

type fixture struct {
	guard  *invite.Guard
	store  *store.GormStore
	clock  *storetest.Clock
	sender *recordingSender
	events *notify.Registry
	org    *model.Organization
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	clock := storetest.NewClock(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	sender := &recordingSender{}
	events := notify.NewRegistry(8, nil)
	t.Cleanup(events.Close)
	return &fixture{
		guard: invite.NewGuard(st, invite.Config{
			TTL:           48 * time.Hour,
			AcceptBaseURL: "https://books.example.com/accept-invite",
		}, invite.WithClock(clock.Now), invite.WithSender(sender), invite.WithPublisher(events)),
		store:  st,
		clock:  clock,
		sender: sender,
		events: events,
		org:    storetest.Org(t, st, "Acme", model.SubscriptionTrial),
	}
}

// inviter creates a member of f.org with role and returns their session.
func (f *fixture) inviter(t *testing.T, email string, role model.Role) auth.Session {
	t.Helper()
	u := storetest.User(t, f.store, email, "", model.SystemRoleUser)
	storetest.Member(t, f.store, u, f.org, role)
	return auth.Session{UserID: u.ID, OrgID: f.org.ID, RoleID: string(role)}
}

// seedInvite stores an invite directly, bypassing Create's checks, so that
// acceptance-time checks can be exercised on their own.
func (f *fixture) seedInvite(t *testing.T, email string, role model.Role, invitedBy string) string {
	t.Helper()
	token := "tok-" + email
	require.NoError(t, f.store.CreateInvite(context.Background(), &model.Invite{
		TokenHash: auth.HashToken(token),
		Email:     email,
		OrgID:     f.org.ID,
		RoleID:    role,
		InvitedBy: invitedBy,
		Status:    model.InvitePending,
		ExpiresAt: f.clock.Now().Add(time.Hour),
	}))
	return token
}

func countUsers(t *testing.T, st *store.GormStore) int64 {
	t.Helper()
	n, err := st.CountUsers(context.Background())
	require.NoError(t, err)
	return n
}

func TestCreate_OwnerInvitesAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	sub, err := f.events.Subscribe(f.org.ID)
	require.NoError(t, err)

	created, err := f.guard.Create(ctx, owner, invite.CreateInput{Email: " New@Acme.test ", RoleID: model.RoleAdmin})
	require.NoError(t, err)
	assert.Equal(t, "new@acme.test", created.Invite.Email)
	assert.Equal(t, model.InvitePending, created.Invite.Status)
	assert.WithinDuration(t, f.clock.Now().Add(48*time.Hour), created.Invite.ExpiresAt, 0)
	assert.Len(t, created.Token, 43)
	assert.Equal(t, "https://books.example.com/accept-invite?token="+created.Token, created.AcceptURL)
	assert.NotEqual(t, created.Token, created.Invite.TokenHash)

	require.Len(t, f.sender.sent, 1)
	assert.Equal(t, "Acme", f.sender.sent[0].OrgName)
	e := <-sub.Events()
	assert.Equal(t, notify.EventInviteCreated, e.Type)
}

func TestCreate_EscalationRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.inviter(t, "admin@acme.test", model.RoleAdmin)
	member := f.inviter(t, "member@acme.test", model.RoleMember)

	_, err := f.guard.Create(ctx, admin, invite.CreateInput{Email: "a@x.test", RoleID: model.RoleMember})
	require.NoError(t, err)

	_, err = f.guard.Create(ctx, admin, invite.CreateInput{Email: "b@x.test", RoleID: model.RoleAdmin})
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "admin may not grant admin")

	_, err = f.guard.Create(ctx, member, invite.CreateInput{Email: "c@x.test", RoleID: model.RoleViewer})
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "member may not invite")

	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	_, err = f.guard.Create(ctx, owner, invite.CreateInput{Email: "d@x.test", RoleID: model.RoleOwner})
	assert.True(t, apperr.Is(err, apperr.KindForbidden), "owner is never invitable")

	_, err = f.guard.Create(ctx, owner, invite.CreateInput{Email: "e@x.test", RoleID: "emperor"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.guard.Create(ctx, owner, invite.CreateInput{Email: "not-an-email", RoleID: model.RoleMember})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCreate_ExistingMemberConflicts(t *testing.T) {
	f := newFixture(t)
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	f.inviter(t, "taken@acme.test", model.RoleViewer)

	_, err := f.guard.Create(context.Background(), owner, invite.CreateInput{Email: "taken@acme.test", RoleID: model.RoleMember})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestCreate_TenantComesFromSession(t *testing.T) {
	f := newFixture(t)
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	other := storetest.Org(t, f.store, "Other", model.SubscriptionTrial)

	created, err := f.guard.Create(context.Background(), owner, invite.CreateInput{
		Email: "x@x.test", RoleID: model.RoleMember, OrgID: other.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, created.Invite.OrgID)

	root := auth.Session{UserID: "root", IsSuperAdmin: true}
	created, err = f.guard.Create(context.Background(), root, invite.CreateInput{
		Email: "y@x.test", RoleID: model.RoleAdmin, OrgID: other.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, other.ID, created.Invite.OrgID)
}

func TestVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	created, err := f.guard.Create(ctx, owner, invite.CreateInput{Email: "v@acme.test", RoleID: model.RoleMember})
	require.NoError(t, err)

	sum, err := f.guard.Verify(ctx, created.Token)
	require.NoError(t, err)
	assert.Equal(t, "v@acme.test", sum.Email)
	assert.Equal(t, f.org.ID, sum.OrgID)
	assert.Equal(t, model.RoleMember, sum.RoleID)
	assert.Equal(t, model.InvitePending, sum.Status)
	assert.Equal(t, created.Invite.ID, sum.InviteID)

	_, err = f.guard.Verify(ctx, "unknown")
	assert.True(t, apperr.Is(err, apperr.KindInvalidToken))
}

func TestVerify_ExpiresAtBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	created, err := f.guard.Create(ctx, owner, invite.CreateInput{Email: "v@acme.test", RoleID: model.RoleMember})
	require.NoError(t, err)

	f.clock.Advance(48*time.Hour - time.Second)
	_, err = f.guard.Verify(ctx, created.Token)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.guard.Verify(ctx, created.Token)
	assert.True(t, apperr.Is(err, apperr.KindTokenExpired))

	_, err = f.guard.Accept(ctx, created.Token, "Late", "password1")
	assert.True(t, apperr.Is(err, apperr.KindTokenExpired))
}

func TestAccept_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	created, err := f.guard.Create(ctx, owner, invite.CreateInput{Email: "n@acme.test", RoleID: model.RoleMember})
	require.NoError(t, err)

	res, err := f.guard.Accept(ctx, created.Token, "New Person", "password1")
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, res.OrgID)

	_, err = f.guard.Accept(ctx, created.Token, "New Person", "password1")
	require.True(t, apperr.Is(err, apperr.KindInviteAlreadyUsed))

	_, err = f.guard.Verify(ctx, created.Token)
	require.True(t, apperr.Is(err, apperr.KindInviteAlreadyUsed))

	n, err := f.store.CountMemberships(ctx, res.UserID, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(2), countUsers(t, f.store))

	u, err := f.store.GetUserByID(ctx, res.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.SystemRoleUser, u.Role)
	assert.True(t, auth.CheckPassword(u.PasswordHash, "password1"))
}

func TestAccept_MemberInviterCannotGrantAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	member := f.inviter(t, "member@acme.test", model.RoleMember)
	token := f.seedInvite(t, "escalate@acme.test", model.RoleAdmin, member.UserID)
	usersBefore := countUsers(t, f.store)

	_, err := f.guard.Accept(ctx, token, "Escalator", "password1")
	require.True(t, apperr.Is(err, apperr.KindForbidden))

	assert.Equal(t, usersBefore, countUsers(t, f.store))
	_, err = f.store.GetUserByEmail(ctx, "escalate@acme.test")
	require.ErrorIs(t, err, store.ErrNotFound)

	// The invite stays pending.
	_, err = f.guard.Verify(ctx, token)
	require.NoError(t, err)
}

func TestAccept_OwnerInviterGrantsAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	token := f.seedInvite(t, "promoted@acme.test", model.RoleAdmin, owner.UserID)

	res, err := f.guard.Accept(ctx, token, "Promoted", "password1")
	require.NoError(t, err)

	m, err := f.store.GetMembership(ctx, res.UserID, f.org.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, m.RoleID)
	assert.True(t, m.IsActive)

	var entries int64
	require.NoError(t, f.store.DB().Table("enterprise_users").
		Where("org_id = ? AND user_id = ?", f.org.ID, res.UserID).Count(&entries).Error)
	assert.Equal(t, int64(1), entries)
}

func TestAccept_SuperAdminInviter(t *testing.T) {
	f := newFixture(t)
	root := storetest.User(t, f.store, "root@ops.test", "", model.SystemRoleSuperAdmin)
	token := f.seedInvite(t, "boss@acme.test", model.RoleAdmin, root.ID)

	_, err := f.guard.Accept(context.Background(), token, "Boss", "password1")
	require.NoError(t, err)
}

func TestAccept_ExistingUserIsReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	existing := storetest.User(t, f.store, "known@acme.test", "", model.SystemRoleUser)
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	token := f.seedInvite(t, "known@acme.test", model.RoleViewer, owner.UserID)
	sub, err := f.events.Subscribe(f.org.ID)
	require.NoError(t, err)

	res, err := f.guard.Accept(ctx, token, "Known Person", "password1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, res.UserID)

	u, err := f.store.GetUserByID(ctx, existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Known Person", u.FullName)

	e := <-sub.Events()
	assert.Equal(t, notify.EventMemberJoined, e.Type)
	assert.Equal(t, existing.ID, e.Data["user_id"])
}

func TestAccept_DisabledAccountIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	banned := storetest.User(t, f.store, "banned@acme.test", "", model.SystemRoleUser)
	require.NoError(t, f.store.DB().Model(banned).Update("is_active", false).Error)
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	token := f.seedInvite(t, "banned@acme.test", model.RoleViewer, owner.UserID)

	_, err := f.guard.Accept(ctx, token, "Banned Person", "password1")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))

	u, err := f.store.GetUserByID(ctx, banned.ID)
	require.NoError(t, err)
	assert.False(t, u.IsActive)
	assert.Empty(t, u.PasswordHash)
	_, err = f.store.GetMembership(ctx, banned.ID, f.org.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	s, err := f.guard.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, model.InvitePending, s.Status)
}

func TestAccept_Validation(t *testing.T) {
	f := newFixture(t)
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	token := f.seedInvite(t, "short@acme.test", model.RoleMember, owner.UserID)

	_, err := f.guard.Accept(context.Background(), token, "Short", "abc")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.guard.Accept(context.Background(), token, "  ", "password1")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = f.guard.Accept(context.Background(), "", "Name", "password1")
	assert.True(t, apperr.Is(err, apperr.KindInvalidToken))
}

func TestList_DerivesExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.inviter(t, "owner@acme.test", model.RoleOwner)
	_, err := f.guard.Create(ctx, owner, invite.CreateInput{Email: "l@acme.test", RoleID: model.RoleMember})
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	invs, err := f.guard.List(ctx, owner, "")
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, model.InviteExpired, invs[0].Status)

	viewer := f.inviter(t, "viewer@acme.test", model.RoleViewer)
	_, err = f.guard.List(ctx, viewer, "")
	assert.True(t, apperr.Is(err, apperr.KindForbidden))
}
