package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/account"
	"github.com/d9705996/bookkeeper/internal/api"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/health"
	"github.com/d9705996/bookkeeper/internal/invite"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/signup"
	"github.com/d9705996/bookkeeper/internal/store"
	"github.com/d9705996/bookkeeper/internal/store/storetest"
	"github.com/d9705996/bookkeeper/internal/tenant"
)

type codes struct {
	mu   sync.Mutex
	last map[string]string
}

func (c *codes) SendSignupCode(_ context.Context, m signup.CodeMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[m.Channel] = m.Code
	return nil
}

func (c *codes) get(channel string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last[channel]
}

type testServer struct {
	srv   *httptest.Server
	store *store.GormStore
	codes *codes
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storetest.New(t)
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "router-test-secret"})
	require.NoError(t, err)
	ledger := auth.NewLedger(st, tokens)
	accounts := account.New(st, ledger, log)
	c := &codes{last: map[string]string{}}
	events := notify.NewRegistry(4, log)
	t.Cleanup(events.Close)

	h := api.NewRouter(api.Deps{
		Log:      log,
		Tokens:   tokens,
		Accounts: accounts,
		Signup:   signup.New(st, c, accounts, signup.WithLogger(log)),
		Invites: invite.NewGuard(st, invite.Config{AcceptBaseURL: "https://app.test/invite"},
			invite.WithPublisher(events), invite.WithLogger(log)),
		Tenant: tenant.New(st, nil),
		Events: events,
		Health: health.New(st, log),
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: st, codes: c}
}

type response struct {
	status int
	body   map[string]any
}

func (r response) attrs(t *testing.T) map[string]any {
	t.Helper()
	data, ok := r.body["data"].(map[string]any)
	require.True(t, ok, "no data in %v", r.body)
	attrs, ok := data["attributes"].(map[string]any)
	require.True(t, ok, "no attributes in %v", data)
	return attrs
}

func (r response) errorCode() string {
	errs, _ := r.body["errors"].([]any)
	if len(errs) == 0 {
		return ""
	}
	e, _ := errs[0].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, s.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := response{status: resp.StatusCode}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out.body), string(raw))
	}
	return out
}

// signup walks the five signup steps and returns the owner's access and
// refresh tokens.
func (s *testServer) signup(t *testing.T, email, org string) (string, string) {
	t.Helper()
	res := s.do(t, http.MethodPost, "/auth/signup/step1", "", map[string]string{
		"email": email, "password": "correct-horse", "full_name": "Owner " + org,
	})
	require.Equal(t, http.StatusCreated, res.status, res.body)
	id := res.body["data"].(map[string]any)["id"].(string)
	assert.Equal(t, "step2", res.attrs(t)["next_step"])

	res = s.do(t, http.MethodPost, "/auth/signup/step2", "", map[string]string{"signup_id": id, "org_name": org})
	require.Equal(t, http.StatusOK, res.status, res.body)
	res = s.do(t, http.MethodPost, "/auth/signup/step3", "", map[string]string{"signup_id": id, "mobile": "+15550100200"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	res = s.do(t, http.MethodPost, "/auth/signup/verify-email", "", map[string]string{
		"signup_id": id, "code": s.codes.get(signup.ChannelEmail),
	})
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "verify-mobile", res.attrs(t)["next_step"])

	res = s.do(t, http.MethodPost, "/auth/signup/verify-mobile", "", map[string]string{
		"signup_id": id, "code": s.codes.get(signup.ChannelSMS),
	})
	require.Equal(t, http.StatusCreated, res.status, res.body)
	a := res.attrs(t)
	assert.Equal(t, "owner", a["role_id"])
	assert.Equal(t, "trial", a["subscription_status"])
	return a["access_token"].(string), a["refresh_token"].(string)
}

func TestSignupThenMe(t *testing.T) {
	s := newTestServer(t)
	access, _ := s.signup(t, "owner@a.test", "Org A")

	res := s.do(t, http.MethodGet, "/auth/me", access, nil)
	require.Equal(t, http.StatusOK, res.status, res.body)
	user := res.attrs(t)["user"].(map[string]any)
	assert.Equal(t, "owner@a.test", user["email"])
	assert.NotContains(t, user, "password_hash")
}

func TestLoginAndAuthFailures(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "owner@a.test", "Org A")

	res := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "owner@a.test", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "Bearer", res.attrs(t)["token_type"])

	res = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "owner@a.test", "password": "wrong-horse"})
	assert.Equal(t, http.StatusUnauthorized, res.status)
	assert.Equal(t, "unauthenticated", res.errorCode())

	res = s.do(t, http.MethodGet, "/auth/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
	res = s.do(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, res.status)
}

func TestRefreshAndLogout(t *testing.T) {
	s := newTestServer(t)
	access, refresh := s.signup(t, "owner@a.test", "Org A")

	res := s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, res.status, res.body)
	rotated := res.attrs(t)["refresh_token"].(string)

	res = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": refresh})
	assert.Equal(t, http.StatusUnauthorized, res.status)

	res = s.do(t, http.MethodPost, "/auth/logout", access, map[string]string{"refresh_token": rotated})
	assert.Equal(t, http.StatusNoContent, res.status)
	res = s.do(t, http.MethodPost, "/auth/refresh", "", map[string]string{"refresh_token": rotated})
	assert.Equal(t, http.StatusUnauthorized, res.status)
}

func TestCustomersAreIsolated(t *testing.T) {
	s := newTestServer(t)
	tokA, _ := s.signup(t, "owner@a.test", "Org A")
	tokB, _ := s.signup(t, "owner@b.test", "Org B")
	tokC, _ := s.signup(t, "owner@c.test", "Org C")

	for tok, name := range map[string]string{tokA: "Alpha", tokB: "Beta", tokC: "Gamma"} {
		res := s.do(t, http.MethodPost, "/customers", tok, map[string]string{"name": name})
		require.Equal(t, http.StatusCreated, res.status, res.body)
	}

	res := s.do(t, http.MethodGet, "/customers", tokA, nil)
	require.Equal(t, http.StatusOK, res.status, res.body)
	data := res.body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, "Alpha", data[0].(map[string]any)["attributes"].(map[string]any)["name"])

	me := s.do(t, http.MethodGet, "/organizations/current", tokB, nil)
	require.Equal(t, http.StatusOK, me.status)
	orgB := me.attrs(t)["org_id"].(string)

	res = s.do(t, http.MethodGet, "/customers?org_id="+orgB, tokA, nil)
	assert.Equal(t, http.StatusForbidden, res.status)
	res = s.do(t, http.MethodPost, "/customers", tokA, map[string]string{"name": "Sneaky", "org_id": orgB})
	assert.Equal(t, http.StatusForbidden, res.status)
}

func TestExpiredSubscriptionIsGated(t *testing.T) {
	s := newTestServer(t)
	tok, _ := s.signup(t, "owner@a.test", "Org A")

	me := s.do(t, http.MethodGet, "/organizations/current", tok, nil)
	org, err := s.store.GetOrganization(context.Background(), me.attrs(t)["org_id"].(string))
	require.NoError(t, err)
	org.SubscriptionStatus = model.SubscriptionExpired
	require.NoError(t, s.store.DB().Save(org).Error)

	res := s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "owner@a.test", "password": "correct-horse"})
	require.Equal(t, http.StatusOK, res.status)
	res = s.do(t, http.MethodGet, "/customers", res.attrs(t)["access_token"].(string), nil)
	assert.Equal(t, http.StatusForbidden, res.status)
	assert.Equal(t, "subscription_inactive", res.errorCode())
}

func TestInviteAccept(t *testing.T) {
	s := newTestServer(t)
	tok, _ := s.signup(t, "owner@a.test", "Org A")

	res := s.do(t, http.MethodPost, "/admin/invites", tok, map[string]string{"email": "new@a.test", "role_id": "member"})
	require.Equal(t, http.StatusCreated, res.status, res.body)
	inviteToken := res.attrs(t)["token"].(string)
	assert.Contains(t, res.attrs(t)["accept_url"], "https://app.test/invite?token=")

	res = s.do(t, http.MethodPost, "/public/invites/verify", "", map[string]string{"token": inviteToken})
	require.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, "new@a.test", res.attrs(t)["email"])

	res = s.do(t, http.MethodPost, "/public/invites/accept", "", map[string]string{
		"token": inviteToken, "full_name": "New Member", "password": "member-pass",
	})
	require.Equal(t, http.StatusCreated, res.status, res.body)

	res = s.do(t, http.MethodPost, "/public/invites/accept", "", map[string]string{
		"token": inviteToken, "full_name": "New Member", "password": "member-pass",
	})
	assert.Equal(t, "invite_already_used", res.errorCode())

	res = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "new@a.test", "password": "member-pass"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	member := res.attrs(t)["access_token"].(string)

	res = s.do(t, http.MethodPost, "/admin/invites", member, map[string]string{"email": "x@a.test", "role_id": "admin"})
	assert.Equal(t, http.StatusForbidden, res.status)
}

func TestAdminOrganizationsRequiresSuperAdmin(t *testing.T) {
	s := newTestServer(t)
	tok, _ := s.signup(t, "owner@a.test", "Org A")

	res := s.do(t, http.MethodPost, "/admin/organizations", tok, map[string]string{"org_name": "Other"})
	assert.Equal(t, http.StatusForbidden, res.status)

	hash, err := auth.HashPassword("root-password")
	require.NoError(t, err)
	storetest.User(t, s.store, "root@ops.test", hash, model.SystemRoleSuperAdmin)
	res = s.do(t, http.MethodPost, "/auth/login", "", map[string]string{"email": "root@ops.test", "password": "root-password"})
	require.Equal(t, http.StatusOK, res.status, res.body)
	root := res.attrs(t)["access_token"].(string)

	res = s.do(t, http.MethodPost, "/admin/organizations", root, map[string]string{"org_name": "Other"})
	require.Equal(t, http.StatusCreated, res.status, res.body)
	assert.Equal(t, "trial", res.attrs(t)["subscription_status"])
}

func TestHealthAndUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", "", nil).status)
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/ready", "", nil).status)

	res := s.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, res.status)
	assert.Equal(t, "not_found", res.errorCode())
}
