package signup_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/signup"
	"github.com/d9705996/bookkeeper/internal/store"
	"github.com/d9705996/bookkeeper/internal/store/storetest"
)

type codeSender struct {
	mu   sync.Mutex
	sent []signup.CodeMessage
}

func (s *codeSender) SendSignupCode(_ context.Context, m signup.CodeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, m)
	return nil
}

func (s *codeSender) last() signup.CodeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent[len(s.sent)-1]
}

type fixture struct {
	svc    *signup.Service
	store  *store.GormStore
	clock  *storetest.Clock
	sender *codeSender
	tokens *auth.TokenService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storetest.New(t)
	clock := storetest.NewClock(time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC))
	tokens, err := auth.NewTokenService(auth.TokenConfig{Secret: "signup-test-secret"}, auth.WithClock(clock.Now))
	require.NoError(t, err)

	n := 0
	gen := func() (string, error) {
		n++
		return fmt.Sprintf("%06d", 100000+n), nil
	}
	sender := &codeSender{}
	return &fixture{
		svc: signup.New(st, sender, auth.NewLedger(st, tokens),
			signup.WithClock(clock.Now), signup.WithCodeGenerator(gen), signup.WithCodeTTL(10*time.Minute)),
		store:  st,
		clock:  clock,
		sender: sender,
		tokens: tokens,
	}
}

func (f *fixture) start(t *testing.T, email string) *model.Signup {
	t.Helper()
	su, err := f.svc.Start(context.Background(), signup.StartInput{
		Email: email, Password: "correct-horse", FullName: "Dana Owner",
	})
	require.NoError(t, err)
	return su
}

func TestSignup_FullFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	su := f.start(t, "Dana@Example.com")
	assert.Equal(t, "dana@example.com", su.Email)
	emailCode := f.sender.last()
	assert.Equal(t, signup.ChannelEmail, emailCode.Channel)
	assert.Equal(t, "dana@example.com", emailCode.To)
	assert.Len(t, emailCode.Code, signup.CodeLength)

	_, err := f.svc.SetOrganization(ctx, su.ID, "Dana Books")
	require.NoError(t, err)
	_, err = f.svc.VerifyEmail(ctx, su.ID, emailCode.Code)
	require.NoError(t, err)
	_, err = f.svc.SetMobile(ctx, su.ID, "+44 7700 900123")
	require.NoError(t, err)
	smsCode := f.sender.last()
	assert.Equal(t, signup.ChannelSMS, smsCode.Channel)
	assert.Equal(t, "+447700900123", smsCode.To)

	done, err := f.svc.VerifyMobile(ctx, su.ID, smsCode.Code)
	require.NoError(t, err)

	assert.Equal(t, "Dana Books", done.Organization.Name)
	assert.Equal(t, model.SubscriptionTrial, done.Organization.SubscriptionStatus)
	require.NotNil(t, done.Organization.TrialEndsAt)
	assert.WithinDuration(t, f.clock.Now().Add(model.TrialPeriod), *done.Organization.TrialEndsAt, time.Second)
	assert.True(t, done.User.EmailVerified)
	assert.True(t, done.User.MobileVerified)
	assert.Equal(t, model.SystemRoleUser, done.User.Role)
	assert.True(t, auth.CheckPassword(done.User.PasswordHash, "correct-horse"))

	m, err := f.store.GetMembership(ctx, done.User.ID, done.Organization.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleOwner, m.RoleID)

	claims, err := f.tokens.VerifyToken(done.Pair.AccessToken, auth.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, done.Organization.ID, claims.OrgID)
	assert.Equal(t, "owner", claims.RoleID)
	assert.Equal(t, "trial", claims.SubscriptionStatus)

	_, err = f.svc.VerifyMobile(ctx, su.ID, smsCode.Code)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestStart_RegisteredEmailConflicts(t *testing.T) {
	f := newFixture(t)
	storetest.User(t, f.store, "taken@example.com", "", model.SystemRoleUser)

	_, err := f.svc.Start(context.Background(), signup.StartInput{
		Email: "TAKEN@example.com", Password: "correct-horse", FullName: "Someone",
	})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]signup.StartInput{
		"bad email":      {Email: "nope", Password: "correct-horse", FullName: "X"},
		"short password": {Email: "a@example.com", Password: "short", FullName: "X"},
		"no name":        {Email: "a@example.com", Password: "correct-horse"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Start(context.Background(), in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestVerifyEmail_WrongCodeCountsAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	su := f.start(t, "x@example.com")
	good := f.sender.last().Code

	for i := 0; i < signup.MaxAttempts; i++ {
		_, err := f.svc.VerifyEmail(ctx, su.ID, "000000")
		assert.True(t, apperr.Is(err, apperr.KindInvalidToken))
	}
	_, err := f.svc.VerifyEmail(ctx, su.ID, good)
	require.Error(t, err)
	var ae *apperr.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "too_many_attempts", ae.Code)
}

func TestVerifyEmail_ExpiredCode(t *testing.T) {
	f := newFixture(t)
	su := f.start(t, "x@example.com")
	code := f.sender.last().Code

	f.clock.Advance(10 * time.Minute)
	_, err := f.svc.VerifyEmail(context.Background(), su.ID, code)
	assert.True(t, apperr.Is(err, apperr.KindTokenExpired))
}

func TestVerifyMobile_RequiresEarlierSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	su := f.start(t, "x@example.com")

	_, err := f.svc.VerifyMobile(ctx, su.ID, "123456")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = f.svc.VerifyEmail(ctx, su.ID, f.sender.last().Code)
	require.NoError(t, err)
	_, err = f.svc.VerifyMobile(ctx, su.ID, "123456")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSetMobile_Validation(t *testing.T) {
	f := newFixture(t)
	su := f.start(t, "x@example.com")
	for _, mobile := range []string{"", "12345", "07700-abc", "1234567890123456"} {
		_, err := f.svc.SetMobile(context.Background(), su.ID, mobile)
		assert.True(t, apperr.Is(err, apperr.KindValidation), mobile)
	}
}

func TestUnknownSignup(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SetOrganization(context.Background(), "missing", "Org")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

// lateClaimStore hides registered emails from lookups, so a competing
// registration is only discovered when the user row is inserted.
type lateClaimStore struct {
	*store.GormStore
}

func (lateClaimStore) GetUserByEmail(context.Context, string) (*model.User, error) {
	return nil, store.ErrNotFound
}

func TestVerifyMobile_LostEmailRaceLeavesNoOrganization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := 0
	gen := func() (string, error) {
		n++
		return fmt.Sprintf("%06d", 200000+n), nil
	}
	svc := signup.New(lateClaimStore{f.store}, f.sender, auth.NewLedger(f.store, f.tokens),
		signup.WithClock(f.clock.Now), signup.WithCodeGenerator(gen))

	su, err := svc.Start(ctx, signup.StartInput{Email: "race@example.com", Password: "correct-horse", FullName: "Racer"})
	require.NoError(t, err)
	_, err = svc.VerifyEmail(ctx, su.ID, f.sender.last().Code)
	require.NoError(t, err)
	_, err = svc.SetOrganization(ctx, su.ID, "Race Books")
	require.NoError(t, err)
	_, err = svc.SetMobile(ctx, su.ID, "+15550100300")
	require.NoError(t, err)

	// An invite claims the email before the signup completes.
	storetest.User(t, f.store, "race@example.com", "", model.SystemRoleUser)

	_, err = svc.VerifyMobile(ctx, su.ID, f.sender.last().Code)
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	var orgs int64
	require.NoError(t, f.store.DB().Model(&model.Organization{}).Count(&orgs).Error)
	assert.Zero(t, orgs)
}
