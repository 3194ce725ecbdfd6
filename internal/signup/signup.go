// Package signup runs self-service registration: credentials, organization
// name and mobile number are collected in steps, the email and mobile
// number are confirmed with one-time codes, and the final confirmation
// creates the organization with its owner.
package signup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
)

const (
	// CodeLength is the number of digits in a verification code.
	CodeLength = 6
	// MaxAttempts is the number of wrong codes tolerated per signup.
	MaxAttempts = 5
	// DefaultCodeTTL is how long a code is valid when none is configured.
	DefaultCodeTTL = 10 * time.Minute

	codeCost = 10
)

// Delivery channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

// Store is the persistence the signup flow uses.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	CreateOrganization(ctx context.Context, o *model.Organization) error
	UpsertMembership(ctx context.Context, m *model.Membership) error
	UpsertDirectoryEntry(ctx context.Context, d *model.DirectoryEntry) error
	CreateSignup(ctx context.Context, s *model.Signup) error
	GetSignup(ctx context.Context, id string) (*model.Signup, error)
	UpdateSignup(ctx context.Context, s *model.Signup) error
	MarkSignupCompleted(ctx context.Context, id, userID, orgID string, at time.Time) error
}

// CodeMessage is a one-time code to deliver.
type CodeMessage struct {
	SignupID  string
	Channel   string
	To        string
	Code      string
	ExpiresAt time.Time
}

// Sender delivers verification codes.
type Sender interface {
	SendSignupCode(ctx context.Context, m CodeMessage) error
}

// Issuer opens a session for the new owner.
type Issuer interface {
	Issue(ctx context.Context, sess auth.Session) (auth.Pair, error)
}

// Service drives the signup steps.
type Service struct {
	store   Store
	sender  Sender
	issuer  Issuer
	codeTTL time.Duration
	log     *slog.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithCodeGenerator replaces the random code generator.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

// WithCodeTTL sets how long codes stay valid.
func WithCodeTTL(d time.Duration) Option { return func(s *Service) { s.codeTTL = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// New returns a Service.
func New(st Store, sender Sender, issuer Issuer, opts ...Option) *Service {
	s := &Service{
		store:   st,
		sender:  sender,
		issuer:  issuer,
		codeTTL: DefaultCodeTTL,
		log:     slog.Default(),
		now:     time.Now,
		newCode: randomCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartInput is the first signup step.
type StartInput struct {
	Email    string
	Password string //nolint:gosec // intentional: plaintext only until hashed
	FullName string
}

// Start records credentials and sends an email code.
func (s *Service) Start(ctx context.Context, in StartInput) (*model.Signup, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, apperr.Validation("email is not a valid address")
	}
	email := strings.ToLower(addr.Address)
	fullName := strings.TrimSpace(in.FullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	if err := s.ensureUnregistered(ctx, email); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		return nil, apperr.Validation(err.Error())
	} else if err != nil {
		return nil, err
	}

	su := &model.Signup{Email: email, PasswordHash: hash, FullName: fullName}
	code, exp, err := s.issueCode()
	if err != nil {
		return nil, err
	}
	su.EmailCodeHash, su.EmailCodeExpiresAt = code.hash, &exp
	if err := s.store.CreateSignup(ctx, su); err != nil {
		return nil, fmt.Errorf("create signup: %w", err)
	}
	s.send(ctx, CodeMessage{SignupID: su.ID, Channel: ChannelEmail, To: su.Email, Code: code.plain, ExpiresAt: exp})
	return su, nil
}

// SetOrganization records the organization name.
func (s *Service) SetOrganization(ctx context.Context, id, orgName string) (*model.Signup, error) {
	orgName = strings.TrimSpace(orgName)
	if orgName == "" {
		return nil, apperr.Validation("org_name is required")
	}
	su, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	su.OrgName = orgName
	if err := s.update(ctx, su); err != nil {
		return nil, err
	}
	return su, nil
}

// SetMobile records the mobile number and sends it a code.
func (s *Service) SetMobile(ctx context.Context, id, mobile string) (*model.Signup, error) {
	mobile, ok := normalizeMobile(mobile)
	if !ok {
		return nil, apperr.Validation("mobile must be 7 to 15 digits with an optional leading +")
	}
	su, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	code, exp, err := s.issueCode()
	if err != nil {
		return nil, err
	}
	su.Mobile = mobile
	su.MobileCodeHash, su.MobileCodeExpiresAt, su.MobileVerifiedAt = code.hash, &exp, nil
	if err := s.update(ctx, su); err != nil {
		return nil, err
	}
	s.send(ctx, CodeMessage{SignupID: su.ID, Channel: ChannelSMS, To: su.Mobile, Code: code.plain, ExpiresAt: exp})
	return su, nil
}

// VerifyEmail confirms the email code.
func (s *Service) VerifyEmail(ctx context.Context, id, code string) (*model.Signup, error) {
	su, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if su.EmailVerifiedAt != nil {
		return su, nil
	}
	if err := s.checkCode(ctx, su, su.EmailCodeHash, su.EmailCodeExpiresAt, code); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	su.EmailVerifiedAt = &now
	su.EmailCodeHash = ""
	if err := s.update(ctx, su); err != nil {
		return nil, err
	}
	return su, nil
}

// Completed is a finished signup with the owner's first session.
type Completed struct {
	User         *model.User
	Organization *model.Organization
	Session      auth.Session
	Pair         auth.Pair
}

// VerifyMobile confirms the mobile code and, when every step is done,
// creates the organization, its owner and the owner's membership.
func (s *Service) VerifyMobile(ctx context.Context, id, code string) (*Completed, error) {
	su, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case su.EmailVerifiedAt == nil:
		return nil, apperr.Validation("verify the email address first")
	case su.OrgName == "":
		return nil, apperr.Validation("organization name is missing")
	case su.Mobile == "":
		return nil, apperr.Validation("mobile number is missing")
	}
	if err := s.checkCode(ctx, su, su.MobileCodeHash, su.MobileCodeExpiresAt, code); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	su.MobileVerifiedAt = &now
	su.MobileCodeHash = ""
	if err := s.update(ctx, su); err != nil {
		return nil, err
	}
	return s.complete(ctx, su)
}

func (s *Service) complete(ctx context.Context, su *model.Signup) (*Completed, error) {
	if err := s.ensureUnregistered(ctx, su.Email); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	trialEnds := now.Add(model.TrialPeriod)
	u := &model.User{
		Email:          su.Email,
		PasswordHash:   su.PasswordHash,
		FullName:       su.FullName,
		Mobile:         su.Mobile,
		Role:           model.SystemRoleUser,
		IsActive:       true,
		EmailVerified:  true,
		MobileVerified: true,
	}
	// The unique email is claimed first; a completion that loses a race
	// writes nothing.
	if err := s.store.CreateUser(ctx, u); errors.Is(err, store.ErrDuplicate) {
		return nil, apperr.Conflict("an account with this email already exists")
	} else if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	org := &model.Organization{
		Name:               su.OrgName,
		SubscriptionStatus: model.SubscriptionTrial,
		TrialEndsAt:        &trialEnds,
	}
	if err := s.store.CreateOrganization(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization: %w", err)
	}
	if err := s.store.UpsertMembership(ctx, &model.Membership{
		UserID: u.ID, OrgID: org.ID, RoleID: model.RoleOwner, IsActive: true,
	}); err != nil {
		return nil, fmt.Errorf("create membership: %w", err)
	}
	if err := s.store.UpsertDirectoryEntry(ctx, &model.DirectoryEntry{
		OrgID: org.ID, UserID: u.ID, Email: u.Email, FullName: u.FullName, RoleID: model.RoleOwner, Status: "active",
	}); err != nil {
		return nil, fmt.Errorf("create directory entry: %w", err)
	}
	if err := s.store.MarkSignupCompleted(ctx, su.ID, u.ID, org.ID, now); errors.Is(err, store.ErrStale) {
		return nil, apperr.Conflict("signup is already complete")
	} else if err != nil {
		return nil, fmt.Errorf("complete signup: %w", err)
	}

	sess := auth.Session{
		UserID:             u.ID,
		OrgID:              org.ID,
		RoleID:             string(model.RoleOwner),
		SubscriptionStatus: string(org.SubscriptionStatus),
	}
	pair, err := s.issuer.Issue(ctx, sess)
	if err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "signup completed", "user_id", u.ID, "org_id", org.ID)
	return &Completed{User: u, Organization: org, Session: sess, Pair: pair}, nil
}

// load returns an open signup.
func (s *Service) load(ctx context.Context, id string) (*model.Signup, error) {
	if id == "" {
		return nil, apperr.Validation("signup_id is required")
	}
	su, err := s.store.GetSignup(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("signup not found")
	case err != nil:
		return nil, fmt.Errorf("load signup: %w", err)
	case su.CompletedAt != nil:
		return nil, apperr.Conflict("signup is already complete")
	}
	return su, nil
}

func (s *Service) update(ctx context.Context, su *model.Signup) error {
	switch err := s.store.UpdateSignup(ctx, su); {
	case errors.Is(err, store.ErrStale):
		return apperr.Conflict("signup is already complete")
	case err != nil:
		return fmt.Errorf("update signup: %w", err)
	}
	return nil
}

func (s *Service) ensureUnregistered(ctx context.Context, email string) error {
	_, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return apperr.Conflict("an account with this email already exists")
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("load user: %w", err)
	}
}

// checkCode validates code against hash and counts failed attempts.
func (s *Service) checkCode(ctx context.Context, su *model.Signup, hash string, expiresAt *time.Time, code string) error {
	if su.Attempts >= MaxAttempts {
		return apperr.New(apperr.KindValidation, "too_many_attempts", "too many incorrect codes; start again")
	}
	if hash == "" || expiresAt == nil {
		return apperr.Validation("no code has been sent")
	}
	if !s.now().UTC().Before(expiresAt.UTC()) {
		return apperr.TokenExpired("verification code has expired")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		su.Attempts++
		if err := s.update(ctx, su); err != nil {
			return err
		}
		return apperr.InvalidToken("verification code is incorrect")
	}
	return nil
}

type issuedCode struct {
	plain string
	hash  string
}

func (s *Service) issueCode() (issuedCode, time.Time, error) {
	plain, err := s.newCode()
	if err != nil {
		return issuedCode{}, time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), codeCost)
	if err != nil {
		return issuedCode{}, time.Time{}, fmt.Errorf("hash code: %w", err)
	}
	return issuedCode{plain: plain, hash: string(hash)}, s.now().UTC().Add(s.codeTTL), nil
}

func (s *Service) send(ctx context.Context, m CodeMessage) {
	if s.sender == nil {
		return
	}
	if err := s.sender.SendSignupCode(ctx, m); err != nil {
		s.log.ErrorContext(ctx, "queue signup code", "signup_id", m.SignupID, "channel", m.Channel, "error", err)
	}
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", CodeLength, n.Int64()), nil
}

func normalizeMobile(raw string) (string, bool) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	return out, digits >= 7 && digits <= 15
}
