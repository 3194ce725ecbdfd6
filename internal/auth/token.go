// Package auth provides JWT token issuance and validation, the refresh-token
// ledger and password hashing.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token types carried in the "type" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens, unexpected
	// types and tokens without a subject.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned for a well-formed token past its exp.
	ErrExpiredToken = errors.New("token has expired")
	// ErrInvalidTokenType is an ErrInvalidToken whose type claim does not
	// match the expected type.
	ErrInvalidTokenType = fmt.Errorf("%w: unexpected token type", ErrInvalidToken)
)

// Session is the tenant context of an authenticated caller.
type Session struct {
	UserID             string
	OrgID              string
	RoleID             string
	SubscriptionStatus string
	IsSuperAdmin       bool
}

// Claims is the verified content of a token.
type Claims struct {
	Session
	Type      string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// wireClaims is the JSON payload. "sub" and "user_id" always carry the same
// value: older consumers read one or the other. IsSuperAdmin is a pointer so
// that refresh tokens omit it while access tokens always carry it.
type wireClaims struct {
	UserID             string `json:"user_id,omitempty"`
	OrgID              string `json:"org_id,omitempty"`
	RoleID             string `json:"role_id,omitempty"`
	Type               string `json:"type,omitempty"`
	SubscriptionStatus string `json:"subscription_status,omitempty"`
	IsSuperAdmin       *bool  `json:"is_super_admin,omitempty"`
	jwt.RegisteredClaims
}

// TokenConfig holds signing settings.
type TokenConfig struct {
	Secret     string //nolint:gosec // intentional: HMAC signing secret
	Algorithm  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// TokenService mints and verifies signed tokens. It is the single source of
// truth for the claim shape.
type TokenService struct {
	key        []byte
	method     jwt.SigningMethod
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures a TokenService.
type Option func(*TokenService)

// WithClock replaces time.Now for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(s *TokenService) { s.now = now }
}

// NewTokenService validates cfg and returns a TokenService. Only HMAC
// algorithms are accepted because the key is a shared secret.
func NewTokenService(cfg TokenConfig, opts ...Option) (*TokenService, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	alg := strings.ToUpper(cfg.Algorithm)
	if alg == "" {
		alg = jwt.SigningMethodHS256.Alg()
	}
	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unsupported jwt algorithm %q", cfg.Algorithm)
	}
	s := &TokenService{
		key:        []byte(cfg.Secret),
		method:     method,
		accessTTL:  cfg.AccessTTL,
		refreshTTL: cfg.RefreshTTL,
		now:        time.Now,
	}
	if s.accessTTL <= 0 {
		s.accessTTL = 30 * time.Minute
	}
	if s.refreshTTL <= 0 {
		s.refreshTTL = 7 * 24 * time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// IssueOption adjusts a single issued token.
type IssueOption func(*issueOptions)

type issueOptions struct {
	ttl time.Duration
}

// WithTTL overrides the default lifetime of one token. A negative TTL mints
// an already-expired token.
func WithTTL(ttl time.Duration) IssueOption {
	return func(o *issueOptions) { o.ttl = ttl }
}

// CreateAccessToken mints an access token for s.
func (t *TokenService) CreateAccessToken(s Session, opts ...IssueOption) (string, error) {
	o := issueOptions{ttl: t.accessTTL}
	for _, opt := range opts {
		opt(&o)
	}
	now := t.now()
	superAdmin := s.IsSuperAdmin
	claims := wireClaims{
		UserID:             s.UserID,
		OrgID:              s.OrgID,
		RoleID:             s.RoleID,
		Type:               TokenTypeAccess,
		SubscriptionStatus: s.SubscriptionStatus,
		IsSuperAdmin:       &superAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(o.ttl)),
		},
	}
	return t.sign(claims)
}

// IssuedRefresh is a freshly minted refresh token.
type IssuedRefresh struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
}

// CreateRefreshToken mints a refresh token bound to userID and the
// organization the session was opened in. The jti is a random UUID used as
// the revocation key.
func (t *TokenService) CreateRefreshToken(userID, orgID string, opts ...IssueOption) (IssuedRefresh, error) {
	o := issueOptions{ttl: t.refreshTTL}
	for _, opt := range opts {
		opt(&o)
	}
	now := t.now()
	jti := uuid.New().String()
	exp := jwt.NewNumericDate(now.Add(o.ttl))
	claims := wireClaims{
		UserID: userID,
		OrgID:  orgID,
		Type:   TokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: exp,
		},
	}
	tok, err := t.sign(claims)
	if err != nil {
		return IssuedRefresh{}, err
	}
	return IssuedRefresh{Token: tok, JTI: jti, ExpiresAt: exp.Time}, nil
}

// VerifyToken checks the signature, expiry and type of raw and returns its
// claims. A token past exp yields ErrExpiredToken; every other failure
// yields an error matching ErrInvalidToken. When "user_id" is absent it is
// taken from "sub".
func (t *TokenService) VerifyToken(raw, expectedType string) (*Claims, error) {
	var wc wireClaims
	_, err := jwt.ParseWithClaims(raw, &wc, func(_ *jwt.Token) (any, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{t.method.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpiredToken, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if wc.Type != "" && wc.Type != expectedType {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrInvalidTokenType, wc.Type, expectedType)
	}
	if wc.UserID == "" {
		wc.UserID = wc.Subject
	}
	if wc.UserID == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	c := &Claims{
		Session: Session{
			UserID:             wc.UserID,
			OrgID:              wc.OrgID,
			RoleID:             wc.RoleID,
			SubscriptionStatus: wc.SubscriptionStatus,
			IsSuperAdmin:       wc.IsSuperAdmin != nil && *wc.IsSuperAdmin,
		},
		Type: wc.Type,
		ID:   wc.ID,
	}
	if wc.IssuedAt != nil {
		c.IssuedAt = wc.IssuedAt.Time
	}
	if wc.ExpiresAt != nil {
		c.ExpiresAt = wc.ExpiresAt.Time
	}
	return c, nil
}

// AccessTTL returns the default access-token lifetime.
func (t *TokenService) AccessTTL() time.Duration { return t.accessTTL }

// RefreshTTL returns the default refresh-token lifetime.
func (t *TokenService) RefreshTTL() time.Duration { return t.refreshTTL }

func (t *TokenService) sign(claims wireClaims) (string, error) {
	tok, err := jwt.NewWithClaims(t.method, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return tok, nil
}
