// Package account implements password login, session resolution, refresh
// rotation and logout on top of the token service and refresh ledger.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
)

var logins, _ = otel.Meter("github.com/d9705996/bookkeeper/internal/account").
	Int64Counter("auth.logins", metric.WithDescription("Login attempts by result."))

// Store is the persistence the account service reads.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetMembership(ctx context.Context, userID, orgID string) (*model.Membership, error)
	ListMemberships(ctx context.Context, userID string) ([]model.Membership, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
}

// Service authenticates users and manages their token pairs.
type Service struct {
	store  Store
	ledger *auth.Ledger
	log    *slog.Logger
}

// New returns a Service.
func New(st Store, ledger *auth.Ledger, log *slog.Logger) *Service {
	return &Service{store: st, ledger: ledger, log: log}
}

// LoginResult is a successful login.
type LoginResult struct {
	auth.Pair
	User    *model.User
	Session auth.Session
}

var errBadCredentials = apperr.Unauthenticated("email or password is incorrect")

// Login checks email and password and opens a session. When orgID is empty
// the user's oldest active membership is used; super-admins without any
// membership get a session with no organization.
func (s *Service) Login(ctx context.Context, email, password, orgID string) (res *LoginResult, err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "rejected"
		}
		logins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}()

	u, err := s.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		auth.CheckPassword("", password)
		s.log.WarnContext(ctx, "login rejected", "reason", "unknown email")
		return nil, errBadCredentials
	case err != nil:
		return nil, fmt.Errorf("load user: %w", err)
	}
	if !auth.CheckPassword(u.PasswordHash, password) {
		s.log.WarnContext(ctx, "login rejected", "reason", "password mismatch", "user_id", u.ID)
		return nil, errBadCredentials
	}
	if !u.IsActive {
		s.log.WarnContext(ctx, "login rejected", "reason", "inactive user", "user_id", u.ID)
		return nil, errBadCredentials
	}

	if orgID == "" {
		orgID, err = s.defaultOrg(ctx, u)
		if err != nil {
			return nil, err
		}
	}
	sess, err := s.sessionFor(ctx, u, orgID)
	if err != nil {
		return nil, err
	}
	pair, err := s.Issue(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &LoginResult{Pair: pair, User: u, Session: sess}, nil
}

// Issue mints an access token for sess and records a refresh token.
func (s *Service) Issue(ctx context.Context, sess auth.Session) (auth.Pair, error) {
	return s.ledger.IssuePair(ctx, sess)
}

// ResolveSession rebuilds the session of userID in orgID from current
// state. It fails with Unauthenticated when the user is gone or inactive and
// with Forbidden when the membership is missing or inactive.
func (s *Service) ResolveSession(ctx context.Context, userID, orgID string) (auth.Session, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return auth.Session{}, apperr.Unauthenticated("user no longer exists")
	case err != nil:
		return auth.Session{}, fmt.Errorf("load user: %w", err)
	}
	if !u.IsActive {
		return auth.Session{}, apperr.Unauthenticated("user is inactive")
	}
	return s.sessionFor(ctx, u, orgID)
}

func (s *Service) sessionFor(ctx context.Context, u *model.User, orgID string) (auth.Session, error) {
	sess := auth.Session{UserID: u.ID, IsSuperAdmin: u.IsSuperAdmin()}
	if orgID == "" {
		if sess.IsSuperAdmin {
			sess.RoleID = model.SystemRoleSuperAdmin
			return sess, nil
		}
		return auth.Session{}, apperr.Forbidden("user has no active organization")
	}

	org, err := s.store.GetOrganization(ctx, orgID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return auth.Session{}, apperr.Forbidden("organization not available")
	case err != nil:
		return auth.Session{}, fmt.Errorf("load organization: %w", err)
	}
	sess.OrgID = org.ID
	sess.SubscriptionStatus = string(org.SubscriptionStatus)

	m, err := s.store.GetMembership(ctx, u.ID, org.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if sess.IsSuperAdmin {
			sess.RoleID = model.SystemRoleSuperAdmin
			return sess, nil
		}
		return auth.Session{}, apperr.Forbidden("not a member of this organization")
	case err != nil:
		return auth.Session{}, fmt.Errorf("load membership: %w", err)
	case !m.IsActive:
		return auth.Session{}, apperr.Forbidden("membership is inactive")
	}
	sess.RoleID = string(m.RoleID)
	return sess, nil
}

func (s *Service) defaultOrg(ctx context.Context, u *model.User) (string, error) {
	ms, err := s.store.ListMemberships(ctx, u.ID)
	if err != nil {
		return "", fmt.Errorf("list memberships: %w", err)
	}
	for _, m := range ms {
		if m.IsActive {
			return m.OrgID, nil
		}
	}
	return "", nil
}

// RefreshResult is a rotated pair with the session it was minted for.
type RefreshResult struct {
	auth.Pair
	Session auth.Session
}

// Refresh rotates a refresh token. Every token or session failure, including
// a revoked token or a deactivated membership, is reported as
// Unauthenticated; the reason is logged. Store failures are returned as is.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	var sess auth.Session
	resolve := func(ctx context.Context, userID, orgID string) (auth.Session, error) {
		var err error
		sess, err = s.ResolveSession(ctx, userID, orgID)
		return sess, err
	}
	pair, err := s.ledger.Rotate(ctx, refreshToken, resolve)
	if err == nil {
		return &RefreshResult{Pair: pair, Session: sess}, nil
	}
	var ae *apperr.Error
	switch {
	case errors.As(err, &ae) && ae.Kind == apperr.KindInternal:
		return nil, err
	case errors.As(err, &ae):
		// The session can no longer be rebuilt: user, membership or
		// organization is gone or inactive.
		s.log.WarnContext(ctx, "refresh rejected", "reason", "session", "detail", ae.Message)
	case errors.Is(err, auth.ErrExpiredToken):
		s.log.WarnContext(ctx, "refresh rejected", "reason", "expired")
	case errors.Is(err, auth.ErrInvalidToken):
		s.log.WarnContext(ctx, "refresh rejected", "reason", "invalid", "error", err)
	case errors.Is(err, auth.ErrRevokedToken):
		s.log.WarnContext(ctx, "refresh rejected", "reason", "revoked")
	default:
		return nil, err
	}
	return nil, apperr.Unauthenticated("refresh token is invalid or expired")
}

// Logout revokes refreshToken. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.ledger.Revoke(ctx, refreshToken)
}

// Profile is the caller's user with the organization and membership of the
// current session, when there is one.
type Profile struct {
	User         *model.User
	Organization *model.Organization
	Membership   *model.Membership
	Session      auth.Session
}

// Me loads the profile behind sess.
func (s *Service) Me(ctx context.Context, sess auth.Session) (*Profile, error) {
	u, err := s.store.GetUserByID(ctx, sess.UserID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.Unauthenticated("user no longer exists")
	case err != nil:
		return nil, fmt.Errorf("load user: %w", err)
	}
	p := &Profile{User: u, Session: sess}
	if sess.OrgID == "" {
		return p, nil
	}
	if p.Organization, err = s.store.GetOrganization(ctx, sess.OrgID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load organization: %w", err)
	}
	if p.Membership, err = s.store.GetMembership(ctx, sess.UserID, sess.OrgID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load membership: %w", err)
	}
	return p, nil
}
