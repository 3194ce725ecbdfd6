package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
)

// ErrRevokedToken is returned by Rotate when the presented refresh token is
// unknown to the ledger or already revoked.
var ErrRevokedToken = errors.New("refresh token revoked")

var (
	tracer = otel.Tracer("github.com/d9705996/bookkeeper/internal/auth")

	rotations, _ = otel.Meter("github.com/d9705996/bookkeeper/internal/auth").
			Int64Counter("auth.refresh_rotations", metric.WithDescription("Refresh token rotation attempts by result."))
)

// LedgerStore is the persistence the ledger needs.
type LedgerStore interface {
	CreateRefreshToken(ctx context.Context, rt *model.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// SessionResolver rebuilds the session for a refresh. It must fail when the
// user or membership no longer exists or is inactive.
type SessionResolver func(ctx context.Context, userID, orgID string) (Session, error)

// Pair is an access token with its companion refresh token.
type Pair struct {
	AccessToken      string
	RefreshToken     string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Ledger persists refresh tokens so they can be revoked server-side. Only
// the SHA-256 of each token is stored.
type Ledger struct {
	store  LedgerStore
	tokens *TokenService
}

// NewLedger returns a Ledger that mints through tokens and persists to st.
func NewLedger(st LedgerStore, tokens *TokenService) *Ledger {
	return &Ledger{store: st, tokens: tokens}
}

// Issue mints a refresh token for userID in orgID and records it.
func (l *Ledger) Issue(ctx context.Context, userID, orgID string) (IssuedRefresh, error) {
	rt, err := l.tokens.CreateRefreshToken(userID, orgID)
	if err != nil {
		return IssuedRefresh{}, err
	}
	if err := l.record(ctx, rt, userID, orgID); err != nil {
		return IssuedRefresh{}, err
	}
	return rt, nil
}

// IssuePair mints an access token for sess together with a recorded
// refresh token.
func (l *Ledger) IssuePair(ctx context.Context, sess Session) (Pair, error) {
	access, err := l.tokens.CreateAccessToken(sess)
	if err != nil {
		return Pair{}, err
	}
	rt, err := l.Issue(ctx, sess.UserID, sess.OrgID)
	if err != nil {
		return Pair{}, err
	}
	return Pair{
		AccessToken:      access,
		RefreshToken:     rt.Token,
		AccessExpiresAt:  l.tokens.now().Add(l.tokens.AccessTTL()),
		RefreshExpiresAt: rt.ExpiresAt,
	}, nil
}

// Revoke marks token revoked. Revoking an already revoked or unknown token
// is not an error.
func (l *Ledger) Revoke(ctx context.Context, token string) error {
	if _, err := l.store.RevokeRefreshToken(ctx, HashToken(token), l.tokens.now()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// IsRevoked reports whether token may no longer be used. Tokens the ledger
// has never seen count as revoked, and so does any lookup failure.
func (l *Ledger) IsRevoked(ctx context.Context, token string) (bool, error) {
	rt, err := l.store.GetRefreshToken(ctx, HashToken(token))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return true, nil
	case err != nil:
		return true, fmt.Errorf("lookup refresh token: %w", err)
	}
	return rt.Revoked(), nil
}

// Rotate exchanges a live refresh token for a new pair. Verification,
// lookup, session and lost-race failures leave the ledger untouched. If the
// replacement cannot be stored after the old token was claimed, the caller
// must log in again.
func (l *Ledger) Rotate(ctx context.Context, old string, resolve SessionResolver) (pair Pair, err error) {
	ctx, span := tracer.Start(ctx, "auth.Ledger.Rotate")
	defer func() {
		result := "ok"
		if err != nil {
			result = "rejected"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		rotations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		span.End()
	}()

	claims, err := l.tokens.VerifyToken(old, TokenTypeRefresh)
	if err != nil {
		return Pair{}, err
	}
	oldHash := HashToken(old)
	rec, err := l.store.GetRefreshToken(ctx, oldHash)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Pair{}, ErrRevokedToken
	case err != nil:
		return Pair{}, fmt.Errorf("lookup refresh token: %w", err)
	case rec.Revoked():
		return Pair{}, ErrRevokedToken
	}
	span.SetAttributes(attribute.String("user_id", claims.UserID), attribute.String("org_id", claims.OrgID))

	sess, err := resolve(ctx, claims.UserID, claims.OrgID)
	if err != nil {
		return Pair{}, err
	}
	access, err := l.tokens.CreateAccessToken(sess)
	if err != nil {
		return Pair{}, err
	}
	next, err := l.tokens.CreateRefreshToken(sess.UserID, sess.OrgID)
	if err != nil {
		return Pair{}, err
	}
	// Claim the old token first so that a concurrent rotation that loses
	// writes nothing.
	revoked, err := l.store.RevokeRefreshToken(ctx, oldHash, l.tokens.now())
	switch {
	case err != nil:
		return Pair{}, fmt.Errorf("revoke refresh token: %w", err)
	case !revoked:
		return Pair{}, ErrRevokedToken
	}
	if err := l.record(ctx, next, sess.UserID, sess.OrgID); err != nil {
		return Pair{}, err
	}

	return Pair{
		AccessToken:      access,
		RefreshToken:     next.Token,
		AccessExpiresAt:  l.tokens.now().Add(l.tokens.AccessTTL()),
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Purge deletes ledger rows that expired more than grace ago.
func (l *Ledger) Purge(ctx context.Context, grace time.Duration) (int64, error) {
	n, err := l.store.PurgeRefreshTokens(ctx, l.tokens.now().Add(-grace))
	if err != nil {
		return 0, fmt.Errorf("purge refresh tokens: %w", err)
	}
	return n, nil
}

func (l *Ledger) record(ctx context.Context, rt IssuedRefresh, userID, orgID string) error {
	err := l.store.CreateRefreshToken(ctx, &model.RefreshToken{
		JTI:       rt.JTI,
		UserID:    userID,
		OrgID:     orgID,
		TokenHash: HashToken(rt.Token),
		ExpiresAt: rt.ExpiresAt.UTC(),
		CreatedAt: l.tokens.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("store refresh token: %w", err)
	}
	return nil
}

// HashToken returns the hex SHA-256 of a bearer secret as stored at rest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
