// Package invite issues and consumes organization invitations and enforces
// which members may grant which roles.
//
// An invite is pending until it is accepted. Expiry is derived from
// expires_at on every read and never written. Acceptance checks the
// inviter's privilege before any write and finishes with a compare-and-set
// on the invite status, so a token is consumed at most once.
package invite

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	"github.com/d9705996/bookkeeper/internal/apperr"
	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/notify"
	"github.com/d9705996/bookkeeper/internal/store"
)

const tokenBytes = 32

// DefaultTTL is the invite lifetime when none is configured.
const DefaultTTL = 7 * 24 * time.Hour

var (
	tracer = otel.Tracer("github.com/d9705996/bookkeeper/internal/invite")
	meter  = otel.Meter("github.com/d9705996/bookkeeper/internal/invite")

	acceptedCounter, _ = meter.Int64Counter("invites.accepted", metric.WithDescription("Invites accepted."))
	rejectedCounter, _ = meter.Int64Counter("invites.rejected", metric.WithDescription("Invite acceptances rejected by reason."))
)

// Roles allowed to invite at all.
var inviterRoles = map[model.Role]bool{
	model.RoleOwner:      true,
	model.RoleSuperAdmin: true,
	model.RoleAdmin:      true,
}

// Roles that only elevatedInviters may grant.
var elevatedRoles = map[model.Role]bool{
	model.RoleAdmin:      true,
	model.RoleSuperAdmin: true,
}

var elevatedInviters = map[model.Role]bool{
	model.RoleOwner:      true,
	model.RoleSuperAdmin: true,
}

// Store is the persistence the guard uses.
type Store interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	UpsertUserByEmail(ctx context.Context, u *model.User) (bool, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	GetMembership(ctx context.Context, userID, orgID string) (*model.Membership, error)
	UpsertMembership(ctx context.Context, m *model.Membership) error
	UpsertDirectoryEntry(ctx context.Context, d *model.DirectoryEntry) error
	CreateInvite(ctx context.Context, inv *model.Invite) error
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (*model.Invite, error)
	ListInvites(ctx context.Context, orgID string) ([]model.Invite, error)
	MarkInviteAccepted(ctx context.Context, inviteID, userID string, at time.Time) error
}

// Message is what a Sender needs to deliver an invitation.
type Message struct {
	InviteID  string
	Email     string
	OrgName   string
	RoleID    string
	AcceptURL string
	ExpiresAt time.Time
}

// Sender delivers invitations.
type Sender interface {
	SendInvite(ctx context.Context, m Message) error
}

// Config holds invite settings.
type Config struct {
	TTL time.Duration
	// AcceptBaseURL is the page that accepts invites; the token is appended
	// as the "token" query parameter.
	AcceptBaseURL string
}

// Guard creates, verifies and accepts invites.
type Guard struct {
	store  Store
	cfg    Config
	sender Sender
	events notify.Publisher
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(g *Guard) { g.now = now } }

// WithSender sets the invitation delivery channel.
func WithSender(s Sender) Option { return func(g *Guard) { g.sender = s } }

// WithPublisher sets where membership events are published.
func WithPublisher(p notify.Publisher) Option { return func(g *Guard) { g.events = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.log = l } }

// NewGuard returns a Guard.
func NewGuard(st Store, cfg Config, opts ...Option) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	g := &Guard{store: st, cfg: cfg, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateInput describes a new invite. OrgID is honoured only for
// super-admins; everyone else invites into the organization of their
// session.
type CreateInput struct {
	Email  string
	RoleID model.Role
	OrgID  string
}

// Created is a newly issued invite. Token is the only copy of the secret.
type Created struct {
	Invite    *model.Invite
	Token     string
	AcceptURL string
}

// Create issues an invite on behalf of the caller in sess.
func (g *Guard) Create(ctx context.Context, sess auth.Session, in CreateInput) (*Created, error) {
	orgID := sess.OrgID
	if sess.IsSuperAdmin && in.OrgID != "" {
		orgID = in.OrgID
	}
	if orgID == "" {
		return nil, apperr.Validation("org_id is required")
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(in.Email))
	if err != nil {
		return nil, apperr.Validation("email is not a valid address")
	}
	email := strings.ToLower(addr.Address)
	switch {
	case !in.RoleID.Valid():
		return nil, apperr.Validation(fmt.Sprintf("unknown role %q", in.RoleID))
	case in.RoleID == model.RoleOwner:
		return nil, apperr.Forbidden("the owner role cannot be granted by invitation")
	}

	org, err := g.store.GetOrganization(ctx, orgID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.NotFound("organization not found")
	case err != nil:
		return nil, fmt.Errorf("load organization: %w", err)
	}

	if !sess.IsSuperAdmin {
		m, err := g.activeMembership(ctx, sess.UserID, org.ID)
		if err != nil {
			return nil, err
		}
		if m == nil || !inviterRoles[m.RoleID] {
			return nil, apperr.Forbidden("your role may not invite members")
		}
		if elevatedRoles[in.RoleID] && !elevatedInviters[m.RoleID] {
			return nil, apperr.Forbidden(fmt.Sprintf("only an owner or super admin may invite a %s", in.RoleID))
		}
	}

	if existing, err := g.store.GetUserByEmail(ctx, email); err == nil {
		if m, err := g.activeMembership(ctx, existing.ID, org.ID); err != nil {
			return nil, err
		} else if m != nil {
			return nil, apperr.Conflict("this user is already a member of the organization")
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load user: %w", err)
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	inv := &model.Invite{
		TokenHash: auth.HashToken(token),
		Email:     email,
		OrgID:     org.ID,
		RoleID:    in.RoleID,
		InvitedBy: sess.UserID,
		Status:    model.InvitePending,
		ExpiresAt: now.Add(g.cfg.TTL),
		CreatedAt: now,
	}
	if err := g.store.CreateInvite(ctx, inv); err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}

	out := &Created{Invite: inv, Token: token, AcceptURL: g.acceptURL(token)}
	if g.sender != nil {
		err := g.sender.SendInvite(ctx, Message{
			InviteID:  inv.ID,
			Email:     inv.Email,
			OrgName:   org.Name,
			RoleID:    string(inv.RoleID),
			AcceptURL: out.AcceptURL,
			ExpiresAt: inv.ExpiresAt,
		})
		if err != nil {
			g.log.ErrorContext(ctx, "queue invite email", "invite_id", inv.ID, "error", err)
		}
	}
	g.publish(ctx, notify.Event{
		Type:  notify.EventInviteCreated,
		OrgID: inv.OrgID,
		Data:  map[string]string{"invite_id": inv.ID, "email": inv.Email, "role_id": string(inv.RoleID)},
	})
	return out, nil
}

// List returns the invites of the caller's organization, newest first.
func (g *Guard) List(ctx context.Context, sess auth.Session, orgID string) ([]model.Invite, error) {
	if !sess.IsSuperAdmin || orgID == "" {
		orgID = sess.OrgID
	}
	if orgID == "" {
		return nil, apperr.Validation("org_id is required")
	}
	if !sess.IsSuperAdmin {
		m, err := g.activeMembership(ctx, sess.UserID, orgID)
		if err != nil {
			return nil, err
		}
		if m == nil || !inviterRoles[m.RoleID] {
			return nil, apperr.Forbidden("your role may not view invites")
		}
	}
	invs, err := g.store.ListInvites(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	now := g.now()
	for i := range invs {
		invs[i].Status = invs[i].State(now)
	}
	return invs, nil
}

// Summary is the public view of a pending invite.
type Summary struct {
	InviteID string
	Email    string
	OrgID    string
	RoleID   model.Role
	Status   model.InviteStatus
}

// Verify checks that token names a pending, unexpired invite.
func (g *Guard) Verify(ctx context.Context, token string) (*Summary, error) {
	inv, err := g.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	return &Summary{
		InviteID: inv.ID,
		Email:    inv.Email,
		OrgID:    inv.OrgID,
		RoleID:   inv.RoleID,
		Status:   inv.Status,
	}, nil
}

// Accepted is the result of a successful acceptance.
type Accepted struct {
	UserID string
	OrgID  string
}

// Accept consumes token, creating or updating the invitee's user record
// and membership.
func (g *Guard) Accept(ctx context.Context, token, fullName, password string) (res *Accepted, err error) {
	ctx, span := tracer.Start(ctx, "invite.Guard.Accept")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			rejectedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(err))))
		} else {
			acceptedCounter.Add(ctx, 1)
		}
		span.End()
	}()

	inv, err := g.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("invite_id", inv.ID), attribute.String("org_id", inv.OrgID))

	if err := g.checkInviter(ctx, inv); err != nil {
		return nil, err
	}

	fullName = strings.TrimSpace(fullName)
	if fullName == "" {
		return nil, apperr.Validation("full_name is required")
	}
	hash, err := auth.HashPassword(password)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		return nil, apperr.Validation(err.Error())
	} else if err != nil {
		return nil, err
	}

	switch existing, err := g.store.GetUserByEmail(ctx, inv.Email); {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load user: %w", err)
	case !existing.IsActive:
		return nil, apperr.Forbidden("this account is disabled")
	}

	u := &model.User{
		Email:         inv.Email,
		PasswordHash:  hash,
		FullName:      fullName,
		Role:          model.SystemRoleUser,
		IsActive:      true,
		EmailVerified: true,
	}
	if _, err := g.store.UpsertUserByEmail(ctx, u); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	if err := g.store.UpsertMembership(ctx, &model.Membership{
		UserID:   u.ID,
		OrgID:    inv.OrgID,
		RoleID:   inv.RoleID,
		IsActive: true,
	}); err != nil {
		return nil, fmt.Errorf("upsert membership: %w", err)
	}
	if err := g.store.UpsertDirectoryEntry(ctx, &model.DirectoryEntry{
		OrgID:    inv.OrgID,
		UserID:   u.ID,
		Email:    u.Email,
		FullName: u.FullName,
		RoleID:   inv.RoleID,
		Status:   "active",
	}); err != nil {
		return nil, fmt.Errorf("upsert directory entry: %w", err)
	}

	switch err := g.store.MarkInviteAccepted(ctx, inv.ID, u.ID, g.now().UTC()); {
	case errors.Is(err, store.ErrStale):
		return nil, apperr.InviteAlreadyUsed("invite has already been used")
	case err != nil:
		return nil, fmt.Errorf("mark invite accepted: %w", err)
	}

	g.publish(ctx, notify.Event{
		Type:  notify.EventMemberJoined,
		OrgID: inv.OrgID,
		Data:  map[string]string{"user_id": u.ID, "email": u.Email, "role_id": string(inv.RoleID)},
	})
	return &Accepted{UserID: u.ID, OrgID: inv.OrgID}, nil
}

// lookup resolves token to a pending invite or a typed failure.
func (g *Guard) lookup(ctx context.Context, token string) (*model.Invite, error) {
	if token == "" {
		return nil, apperr.InvalidToken("invite token is required")
	}
	inv, err := g.store.GetInviteByTokenHash(ctx, auth.HashToken(token))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, apperr.InvalidToken("invite token is invalid")
	case err != nil:
		return nil, fmt.Errorf("load invite: %w", err)
	}
	switch inv.State(g.now()) {
	case model.InvitePending:
		return inv, nil
	case model.InviteExpired:
		return nil, apperr.TokenExpired("invite has expired")
	default:
		return nil, apperr.InviteAlreadyUsed("invite has already been used")
	}
}

// checkInviter re-validates the inviter's privilege at acceptance time.
func (g *Guard) checkInviter(ctx context.Context, inv *model.Invite) error {
	if !elevatedRoles[inv.RoleID] {
		return nil
	}
	inviter, err := g.store.GetUserByID(ctx, inv.InvitedBy)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.Forbidden("the inviter no longer exists")
	case err != nil:
		return fmt.Errorf("load inviter: %w", err)
	}
	if inviter.IsSuperAdmin() {
		return nil
	}
	m, err := g.activeMembership(ctx, inviter.ID, inv.OrgID)
	if err != nil {
		return err
	}
	if m == nil || !elevatedInviters[m.RoleID] {
		return apperr.Forbidden(fmt.Sprintf("the inviter may not grant the %s role", inv.RoleID))
	}
	return nil
}

// activeMembership returns nil without error when there is no active
// membership.
func (g *Guard) activeMembership(ctx context.Context, userID, orgID string) (*model.Membership, error) {
	m, err := g.store.GetMembership(ctx, userID, orgID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load membership: %w", err)
	case !m.IsActive:
		return nil, nil
	}
	return m, nil
}

func (g *Guard) publish(ctx context.Context, e notify.Event) {
	if g.events == nil {
		return
	}
	e.At = g.now().UTC()
	if err := g.events.Publish(ctx, e); err != nil {
		g.log.WarnContext(ctx, "publish notification", "type", e.Type, "error", err)
	}
}

func (g *Guard) acceptURL(token string) string {
	if g.cfg.AcceptBaseURL == "" {
		return ""
	}
	u, err := url.Parse(g.cfg.AcceptBaseURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate invite token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func rejectReason(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidToken:
		return "invalid"
	case apperr.KindTokenExpired:
		return "expired"
	case apperr.KindInviteAlreadyUsed:
		return "used"
	case apperr.KindForbidden:
		return "forbidden"
	case apperr.KindValidation:
		return "validation"
	default:
		return "error"
	}
}
