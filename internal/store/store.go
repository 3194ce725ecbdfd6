// Package store persists credentials, tenancy and tenant-scoped records.
// Two backends implement Store: GormStore (SQLite or PostgreSQL) and
// MongoStore (MongoDB).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/d9705996/bookkeeper/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no record.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrStale is returned when a conditional update found the record in a
	// different state than required.
	ErrStale = errors.New("store: record state changed")
)

// Store is the full persistence surface used by the services.
// Each method is atomic per record; no method spans a transaction.
type Store interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateOrganization(ctx context.Context, o *model.Organization) error
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)

	CreateUser(ctx context.Context, u *model.User) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// UpsertUserByEmail creates u, or updates the password hash, name and
	// email verification flag of the existing user with the same email. The
	// active flag and system role are written on insert only. On return u
	// reflects the stored record.
	UpsertUserByEmail(ctx context.Context, u *model.User) (created bool, err error)
	CountUsers(ctx context.Context) (int64, error)

	// UpsertMembership creates or updates the (user_id, org_id) row.
	UpsertMembership(ctx context.Context, m *model.Membership) error
	GetMembership(ctx context.Context, userID, orgID string) (*model.Membership, error)
	// ListMemberships returns the user's memberships, oldest first.
	ListMemberships(ctx context.Context, userID string) ([]model.Membership, error)
	CountMemberships(ctx context.Context, userID, orgID string) (int64, error)

	UpsertDirectoryEntry(ctx context.Context, d *model.DirectoryEntry) error

	CreateInvite(ctx context.Context, inv *model.Invite) error
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (*model.Invite, error)
	ListInvites(ctx context.Context, orgID string) ([]model.Invite, error)
	// MarkInviteAccepted moves a pending invite to accepted. It returns
	// ErrStale when the invite is no longer pending.
	MarkInviteAccepted(ctx context.Context, inviteID, userID string, at time.Time) error

	CreateRefreshToken(ctx context.Context, rt *model.RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error)
	// RevokeRefreshToken sets revoked_at if it is unset and reports whether
	// this call performed the revocation.
	RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error)
	// PurgeRefreshTokens deletes rows that expired before the cutoff.
	PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error)

	CreateSignup(ctx context.Context, s *model.Signup) error
	GetSignup(ctx context.Context, id string) (*model.Signup, error)
	UpdateSignup(ctx context.Context, s *model.Signup) error
	// MarkSignupCompleted records the created user and organization. It
	// returns ErrStale when the signup was already completed.
	MarkSignupCompleted(ctx context.Context, id, userID, orgID string, at time.Time) error

	CreateCustomer(ctx context.Context, c *model.Customer) error
	ListCustomers(ctx context.Context, orgID string) ([]model.Customer, error)
	ListAllCustomers(ctx context.Context) ([]model.Customer, error)
}
