// Package model contains the persisted entities shared across packages.
// Each struct carries GORM tags (SQLite and PostgreSQL) and BSON tags (MongoDB)
// so that both store backends read and write the same shape.
package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// SubscriptionStatus is the billing state of an organization.
type SubscriptionStatus string

// Subscription states.
const (
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionExpired   SubscriptionStatus = "expired"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Valid reports whether s is one of the known subscription states.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionTrial, SubscriptionActive, SubscriptionExpired, SubscriptionCancelled:
		return true
	}
	return false
}

// TrialPeriod is the length of the trial granted to new organizations.
const TrialPeriod = 14 * 24 * time.Hour

// Live reports whether the organization may use business features.
func (s SubscriptionStatus) Live() bool {
	return s == SubscriptionTrial || s == SubscriptionActive
}

// System-level roles stored on User.Role. Organization roles live on Membership.
const (
	SystemRoleUser       = "user"
	SystemRoleSuperAdmin = "super_admin"
)

// Role is an organization-scoped role carried by a Membership.
type Role string

// Organization roles.
const (
	RoleOwner      Role = "owner"
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleAccountant Role = "accountant"
	RoleMember     Role = "member"
	RoleViewer     Role = "viewer"
)

// Valid reports whether r is a known organization role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleSuperAdmin, RoleAdmin, RoleAccountant, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Organization is the tenant boundary.
type Organization struct {
	ID                 string             `gorm:"type:text;primaryKey" bson:"_id" json:"org_id"`
	Name               string             `gorm:"type:text;not null" bson:"org_name" json:"org_name"`
	SubscriptionStatus SubscriptionStatus `gorm:"type:text;not null" bson:"subscription_status" json:"subscription_status"`
	TrialEndsAt        *time.Time         `bson:"trial_ends_at,omitempty" json:"trial_ends_at,omitempty"`
	IsDemo             bool               `gorm:"not null" bson:"is_demo" json:"is_demo"`
	BillingCustomerID  string             `gorm:"type:text;not null;default:''" bson:"billing_customer_id,omitempty" json:"billing_customer_id,omitempty"`
	CreatedAt          time.Time          `gorm:"not null" bson:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `gorm:"not null" bson:"updated_at" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (o *Organization) BeforeCreate(_ *gorm.DB) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	return nil
}

// User is a login identity, unique by email and shared across organizations.
type User struct {
	ID             string    `gorm:"type:text;primaryKey" bson:"_id" json:"user_id"`
	Email          string    `gorm:"type:text;not null;uniqueIndex" bson:"email" json:"email"`
	PasswordHash   string    `gorm:"type:text;not null;default:''" bson:"password_hash" json:"-"`
	FullName       string    `gorm:"type:text;not null;default:''" bson:"full_name" json:"full_name"`
	Mobile         string    `gorm:"type:text;not null;default:''" bson:"mobile,omitempty" json:"mobile,omitempty"`
	Role           string    `gorm:"type:text;not null" bson:"role" json:"role"`
	IsActive       bool      `gorm:"not null" bson:"is_active" json:"is_active"`
	EmailVerified  bool      `gorm:"not null" bson:"email_verified" json:"email_verified"`
	MobileVerified bool      `gorm:"not null" bson:"mobile_verified" json:"mobile_verified"`
	CreatedAt      time.Time `gorm:"not null" bson:"created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null" bson:"updated_at" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (u *User) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// IsSuperAdmin reports whether the user holds the global super-admin role.
func (u *User) IsSuperAdmin() bool { return u.Role == SystemRoleSuperAdmin }

// Membership grants a user an organization-scoped role.
// At most one row exists per (user_id, org_id).
type Membership struct {
	ID        string    `gorm:"type:text;primaryKey" bson:"_id" json:"membership_id"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_org_users_user_org" bson:"user_id" json:"user_id"`
	OrgID     string    `gorm:"type:text;not null;uniqueIndex:idx_org_users_user_org;index" bson:"org_id" json:"org_id"`
	RoleID    Role      `gorm:"type:text;not null" bson:"role_id" json:"role_id"`
	IsActive  bool      `gorm:"not null" bson:"is_active" json:"is_active"`
	CreatedAt time.Time `gorm:"not null" bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" bson:"updated_at" json:"updated_at"`
}

// TableName keeps the historical collection name.
func (Membership) TableName() string { return "org_users" }

// BeforeCreate generates a UUID primary key if not set.
func (m *Membership) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// DirectoryEntry is the per-organization people listing. It holds display
// fields only and never a credential.
type DirectoryEntry struct {
	ID        string    `gorm:"type:text;primaryKey" bson:"_id" json:"id"`
	OrgID     string    `gorm:"type:text;not null;uniqueIndex:idx_enterprise_users_org_user" bson:"org_id" json:"org_id"`
	UserID    string    `gorm:"type:text;not null;uniqueIndex:idx_enterprise_users_org_user" bson:"user_id" json:"user_id"`
	Email     string    `gorm:"type:text;not null" bson:"email" json:"email"`
	FullName  string    `gorm:"type:text;not null;default:''" bson:"full_name" json:"full_name"`
	RoleID    Role      `gorm:"type:text;not null" bson:"role_id" json:"role_id"`
	Status    string    `gorm:"type:text;not null" bson:"status" json:"status"`
	CreatedAt time.Time `gorm:"not null" bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" bson:"updated_at" json:"updated_at"`
}

// TableName keeps the historical collection name.
func (DirectoryEntry) TableName() string { return "enterprise_users" }

// BeforeCreate generates a UUID primary key if not set.
func (d *DirectoryEntry) BeforeCreate(_ *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return nil
}

// InviteStatus is the persisted state of an Invite. Expiry is derived from
// ExpiresAt and never written.
type InviteStatus string

// Invite states.
const (
	InvitePending  InviteStatus = "pending"
	InviteAccepted InviteStatus = "accepted"
	InviteExpired  InviteStatus = "expired"
)

// Invite is a single-use grant of an organization role to an email address.
// Only the SHA-256 hash of the token is stored.
type Invite struct {
	ID             string       `gorm:"type:text;primaryKey" bson:"_id" json:"invite_id"`
	TokenHash      string       `gorm:"type:text;not null;uniqueIndex" bson:"token_hash" json:"-"`
	Email          string       `gorm:"type:text;not null;index" bson:"email" json:"email"`
	OrgID          string       `gorm:"type:text;not null;index" bson:"org_id" json:"org_id"`
	RoleID         Role         `gorm:"type:text;not null" bson:"role_id" json:"role_id"`
	InvitedBy      string       `gorm:"type:text;not null" bson:"invited_by" json:"invited_by"`
	Status         InviteStatus `gorm:"type:text;not null" bson:"status" json:"status"`
	ExpiresAt      time.Time    `gorm:"not null" bson:"expires_at" json:"expires_at"`
	AcceptedAt     *time.Time   `bson:"accepted_at,omitempty" json:"accepted_at,omitempty"`
	AcceptedUserID *string      `gorm:"type:text" bson:"accepted_user_id,omitempty" json:"accepted_user_id,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" bson:"created_at" json:"created_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (i *Invite) BeforeCreate(_ *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	return nil
}

// State returns the effective status at now: a pending invite whose
// expiry has been reached reports InviteExpired.
func (i *Invite) State(now time.Time) InviteStatus {
	if i.Status == InvitePending && !now.UTC().Before(i.ExpiresAt.UTC()) {
		return InviteExpired
	}
	return i.Status
}

// RefreshToken is a persisted, revocable refresh token. The raw token is
// never stored; TokenHash is its SHA-256.
type RefreshToken struct {
	ID        string     `gorm:"type:text;primaryKey" bson:"_id"`
	JTI       string     `gorm:"type:text;not null;uniqueIndex" bson:"jti"`
	UserID    string     `gorm:"type:text;not null;index" bson:"user_id"`
	OrgID     string     `gorm:"type:text;not null;default:''" bson:"org_id"`
	TokenHash string     `gorm:"type:text;not null;uniqueIndex" bson:"token_hash"`
	ExpiresAt time.Time  `gorm:"not null;index" bson:"expires_at"`
	RevokedAt *time.Time `bson:"revoked_at,omitempty"`
	CreatedAt time.Time  `gorm:"not null" bson:"created_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (rt *RefreshToken) BeforeCreate(_ *gorm.DB) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	return nil
}

// Revoked reports whether the token has been revoked.
func (rt *RefreshToken) Revoked() bool { return rt.RevokedAt != nil }

// Signup tracks a self-service registration across its steps until it is
// turned into an organization, an owner user and a membership.
type Signup struct {
	ID                  string     `gorm:"type:text;primaryKey" bson:"_id"`
	Email               string     `gorm:"type:text;not null;index" bson:"email"`
	PasswordHash        string     `gorm:"type:text;not null" bson:"password_hash"`
	FullName            string     `gorm:"type:text;not null" bson:"full_name"`
	OrgName             string     `gorm:"type:text;not null;default:''" bson:"org_name"`
	Mobile              string     `gorm:"type:text;not null;default:''" bson:"mobile"`
	EmailCodeHash       string     `gorm:"type:text;not null;default:''" bson:"email_code_hash"`
	EmailCodeExpiresAt  *time.Time `bson:"email_code_expires_at,omitempty"`
	EmailVerifiedAt     *time.Time `bson:"email_verified_at,omitempty"`
	MobileCodeHash      string     `gorm:"type:text;not null;default:''" bson:"mobile_code_hash"`
	MobileCodeExpiresAt *time.Time `bson:"mobile_code_expires_at,omitempty"`
	MobileVerifiedAt    *time.Time `bson:"mobile_verified_at,omitempty"`
	Attempts            int        `gorm:"not null" bson:"attempts"`
	UserID              *string    `gorm:"type:text" bson:"user_id,omitempty"`
	OrgID               *string    `gorm:"type:text" bson:"org_id,omitempty"`
	CompletedAt         *time.Time `bson:"completed_at,omitempty"`
	CreatedAt           time.Time  `gorm:"not null" bson:"created_at"`
	UpdatedAt           time.Time  `gorm:"not null" bson:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (s *Signup) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

// Customer is a tenant-scoped business record.
type Customer struct {
	ID        string    `gorm:"type:text;primaryKey" bson:"_id" json:"customer_id"`
	OrgID     string    `gorm:"type:text;not null;index" bson:"org_id" json:"org_id"`
	Name      string    `gorm:"type:text;not null" bson:"name" json:"name"`
	Email     string    `gorm:"type:text;not null;default:''" bson:"email,omitempty" json:"email,omitempty"`
	Phone     string    `gorm:"type:text;not null;default:''" bson:"phone,omitempty" json:"phone,omitempty"`
	CreatedAt time.Time `gorm:"not null" bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" bson:"updated_at" json:"updated_at"`
}

// BeforeCreate generates a UUID primary key if not set.
func (c *Customer) BeforeCreate(_ *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	return nil
}

// All returns every model for AutoMigrate.
func All() []any {
	return []any{
		&Organization{},
		&User{},
		&Membership{},
		&DirectoryEntry{},
		&Invite{},
		&RefreshToken{},
		&Signup{},
		&Customer{},
	}
}
