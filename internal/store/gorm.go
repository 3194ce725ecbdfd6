package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on top of GORM. It works against both SQLite
// and PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// NewGorm returns a GormStore using db. The schema must already exist.
func NewGorm(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying handle for tests and maintenance tasks.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *GormStore) Close(_ context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}

// CreateOrganization inserts o, assigning an id when empty.
func (s *GormStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	stampCreate(&o.CreatedAt, &o.UpdatedAt)
	if err := s.db.WithContext(ctx).Create(o).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetOrganization returns the organization with id or ErrNotFound.
func (s *GormStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var o model.Organization
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		return nil, translate(err)
	}
	return &o, nil
}

// CreateUser inserts u with a normalised email; ErrDuplicate if the email is taken.
func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	u.Email = normalizeEmail(u.Email)
	stampCreate(&u.CreatedAt, &u.UpdatedAt)
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetUserByID returns the user with id or ErrNotFound.
func (s *GormStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// GetUserByEmail looks a user up by normalised email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

// UpsertUserByEmail implements Store.UpsertUserByEmail.
func (s *GormStore) UpsertUserByEmail(ctx context.Context, u *model.User) (bool, error) {
	u.Email = normalizeEmail(u.Email)
	for attempt := 0; attempt < 2; attempt++ {
		existing, err := s.GetUserByEmail(ctx, u.Email)
		switch {
		case errors.Is(err, ErrNotFound):
			if err := s.CreateUser(ctx, u); err != nil {
				if errors.Is(err, ErrDuplicate) {
					// Lost a race with a concurrent insert; update instead.
					continue
				}
				return false, err
			}
			return true, nil
		case err != nil:
			return false, err
		}

		now := time.Now().UTC()
		if err := s.db.WithContext(ctx).Model(&model.User{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"password_hash":  u.PasswordHash,
				"full_name":      u.FullName,
				"email_verified": u.EmailVerified,
				"updated_at":     now,
			}).Error; err != nil {
			return false, translate(err)
		}
		existing.PasswordHash = u.PasswordHash
		existing.FullName = u.FullName
		existing.EmailVerified = u.EmailVerified
		existing.UpdatedAt = now
		*u = *existing
		return false, nil
	}
	return false, fmt.Errorf("upsert user %s: %w", u.Email, ErrDuplicate)
}

// CountUsers returns the number of users.
func (s *GormStore) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.User{}).Count(&n).Error; err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// UpsertMembership creates or updates the (user, organization) membership.
func (s *GormStore) UpsertMembership(ctx context.Context, m *model.Membership) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	stampCreate(&m.CreatedAt, &m.UpdatedAt)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "org_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role_id", "is_active", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return translate(err)
	}
	stored, err := s.GetMembership(ctx, m.UserID, m.OrgID)
	if err != nil {
		return err
	}
	*m = *stored
	return nil
}

// GetMembership returns the membership of userID in orgID or ErrNotFound.
func (s *GormStore) GetMembership(ctx context.Context, userID, orgID string) (*model.Membership, error) {
	var m model.Membership
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND org_id = ?", userID, orgID).
		First(&m).Error; err != nil {
		return nil, translate(err)
	}
	return &m, nil
}

// ListMemberships returns the user's memberships, oldest first.
func (s *GormStore) ListMemberships(ctx context.Context, userID string) ([]model.Membership, error) {
	var ms []model.Membership
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&ms).Error; err != nil {
		return nil, translate(err)
	}
	return ms, nil
}

// CountMemberships counts rows for (userID, orgID).
func (s *GormStore) CountMemberships(ctx context.Context, userID, orgID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Membership{}).
		Where("user_id = ? AND org_id = ?", userID, orgID).
		Count(&n).Error; err != nil {
		return 0, translate(err)
	}
	return n, nil
}

// UpsertDirectoryEntry creates or updates the organization directory record for a user.
func (s *GormStore) UpsertDirectoryEntry(ctx context.Context, d *model.DirectoryEntry) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.Email = normalizeEmail(d.Email)
	stampCreate(&d.CreatedAt, &d.UpdatedAt)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"email", "full_name", "role_id", "status", "updated_at"}),
	}).Create(d).Error
	return translate(err)
}

// CreateInvite inserts inv.
func (s *GormStore) CreateInvite(ctx context.Context, inv *model.Invite) error {
	inv.Email = normalizeEmail(inv.Email)
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(inv).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetInviteByTokenHash returns the invite whose token hashes to tokenHash.
func (s *GormStore) GetInviteByTokenHash(ctx context.Context, tokenHash string) (*model.Invite, error) {
	var inv model.Invite
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&inv).Error; err != nil {
		return nil, translate(err)
	}
	return &inv, nil
}

// ListInvites returns the organization's invites, newest first.
func (s *GormStore) ListInvites(ctx context.Context, orgID string) ([]model.Invite, error) {
	var invs []model.Invite
	if err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at DESC").
		Find(&invs).Error; err != nil {
		return nil, translate(err)
	}
	return invs, nil
}

// MarkInviteAccepted moves a pending invite to accepted, or returns ErrStale.
func (s *GormStore) MarkInviteAccepted(ctx context.Context, inviteID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Invite{}).
		Where("id = ? AND status = ?", inviteID, model.InvitePending).
		Updates(map[string]any{
			"status":           model.InviteAccepted,
			"accepted_at":      at.UTC(),
			"accepted_user_id": userID,
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// CreateRefreshToken records a refresh token hash.
func (s *GormStore) CreateRefreshToken(ctx context.Context, rt *model.RefreshToken) error {
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(rt).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetRefreshToken returns the ledger row for tokenHash or ErrNotFound.
func (s *GormStore) GetRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	var rt model.RefreshToken
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&rt).Error; err != nil {
		return nil, translate(err)
	}
	return &rt, nil
}

// RevokeRefreshToken sets revoked_at if unset and reports whether it did.
func (s *GormStore) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.RefreshToken{}).
		Where("token_hash = ? AND revoked_at IS NULL", tokenHash).
		Update("revoked_at", at.UTC())
	if res.Error != nil {
		return false, translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// PurgeRefreshTokens deletes rows that expired before before.
func (s *GormStore) PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", before.UTC()).
		Delete(&model.RefreshToken{})
	if res.Error != nil {
		return 0, translate(res.Error)
	}
	return res.RowsAffected, nil
}

// CreateSignup inserts a pending signup.
func (s *GormStore) CreateSignup(ctx context.Context, su *model.Signup) error {
	su.Email = normalizeEmail(su.Email)
	stampCreate(&su.CreatedAt, &su.UpdatedAt)
	if err := s.db.WithContext(ctx).Create(su).Error; err != nil {
		return translate(err)
	}
	return nil
}

// GetSignup returns the signup with id or ErrNotFound.
func (s *GormStore) GetSignup(ctx context.Context, id string) (*model.Signup, error) {
	var su model.Signup
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&su).Error; err != nil {
		return nil, translate(err)
	}
	return &su, nil
}

// UpdateSignup saves su, or returns ErrStale once the signup is completed.
func (s *GormStore) UpdateSignup(ctx context.Context, su *model.Signup) error {
	su.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Where("completed_at IS NULL").
		Select("*").
		Omit("created_at", "completed_at", "user_id", "org_id").
		Updates(su)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// MarkSignupCompleted marks an open signup completed, or returns ErrStale.
func (s *GormStore) MarkSignupCompleted(ctx context.Context, id, userID, orgID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&model.Signup{}).
		Where("id = ? AND completed_at IS NULL", id).
		Updates(map[string]any{
			"completed_at": at.UTC(),
			"user_id":      userID,
			"org_id":       orgID,
			"updated_at":   at.UTC(),
		})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	return nil
}

// CreateCustomer inserts c.
func (s *GormStore) CreateCustomer(ctx context.Context, c *model.Customer) error {
	stampCreate(&c.CreatedAt, &c.UpdatedAt)
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return translate(err)
	}
	return nil
}

// ListCustomers returns the customers of orgID.
func (s *GormStore) ListCustomers(ctx context.Context, orgID string) ([]model.Customer, error) {
	var cs []model.Customer
	if err := s.db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&cs).Error; err != nil {
		return nil, translate(err)
	}
	return cs, nil
}

// ListAllCustomers returns every organization's customers.
func (s *GormStore) ListAllCustomers(ctx context.Context) ([]model.Customer, error) {
	var cs []model.Customer
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&cs).Error; err != nil {
		return nil, translate(err)
	}
	return cs, nil
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key value") {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func stampCreate(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	*updated = now
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
