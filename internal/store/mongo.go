package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names, shared with the GORM table names.
const (
	collOrganizations = "organizations"
	collUsers         = "users"
	collMemberships   = "org_users"
	collDirectory     = "enterprise_users"
	collInvites       = "invites"
	collRefresh       = "refresh_tokens"
	collSignups       = "signups"
	collCustomers     = "customers"
)

// MongoStore implements Store on a MongoDB database.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// OpenMongo connects to uri, selects database and ensures indexes.
func OpenMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	s := NewMongo(client, client.Database(database))
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongo wraps an existing client and database.
func NewMongo(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{client: client, db: db}
}

// EnsureIndexes creates the unique and lookup indexes the store relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collUsers: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collMemberships: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "org_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "org_id", Value: 1}}},
		},
		collDirectory: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collInvites: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		collRefresh: {
			{Keys: bson.D{{Key: "token_hash", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "jti", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		},
		collCustomers: {
			{Keys: bson.D{{Key: "org_id", Value: 1}, {Key: "created_at", Value: 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create %s indexes: %w", coll, err)
		}
	}
	return nil
}

// Ping checks connectivity to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Drop removes the whole database. Tests only.
func (s *MongoStore) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}

// Close disconnects the client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// CreateOrganization inserts o, assigning an id when empty.
func (s *MongoStore) CreateOrganization(ctx context.Context, o *model.Organization) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	stampCreate(&o.CreatedAt, &o.UpdatedAt)
	return s.insert(ctx, collOrganizations, o)
}

// GetOrganization returns the organization with id or ErrNotFound.
func (s *MongoStore) GetOrganization(ctx context.Context, id string) (*model.Organization, error) {
	var o model.Organization
	if err := s.findOne(ctx, collOrganizations, bson.M{"_id": id}, &o); err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateUser inserts u with a normalised email; ErrDuplicate if the email is taken.
func (s *MongoStore) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	u.Email = normalizeEmail(u.Email)
	stampCreate(&u.CreatedAt, &u.UpdatedAt)
	return s.insert(ctx, collUsers, u)
}

// GetUserByID returns the user with id or ErrNotFound.
func (s *MongoStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if err := s.findOne(ctx, collUsers, bson.M{"_id": id}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail looks a user up by normalised email.
func (s *MongoStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := s.findOne(ctx, collUsers, bson.M{"email": normalizeEmail(email)}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// UpsertUserByEmail implements Store.UpsertUserByEmail.
func (s *MongoStore) UpsertUserByEmail(ctx context.Context, u *model.User) (bool, error) {
	u.Email = normalizeEmail(u.Email)
	now := time.Now().UTC()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	update := bson.M{
		"$set": bson.M{
			"password_hash":  u.PasswordHash,
			"full_name":      u.FullName,
			"email_verified": u.EmailVerified,
			"updated_at":     now,
		},
		"$setOnInsert": bson.M{
			"_id":             u.ID,
			"role":            u.Role,
			"is_active":       u.IsActive,
			"mobile":          u.Mobile,
			"mobile_verified": u.MobileVerified,
			"created_at":      now,
		},
	}
	res, err := s.db.Collection(collUsers).UpdateOne(ctx,
		bson.M{"email": u.Email}, update, options.Update().SetUpsert(true))
	if err != nil {
		return false, translateMongo(err)
	}
	stored, err := s.GetUserByEmail(ctx, u.Email)
	if err != nil {
		return false, err
	}
	*u = *stored
	return res.UpsertedCount == 1, nil
}

// CountUsers returns the number of users.
func (s *MongoStore) CountUsers(ctx context.Context) (int64, error) {
	n, err := s.db.Collection(collUsers).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, translateMongo(err)
	}
	return n, nil
}

// UpsertMembership creates or updates the (user, organization) membership.
func (s *MongoStore) UpsertMembership(ctx context.Context, m *model.Membership) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"role_id":    m.RoleID,
			"is_active":  m.IsActive,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":        uuid.New().String(),
			"created_at": now,
		},
	}
	if _, err := s.db.Collection(collMemberships).UpdateOne(ctx,
		bson.M{"user_id": m.UserID, "org_id": m.OrgID}, update, options.Update().SetUpsert(true)); err != nil {
		return translateMongo(err)
	}
	stored, err := s.GetMembership(ctx, m.UserID, m.OrgID)
	if err != nil {
		return err
	}
	*m = *stored
	return nil
}

// GetMembership returns the membership of userID in orgID or ErrNotFound.
func (s *MongoStore) GetMembership(ctx context.Context, userID, orgID string) (*model.Membership, error) {
	var m model.Membership
	if err := s.findOne(ctx, collMemberships, bson.M{"user_id": userID, "org_id": orgID}, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMemberships returns the user's memberships, oldest first.
func (s *MongoStore) ListMemberships(ctx context.Context, userID string) ([]model.Membership, error) {
	var ms []model.Membership
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := s.findAll(ctx, collMemberships, bson.M{"user_id": userID}, opts, &ms); err != nil {
		return nil, err
	}
	return ms, nil
}

// CountMemberships counts rows for (userID, orgID).
func (s *MongoStore) CountMemberships(ctx context.Context, userID, orgID string) (int64, error) {
	n, err := s.db.Collection(collMemberships).CountDocuments(ctx, bson.M{"user_id": userID, "org_id": orgID})
	if err != nil {
		return 0, translateMongo(err)
	}
	return n, nil
}

// UpsertDirectoryEntry creates or updates the organization directory record for a user.
func (s *MongoStore) UpsertDirectoryEntry(ctx context.Context, d *model.DirectoryEntry) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set": bson.M{
			"email":      normalizeEmail(d.Email),
			"full_name":  d.FullName,
			"role_id":    d.RoleID,
			"status":     d.Status,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"_id":        uuid.New().String(),
			"created_at": now,
		},
	}
	_, err := s.db.Collection(collDirectory).UpdateOne(ctx,
		bson.M{"org_id": d.OrgID, "user_id": d.UserID}, update, options.Update().SetUpsert(true))
	return translateMongo(err)
}

// CreateInvite inserts inv.
func (s *MongoStore) CreateInvite(ctx context.Context, inv *model.Invite) error {
	if inv.ID == "" {
		inv.ID = uuid.New().String()
	}
	inv.Email = normalizeEmail(inv.Email)
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return s.insert(ctx, collInvites, inv)
}

// GetInviteByTokenHash returns the invite whose token hashes to tokenHash.
func (s *MongoStore) GetInviteByTokenHash(ctx context.Context, tokenHash string) (*model.Invite, error) {
	var inv model.Invite
	if err := s.findOne(ctx, collInvites, bson.M{"token_hash": tokenHash}, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListInvites returns the organization's invites, newest first.
func (s *MongoStore) ListInvites(ctx context.Context, orgID string) ([]model.Invite, error) {
	var invs []model.Invite
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if err := s.findAll(ctx, collInvites, bson.M{"org_id": orgID}, opts, &invs); err != nil {
		return nil, err
	}
	return invs, nil
}

// MarkInviteAccepted moves a pending invite to accepted, or returns ErrStale.
func (s *MongoStore) MarkInviteAccepted(ctx context.Context, inviteID, userID string, at time.Time) error {
	res, err := s.db.Collection(collInvites).UpdateOne(ctx,
		bson.M{"_id": inviteID, "status": model.InvitePending},
		bson.M{"$set": bson.M{
			"status":           model.InviteAccepted,
			"accepted_at":      at.UTC(),
			"accepted_user_id": userID,
		}})
	if err != nil {
		return translateMongo(err)
	}
	if res.ModifiedCount == 0 {
		return ErrStale
	}
	return nil
}

// CreateRefreshToken records a refresh token hash.
func (s *MongoStore) CreateRefreshToken(ctx context.Context, rt *model.RefreshToken) error {
	if rt.ID == "" {
		rt.ID = uuid.New().String()
	}
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}
	return s.insert(ctx, collRefresh, rt)
}

// GetRefreshToken returns the ledger row for tokenHash or ErrNotFound.
func (s *MongoStore) GetRefreshToken(ctx context.Context, tokenHash string) (*model.RefreshToken, error) {
	var rt model.RefreshToken
	if err := s.findOne(ctx, collRefresh, bson.M{"token_hash": tokenHash}, &rt); err != nil {
		return nil, err
	}
	return &rt, nil
}

// RevokeRefreshToken sets revoked_at if unset and reports whether it did.
func (s *MongoStore) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (bool, error) {
	res, err := s.db.Collection(collRefresh).UpdateOne(ctx,
		bson.M{"token_hash": tokenHash, "revoked_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{"revoked_at": at.UTC()}})
	if err != nil {
		return false, translateMongo(err)
	}
	return res.ModifiedCount > 0, nil
}

// PurgeRefreshTokens deletes rows that expired before before.
func (s *MongoStore) PurgeRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(collRefresh).DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, translateMongo(err)
	}
	return res.DeletedCount, nil
}

// CreateSignup inserts a pending signup.
func (s *MongoStore) CreateSignup(ctx context.Context, su *model.Signup) error {
	if su.ID == "" {
		su.ID = uuid.New().String()
	}
	su.Email = normalizeEmail(su.Email)
	stampCreate(&su.CreatedAt, &su.UpdatedAt)
	return s.insert(ctx, collSignups, su)
}

// GetSignup returns the signup with id or ErrNotFound.
func (s *MongoStore) GetSignup(ctx context.Context, id string) (*model.Signup, error) {
	var su model.Signup
	if err := s.findOne(ctx, collSignups, bson.M{"_id": id}, &su); err != nil {
		return nil, err
	}
	return &su, nil
}

// UpdateSignup saves su, or returns ErrStale once the signup is completed.
func (s *MongoStore) UpdateSignup(ctx context.Context, su *model.Signup) error {
	su.UpdatedAt = time.Now().UTC()
	res, err := s.db.Collection(collSignups).ReplaceOne(ctx,
		bson.M{"_id": su.ID, "completed_at": bson.M{"$exists": false}}, su)
	if err != nil {
		return translateMongo(err)
	}
	if res.MatchedCount == 0 {
		return ErrStale
	}
	return nil
}

// MarkSignupCompleted marks an open signup completed, or returns ErrStale.
func (s *MongoStore) MarkSignupCompleted(ctx context.Context, id, userID, orgID string, at time.Time) error {
	res, err := s.db.Collection(collSignups).UpdateOne(ctx,
		bson.M{"_id": id, "completed_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"completed_at": at.UTC(),
			"user_id":      userID,
			"org_id":       orgID,
			"updated_at":   at.UTC(),
		}})
	if err != nil {
		return translateMongo(err)
	}
	if res.ModifiedCount == 0 {
		return ErrStale
	}
	return nil
}

// CreateCustomer inserts c.
func (s *MongoStore) CreateCustomer(ctx context.Context, c *model.Customer) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	stampCreate(&c.CreatedAt, &c.UpdatedAt)
	return s.insert(ctx, collCustomers, c)
}

// ListCustomers returns the customers of orgID.
func (s *MongoStore) ListCustomers(ctx context.Context, orgID string) ([]model.Customer, error) {
	var cs []model.Customer
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := s.findAll(ctx, collCustomers, bson.M{"org_id": orgID}, opts, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}

// ListAllCustomers returns every organization's customers.
func (s *MongoStore) ListAllCustomers(ctx context.Context) ([]model.Customer, error) {
	var cs []model.Customer
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := s.findAll(ctx, collCustomers, bson.M{}, opts, &cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func (s *MongoStore) insert(ctx context.Context, coll string, doc any) error {
	if _, err := s.db.Collection(coll).InsertOne(ctx, doc); err != nil {
		return translateMongo(err)
	}
	return nil
}

func (s *MongoStore) findOne(ctx context.Context, coll string, filter bson.M, out any) error {
	if err := s.db.Collection(coll).FindOne(ctx, filter).Decode(out); err != nil {
		return translateMongo(err)
	}
	return nil
}

func (s *MongoStore) findAll(ctx context.Context, coll string, filter bson.M, opts *options.FindOptions, out any) error {
	cur, err := s.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return translateMongo(err)
	}
	if err := cur.All(ctx, out); err != nil {
		return translateMongo(err)
	}
	return nil
}

func translateMongo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}
