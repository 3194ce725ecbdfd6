// Package storetest opens throwaway in-memory stores for tests.
package storetest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/d9705996/bookkeeper/internal/db"
	"github.com/d9705996/bookkeeper/internal/model"
	"github.com/d9705996/bookkeeper/internal/store"
)

var seq atomic.Int64

// New returns a GormStore backed by a private in-memory SQLite database that
// is closed when the test ends.
func New(t testing.TB) *store.GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest_%d?mode=memory&cache=shared", seq.Add(1))

	gdb, err := db.OpenSQLite(dsn)
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// A single connection keeps the shared in-memory database alive and
	// serialises writers.
	sqlDB.SetMaxOpenConns(1)

	st := store.NewGorm(gdb)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

// Org creates an organization with the given subscription status.
func Org(t testing.TB, st store.Store, name string, status model.SubscriptionStatus) *model.Organization {
	t.Helper()
	o := &model.Organization{Name: name, SubscriptionStatus: status}
	require.NoError(t, st.CreateOrganization(context.Background(), o))
	return o
}

// User creates an active user with the given password hash and system role.
func User(t testing.TB, st store.Store, email, passwordHash, role string) *model.User {
	t.Helper()
	u := &model.User{
		Email:         email,
		PasswordHash:  passwordHash,
		FullName:      email,
		Role:          role,
		IsActive:      true,
		EmailVerified: true,
	}
	require.NoError(t, st.CreateUser(context.Background(), u))
	return u
}

// Member grants u the role in o.
func Member(t testing.TB, st store.Store, u *model.User, o *model.Organization, role model.Role) *model.Membership {
	t.Helper()
	m := &model.Membership{UserID: u.ID, OrgID: o.ID, RoleID: role, IsActive: true}
	require.NoError(t, st.UpsertMembership(context.Background(), m))
	return m
}

// Clock is a settable time source.
type Clock struct {
	now atomic.Int64
}

// NewClock returns a Clock set to t.
func NewClock(t time.Time) *Clock {
	c := &Clock{}
	c.Set(t)
	return c
}

// Now returns the current fake time in UTC.
func (c *Clock) Now() time.Time { return time.Unix(0, c.now.Load()).UTC() }

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) { c.now.Store(t.UnixNano()) }

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) { c.now.Add(int64(d)) }
