// Package seed creates the platform super-admin on first boot when no
// users exist.
package seed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"

	"github.com/d9705996/bookkeeper/internal/auth"
	"github.com/d9705996/bookkeeper/internal/model"
)

// Store is the persistence EnsureAdmin needs.
type Store interface {
	CountUsers(ctx context.Context) (int64, error)
	CreateUser(ctx context.Context, u *model.User) error
}

// AdminOptions configures the seed admin user.
type AdminOptions struct {
	Email    string
	Password string //nolint:gosec // intentional: if empty, a random password is generated
	// Out receives the generated password. Nil discards it.
	Out io.Writer
}

// EnsureAdmin creates a super-admin if no users exist and reports whether
// it did. A generated password is written to opts.Out exactly once.
// It is safe to call on every startup.
func EnsureAdmin(ctx context.Context, st Store, opts AdminOptions, log *slog.Logger) (bool, error) {
	count, err := st.CountUsers(ctx)
	if err != nil {
		return false, fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		log.Info("seed admin already exists")
		return false, nil
	}

	password := opts.Password
	if password == "" {
		password, err = generatePassword()
		if err != nil {
			return false, fmt.Errorf("generate seed password: %w", err)
		}
		if opts.Out != nil {
			fmt.Fprintf(opts.Out, "[bookkeeper] seed admin password: %s\n", password)
		}
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, fmt.Errorf("hash seed password: %w", err)
	}

	u := &model.User{
		Email:         opts.Email,
		FullName:      "Platform Admin",
		PasswordHash:  hash,
		Role:          model.SystemRoleSuperAdmin,
		IsActive:      true,
		EmailVerified: true,
	}
	if err := st.CreateUser(ctx, u); err != nil {
		return false, fmt.Errorf("insert seed admin: %w", err)
	}

	log.Info("seed admin created", "email", u.Email)
	return true, nil
}

func generatePassword() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
