package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/thrillee/aegisroute/pkg/codes"
	"golang.org/x/crypto/bcrypt"
)

// Cost is the bcrypt cost used for new hashes. Tests lower it.
var Cost = 12

// HashPassword generates a bcrypt hash for the given password.
// Use this before storing user or control-plane credentials.
func HashPassword(password string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		slog.Error("Failed to generate bcrypt hash for password", slog.Any("error", err))
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// CheckPasswordHash compares a plaintext password with a stored bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			slog.Warn("Error comparing password hash", slog.Any("error", err))
		}
		return false
	}
	return true
}

// StaticAuthenticator accepts a single username with a bcrypt password hash.
// It guards the control-plane and interceptor endpoints.
type StaticAuthenticator struct {
	Username     string
	PasswordHash string
}

func NewStaticAuthenticator(username, passwordHash string) *StaticAuthenticator {
	return &StaticAuthenticator{Username: username, PasswordHash: passwordHash}
}

// Authenticate implements rpc.Authenticator.
func (a *StaticAuthenticator) Authenticate(ctx context.Context, username, password string) error {
	if username != a.Username || !CheckPasswordHash(password, a.PasswordHash) {
		slog.WarnContext(ctx, "Authentication failed", slog.String("username", username))
		return codes.New(codes.KindAuthentication, "invalid credentials for %q", username)
	}
	return nil
}
