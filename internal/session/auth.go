package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

var ErrEmptyCredentials = errors.New("session: empty credentials")

// GuestAuthenticator hands out a fresh anonymous id per connect. Credentials
// are ignored.
type GuestAuthenticator struct{}

func (GuestAuthenticator) Authenticate(_ context.Context, _ string) (string, error) {
	return uuid.NewString(), nil
}

// KeyedAuthenticator derives a stable id from the credentials, so the same
// token always maps to the same player across sessions.
type KeyedAuthenticator struct{}

func (KeyedAuthenticator) Authenticate(_ context.Context, credentials string) (string, error) {
	if credentials == "" {
		return "", ErrEmptyCredentials
	}
	sum := sha256.Sum256([]byte(credentials))
	return hex.EncodeToString(sum[:16]), nil
}
