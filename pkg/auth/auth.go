// Package auth gates the console behind a single operator login.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Verifier checks operator credentials.
type Verifier interface {
	Verify(email, password string) bool
}

// StaticVerifier accepts exactly one email and password. Only a bcrypt hash
// of the password is kept.
type StaticVerifier struct {
	email string
	hash  []byte
}

// NewStaticVerifier hashes password and returns a verifier for it.
func NewStaticVerifier(email, password string) (*StaticVerifier, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, errors.New("login email is required")
	}
	if password == "" {
		return nil, errors.New("login password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return &StaticVerifier{email: email, hash: hash}, nil
}

// Verify reports whether email and password match. Email comparison ignores
// case and surrounding whitespace.
func (v *StaticVerifier) Verify(email, password string) bool {
	emailOK := subtle.ConstantTimeCompare([]byte(normalizeEmail(email)), []byte(v.email)) == 1
	passwordOK := bcrypt.CompareHashAndPassword(v.hash, []byte(password)) == nil
	return emailOK && passwordOK
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
