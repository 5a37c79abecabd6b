// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when a token is missing or invalid.
//
// Wrap it to add context while keeping errors.Is checks working:
//
//	return nil, fmt.Errorf("token expired: %w", extensions.ErrUnauthorized)
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID identifies the caller when authentication is disabled.
const LocalUserID = "local-user"

// AuthInfo contains identity information returned after successful
// authentication.
type AuthInfo struct {
	// UserID is the unique identifier for the caller. Never empty.
	UserID string

	// Roles contains the caller's role memberships.
	Roles []string
}

// HasRole checks if the caller has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens and returns the caller's identity.
type AuthProvider interface {
	// Validate checks the token and returns the caller's identity.
	//
	// Returns:
	//   - *AuthInfo: Identity of the caller on success.
	//   - error: Wraps ErrUnauthorized when the token is rejected.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as the local user.
//
// Thread-safe: This implementation has no mutable state.
type NopAuthProvider struct{}

// Validate always returns the local user with admin privileges. The token
// is ignored.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: LocalUserID,
		Roles:  []string{"admin"},
	}, nil
}

// StaticTokenProvider accepts exactly one shared token.
//
// Description:
//
//	The token is sealed in a Secret and only decrypted for the duration of
//	a comparison.
//
// Thread-safe: This implementation is immutable after construction.
type StaticTokenProvider struct {
	token  *Secret
	userID string
}

// NewStaticTokenProvider creates a provider for token. Callers presenting
// it are identified as "api-client" with the writer role. An empty token
// rejects every caller.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	return &StaticTokenProvider{token: NewSecret([]byte(token)), userID: "api-client"}
}

// Validate compares token in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	match := false
	err := p.token.With(func(want []byte) {
		match = subtle.ConstantTimeCompare(want, []byte(token)) == 1
	})
	if err != nil || !match {
		return nil, fmt.Errorf("invalid token: %w", ErrUnauthorized)
	}
	return &AuthInfo{UserID: p.userID, Roles: []string{"writer"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
