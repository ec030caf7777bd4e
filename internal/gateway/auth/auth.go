// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auth resolves and checks caller identity for protected tools.
// Tokens are opaque here: a pluggable Verifier exchanges them for an
// Identity (user id + granted scopes), the Authorizer carries the policy
// (authenticated, holds every required scope), and the identity travels
// on the request context between the transport layer and the executor.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnauthenticated means no usable identity accompanied the call.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrUnauthorized means the identity lacks a required scope.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrUnknownToken is returned by StaticVerifier for tokens it has
	// never seen.
	ErrUnknownToken = errors.New("auth: unknown token")
)

// Identity is a verified caller.
type Identity struct {
	UserID string   `json:"user_id"`
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the identity holds scope. Scope lists are
// short; a linear scan beats building a set per call.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier exchanges an opaque token for an Identity. Implementations
// may call out (OIDC introspection, a session store); errors mean the
// token is unusable, not that the caller lacks permissions.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// StaticVerifier is an in-memory Verifier for tests and single-node
// deployments: a token table populated by hand.
type StaticVerifier struct {
	mu         sync.RWMutex
	identities map[string]Identity
}

// NewStaticVerifier returns an empty token table.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{identities: make(map[string]Identity)}
}

// Add maps token to id, replacing any previous mapping.
func (s *StaticVerifier) Add(token string, id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[token] = id
}

// Verify implements Verifier.
func (s *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.identities[token]
	if !ok {
		return Identity{}, ErrUnknownToken
	}
	return id, nil
}

type identityKey struct{}

// WithIdentity attaches id to ctx for downstream authorization checks.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity attached by WithIdentity, if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Authorizer authenticates tokens and enforces scope requirements.
type Authorizer struct {
	verifier Verifier
	logger   *zap.Logger
}

// NewAuthorizer wires a verifier. A nil logger is replaced with a no-op.
func NewAuthorizer(verifier Verifier, logger *zap.Logger) *Authorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authorizer{verifier: verifier, logger: logger}
}

// Authenticate resolves token to an Identity. The verifier's failure
// cause stays in the log; callers only ever see ErrUnauthenticated.
func (a *Authorizer) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" || a.verifier == nil {
		return Identity{}, ErrUnauthenticated
	}
	id, err := a.verifier.Verify(ctx, token)
	if err != nil {
		a.logger.Debug("token verification failed", zap.Error(err))
		return Identity{}, fmt.Errorf("%w: token rejected", ErrUnauthenticated)
	}
	return id, nil
}

// Authorize checks that ctx carries an identity holding every required
// scope. Callers gate this on the tool's requires-auth flag; a tool with
// no scope requirements still needs an authenticated caller to pass.
func (a *Authorizer) Authorize(ctx context.Context, requiredScopes []string) error {
	id, ok := FromContext(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	var missing []string
	for _, scope := range requiredScopes {
		if !id.HasScope(scope) {
			missing = append(missing, scope)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing scopes [%s]", ErrUnauthorized, strings.Join(missing, ", "))
	}
	return nil
}
