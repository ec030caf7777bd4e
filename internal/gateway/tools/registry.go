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

package tools

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"
)

// Handler executes one validated call. Args have already passed the
// tool's schema; the context carries the call deadline and, for
// authenticated calls, the caller identity. Handlers that block must
// honor context cancellation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registered capability.
type Tool struct {
	Name           string
	Description    string
	Schema         Schema
	RequiresAuth   bool
	RequiredScopes []string
	Timeout        time.Duration // 0 means the executor's default
	Handler        Handler
}

// Descriptor is the handler-free view of a tool, safe to serialize for
// discovery endpoints.
type Descriptor struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Schema         Schema   `json:"schema"`
	RequiresAuth   bool     `json:"requires_auth"`
	RequiredScopes []string `json:"required_scopes,omitempty"`
	TimeoutMS      int64    `json:"timeout_ms,omitempty"`
}

// Registry holds tools keyed by name. Lookups dominate registrations by
// orders of magnitude, hence the read lock on the call path.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t or, when the name is already taken with an equal
// schema, replaces the existing registration (same capability, newer
// handler). Re-registering a name with a different schema fails with
// ErrSchemaConflict: two callers disagreeing about a tool's contract is
// a deployment bug, not something to resolve silently.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register: empty tool name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tools: register %s: nil handler", t.Name)
	}
	if err := t.Schema.check(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[t.Name]; ok && !reflect.DeepEqual(existing.Schema, t.Schema) {
		return fmt.Errorf("%w: tool %q re-registered with a different schema", ErrSchemaConflict, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns descriptors for every registered tool, sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Descriptor{
			Name:           t.Name,
			Description:    t.Description,
			Schema:         t.Schema,
			RequiresAuth:   t.RequiresAuth,
			RequiredScopes: t.RequiredScopes,
			TimeoutMS:      t.Timeout.Milliseconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas returns the parameter schema of every registered tool.
func (r *Registry) Schemas() map[string]Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Schema, len(r.tools))
	for name, t := range r.tools {
		out[name] = t.Schema
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
