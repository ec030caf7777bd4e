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
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies call failures. Kinds are a closed set: transports map
// them to status codes, audit records them verbatim, and clients branch
// on them without parsing messages.
type Kind string

const (
	KindToolNotFound    Kind = "tool_not_found"
	KindValidation      Kind = "validation_error"
	KindRateLimited     Kind = "rate_limited"
	KindUnauthenticated Kind = "unauthenticated"
	KindUnauthorized    Kind = "unauthorized"
	KindTimeout         Kind = "timeout"
	KindExecution       Kind = "execution_error"
	KindBusy            Kind = "busy"
	KindInternal        Kind = "internal"
)

// Status maps the kind to the HTTP status a transport should answer
// with. Unknown kinds map to 500.
func (k Kind) Status() int {
	switch k {
	case KindToolNotFound:
		return 404
	case KindValidation:
		return 400
	case KindRateLimited:
		return 429
	case KindUnauthenticated:
		return 401
	case KindUnauthorized:
		return 403
	case KindTimeout:
		return 504
	case KindExecution:
		return 502
	case KindBusy:
		return 503
	default:
		return 500
	}
}

// ErrSchemaConflict is returned by Registry.Register when a tool name is
// re-registered with a schema that differs from the one already held.
var ErrSchemaConflict = errors.New("tools: schema conflict")

// FieldError pinpoints one offending argument. Field is a path into the
// argument structure ("query", "filter.limit", "tags[2]").
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

// Error is a classified call failure. Fields is populated for
// validation failures only; RetryAfter for rate-limit denials only.
// Messages stay free of internal metadata so they can be surfaced to
// callers as-is.
type Error struct {
	Kind       Kind
	Tool       string
	Msg        string
	Fields     []FieldError
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tools")
	if e.Tool != "" {
		fmt.Fprintf(&b, " %s", e.Tool)
	}
	fmt.Fprintf(&b, ": %s: %s", e.Kind, e.Msg)
	for _, f := range e.Fields {
		fmt.Fprintf(&b, "; %s: %s", f.Field, f.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf returns the Kind carried by err, or "" when err is not a tools
// Error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

func callErrf(tool string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Tool: tool, Msg: fmt.Sprintf(format, args...)}
}
