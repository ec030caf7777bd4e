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

package cache

import (
	"errors"
	"fmt"
)

// Kind classifies store failures so callers can branch without matching
// message strings.
type Kind string

const (
	KindContentTooSmall Kind = "content_too_small"
	KindVersionMismatch Kind = "version_mismatch"
	KindFull            Kind = "full"
	KindCorrupt         Kind = "corrupt"
	KindInternal        Kind = "internal"
)

// ErrMiss is the not-found sentinel returned by Get. A miss is an answer,
// not a failure: the resilient wrapper records it as a success outcome.
var ErrMiss = errors.New("cache: entry not found")

// Error is a classified store failure.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache %s: %s: %s", e.Op, e.Kind, e.Msg)
}

// KindOf returns the Kind carried by err, or "" when err is not a cache
// Error.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func errf(op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}
