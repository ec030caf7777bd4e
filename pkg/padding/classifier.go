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

package padding

import (
	"encoding/json"
	"strings"
)

// ContentType labels generated content so padding can pick supplemental
// material that matches what the model produced. The set is closed;
// anything unrecognized classifies as TypeGeneric.
type ContentType string

const (
	TypeSQL       ContentType = "sql"
	TypeJSON      ContentType = "json"
	TypeAPI       ContentType = "api"
	TypeError     ContentType = "error"
	TypeException ContentType = "exception"
	TypeGeneric   ContentType = "generic"
)

var sqlPrefixes = []string{
	"SELECT ", "INSERT ", "UPDATE ", "DELETE ", "WITH ",
	"CREATE TABLE", "CREATE INDEX", "CREATE VIEW", "ALTER ", "DROP ", "EXPLAIN ",
}

// Classify inspects content and returns its ContentType.
//
// Detection is an ordered projection, checked most-specific first:
// exception trumps error, a statement prefix trumps structural JSON, and
// structural JSON trumps API-shaped text. It defaults to generic when no
// rule matches, so classification never fails.
func Classify(content string) ContentType {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return TypeGeneric
	}
	lower := strings.ToLower(trimmed)

	// Tracebacks and panics first: an exception report quoting SQL is
	// still an exception report.
	if strings.Contains(lower, "traceback (most recent call last)") ||
		strings.Contains(lower, "exception") ||
		strings.Contains(lower, "panic:") ||
		strings.Contains(lower, "stack trace") {
		return TypeException
	}

	if strings.HasPrefix(lower, "error") ||
		strings.Contains(lower, "error:") ||
		strings.Contains(lower, "fatal:") ||
		strings.Contains(lower, "failed to ") {
		return TypeError
	}

	upper := strings.ToUpper(trimmed)
	for _, p := range sqlPrefixes {
		if strings.HasPrefix(upper, p) {
			return TypeSQL
		}
	}

	if (trimmed[0] == '{' || trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return TypeJSON
	}

	if strings.HasPrefix(lower, "get /") || strings.HasPrefix(lower, "post /") ||
		strings.HasPrefix(lower, "put /") || strings.HasPrefix(lower, "delete /") ||
		strings.HasPrefix(lower, "patch /") ||
		strings.Contains(lower, "http://") || strings.Contains(lower, "https://") ||
		strings.Contains(lower, "status code") {
		return TypeAPI
	}

	return TypeGeneric
}
