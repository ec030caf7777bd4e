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

// Package padding raises short model responses above the cache's token
// threshold by appending inert, content-type-appropriate context. The
// original bytes are always preserved verbatim and appear exactly once in
// the padded result; padding an already-padded string is a no-op.
package padding

import (
	"strings"

	"querygate/pkg/tokens"
)

// markerPrefix opens the supplemental section appended by Pad. Its
// presence is how Pad recognizes content it already processed, which is
// what makes padding idempotent. Content that happens to contain the
// marker is treated as already padded and returned unchanged.
const markerPrefix = "=== supplemental context"

// Pad returns content unchanged when it already estimates to at least
// minTokens (or already carries a supplemental section); otherwise it
// classifies the content and appends typed filler until the estimate
// reaches minTokens. The original string is the untouched head of the
// result.
func Pad(content string, minTokens int) string {
	return PadAs(content, Classify(content), minTokens)
}

// PadAs is Pad with an explicit ContentType. Unknown types use the
// generic strategy.
func PadAs(content string, ct ContentType, minTokens int) string {
	if tokens.EstimateString(content) >= minTokens || Padded(content) {
		return content
	}
	lines, ok := filler[ct]
	if !ok {
		ct = TypeGeneric
		lines = filler[TypeGeneric]
	}

	var b strings.Builder
	b.WriteString(content)
	b.WriteString("\n\n")
	b.WriteString(markerPrefix)
	b.WriteString(" (")
	b.WriteString(string(ct))
	b.WriteString(") ===\n")
	for i := 0; tokens.EstimateLen(b.Len()) < minTokens; i++ {
		b.WriteString(lines[i%len(lines)])
		b.WriteByte('\n')
	}
	return b.String()
}

// Padded reports whether content already carries a supplemental section.
func Padded(content string) bool {
	return strings.Contains(content, markerPrefix)
}

// filler holds the per-type supplemental lines. Lines are inert prose
// (SQL lines are comments): nothing here is executable, and no line
// repeats user content.
var filler = map[ContentType][]string{
	TypeSQL: {
		"-- The statement above answers the original natural-language question against the analytics schema.",
		"-- It reads committed rows only and holds no locks beyond the scan, so it is safe to re-run at any time.",
		"-- Filter predicates are sargable; the planner can satisfy them from the covering indexes on the filtered columns.",
		"-- Aggregations run after the filters, so row counts reported downstream reflect the restricted working set.",
		"-- Column aliases in the projection are stable identifiers and can be referenced by follow-up questions verbatim.",
		"-- Timestamps are stored in UTC; any localized presentation happens in the reporting layer, not in this query.",
		"-- If the result set looks truncated, raise the limit clause rather than restating the question from scratch.",
		"-- Joins follow declared foreign keys, so the cardinality of the output matches the grain of the leading table.",
	},
	TypeJSON: {
		"Field names in the document above are stable contract identifiers and safe to bind UI elements against.",
		"Numeric values are emitted without locale formatting: integers stay integral and decimals use a dot separator.",
		"Absent optional keys mean the backend had no value, which is distinct from a key present with a null literal.",
		"Array ordering is meaningful only where the enclosing key documents it; treat other arrays as unordered sets.",
		"Timestamps serialize as RFC 3339 strings in UTC; convert at the presentation edge, not when persisting.",
		"Identifiers are opaque strings even when they look numeric; never parse or do arithmetic on them.",
		"Re-requesting the same resource yields a structurally identical document unless the underlying data changed.",
		"Unknown keys may appear as the contract evolves; consumers should ignore what they do not recognize.",
	},
	TypeAPI: {
		"The endpoint referenced above is idempotent for reads: repeating the call cannot change server state.",
		"Successful responses use 2xx status codes; 4xx indicates a caller problem and retrying unchanged will not help.",
		"Rate-limited callers receive a Retry-After header; honoring it avoids tripping the account-level throttle.",
		"Authentication is carried in the Authorization header; query-string credentials are rejected outright.",
		"Pagination cursors are opaque and expire; request the next page promptly rather than storing cursors long-term.",
		"Responses are compressed when the caller advertises support; payload sizes quoted here are pre-compression.",
		"The service versions its contract in the URL path, so a pinned path keeps behavior stable across deploys.",
		"Timeout budgets downstream of this call should leave headroom for one retry within the caller's own deadline.",
	},
	TypeError: {
		"The message above is the complete operator-facing description of the failure; no detail was elided.",
		"Transient infrastructure failures clear on retry with backoff; configuration failures do not and need a change.",
		"Check recent deploys and configuration edits first: most recurring failures trace to an input that changed.",
		"If the failure persists across retries, capture the correlation identifier and the timestamp when escalating.",
		"Downstream work was not attempted after this failure, so no partial state needs manual cleanup.",
		"Identical failures are deduplicated by the alerting layer; a single page can represent many occurrences.",
		"The originating component logged structured context alongside this message under the same correlation id.",
		"Resolution steps for known failure classes are indexed by the leading error phrase in the runbook.",
	},
	TypeException: {
		"The trace above is ordered innermost-first: the top frame raised, the frames below it propagated.",
		"Frames inside the standard library rarely indicate the defect; read downward to the first application frame.",
		"The exception interrupted the request mid-flight; idempotent callers can safely resubmit the same request.",
		"State guarded by transactions rolled back automatically; in-memory caches may briefly serve stale reads.",
		"If this trace recurs with the same top frame, it is a code defect rather than an environmental issue.",
		"Argument values are redacted from frames by the runtime; consult the structured log for sanitized inputs.",
		"A watchdog records the thread and goroutine inventory at raise time for post-mortem correlation.",
		"Handlers above the raise point chose not to recover, which is why the failure surfaced to the caller.",
	},
	TypeGeneric: {
		"The answer above is complete with respect to the data available at generation time.",
		"Figures are drawn from the governed warehouse tables, not from ad-hoc extracts, so they are reproducible.",
		"Where the question was ambiguous, the most common reading in this workspace was applied.",
		"Counts reflect distinct entities after deduplication; raw event volumes are higher.",
		"Time ranges are inclusive of their start and exclusive of their end unless the answer states otherwise.",
		"Follow-up questions can reference the entities named above directly; context is retained per conversation.",
		"Data freshness follows the ingestion schedule; figures for the current day are necessarily partial.",
		"Percentages are computed against the filtered population described in the answer, not the global total.",
	},
}
