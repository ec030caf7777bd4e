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

// This file implements TemplateUpstream, the deterministic stand-in
// generator the demo binaries run against. It answers every query with
// synthetic prose whose length is derived from the query itself, so
// identical queries always produce identical content and a fraction of
// answers land below the cache's token floor to exercise padding.

package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"querygate/internal/gateway/tools"
)

var templateVocab = []string{
	"the", "cache", "serves", "repeated", "queries", "from", "memory",
	"while", "a", "circuit", "breaker", "shields", "callers", "against",
	"backend", "faults", "and", "tool", "results", "are", "validated",
	"before", "dispatch", "so", "every", "response", "stays", "within",
	"its", "deadline", "even", "under", "sustained", "load",
}

// TemplateUpstream is a deterministic UpstreamGenerator for demos,
// simulators and load tests. The zero value is usable.
type TemplateUpstream struct {
	MinWords int           // shortest answer in words (default 20)
	MaxWords int           // longest answer in words (default 240)
	Latency  time.Duration // simulated generation time (default none)

	// EmitTool, when set, attaches a call to the named tool (with
	// {"msg": query} as arguments) to roughly one answer in five. The
	// tool must accept that shape; the demo echo tool does.
	EmitTool string
}

// Generate answers query with deterministic synthetic prose. It blocks
// for Latency (honoring ctx) to mimic a real model round trip.
func (u *TemplateUpstream) Generate(ctx context.Context, query string, _ map[string]any) (Generation, error) {
	if u.Latency > 0 {
		timer := time.NewTimer(u.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Generation{}, ctx.Err()
		}
	}

	minWords := u.MinWords
	if minWords <= 0 {
		minWords = 20
	}
	maxWords := u.MaxWords
	if maxWords < minWords {
		maxWords = minWords + 220
	}

	h := fnv.New64a()
	h.Write([]byte(query))
	seed := h.Sum64()
	words := minWords + int(seed%uint64(maxWords-minWords+1))

	var b strings.Builder
	fmt.Fprintf(&b, "Answer to %q: ", query)
	for i := 0; i < words; i++ {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(templateVocab[int((seed>>uint(i%32))%uint64(len(templateVocab)))])
	}
	b.WriteByte('.')

	gen := Generation{Content: b.String()}
	if u.EmitTool != "" && seed%5 == 0 {
		gen.ToolCalls = []tools.Call{{
			Tool: u.EmitTool,
			Args: map[string]any{"msg": query},
		}}
	}
	return gen, nil
}
