/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package selective

import (
	"regexp"
	"strings"
)

// Target names which probe field a rule matches against.
type Target int

const (
	TargetSymbol Target = iota
	TargetMessage
)

// Rule is one immutable marking-policy rule. Pre-compiled at construction
// (NewPolicy) so the hot path never allocates or compiles regexes.
type Rule struct {
	Target        Target
	Pattern       string
	ModuleName    string // only meaningful for TargetSymbol
	Regex         bool
	CaseSensitive bool

	compiled *regexp.Regexp // nil if Regex is false or compilation failed
}

// Policy is an immutable, freely shareable-across-threads set of rules.
// A disabled policy never matches.
type Policy struct {
	rules   []Rule
	enabled bool
}

// NewPolicy compiles rules into an immutable Policy. Invalid regexes fall
// back to literal matching of the raw pattern rather than rejecting the
// whole policy, matching the fail-soft posture.
func NewPolicy(enabled bool, rules []Rule) *Policy {
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if r.Regex && r.Pattern != "" {
			expr := r.Pattern
			if !r.CaseSensitive {
				expr = "(?i)" + expr
			}
			if re, err := regexp.Compile(expr); err == nil {
				r.compiled = re
			} else {
				r.Regex = false // fail soft to literal match of the raw pattern
			}
		}
		compiled[i] = r
	}
	return &Policy{rules: compiled, enabled: enabled}
}

func matchField(r Rule, value string) bool {
	if r.Pattern == "" {
		return false
	}
	if r.Regex {
		return r.compiled.MatchString(value)
	}
	if r.CaseSensitive {
		return value == r.Pattern
	}
	return strings.EqualFold(value, r.Pattern)
}

// Match reports whether p satisfies at least one rule. A disabled policy
// never matches.
func (pol *Policy) Match(p Probe) bool {
	if !pol.enabled {
		return false
	}
	for _, r := range pol.rules {
		var field string
		switch r.Target {
		case TargetSymbol:
			field = p.SymbolName
		case TargetMessage:
			field = p.Message
		default:
			continue
		}
		if !matchField(r, field) {
			continue
		}
		if r.Target == TargetSymbol && r.ModuleName != "" {
			if r.CaseSensitive {
				if p.ModuleName != r.ModuleName {
					continue
				}
			} else if !strings.EqualFold(p.ModuleName, r.ModuleName) {
				continue
			}
		}
		return true
	}
	return false
}
