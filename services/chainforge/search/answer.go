// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"regexp"
	"strings"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// leadingLabelRe matches "B", "B.", "B)", "(B)", "B:" and "B. some text".
var leadingLabelRe = regexp.MustCompile(`^\(?([a-z0-9]{1,2})(?:(?:[.):]|\)\.)(?:\s+.*)?)?$`)

// multiSepRe splits multi-select answers: "A, C", "A;C", "A & C", "A and C".
var multiSepRe = regexp.MustCompile(`\s*(?:,|;|&|/|\band\b)\s*`)

// AnswersMatch reports whether a generated final answer matches the ground
// truth.
//
// Both sides are trimmed and case-folded. An answer that starts with an
// option label ("B. Revenue grew") is reduced to the label, and an answer
// equal to an option's text is mapped to that option's label. Multi-select
// answers are compared as label sets, so "A, C" matches "C and A".
func AnswersMatch(got, want string, options tree.Options) bool {
	g := normalizeAnswer(got, options)
	w := normalizeAnswer(want, options)
	if g == "" || w == "" {
		return false
	}
	if g == w {
		return true
	}
	gs, ok := labelSet(got, options)
	if !ok {
		return false
	}
	ws, ok := labelSet(want, options)
	if !ok || len(gs) != len(ws) {
		return false
	}
	for label := range gs {
		if _, found := ws[label]; !found {
			return false
		}
	}
	return true
}

func normalizeAnswer(s string, options tree.Options) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	s = strings.TrimRight(s, ".")
	if s == "" {
		return ""
	}
	if label, ok := leadingLabel(s, options); ok {
		return label
	}
	for _, opt := range options {
		if strings.EqualFold(s, strings.TrimRight(strings.TrimSpace(opt.Text), ".")) {
			return strings.ToLower(opt.Label)
		}
	}
	return s
}

// leadingLabel extracts an option label from the start of s. With options
// the label must be one of them; without options only a single letter
// counts, so "no" or "up 5%" are left alone.
func leadingLabel(s string, options tree.Options) (string, bool) {
	m := leadingLabelRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	label := m[1]
	if len(options) > 0 {
		if _, ok := options.Text(label); ok {
			return label, true
		}
		return "", false
	}
	if len(label) == 1 && label[0] >= 'a' && label[0] <= 'z' && len(s) <= 3 {
		return label, true
	}
	return "", false
}

func labelSet(s string, options tree.Options) (map[string]struct{}, bool) {
	parts := multiSepRe.Split(strings.ToLower(strings.TrimSpace(s)), -1)
	set := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimRight(strings.TrimSpace(p), ".")
		if p == "" {
			continue
		}
		label, ok := leadingLabel(p, options)
		if !ok {
			return nil, false
		}
		set[label] = struct{}{}
	}
	return set, len(set) > 0
}
