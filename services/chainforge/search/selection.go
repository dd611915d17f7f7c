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
	"math"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// ExploitProbability is the chance of selecting an existing child rather
// than expanding a new one:
//
//	p(n) = 1 / (1 + exp(-alpha*(n-beta)))
//
// It is strictly increasing in n and exactly 0.5 at n == beta.
func ExploitProbability(n int, alpha, beta float64) float64 {
	return 1.0 / (1.0 + math.Exp(-alpha*(float64(n)-beta)))
}

// UCTScore scores a child for selection:
//
//	score = wins/visits + c*sqrt(ln(parentVisits)/visits)
//
// A child with zero visits scores +Inf so it is always tried first.
func UCTScore(wins, visits, parentVisits int, c float64) float64 {
	if visits <= 0 {
		return math.Inf(1)
	}
	exploitation := float64(wins) / float64(visits)
	if parentVisits < 1 {
		return exploitation
	}
	exploration := c * math.Sqrt(math.Log(float64(parentVisits))/float64(visits))
	return exploitation + exploration
}

// SelectUCT returns the index of the child with the highest UCT score, or
// -1 for no children. The parent total is the sum of child visits. Ties
// keep the earlier child, so the first zero-visit child wins among several.
func SelectUCT(children []*tree.QuestionNode, c float64) int {
	if len(children) == 0 {
		return -1
	}
	total := 0
	for _, ch := range children {
		total += ch.VisitCount
	}
	best := -1
	bestScore := math.Inf(-1)
	for i, ch := range children {
		score := UCTScore(ch.VictoryCount, ch.VisitCount, total, c)
		if best == -1 || score > bestScore {
			best = i
			bestScore = score
		}
	}
	return best
}
