// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tree

import (
	"fmt"
)

const (
	// RootParentID is the parent id carried by the root node only.
	RootParentID = -1

	// FinalQuestionNodeID is the question node id of answer actions that
	// answer the final question rather than a tree node.
	FinalQuestionNodeID = -1

	// RootID is the id of the root node.
	RootID = 0
)

// QuestionNode is one generated question in the tree.
//
// VisitCount and VictoryCount are the MCTS statistics; every other field is
// immutable after creation.
type QuestionNode struct {
	ID           int        `json:"id"`
	ParentID     int        `json:"parent_id"`
	Instruction  string     `json:"instruction,omitempty"`
	QuestionText string     `json:"question"`
	Options      Options    `json:"options,omitempty"`
	Capability   Capability `json:"capability"`
	Complexity   int        `json:"complexity"`
	VisitCount   int        `json:"visit_count"`
	VictoryCount int        `json:"victory_count"`

	// Provisional marks nodes created by a chain that was abandoned before
	// finalization. Cleared when a completed chain passes through the node.
	Provisional bool `json:"provisional,omitempty"`
}

// IsRoot reports whether the node is the tree root.
func (n *QuestionNode) IsRoot() bool {
	return n.ParentID == RootParentID
}

// WinRate returns VictoryCount/VisitCount, or 0 for an unvisited node.
func (n *QuestionNode) WinRate() float64 {
	if n.VisitCount == 0 {
		return 0
	}
	return float64(n.VictoryCount) / float64(n.VisitCount)
}

// String returns a short human-readable form.
func (n *QuestionNode) String() string {
	return fmt.Sprintf("QuestionNode{id=%d, parent=%d, cap=%s, visits=%d, wins=%d}",
		n.ID, n.ParentID, n.Capability, n.VisitCount, n.VictoryCount)
}

// AnswerAction is an observed answer to a question node or, when
// QuestionNodeID is FinalQuestionNodeID, to the final question.
type AnswerAction struct {
	ID             int    `json:"id"`
	QuestionNodeID int    `json:"question_node_id"`
	AnswerText     string `json:"answer"`
	VisitCount     int    `json:"visit_count"`
	VictoryCount   int    `json:"victory_count"`

	// ChainEndNodeID is the node the chain had reached when the final
	// question was answered. Nil for non-final actions.
	ChainEndNodeID *int `json:"chain_end_node_id,omitempty"`

	Provisional bool `json:"provisional,omitempty"`
}

// IsFinal reports whether the action answers the final question.
func (a *AnswerAction) IsFinal() bool {
	return a.QuestionNodeID == FinalQuestionNodeID
}

// FinalQuestion is the overarching question a tree is built to help answer.
type FinalQuestion struct {
	FQNo         int     `json:"fq_no" yaml:"fq_no" validate:"gte=0"`
	QuestionText string  `json:"question" yaml:"question" validate:"required"`
	Options      Options `json:"options,omitempty" yaml:"options,omitempty"`
	Answer       string  `json:"answer" yaml:"answer" validate:"required"`
}

// EntryKind tags a ChainEntry.
type EntryKind string

const (
	EntryQuestion      EntryKind = "question"
	EntryAnswer        EntryKind = "answer"
	EntryFinalQuestion EntryKind = "final_question"
	EntryFinalAnswer   EntryKind = "final_answer"
)

// ChainEntry is one step of a chain trace.
//
// Ref is a node id for EntryQuestion, an action id for EntryAnswer and
// EntryFinalAnswer, and the final question number for EntryFinalQuestion.
type ChainEntry struct {
	Kind EntryKind `json:"kind"`
	Ref  int       `json:"ref"`
}

func QuestionEntry(nodeID int) ChainEntry      { return ChainEntry{Kind: EntryQuestion, Ref: nodeID} }
func AnswerEntry(actionID int) ChainEntry      { return ChainEntry{Kind: EntryAnswer, Ref: actionID} }
func FinalQuestionEntry(fqNo int) ChainEntry   { return ChainEntry{Kind: EntryFinalQuestion, Ref: fqNo} }
func FinalAnswerEntry(actionID int) ChainEntry { return ChainEntry{Kind: EntryFinalAnswer, Ref: actionID} }

// String returns e.g. "Question:3".
func (e ChainEntry) String() string {
	switch e.Kind {
	case EntryQuestion:
		return fmt.Sprintf("Question:%d", e.Ref)
	case EntryAnswer:
		return fmt.Sprintf("Answer:%d", e.Ref)
	case EntryFinalQuestion:
		return fmt.Sprintf("FinalQuestion:%d", e.Ref)
	case EntryFinalAnswer:
		return fmt.Sprintf("FinalAnswer:%d", e.Ref)
	default:
		return fmt.Sprintf("%s:%d", e.Kind, e.Ref)
	}
}

// Chain is the ordered trace of one root-to-finalization traversal.
type Chain []ChainEntry

// NewChain returns a chain positioned at the root.
func NewChain() Chain {
	return Chain{QuestionEntry(RootID)}
}

// Depth returns the number of question entries past the root.
func (c Chain) Depth() int {
	n := 0
	for _, e := range c {
		if e.Kind == EntryQuestion {
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return n - 1
}

// Last returns the last entry and whether the chain is non-empty.
func (c Chain) Last() (ChainEntry, bool) {
	if len(c) == 0 {
		return ChainEntry{}, false
	}
	return c[len(c)-1], true
}

// IsFinalized reports whether the chain ends with a final answer.
func (c Chain) IsFinalized() bool {
	last, ok := c.Last()
	return ok && last.Kind == EntryFinalAnswer
}

// Clone returns an independent copy.
func (c Chain) Clone() Chain {
	out := make(Chain, len(c))
	copy(out, c)
	return out
}

// ContentItem is the natural-language description of one question/answer
// pair, with the capability of the question.
type ContentItem struct {
	Description string     `json:"description"`
	Capability  Capability `json:"capability"`
}

// ChainContent is the conversational context accumulated along a chain.
type ChainContent []ContentItem

// LastCapability returns the capability of the last item, or
// CapabilityNone if the content is empty.
func (c ChainContent) LastCapability() Capability {
	if len(c) == 0 {
		return CapabilityNone
	}
	return c[len(c)-1].Capability
}

// CapabilityCounts counts items per capability.
func (c ChainContent) CapabilityCounts() map[Capability]int {
	counts := make(map[Capability]int, len(AllCapabilities))
	for _, item := range c {
		counts[item.Capability]++
	}
	return counts
}

// Clone returns an independent copy.
func (c ChainContent) Clone() ChainContent {
	out := make(ChainContent, len(c))
	copy(out, c)
	return out
}
