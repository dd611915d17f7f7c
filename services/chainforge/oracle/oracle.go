// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package oracle is the boundary to the vision-language model that writes
// questions, answers them, judges whether a chain suffices to answer the
// final question, and summarises question/answer pairs.
//
// The search engine depends only on the Oracle interface. OpenAIOracle talks
// to any OpenAI-compatible endpoint; ResilientOracle adds rate limiting,
// retries, a circuit breaker and budget accounting around any Oracle;
// ScriptedOracle is a deterministic in-memory implementation.
package oracle

import (
	"context"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// Oracle generates and judges chain content.
//
// Implementations return *Error for failures they can classify. A result
// with Malformed set is usable: the response could not be parsed and the raw
// text was kept instead.
type Oracle interface {
	GenerateQuestion(ctx context.Context, req QuestionRequest) (QuestionResult, error)
	GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResult, error)
	CanAnswerFinalQuestion(ctx context.Context, req JudgeRequest) (Judgment, error)
	DescribeQAPair(ctx context.Context, question, answer string) (Description, error)
}

// Usage is the token accounting of one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// QuestionRequest asks for a new question below the current node.
type QuestionRequest struct {
	ImagePath  string
	Background string

	// Final is the final question. Its ground-truth answer is never sent.
	Final tree.FinalQuestion

	Content tree.ChainContent

	// Siblings are the existing children of the node being expanded, so the
	// new question does not repeat them.
	Siblings []tree.QuestionNode

	Level       tree.Capability
	NextHint    tree.Capability
	Penultimate bool
}

// QuestionResult is a generated question.
type QuestionResult struct {
	Instruction string
	Question    string
	Options     tree.Options
	Capability  tree.Capability
	Complexity  int
	Usage       Usage
}

// Spec converts the result into a tree.NodeSpec.
func (r QuestionResult) Spec() tree.NodeSpec {
	return tree.NodeSpec{
		Instruction:  r.Instruction,
		QuestionText: r.Question,
		Options:      r.Options,
		Capability:   r.Capability,
		Complexity:   r.Complexity,
	}
}

// AnswerTarget is the question being answered: a tree node or the final
// question.
type AnswerTarget struct {
	Question   string
	Options    tree.Options
	Capability tree.Capability
	Final      bool
}

// NodeTarget builds a target from a question node.
func NodeTarget(n *tree.QuestionNode) AnswerTarget {
	return AnswerTarget{
		Question:   n.QuestionText,
		Options:    n.Options,
		Capability: n.Capability,
	}
}

// FinalTarget builds a target from the final question. The ground-truth
// answer is dropped.
func FinalTarget(fq tree.FinalQuestion) AnswerTarget {
	return AnswerTarget{
		Question: fq.QuestionText,
		Options:  fq.Options,
		Final:    true,
	}
}

// AnswerRequest asks for an answer to Target given the image and chain context.
type AnswerRequest struct {
	ImagePath  string
	Background string
	Target     AnswerTarget
	Content    tree.ChainContent
}

// AnswerResult is a generated answer.
type AnswerResult struct {
	Answer    string
	Reasoning string

	// Malformed is set when the response was not valid JSON and Answer holds
	// the raw response text.
	Malformed bool

	Usage Usage
}

// JudgeRequest asks whether the chain content suffices to answer Final.
type JudgeRequest struct {
	Background string
	Final      tree.FinalQuestion
	Content    tree.ChainContent
}

// Judgment is the Oracle's verdict on a JudgeRequest.
type Judgment struct {
	CanAnswer bool
	Reason    string
	Malformed bool
	Usage     Usage
}

// Description is the natural-language summary of a question/answer pair.
type Description struct {
	Text  string
	Usage Usage
}
