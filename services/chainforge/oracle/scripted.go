// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package oracle

import (
	"context"
	"fmt"
	"sync"
)

// Operation names used by ScriptedOracle.FailNext and Calls.
const (
	OpGenerateQuestion = "generate_question"
	OpGenerateAnswer   = "generate_answer"
	OpCanAnswer        = "can_answer_final_question"
	OpDescribe         = "describe_qa_pair"
)

// ScriptedOracle is a deterministic Oracle for tests and dry runs.
//
// Queued responses are returned in order; when a queue is empty a synthetic
// response is produced. Queued errors for an operation are returned before
// any response.
//
// Thread Safety: Safe for concurrent use.
type ScriptedOracle struct {
	mu sync.Mutex

	questions    []QuestionResult
	answers      []AnswerResult
	finalAnswers []string
	judgments    []bool
	errs         map[string][]error
	calls        map[string]int

	// FinalAnswer is the synthetic answer to the final question. Empty
	// means the first option label, or "unknown" without options.
	FinalAnswer string

	// JudgeAfter makes the synthetic judge answer yes once the chain content
	// holds at least this many items.
	JudgeAfter int

	// TokensPerCall is reported as completion tokens on every response.
	TokensPerCall int
}

// NewScriptedOracle creates an empty script.
func NewScriptedOracle() *ScriptedOracle {
	return &ScriptedOracle{
		errs:  make(map[string][]error),
		calls: make(map[string]int),
	}
}

// QueueQuestions appends question responses.
func (s *ScriptedOracle) QueueQuestions(qs ...QuestionResult) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.questions = append(s.questions, qs...)
	return s
}

// QueueAnswers appends answers to node questions.
func (s *ScriptedOracle) QueueAnswers(answers ...string) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range answers {
		s.answers = append(s.answers, AnswerResult{Answer: a})
	}
	return s
}

// QueueFinalAnswers appends answers to the final question.
func (s *ScriptedOracle) QueueFinalAnswers(answers ...string) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalAnswers = append(s.finalAnswers, answers...)
	return s
}

// QueueJudgments appends judge verdicts.
func (s *ScriptedOracle) QueueJudgments(verdicts ...bool) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.judgments = append(s.judgments, verdicts...)
	return s
}

// FailNext makes the next call of op return err.
func (s *ScriptedOracle) FailNext(op string, err error) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[op] = append(s.errs[op], err)
	return s
}

// Calls returns how many times op was called.
func (s *ScriptedOracle) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin must be called with the lock held.
func (s *ScriptedOracle) begin(ctx context.Context, op string) error {
	s.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if q := s.errs[op]; len(q) > 0 {
		s.errs[op] = q[1:]
		return q[0]
	}
	return nil
}

func (s *ScriptedOracle) usage() Usage {
	return Usage{CompletionTokens: s.TokensPerCall}
}

// GenerateQuestion implements Oracle.
func (s *ScriptedOracle) GenerateQuestion(ctx context.Context, req QuestionRequest) (QuestionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGenerateQuestion); err != nil {
		return QuestionResult{}, err
	}
	if len(s.questions) > 0 {
		q := s.questions[0]
		s.questions = s.questions[1:]
		if !q.Capability.Valid() {
			q.Capability = req.Level
		}
		q.Usage = s.usage()
		return q, nil
	}
	n := s.calls[OpGenerateQuestion]
	return QuestionResult{
		Instruction: fmt.Sprintf("Look at the image for step %d.", n),
		Question:    fmt.Sprintf("%s question %d (%d siblings)", req.Level, n, len(req.Siblings)),
		Capability:  req.Level,
		Complexity:  1,
		Usage:       s.usage(),
	}, nil
}

// GenerateAnswer implements Oracle.
func (s *ScriptedOracle) GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpGenerateAnswer); err != nil {
		return AnswerResult{}, err
	}
	if req.Target.Final {
		if len(s.finalAnswers) > 0 {
			a := s.finalAnswers[0]
			s.finalAnswers = s.finalAnswers[1:]
			return AnswerResult{Answer: a, Usage: s.usage()}, nil
		}
		return AnswerResult{Answer: s.defaultFinal(req.Target), Usage: s.usage()}, nil
	}
	if len(s.answers) > 0 {
		a := s.answers[0]
		s.answers = s.answers[1:]
		a.Usage = s.usage()
		return a, nil
	}
	return AnswerResult{Answer: "answer to " + req.Target.Question, Usage: s.usage()}, nil
}

func (s *ScriptedOracle) defaultFinal(t AnswerTarget) string {
	if s.FinalAnswer != "" {
		return s.FinalAnswer
	}
	if len(t.Options) > 0 {
		return t.Options[0].Label
	}
	return "unknown"
}

// CanAnswerFinalQuestion implements Oracle.
func (s *ScriptedOracle) CanAnswerFinalQuestion(ctx context.Context, req JudgeRequest) (Judgment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpCanAnswer); err != nil {
		return Judgment{}, err
	}
	if len(s.judgments) > 0 {
		v := s.judgments[0]
		s.judgments = s.judgments[1:]
		return Judgment{CanAnswer: v, Usage: s.usage()}, nil
	}
	return Judgment{CanAnswer: len(req.Content) >= s.JudgeAfter, Usage: s.usage()}, nil
}

// DescribeQAPair implements Oracle.
func (s *ScriptedOracle) DescribeQAPair(ctx context.Context, question, answer string) (Description, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.begin(ctx, OpDescribe); err != nil {
		return Description{}, err
	}
	return Description{Text: fmt.Sprintf("%s: %s", question, answer), Usage: s.usage()}, nil
}
