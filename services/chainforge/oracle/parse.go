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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// payloadValidate checks decoded Oracle payloads.
var payloadValidate = validator.New()

type questionPayload struct {
	Instruction string       `json:"instruction"`
	Question    string       `json:"question" validate:"required"`
	Options     tree.Options `json:"options"`
	Capability  string       `json:"capability"`
	Complexity  int          `json:"complexity" validate:"gte=0,lte=5"`
}

type answerPayload struct {
	Answer    json.RawMessage `json:"answer"`
	Reasoning string          `json:"reasoning"`
}

type judgePayload struct {
	CanAnswer *bool  `json:"can_answer" validate:"required"`
	Reason    string `json:"reason"`
}

type describePayload struct {
	Description string `json:"description" validate:"required"`
}

// stripFences removes markdown code fences and any prose around the first
// JSON object in raw.
func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func decodeStrict(raw string, v any) error {
	if err := json.Unmarshal([]byte(stripFences(raw)), v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := payloadValidate.Struct(v); err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	return nil
}

// parseQuestion decodes a question response. A question that cannot be
// decoded is not usable and returns a KindMalformed error.
//
// An unknown capability falls back to the requested level; complexity 0
// becomes 1.
func parseQuestion(raw string, requested tree.Capability) (QuestionResult, error) {
	var p questionPayload
	if err := decodeStrict(raw, &p); err != nil {
		return QuestionResult{}, malformed("generate_question", err)
	}
	capability, err := tree.ParseCapability(p.Capability)
	if err != nil {
		capability = requested
	}
	complexity := p.Complexity
	if complexity == 0 {
		complexity = 1
	}
	return QuestionResult{
		Instruction: strings.TrimSpace(p.Instruction),
		Question:    strings.TrimSpace(p.Question),
		Options:     p.Options,
		Capability:  capability,
		Complexity:  complexity,
	}, nil
}

// parseAnswer decodes an answer response. Anything that does not decode is
// kept verbatim as the answer with Malformed set.
func parseAnswer(raw string) AnswerResult {
	var p answerPayload
	if err := json.Unmarshal([]byte(stripFences(raw)), &p); err != nil || len(p.Answer) == 0 {
		return AnswerResult{Answer: strings.TrimSpace(raw), Malformed: true}
	}
	answer, ok := answerText(p.Answer)
	if !ok || answer == "" {
		return AnswerResult{Answer: strings.TrimSpace(raw), Malformed: true}
	}
	return AnswerResult{Answer: answer, Reasoning: strings.TrimSpace(p.Reasoning)}
}

// answerText accepts a string, a number, or a list of strings (multi-select).
func answerText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, ","), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// parseJudgment decodes a judge response. Undecodable text is searched for
// an affirmative word.
func parseJudgment(raw string) Judgment {
	var p judgePayload
	if err := decodeStrict(raw, &p); err != nil {
		return Judgment{CanAnswer: affirmative(raw), Reason: strings.TrimSpace(raw), Malformed: true}
	}
	return Judgment{CanAnswer: *p.CanAnswer, Reason: strings.TrimSpace(p.Reason)}
}

func affirmative(raw string) bool {
	fields := strings.FieldsFunc(strings.ToLower(raw), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	})
	for _, f := range fields {
		switch f {
		case "no", "false", "cannot":
			return false
		case "yes", "true":
			return true
		}
	}
	return false
}

// parseDescription decodes a describe response, falling back to the raw
// text. An empty description is an error.
func parseDescription(raw string) (string, error) {
	var p describePayload
	if err := decodeStrict(raw, &p); err == nil {
		return strings.TrimSpace(p.Description), nil
	}
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", malformed("describe_qa_pair", errors.New("empty description"))
	}
	return text, nil
}
