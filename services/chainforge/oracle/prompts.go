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
	"fmt"
	"strings"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// =============================================================================
// System prompts
// =============================================================================

const systemPrompt = `You are an expert financial analyst building step-by-step visual reasoning exercises about a single financial document image (a chart, table or statement). Be precise about numbers and units. Only state what the image and the provided context support. Always reply with a single JSON object and nothing else.`

const describeSystemPrompt = `You turn a question and its answer into one declarative sentence that states the fact established, for use as context in later reasoning. Reply with a JSON object {"description": "..."}.`

// =============================================================================
// Prompt builders
// =============================================================================

func writeContext(sb *strings.Builder, background string, content tree.ChainContent) {
	if background != "" {
		sb.WriteString("Document background:\n")
		sb.WriteString(strings.TrimSpace(background))
		sb.WriteString("\n\n")
	}
	if len(content) == 0 {
		sb.WriteString("Established so far: nothing yet.\n\n")
		return
	}
	sb.WriteString("Established so far:\n")
	for i, item := range content {
		fmt.Fprintf(sb, "%d. [%s] %s\n", i+1, item.Capability, item.Description)
	}
	sb.WriteByte('\n')
}

func writeFinalQuestion(sb *strings.Builder, fq tree.FinalQuestion) {
	sb.WriteString("Final question:\n")
	sb.WriteString(fq.QuestionText)
	sb.WriteByte('\n')
	if len(fq.Options) > 0 {
		sb.WriteString(fq.Options.Format())
		sb.WriteByte('\n')
	}
	sb.WriteByte('\n')
}

func questionPrompt(req QuestionRequest) string {
	var sb strings.Builder
	writeContext(&sb, req.Background, req.Content)
	writeFinalQuestion(&sb, req.Final)

	if len(req.Siblings) > 0 {
		sb.WriteString("Questions already asked at this step (do not repeat them):\n")
		for _, s := range req.Siblings {
			fmt.Fprintf(&sb, "- %s\n", s.QuestionText)
		}
		sb.WriteByte('\n')
	}

	fmt.Fprintf(&sb, "Write the next sub-question at the %s level: %s.\n",
		req.Level, req.Level.Description())
	if req.NextHint != req.Level {
		fmt.Fprintf(&sb, "The chain is heading towards %s: %s.\n",
			req.NextHint, req.NextHint.Description())
	}
	if req.Penultimate {
		fmt.Fprintf(&sb, "This is the last question at the %s level, so it should prepare the step to %s.\n",
			req.Level, req.NextHint)
	}
	sb.WriteString(`The sub-question must be answerable from the image and must move towards answering the final question without answering it outright.

Reply with JSON:
{"instruction": "<one sentence telling the reader what to look at>",
 "question": "<the sub-question>",
 "options": {"A": "...", "B": "..."} or {} for an open question,
 "capability": "<one of Perception, DataExtraction, CalculationAnalysis, PatternRecognition, LogicalReasoning, DecisionSupport>",
 "complexity": <integer 1-5>}`)
	return sb.String()
}

func answerPrompt(req AnswerRequest) string {
	var sb strings.Builder
	writeContext(&sb, req.Background, req.Content)

	if req.Target.Final {
		sb.WriteString("Answer the final question using the image and everything established so far.\n")
	} else {
		fmt.Fprintf(&sb, "Answer this %s question using the image.\n", req.Target.Capability)
	}
	sb.WriteString("Question:\n")
	sb.WriteString(req.Target.Question)
	sb.WriteByte('\n')
	if len(req.Target.Options) > 0 {
		sb.WriteString(req.Target.Options.Format())
		sb.WriteString("\n\nAnswer with the option label(s) only, comma separated if several apply.\n")
	}
	sb.WriteString(`
Reply with JSON: {"answer": "<answer>", "reasoning": "<one or two sentences>"}`)
	return sb.String()
}

func judgePrompt(req JudgeRequest) string {
	var sb strings.Builder
	writeContext(&sb, req.Background, req.Content)
	writeFinalQuestion(&sb, req.Final)
	sb.WriteString(`Does the established information suffice to answer the final question with confidence, without further questions?

Reply with JSON: {"can_answer": true or false, "reason": "<one sentence>"}`)
	return sb.String()
}

func describePrompt(question, answer string) string {
	return fmt.Sprintf("Question: %s\nAnswer: %s", question, answer)
}
