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
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/awnumar/memguard"
	"github.com/patrickmn/go-cache"
	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI-compatible Oracle client.
type OpenAIConfig struct {
	// BaseURL of an OpenAI-compatible API. Empty uses api.openai.com.
	BaseURL string `yaml:"base_url" json:"base_url" validate:"omitempty,url"`

	// Model must accept image input.
	Model string `yaml:"model" json:"model" validate:"required"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`

	// APIKeyFile is read when APIKeyEnv is unset or empty.
	APIKeyFile string `yaml:"api_key_file" json:"api_key_file"`

	MaxTokens   int           `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature float32       `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" validate:"gte=0"`

	// ImageDetail is "low", "high" or "auto".
	ImageDetail string `yaml:"image_detail" json:"image_detail" validate:"omitempty,oneof=low high auto"`
}

// DefaultOpenAIConfig returns the default client settings.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		Model:       "gpt-4o",
		APIKeyEnv:   "OPENAI_API_KEY",
		APIKeyFile:  "/run/secrets/openai_api_key",
		MaxTokens:   1024,
		Temperature: 0.7,
		Timeout:     90 * time.Second,
		ImageDetail: "auto",
	}
}

// ErrNoAPIKey is returned when neither the env var nor the secret file
// provides a key.
var ErrNoAPIKey = errors.New("no oracle API key configured")

// LoadAPIKey reads the API key from the environment or the secret file and
// seals it in an encrypted enclave.
func LoadAPIKey(cfg OpenAIConfig) (*memguard.Enclave, error) {
	var key string
	if cfg.APIKeyEnv != "" {
		key = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
	}
	if key == "" && cfg.APIKeyFile != "" {
		data, err := os.ReadFile(cfg.APIKeyFile)
		if err == nil {
			key = strings.TrimSpace(string(data))
			slog.Info("Read the Oracle API key from secret file", "path", cfg.APIKeyFile)
		}
	}
	if key == "" {
		return nil, fmt.Errorf("%w: set %s or provide %s", ErrNoAPIKey, cfg.APIKeyEnv, cfg.APIKeyFile)
	}
	return memguard.NewEnclave([]byte(key)), nil
}

// OpenAIOracle implements Oracle against an OpenAI-compatible chat
// completions endpoint with image input.
//
// Thread Safety: Safe for concurrent use. One instance is shared by all
// workers; per-tree state lives in ResilientOracle.
type OpenAIOracle struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
	images *cache.Cache
}

// NewOpenAIOracleFromEnclave opens the sealed key just long enough to build
// the client.
func NewOpenAIOracleFromEnclave(cfg OpenAIConfig, key *memguard.Enclave, logger *slog.Logger) (*OpenAIOracle, error) {
	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	defer buf.Destroy()
	return NewOpenAIOracle(cfg, buf.String(), logger), nil
}

// NewOpenAIOracle creates the client.
func NewOpenAIOracle(cfg OpenAIConfig, apiKey string, logger *slog.Logger) *OpenAIOracle {
	if logger == nil {
		logger = slog.Default()
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	logger.Info("Initializing Oracle client", "model", cfg.Model, "base_url", clientCfg.BaseURL)
	return &OpenAIOracle{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "oracle", "model", cfg.Model),
		images: cache.New(10*time.Minute, 5*time.Minute),
	}
}

// GenerateQuestion implements Oracle.
func (o *OpenAIOracle) GenerateQuestion(ctx context.Context, req QuestionRequest) (QuestionResult, error) {
	const op = "generate_question"
	raw, usage, err := o.complete(ctx, op, systemPrompt, questionPrompt(req), req.ImagePath)
	if err != nil {
		return QuestionResult{}, err
	}
	res, err := parseQuestion(raw, req.Level)
	if err != nil {
		o.logger.Warn("Unusable question response", "raw", truncate(raw, 200), "error", err)
		return QuestionResult{}, err
	}
	res.Usage = usage
	return res, nil
}

// GenerateAnswer implements Oracle.
func (o *OpenAIOracle) GenerateAnswer(ctx context.Context, req AnswerRequest) (AnswerResult, error) {
	const op = "generate_answer"
	raw, usage, err := o.complete(ctx, op, systemPrompt, answerPrompt(req), req.ImagePath)
	if err != nil {
		return AnswerResult{}, err
	}
	res := parseAnswer(raw)
	if res.Malformed {
		o.logger.Warn("Malformed answer response, keeping raw text", "raw", truncate(raw, 200))
	}
	res.Usage = usage
	return res, nil
}

// CanAnswerFinalQuestion implements Oracle. The judge sees text only.
func (o *OpenAIOracle) CanAnswerFinalQuestion(ctx context.Context, req JudgeRequest) (Judgment, error) {
	const op = "can_answer_final_question"
	raw, usage, err := o.complete(ctx, op, systemPrompt, judgePrompt(req), "")
	if err != nil {
		return Judgment{}, err
	}
	j := parseJudgment(raw)
	if j.Malformed {
		o.logger.Warn("Malformed judge response, matched keywords", "raw", truncate(raw, 200), "can_answer", j.CanAnswer)
	}
	j.Usage = usage
	return j, nil
}

// DescribeQAPair implements Oracle.
func (o *OpenAIOracle) DescribeQAPair(ctx context.Context, question, answer string) (Description, error) {
	const op = "describe_qa_pair"
	raw, usage, err := o.complete(ctx, op, describeSystemPrompt, describePrompt(question, answer), "")
	if err != nil {
		return Description{}, err
	}
	text, err := parseDescription(raw)
	if err != nil {
		return Description{}, err
	}
	return Description{Text: text, Usage: usage}, nil
}

// complete sends one chat completion in JSON mode and returns the content.
func (o *OpenAIOracle) complete(ctx context.Context, op, system, prompt, imagePath string) (string, Usage, error) {
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: prompt}}
	if imagePath != "" {
		dataURL, err := o.imageDataURL(imagePath)
		if err != nil {
			return "", Usage{}, &Error{Op: op, Kind: KindFatal, Err: err}
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL,
				Detail: o.imageDetail(),
			},
		})
	}

	req := openai.ChatCompletionRequest{
		Model: o.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		Temperature: o.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if o.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = o.cfg.MaxTokens
	}

	callCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := o.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		o.logger.Debug("Oracle call failed", "op", op, "duration", time.Since(start), "error", err)
		return "", Usage{}, classify(ctx, op, err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, &Error{Op: op, Kind: KindUnavailable, Err: ErrNoChoices}
	}
	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	o.logger.Debug("Oracle call completed",
		"op", op,
		"duration", time.Since(start),
		"finish_reason", resp.Choices[0].FinishReason,
		"tokens", usage.Total())
	return resp.Choices[0].Message.Content, usage, nil
}

func (o *OpenAIOracle) imageDetail() openai.ImageURLDetail {
	switch o.cfg.ImageDetail {
	case "low":
		return openai.ImageURLDetailLow
	case "high":
		return openai.ImageURLDetailHigh
	default:
		return openai.ImageURLDetailAuto
	}
}

// imageDataURL reads and base64-encodes an image, caching the result since
// every call of a tree build sends the same image.
func (o *OpenAIOracle) imageDataURL(path string) (string, error) {
	if v, ok := o.images.Get(path); ok {
		return v.(string), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	mime := http.DetectContentType(data)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("read image %s: unsupported content type %s", path, mime)
	}
	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	o.images.Set(path, url, cache.DefaultExpiration)
	return url, nil
}

// truncate shortens s to at most n bytes plus an ellipsis, cutting on a
// rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
