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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/chainforge/services/chainforge/tree"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type capturedRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "test-vlm",
		"choices": []map[string]any{{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150},
	})
	return string(body)
}

func newTestServer(t *testing.T, status int, content string, seen *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			fmt.Fprintf(w, `{"error":{"message":%q,"type":"test_error"}}`, content)
			return
		}
		fmt.Fprint(w, completionBody(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(baseURL string) OpenAIConfig {
	cfg := DefaultOpenAIConfig()
	cfg.BaseURL = baseURL
	cfg.Model = "test-vlm"
	return cfg
}

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chart.png")
	require.NoError(t, os.WriteFile(path, pngHeader, 0o600))
	return path
}

func TestOpenAIOracle_GenerateQuestion(t *testing.T) {
	var seen capturedRequest
	srv := newTestServer(t, http.StatusOK,
		`{"question":"What type of chart is shown?","capability":"Perception","complexity":1,"options":{}}`, &seen)
	o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)

	q, err := o.GenerateQuestion(context.Background(), QuestionRequest{
		ImagePath: writeImage(t),
		Final:     tree.FinalQuestion{QuestionText: "Is growth accelerating?", Answer: "yes"},
		Level:     tree.Perception,
		NextHint:  tree.Perception,
	})
	require.NoError(t, err)
	assert.Equal(t, "What type of chart is shown?", q.Question)
	assert.Equal(t, tree.Perception, q.Capability)
	assert.Equal(t, 150, q.Usage.Total())

	assert.Equal(t, "test-vlm", seen.Model)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
	require.Len(t, seen.Messages, 2)
	user := string(seen.Messages[1].Content)
	assert.Contains(t, user, "data:image/png;base64,")
	assert.Contains(t, user, "Is growth accelerating?")
}

func TestOpenAIOracle_MalformedAnswerDegrades(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "B, because the bar is taller", nil)
	o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)

	res, err := o.GenerateAnswer(context.Background(), AnswerRequest{
		ImagePath: writeImage(t),
		Target:    AnswerTarget{Question: "Which is taller?", Capability: tree.PatternRecognition},
	})
	require.NoError(t, err)
	assert.True(t, res.Malformed)
	assert.Equal(t, "B, because the bar is taller", res.Answer)
}

func TestOpenAIOracle_JudgeAndDescribeSendNoImage(t *testing.T) {
	var seen capturedRequest
	srv := newTestServer(t, http.StatusOK, `{"can_answer":true,"reason":"enough"}`, &seen)
	o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)

	j, err := o.CanAnswerFinalQuestion(context.Background(), JudgeRequest{
		Final: tree.FinalQuestion{QuestionText: "Is growth accelerating?"},
	})
	require.NoError(t, err)
	assert.True(t, j.CanAnswer)
	assert.NotContains(t, string(seen.Messages[1].Content), "image_url")
}

func TestOpenAIOracle_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindFatal},
		{http.StatusBadRequest, KindFatal},
		{http.StatusTooManyRequests, KindUnavailable},
		{http.StatusServiceUnavailable, KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newTestServer(t, tt.status, "nope", nil)
			o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)

			_, err := o.DescribeQAPair(context.Background(), "q", "a")
			kind, ok := KindOf(err)
			require.True(t, ok, "got %v", err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestOpenAIOracle_UnreachableIsUnavailable(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "{}", nil)
	url := srv.URL
	srv.Close()

	o := NewOpenAIOracle(testConfig(url), "sk-test", nil)
	_, err := o.DescribeQAPair(context.Background(), "q", "a")
	assert.True(t, Retryable(err))
}

func TestOpenAIOracle_ImageIsCached(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		fmt.Fprint(w, completionBody(`{"answer":"A"}`))
	}))
	defer srv.Close()

	path := writeImage(t)
	o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)
	req := AnswerRequest{ImagePath: path, Target: AnswerTarget{Question: "q"}}

	_, err := o.GenerateAnswer(context.Background(), req)
	require.NoError(t, err)
	require.NoError(t, os.Remove(path))

	// Second call succeeds from the cached data URL.
	_, err = o.GenerateAnswer(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestOpenAIOracle_BadImageIsFatal(t *testing.T) {
	srv := newTestServer(t, http.StatusOK, "{}", nil)
	o := NewOpenAIOracle(testConfig(srv.URL), "sk-test", nil)

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	_, err := o.GenerateAnswer(context.Background(), AnswerRequest{ImagePath: path})
	kind, _ := KindOf(err)
	assert.Equal(t, KindFatal, kind)
	assert.True(t, strings.Contains(err.Error(), "unsupported content type"))
}

func TestLoadAPIKey_Missing(t *testing.T) {
	t.Setenv("CHAINFORGE_TEST_NO_KEY", "")
	_, err := LoadAPIKey(OpenAIConfig{
		APIKeyEnv:  "CHAINFORGE_TEST_NO_KEY",
		APIKeyFile: filepath.Join(t.TempDir(), "missing"),
	})
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestTruncate_CutsOnRuneBoundary(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))

	// "€" is three bytes; byte 5 falls inside the second one.
	got := truncate("a€€€", 5)
	assert.Equal(t, "a€...", got)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "...", truncate("€€", 2))
}
