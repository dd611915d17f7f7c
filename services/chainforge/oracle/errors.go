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
	"errors"
	"fmt"
	"net/http"

	"github.com/sashabaranov/go-openai"
)

// Sentinel errors for the oracle package.
var (
	// ErrCircuitOpen is returned when the circuit breaker rejects a call.
	ErrCircuitOpen = errors.New("oracle circuit breaker is open")

	// ErrBudgetExhausted is returned when a tree's Oracle budget is spent.
	ErrBudgetExhausted = errors.New("oracle budget exhausted")

	// ErrCallLimitExceeded is returned when the call limit is reached.
	ErrCallLimitExceeded = fmt.Errorf("%w: call limit", ErrBudgetExhausted)

	// ErrTokenLimitExceeded is returned when the token limit is reached.
	ErrTokenLimitExceeded = fmt.Errorf("%w: token limit", ErrBudgetExhausted)

	// ErrTimeLimitExceeded is returned when the wall-clock limit is reached.
	ErrTimeLimitExceeded = fmt.Errorf("%w: time limit", ErrBudgetExhausted)

	// ErrNoChoices is returned when the model returns an empty completion.
	ErrNoChoices = errors.New("oracle returned no choices")

	// ErrScriptExhausted is returned by ScriptedOracle when a queue runs dry
	// and no fallback is configured.
	ErrScriptExhausted = errors.New("scripted oracle has no more responses")
)

// Kind classifies an Oracle failure.
type Kind int

const (
	// KindMalformed: the call succeeded but the response could not be used.
	KindMalformed Kind = iota + 1

	// KindUnavailable: network failure, rate limiting or a server error.
	// Retrying may help.
	KindUnavailable

	// KindFatal: authentication or request errors. Retrying will not help.
	KindFatal
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindUnavailable:
		return "unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified Oracle failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("oracle %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Kind, true
	}
	return 0, false
}

// Retryable reports whether err is worth retrying.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindUnavailable
}

// classify wraps a client error from op in an *Error.
//
// Cancellation of ctx is returned unwrapped so callers can tell a shutdown
// from a failing endpoint. A deadline that belongs to the request rather
// than to ctx counts as unavailable.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Op: op, Kind: kindForStatus(apiErr.HTTPStatusCode), Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Op: op, Kind: kindForStatus(reqErr.HTTPStatusCode), Err: err}
	}
	return &Error{Op: op, Kind: KindUnavailable, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError,
		status == 0:
		return KindUnavailable
	default:
		return KindFatal
	}
}

func malformed(op string, err error) error {
	return &Error{Op: op, Kind: KindMalformed, Err: err}
}
