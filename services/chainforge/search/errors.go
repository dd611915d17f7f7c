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

import "errors"

// Sentinel errors for the search package.
var (
	// ErrNoFinalQuestion is returned when a task has no final question to
	// build a tree for.
	ErrNoFinalQuestion = errors.New("no final question")

	// ErrMissingGroundTruth is returned when the final question has no
	// ground-truth answer, so chains cannot be scored.
	ErrMissingGroundTruth = errors.New("final question has no ground-truth answer")

	// ErrEmptyChain is returned when an operation needs a chain position
	// that has not been started.
	ErrEmptyChain = errors.New("chain is empty")

	// ErrTooManyAborts is returned when more consecutive chains were
	// abandoned than the configuration allows.
	ErrTooManyAborts = errors.New("too many consecutive aborted chains")

	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("invalid search config")
)
