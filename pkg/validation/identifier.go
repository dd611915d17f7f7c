// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for values that end
// up in file paths or database keys.
//
// Book and image ids from a dataset manifest become directory names under
// the output root and key prefixes in BadgerDB. Validating them up front
// prevents path traversal and key collisions.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxIDLength bounds an id so the resulting path stays well under common
// filesystem limits.
const MaxIDLength = 128

// idPattern matches ids made of letters, digits, dots, underscores and
// hyphens, starting with a letter or digit.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._\-]*$`)

// ValidateID validates a book or image id for use as a path segment.
//
// Valid ids:
//   - 1-128 characters
//   - Letters, digits, dots, underscores and hyphens
//   - Start with a letter or digit (no "..", no hidden files)
//
// Example:
//
//	if err := validation.ValidateID(img.BookID); err != nil {
//	    return fmt.Errorf("book_id: %w", err)
//	}
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("id cannot be empty")
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("id too long: %d chars (max %d)", len(id), MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("invalid id format: %q (must be letters, digits, '.', '_' or '-', starting with a letter or digit)", id)
	}
	return nil
}

// ValidateIDs validates several ids.
// Returns an error listing all invalid ids if any fail validation.
func ValidateIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid ids: %q", invalid)
	}
	return nil
}

// SanitizeID trims an id and validates it.
//
//	id, err := validation.SanitizeID(row.ImageID)
//	if err != nil {
//	    return err
//	}
func SanitizeID(id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	if err := ValidateID(trimmed); err != nil {
		return "", err
	}
	return trimmed, nil
}
