// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that reach
// persistent storage or log output.
//
// Task IDs are stored as key suffixes in the snapshot store, where a NUL
// byte separates the two ends of an edge, and they appear verbatim in
// logs. Validating them at the graph boundary keeps both unambiguous.
package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTaskIDLength is the longest accepted task ID, in bytes.
const MaxTaskIDLength = 256

// ValidateTaskID validates a task ID.
//
// Valid task IDs:
//   - 1 to MaxTaskIDLength bytes
//   - Valid UTF-8
//   - No control characters (including NUL and newlines)
//   - No leading or trailing whitespace
//
// Example:
//
//	if err := validation.ValidateTaskID(id); err != nil {
//	    return fmt.Errorf("%w: %v", ErrInvalidTaskID, err)
//	}
func ValidateTaskID(id string) error {
	if id == "" {
		return fmt.Errorf("task ID cannot be empty")
	}
	if len(id) > MaxTaskIDLength {
		return fmt.Errorf("task ID is %d bytes, max %d", len(id), MaxTaskIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("task ID %q is not valid UTF-8", id)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("task ID %q contains control characters", id)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("task ID %q has surrounding whitespace", id)
	}
	return nil
}

// ValidateTaskIDs validates several task IDs.
// Returns an error listing all invalid IDs if any fail validation.
func ValidateTaskIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateTaskID(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid task IDs: %q", invalid)
	}
	return nil
}
