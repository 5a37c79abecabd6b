// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateTaskID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		// Valid IDs
		{"simple", "a", false},
		{"path like", "build/compile:main.go", false},
		{"with spaces inside", "task one", false},
		{"unicode", "täsk-λ", false},
		{"max length", strings.Repeat("x", MaxTaskIDLength), false},

		// Invalid IDs
		{"empty", "", true},
		{"too long", strings.Repeat("x", MaxTaskIDLength+1), true},
		{"nul byte", "a\x00b", true},
		{"newline", "a\nb", true},
		{"tab", "a\tb", true},
		{"invalid utf8", "a\xffb", true},
		{"leading space", " a", true},
		{"trailing space", "a ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskID(tt.id)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTaskIDs(t *testing.T) {
	tests := []struct {
		name    string
		ids     []string
		wantErr bool
	}{
		{"all valid", []string{"a", "b", "c"}, false},
		{"one invalid", []string{"a", "b\x00", "c"}, true},
		{"all invalid", []string{"", " "}, true},
		{"empty slice", []string{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTaskIDs(tt.ids)
			assert.Equal(t, tt.wantErr, err != nil, "err = %v", err)
		})
	}
}
