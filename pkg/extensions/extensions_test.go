// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.IsType(t, &NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &NopAuditLogger{}, opts.AuditLogger)

	audit := NewSlogAuditLogger(nil)
	opts = opts.WithAudit(audit).WithAuth(NewStaticTokenProvider("t"))
	assert.Same(t, audit, opts.AuditLogger)
	assert.IsType(t, &StaticTokenProvider{}, opts.AuthProvider)
}

func TestServiceOptions_Normalize(t *testing.T) {
	opts := ServiceOptions{}.Normalize()
	assert.NotNil(t, opts.AuthProvider)
	assert.NotNil(t, opts.AuditLogger)
}

func TestNopAuthProvider(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, LocalUserID, info.UserID)
	assert.True(t, info.HasRole("admin"))
	assert.False(t, info.HasRole("viewer"))
}

func TestStaticTokenProvider(t *testing.T) {
	p := NewStaticTokenProvider("s3cret")
	ctx := context.Background()

	info, err := p.Validate(ctx, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "api-client", info.UserID)
	assert.True(t, info.HasRole("writer"))

	for _, token := range []string{"", "wrong", "s3cret2"} {
		_, err := p.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrUnauthorized, "token %q", token)
	}

	_, err = NewStaticTokenProvider("").Validate(ctx, "anything")
	assert.ErrorIs(t, err, ErrUnauthorized, "empty configured token rejects everything")
}

func TestSecret(t *testing.T) {
	src := []byte("s3cret")
	s := NewSecret(src)
	assert.Equal(t, make([]byte, len(src)), src, "source is wiped")

	var seen string
	require.NoError(t, s.With(func(plain []byte) { seen = string(plain) }))
	assert.Equal(t, "s3cret", seen)

	assert.ErrorIs(t, NewSecret(nil).With(func([]byte) {}), ErrSecretUnavailable)

	p := NewStaticTokenProvider("tok")
	PurgeSecrets()
	assert.ErrorIs(t, s.With(func([]byte) {}), ErrSecretUnavailable)
	_, err := p.Validate(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnauthorized, "purged token rejects everything")

	fresh := NewStaticTokenProvider("tok")
	_, err = fresh.Validate(context.Background(), "tok")
	assert.NoError(t, err)
}

func TestNopAuditLogger(t *testing.T) {
	l := &NopAuditLogger{}
	assert.NoError(t, l.Log(context.Background(), AuditEvent{EventType: "graph.mutation"}))
	assert.NoError(t, l.Flush(context.Background()))
}

func TestSlogAuditLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, l.Log(context.Background(), AuditEvent{
		EventType:    "graph.mutation",
		UserID:       "api-client",
		Action:       "DELETE /v1/aggtree/tasks/:id",
		ResourceType: "tasks",
		ResourceID:   "a",
		Outcome:      OutcomeFailure,
		Metadata:     map[string]any{"status": 409},
	}))
	require.NoError(t, l.Flush(context.Background()))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "audit", rec["log_type"])
	assert.Equal(t, "a", rec["resource_id"])
	assert.Equal(t, float64(409), rec["status"])
	assert.NotEmpty(t, rec["event_time"])
}
