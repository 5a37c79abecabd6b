// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions provides the authentication and audit hooks of the
// aggregation API.
//
// The defaults are no-ops: every caller is the local user and no audit
// trail is kept. Deployments that expose the API beyond localhost inject
// concrete implementations through ServiceOptions.
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points passed to the HTTP handlers.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokenProvider(token)).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
type ServiceOptions struct {
	// AuthProvider validates bearer tokens on mutating requests.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider

	// AuditLogger records graph mutations.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalize replaces nil fields with no-op defaults.
func (opts ServiceOptions) Normalize() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
