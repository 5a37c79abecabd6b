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
	"errors"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"
)

// MinMlockLimitKB is the locked-memory limit below which secrets may be
// swapped to disk.
const MinMlockLimitKB = 64

// ErrSecretUnavailable is returned when a sealed secret cannot be opened,
// for example after PurgeSecrets.
var ErrSecretUnavailable = errors.New("secret unavailable")

var secretsInitOnce sync.Once

// initSecrets checks the mlock limit once and logs a warning when it is too
// low for locked buffers.
func initSecrets() {
	secretsInitOnce.Do(func() {
		sufficient, limitKB := checkMlockLimit()
		if !sufficient {
			slog.Warn("mlock limit below recommended minimum; secrets may be swapped",
				slog.Int64("limit_kb", limitKB),
				slog.Int64("min_kb", MinMlockLimitKB),
			)
		}
	})
}

// Secret holds a value encrypted in memory and decrypts it into a locked
// buffer only while it is being used.
//
// Thread-safe: Open may be called concurrently.
type Secret struct {
	enclave *memguard.Enclave
}

// NewSecret seals value. The source slice is wiped. An empty value yields
// a Secret that never opens.
func NewSecret(value []byte) *Secret {
	initSecrets()
	if len(value) == 0 {
		return &Secret{}
	}
	return &Secret{enclave: memguard.NewEnclave(value)}
}

// With decrypts the secret, passes the plaintext to fn, and destroys the
// plaintext when fn returns. fn must not retain the slice.
//
// Outputs:
//   - error: ErrSecretUnavailable if the secret is empty or was purged.
func (s *Secret) With(fn func(plain []byte)) error {
	if s.enclave == nil {
		return ErrSecretUnavailable
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return errors.Join(ErrSecretUnavailable, err)
	}
	defer buf.Destroy()
	fn(buf.Bytes())
	return nil
}

// PurgeSecrets wipes all sealed secrets. Secrets created before the call
// can no longer be opened. Call it during shutdown.
func PurgeSecrets() {
	memguard.Purge()
	slog.Info("purged secret memory")
}
