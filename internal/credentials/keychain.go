// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	// KeychainPriority sits below env but above the encrypted file backend.
	KeychainPriority = 50

	keychainService = "nika"
)

// KeychainBackend stores credentials in the OS-native secret store: macOS
// Keychain, the Secret Service API on Linux (GNOME Keyring/KWallet), or
// Windows Credential Manager.
type KeychainBackend struct {
	available bool
}

// NewKeychainBackend probes the keychain service once at construction time
// so a locked or absent service is detected before it's relied upon.
func NewKeychainBackend() *KeychainBackend {
	b := &KeychainBackend{available: true}
	if _, err := keyring.Get(keychainService, "__availability_probe__"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		b.available = false
	}
	return b
}

func (k *KeychainBackend) Name() string { return "keychain" }

func (k *KeychainBackend) Get(ctx context.Context, key string) (string, error) {
	if !k.available {
		return "", fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}
	v, err := keyring.Get(keychainService, key)
	if err != nil {
		return "", translateKeychainErr(err, key)
	}
	return v, nil
}

func (k *KeychainBackend) Set(ctx context.Context, key, value string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}
	if err := keyring.Set(keychainService, key, value); err != nil {
		return translateKeychainErr(err, key)
	}
	return nil
}

func (k *KeychainBackend) Delete(ctx context.Context, key string) error {
	if !k.available {
		return fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}
	if err := keyring.Delete(keychainService, key); err != nil {
		return translateKeychainErr(err, key)
	}
	return nil
}

// List always returns empty: go-keyring has no enumeration API on any
// supported platform.
func (k *KeychainBackend) List(ctx context.Context) ([]string, error) {
	if !k.available {
		return nil, fmt.Errorf("%w: keychain service unavailable", ErrUnavailable)
	}
	return []string{}, nil
}

func (k *KeychainBackend) Available() bool { return k.available }
func (k *KeychainBackend) Priority() int   { return KeychainPriority }

func translateKeychainErr(err error, key string) error {
	if errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if looksUnavailable(err) {
		return fmt.Errorf("%w: %s", ErrUnavailable, err.Error())
	}
	return fmt.Errorf("keychain error: %w", err)
}

// looksUnavailable recognizes the handful of error strings the underlying
// platform keychains return for a locked or inaccessible store, since
// go-keyring doesn't expose a typed error for them.
func looksUnavailable(err error) bool {
	s := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"locked", "cannot access", "permission denied", "failed to unlock",
		"user interaction required", "secret service", "dbus", "user canceled",
	} {
		if strings.Contains(s, indicator) {
			return true
		}
	}
	return false
}
