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
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// FilePriority is the lowest-priority backend: local plaintext-free
	// storage as a last resort when neither an env var nor the keychain
	// has the credential.
	FilePriority = 25

	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256
	gcmNonceSize      = 12

	masterKeyEnvVar = "NIKA_MASTER_KEY"
)

// FileBackend stores credentials in a JSON blob encrypted with AES-256-GCM,
// whose key is derived from a master key via Argon2id. It's the backend of
// last resort: neither as convenient as env vars nor as integrated as the
// OS keychain, but it works anywhere a filesystem does.
type FileBackend struct {
	path      string
	masterKey []byte
	mu        sync.RWMutex
	available bool
}

type encryptedFile struct {
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	Data  []byte `json:"data"`
}

// NewFileBackend opens (without reading) the encrypted credential file at
// path, defaulting to ~/.config/nika/credentials.enc. The master key comes
// from masterKey if non-empty, else the NIKA_MASTER_KEY environment
// variable, else ~/.config/nika/master.key. If none of those resolve, the
// backend reports itself unavailable rather than erroring: callers that
// never use the file backend shouldn't have to supply a master key.
func NewFileBackend(path, masterKey string) (*FileBackend, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config directory: %w", err)
		}
		path = filepath.Join(configDir, "nika", "credentials.enc")
	}

	key, err := resolveMasterKey(masterKey)
	if err != nil {
		return &FileBackend{path: path, available: false}, nil
	}

	b := &FileBackend{path: path, masterKey: key, available: true}
	if err := b.ensureParentDir(); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}
	return b, nil
}

func (f *FileBackend) Name() string { return "file" }

func (f *FileBackend) Get(ctx context.Context, key string) (string, error) {
	if !f.available {
		return "", fmt.Errorf("%w: no master key available", ErrUnavailable)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	creds, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return "", err
	}
	v, ok := creds[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

func (f *FileBackend) Set(ctx context.Context, key, value string) error {
	if !f.available {
		return fmt.Errorf("%w: no master key available", ErrUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if creds == nil {
		creds = make(map[string]string)
	}
	creds[key] = value
	return f.save(creds)
}

func (f *FileBackend) Delete(ctx context.Context, key string) error {
	if !f.available {
		return fmt.Errorf("%w: no master key available", ErrUnavailable)
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	creds, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	if _, ok := creds[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(creds, key)
	return f.save(creds)
}

func (f *FileBackend) List(ctx context.Context) ([]string, error) {
	if !f.available {
		return nil, fmt.Errorf("%w: no master key available", ErrUnavailable)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	creds, err := f.load()
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(creds))
	for k := range creds {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *FileBackend) Available() bool { return f.available }
func (f *FileBackend) Priority() int   { return FilePriority }

func (f *FileBackend) load() (map[string]string, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, err
	}

	var enc encryptedFile
	if err := json.Unmarshal(raw, &enc); err != nil {
		return nil, fmt.Errorf("invalid credential file format: %w", err)
	}

	key := argon2.IDKey(f.masterKey, enc.Salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("building GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, enc.Nonce, enc.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file (wrong master key or corrupted data): %w", err)
	}
	defer zeroBytes(plaintext)

	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, fmt.Errorf("invalid decrypted credential format: %w", err)
	}
	return creds, nil
}

func (f *FileBackend) save(creds map[string]string) error {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshalling credentials: %w", err)
	}
	defer zeroBytes(plaintext)

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey(f.masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	defer zeroBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("building GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	enc := encryptedFile{Salt: salt, Nonce: nonce, Data: gcm.Seal(nil, nonce, plaintext, nil)}
	raw, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("marshalling encrypted credential file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("writing temp credential file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing credential file: %w", err)
	}
	return verifyFilePermissions(f.path)
}

func (f *FileBackend) ensureParentDir() error {
	dir := filepath.Dir(f.path)
	info, err := os.Stat(dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("parent path exists but is not a directory: %s", dir)
		}
		return nil
	}
	return os.MkdirAll(dir, 0o700)
}

// resolveMasterKey tries, in order: the key passed explicitly, the
// NIKA_MASTER_KEY environment variable, and ~/.config/nika/master.key.
func resolveMasterKey(provided string) ([]byte, error) {
	if provided != "" {
		return []byte(provided), nil
	}
	if v := os.Getenv(masterKeyEnvVar); v != "" {
		return []byte(v), nil
	}
	configDir, err := os.UserConfigDir()
	if err == nil {
		keyPath := filepath.Join(configDir, "nika", "master.key")
		if key, err := os.ReadFile(keyPath); err == nil {
			if err := verifyFilePermissions(keyPath); err == nil {
				return key, nil
			}
		}
	}
	return nil, errors.New("no master key available (set NIKA_MASTER_KEY or create ~/.config/nika/master.key)")
}

// verifyFilePermissions rejects symlinks and anything more permissive than
// 0600; the credential file must not be group- or world-readable.
func verifyFilePermissions(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return errors.New("credential file is a symlink, refusing to use it")
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		return fmt.Errorf("credential file permissions too open (got %o, want 0600)", perm)
	}
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
