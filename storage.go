// Copyright 2024 The Relaygate Authors
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

package relaygate

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Store persists a ConfigSnapshot and the key material it references
// to a directory laid out per spec.md §6:
//
//	<dir>/config.toml
//	<dir>/certs/<id>.pem
//	<dir>/keys/<id>.key   (mode 0600)
//	<dir>/acme/<account-id>.json
//
// There is no teacher file this mirrors -- Caddy persists config via
// its own certmagic.Storage abstraction backed by a KV layer -- so
// this is built from spec.md §6's literal on-disk layout, using the
// same atomic-write discipline (write to a temp file, fsync, rename)
// the teacher's storage.go(deleted)/atomicfile-style helpers use
// elsewhere in the corpus for crash-safe config writes.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir, creating the directory tree
// if it does not already exist.
func NewStore(dir string) (*Store, error) {
	s := &Store{dir: dir}
	for _, sub := range []string{"", "certs", "keys", "acme"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	return s, nil
}

func (s *Store) configPath() string { return filepath.Join(s.dir, "config.toml") }

// CertPath returns the chain PEM path for a certificate id.
func (s *Store) CertPath(id string) string { return filepath.Join(s.dir, "certs", id+".pem") }

// KeyPath returns the private key path for a certificate id.
func (s *Store) KeyPath(id string) string { return filepath.Join(s.dir, "keys", id+".key") }

// AcmeAccountPath returns the account-state path for an account id.
func (s *Store) AcmeAccountPath(id string) string {
	return filepath.Join(s.dir, "acme", id+".json")
}

// Load reads and validates the persisted ConfigSnapshot, or returns a
// zero-generation empty snapshot if none has ever been written.
func (s *Store) Load() (*ConfigSnapshot, error) {
	data, err := os.ReadFile(s.configPath())
	if os.IsNotExist(err) {
		return &ConfigSnapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var snap ConfigSnapshot
	md, err := toml.Decode(string(data), &snap)
	if err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown fields: %v", undecoded)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Save atomically persists snap to config.toml: encode to a temp file
// in the same directory, fsync, then rename over the target so a
// process crash mid-write can never leave a half-written config
// behind (spec.md §6).
func (s *Store) Save(snap *ConfigSnapshot) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return atomicWriteFile(s.configPath(), buf.Bytes(), 0o644)
}

// SaveKeyMaterial writes a certificate's chain and key PEM to their
// conventional paths, the key with owner-only permissions.
func (s *Store) SaveKeyMaterial(id string, chainPEM, keyPEM []byte) error {
	if err := atomicWriteFile(s.CertPath(id), chainPEM, 0o644); err != nil {
		return fmt.Errorf("writing chain: %w", err)
	}
	if err := atomicWriteFile(s.KeyPath(id), keyPEM, 0o600); err != nil {
		return fmt.Errorf("writing key: %w", err)
	}
	return nil
}

func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
