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
	"os"
	"path/filepath"
	"testing"
)

func TestNewStoreCreatesLayout(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewStore(dir); err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	for _, sub := range []string{"certs", "keys", "acme"} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("expected %s subdirectory to exist", sub)
		}
	}
}

func TestLoadWithNoConfigReturnsEmptySnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Generation != 0 || len(snap.Ports) != 0 {
		t.Errorf("expected a zero-value snapshot, got %+v", snap)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	want := validSnapshot()
	if err := store.Save(want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Generation != want.Generation || len(got.Ports) != len(want.Ports) {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.Ports[0].ListenAddr != want.Ports[0].ListenAddr {
		t.Errorf("ListenAddr mismatch: got %q, want %q", got.Ports[0].ListenAddr, want.Ports[0].ListenAddr)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	bad := []byte("generation = 1\nnot_a_real_field = \"oops\"\n")
	if err := os.WriteFile(store.configPath(), bad, 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	if _, err := store.Load(); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoadRejectsInvalidSnapshot(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	snap := validSnapshot()
	snap.Ports = append(snap.Ports, Port{ID: "dup", ListenAddr: snap.Ports[0].ListenAddr, Protocol: ProtoHTTP, RouteTableID: snap.RouteTables[0].ID})
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := store.Load(); err == nil {
		t.Fatal("expected Load to reject a snapshot that fails Validate")
	}
}

func TestSaveKeyMaterialSetsKeyPermissions(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.SaveKeyMaterial("cert-1", []byte("chain"), []byte("key")); err != nil {
		t.Fatalf("SaveKeyMaterial: %v", err)
	}
	fi, err := os.Stat(store.KeyPath("cert-1"))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Errorf("expected key file mode 0600, got %o", perm)
	}
	chain, err := os.ReadFile(store.CertPath("cert-1"))
	if err != nil {
		t.Fatalf("reading chain: %v", err)
	}
	if string(chain) != "chain" {
		t.Errorf("chain content mismatch: got %q", chain)
	}
}

func TestAtomicWriteFileLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.txt")
	if err := atomicWriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("atomicWriteFile: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.txt" {
		t.Errorf("expected exactly out.txt in %s, got %v", dir, entries)
	}
}
