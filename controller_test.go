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
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestController(t *testing.T) *ProxyController {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return NewProxyController(store, zap.NewNop(), NewEventBus())
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestApplyBindsListenerAndAdvancesGeneration(t *testing.T) {
	ctrl := newTestController(t)
	snap := validSnapshot()
	snap.Ports[0].ListenAddr = freeAddr(t)

	if err := ctrl.Apply(snap); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ctrl.Current().Generation != 1 {
		t.Errorf("got generation %d, want 1", ctrl.Current().Generation)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestApplyRollsBackOnBindFailure(t *testing.T) {
	ctrl := newTestController(t)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	snap := validSnapshot()
	snap.Ports[0].ListenAddr = occupied.Addr().String()

	if err := ctrl.Apply(snap); err == nil {
		t.Fatal("expected Apply to fail when the listen address is already in use")
	}
	if ctrl.Current().Generation != 0 {
		t.Errorf("expected the previous (empty) generation to be retained after a failed Apply, got %d", ctrl.Current().Generation)
	}
}

func TestApplyHotSwapsRouteTableWithoutRebinding(t *testing.T) {
	ctrl := newTestController(t)
	snap := validSnapshot()
	snap.Ports[0].ListenAddr = freeAddr(t)

	if err := ctrl.Apply(snap); err != nil {
		t.Fatalf("initial Apply: %v", err)
	}

	ctrl.mu.Lock()
	firstListener := ctrl.listeners[snap.Ports[0].ID]
	ctrl.mu.Unlock()

	snap2 := snap.Clone()
	snap2.RouteTables[0].Routes[0].Targets[0].Port = 9001

	if err := ctrl.Apply(snap2); err != nil {
		t.Fatalf("second Apply: %v", err)
	}

	ctrl.mu.Lock()
	secondListener := ctrl.listeners[snap.Ports[0].ID]
	ctrl.mu.Unlock()

	if firstListener != secondListener {
		t.Error("expected the same PortListener to be reused across a route-table-only change")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctrl.Shutdown(ctx)
}

func TestApplyRejectsInvalidSnapshotWithoutTouchingListeners(t *testing.T) {
	ctrl := newTestController(t)
	snap := validSnapshot()
	snap.Ports[0].RouteTableID = "does-not-exist"

	if err := ctrl.Apply(snap); err == nil {
		t.Fatal("expected Apply to reject an invalid snapshot")
	}
	if ctrl.Current().Generation != 0 {
		t.Errorf("expected generation to remain 0, got %d", ctrl.Current().Generation)
	}
}
