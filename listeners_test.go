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
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testPortHandle() *SessionHandle {
	return &SessionHandle{
		PortID:   "p1",
		Protocol: ProtoTCP,
		Router:   NewRouter(RouteTable{ID: "rt1"}),
		Events:   NewEventBus(),
		Log:      zap.NewNop(),
	}
}

func TestListenPortBindsAndAccepts(t *testing.T) {
	port := Port{ID: "p1", ListenAddr: "127.0.0.1:0", Protocol: ProtoTCP, RouteTableID: "rt1"}
	events := NewEventBus()
	pl, err := ListenPort(port, testPortHandle(), events, zap.NewNop())
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}
	go pl.Serve()
	defer pl.Stop()

	conn, err := net.DialTimeout("tcp", pl.ln.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dialing bound listener: %v", err)
	}
	conn.Close()
}

func TestListenPortRejectsAddressInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	port := Port{ID: "p1", ListenAddr: occupied.Addr().String(), Protocol: ProtoTCP, RouteTableID: "rt1"}
	_, err = ListenPort(port, testPortHandle(), NewEventBus(), zap.NewNop())
	if err == nil {
		t.Fatal("expected ListenPort to fail when the address is already bound")
	}
}

func TestSwapHandlePreservesSessionCapChannel(t *testing.T) {
	port := Port{ID: "p1", ListenAddr: "127.0.0.1:0", Protocol: ProtoTCP, RouteTableID: "rt1"}
	pl, err := ListenPort(port, testPortHandle(), NewEventBus(), zap.NewNop())
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}
	go pl.Serve()
	defer pl.Stop()

	original := pl.sessionCap
	newHandle := testPortHandle()
	pl.SwapHandle(newHandle)

	if newHandle.SessionCap != original {
		t.Error("expected SwapHandle to preserve the listener's original sessionCap channel")
	}
	if pl.sessionCap != original {
		t.Error("expected the listener's own sessionCap channel to be unchanged by SwapHandle")
	}
}

func TestPortListenerStopClosesSocketAndReturns(t *testing.T) {
	port := Port{ID: "p1", ListenAddr: "127.0.0.1:0", Protocol: ProtoTCP, RouteTableID: "rt1"}
	pl, err := ListenPort(port, testPortHandle(), NewEventBus(), zap.NewNop())
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}
	go pl.Serve()

	done := make(chan struct{})
	go func() {
		pl.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}

	if _, err := net.Dial("tcp", pl.ln.Addr().String()); err == nil {
		t.Error("expected dialing a stopped listener's address to fail")
	}
}
