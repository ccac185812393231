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

	"golang.org/x/net/http2"
)

func TestPeekHTTPParsesRequestLineAndHost(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("GET /hello HTTP/1.1\r\nHost: example.test\r\n\r\n"))
	}()

	s := &Session{handle: &SessionHandle{}}
	req, raw, err := s.peekHTTP(server)
	if err != nil {
		t.Fatalf("peekHTTP: %v", err)
	}
	if req.Host != "example.test" || req.Path != "/hello" {
		t.Errorf("got Host=%q Path=%q, want example.test /hello", req.Host, req.Path)
	}
	if len(raw) == 0 {
		t.Error("expected raw peeked bytes to be non-empty")
	}
}

func TestPeekHTTPDetectsHTTP2Preface(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte(http2.ClientPreface))
	}()

	s := &Session{handle: &SessionHandle{}}
	req, raw, err := s.peekHTTP(server)
	if err != nil {
		t.Fatalf("peekHTTP: %v", err)
	}
	if req.Host != "" || req.Path != "" {
		t.Errorf("expected no HTTP/1.1 fields for an h2 preface, got %+v", req)
	}
	if string(raw) != http2.ClientPreface {
		t.Errorf("expected the full preface to be returned for forwarding, got %q", raw)
	}
}

func TestPeekHTTPRejectsMalformedRequest(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte("not a request\r\n\r\n"))
	}()

	s := &Session{handle: &SessionHandle{}}
	if _, _, err := s.peekHTTP(server); err == nil {
		t.Fatal("expected an error for a malformed request line")
	}
}

func TestDuplexCopyForwardsBothDirectionsAndReportsByteCounts(t *testing.T) {
	clientSide, sessionClientEnd := net.Pipe()
	upstreamSide, sessionUpstreamEnd := net.Pipe()

	done := make(chan struct {
		up, down uint64
		err      error
	}, 1)
	go func() {
		up, down, err := duplexCopy(sessionClientEnd, sessionUpstreamEnd, time.Second)
		done <- struct {
			up, down uint64
			err      error
		}{up, down, err}
	}()

	go clientSide.Write([]byte("ping"))
	buf := make([]byte, 4)
	n, _ := upstreamSide.Read(buf)
	if string(buf[:n]) != "ping" {
		t.Errorf("upstream got %q, want ping", buf[:n])
	}

	go upstreamSide.Write([]byte("pong"))
	buf2 := make([]byte, 4)
	n2, _ := clientSide.Read(buf2)
	if string(buf2[:n2]) != "pong" {
		t.Errorf("client got %q, want pong", buf2[:n2])
	}

	clientSide.Close()
	upstreamSide.Close()

	select {
	case result := <-done:
		if result.up != 4 || result.down != 4 {
			t.Errorf("got up=%d down=%d, want up=4 down=4", result.up, result.down)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("duplexCopy did not complete after both sides closed")
	}
}

func TestWriteSimpleResponseWritesStatusLine(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go writeSimpleResponse(server, 502, "Bad Gateway")

	buf := make([]byte, 256)
	client.SetReadDeadline(time.Now().Add(time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading response: %v", err)
	}
	got := string(buf[:n])
	if !contains(got, "502 Bad Gateway") {
		t.Errorf("expected a 502 Bad Gateway status line, got %q", got)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
