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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/relaygate/relaygate/internal/acmeengine"
)

// Timeouts fixed by spec.md §5.
const (
	tlsHandshakeTimeout = 10 * time.Second
	httpPeekTimeout     = 5 * time.Second
	upstreamDialTimeout = 10 * time.Second
	closeDrainTimeout   = 5 * time.Second

	httpPeekMaxBytes   = 8 * 1024
	httpPeekMaxHeaders = 100
)

// sessionStage names a point in the Session state machine (spec.md
// §4.4) for SessionFailed{stage} reporting.
type sessionStage string

const (
	stageTLS     sessionStage = "tls"
	stageHTTP    sessionStage = "http"
	stageRoute   sessionStage = "route"
	stageDial    sessionStage = "dial"
	stageStream  sessionStage = "stream"
)

// SessionHandle is the accept-time snapshot a Session is pinned to for
// its entire lifetime, so that a mid-session reconfiguration cannot
// mutate routing or TLS behavior out from under it (spec.md §3
// Ownership, §9 "Live config via hot-swap").
type SessionHandle struct {
	PortID      string
	Protocol    Protocol
	TLSConfig   *tls.Config
	Router      *Router
	Events      *EventBus
	Log         *zap.Logger
	SessionCap  chan struct{} // released by the Session when it ends

	// ChallengeResponder, when set, intercepts requests of any method
	// under /.well-known/acme-challenge/ and answers them directly
	// instead of routing them upstream, so HTTP-01 validation (spec.md
	// §4.6 step 3) succeeds on whatever Port the operator has bound to :80.
	ChallengeResponder *acmeengine.Responder
}

const acmeChallengePathPrefix = "/.well-known/acme-challenge/"

// Session drives one accepted connection through Accepted -> [Tls?] ->
// [HttpPeek?] -> Routed -> Dialing -> Streaming -> Closing -> Closed,
// per spec.md §4.4. There is no single teacher file this is grounded
// on directly -- the teacher's reverse proxy is HTTP-only -- so the
// duplex byte-copy shape here follows the goroutine-plus-io.Copy
// pattern used throughout the teacher's older middleware/websocket and
// middleware/proxy packages, generalized to raw TCP/TLS and wrapped in
// the explicit state machine spec.md §9 calls for.
type Session struct {
	handle *SessionHandle
	client net.Conn
}

// NewSession wraps an accepted connection with its pinned handle.
func NewSession(handle *SessionHandle, client net.Conn) *Session {
	return &Session{handle: handle, client: client}
}

// Run executes the full state machine to completion. It never returns
// an error to the caller: all failures are logged and published as
// SessionFailed events, per spec.md §4.4's "never propagated upward
// beyond the session".
func (s *Session) Run() {
	defer func() {
		if s.handle.SessionCap != nil {
			<-s.handle.SessionCap
		}
	}()
	defer s.client.Close()

	start := time.Now()
	conn := s.client
	metrics.sessionsOpened.WithLabelValues(s.handle.PortID).Inc()
	s.handle.Events.Publish(EventSessionOpened, map[string]interface{}{
		"remote_addr": conn.RemoteAddr().String(),
	})

	var peeked PeekedRequest
	if s.handle.Protocol == ProtoTLS || s.handle.Protocol == ProtoHTTPS {
		tlsConn, err := s.handshake(conn)
		if err != nil {
			s.fail(stageTLS, err)
			return
		}
		conn = tlsConn
		// ConnectionState is available to every MatchSNI route bound to a
		// tls/https Port, regardless of whether the traffic inside the
		// TLS session turns out to be HTTP/1.1, HTTP/2, or opaque TCP
		// (spec.md §3: MatchSNI is valid on any TLS-terminating Port).
		peeked.SNI = tlsConn.ConnectionState().ServerName
	}

	var pending []byte
	if s.handle.Protocol == ProtoHTTP || s.handle.Protocol == ProtoHTTPS {
		req, raw, err := s.peekHTTP(conn)
		if err != nil {
			writeSimpleResponse(conn, 400, "Bad Request")
			s.fail(stageHTTP, err)
			return
		}
		if s.handle.ChallengeResponder != nil && strings.HasPrefix(req.Path, acmeChallengePathPrefix) {
			s.serveChallenge(conn, req.Path)
			return
		}
		req.SNI = peeked.SNI
		peeked = req
		pending = raw
	}
	peeked.Protocol = s.handle.Protocol

	decision, err := s.handle.Router.Route(peeked)
	if err != nil {
		if s.handle.Protocol == ProtoHTTP || s.handle.Protocol == ProtoHTTPS {
			writeSimpleResponse(conn, 502, "Bad Gateway")
		}
		s.fail(stageRoute, err)
		return
	}

	upstreamConn, err := s.dial(decision)
	if err != nil {
		if s.handle.Protocol == ProtoHTTP || s.handle.Protocol == ProtoHTTPS {
			writeSimpleResponse(conn, 502, "Bad Gateway")
		}
		s.fail(stageDial, err)
		return
	}
	defer upstreamConn.Close()

	if len(pending) > 0 {
		if _, err := upstreamConn.Write(pending); err != nil {
			s.fail(stageStream, err)
			return
		}
	}

	up, down, err := duplexCopy(conn, upstreamConn, closeDrainTimeout)
	duration := time.Since(start)
	metrics.bytesUp.WithLabelValues(s.handle.PortID).Add(float64(up))
	metrics.bytesDown.WithLabelValues(s.handle.PortID).Add(float64(down))
	if err != nil {
		s.handle.Log.Debug("session stream ended with error",
			zap.Error(err), zap.Uint64("bytes_up", up), zap.Uint64("bytes_down", down))
	}
	s.handle.Events.Publish(EventSessionClosed, map[string]interface{}{
		"bytes_up":   up,
		"bytes_down": down,
		"bytes_up_human":   humanize.Bytes(up),
		"bytes_down_human": humanize.Bytes(down),
		"duration":   duration.String(),
	})
}

// handshake performs the TLS server handshake with a bounded deadline
// (spec.md §4.4/§5: TLS handshake 10 s).
func (s *Session) handshake(conn net.Conn) (net.Conn, error) {
	if err := conn.SetDeadline(time.Now().Add(tlsHandshakeTimeout)); err != nil {
		return nil, err
	}
	tlsConn := tls.Server(conn, s.handle.TLSConfig)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// peekHTTP reads and parses the request line and headers (bounded:
// <=8KiB, <=100 headers, <=5s per spec.md §4.4) and returns both the
// parsed fields Router needs and the exact raw bytes read, which must
// be forwarded verbatim to the upstream before any response is read
// (spec.md §4.4 Streaming).
//
// A connection that opens with the HTTP/2 client preface is routed by
// SNI alone instead of being parsed as an HTTP/1.1 request line: the
// proxy terminates TLS and ALPN-negotiates h2 (internal/tlsconfig), but
// a per-stream :authority decision would require a full HPACK-aware
// HTTP/2 server sitting in front of the upstream rather than a single
// connection-level routing decision. Once routed, the framed h2 bytes
// are forwarded through untouched and the upstream completes HTTP/2
// termination end to end.
func (s *Session) peekHTTP(conn net.Conn) (PeekedRequest, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(httpPeekTimeout)); err != nil {
		return PeekedRequest{}, nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var buf limitedCaptureBuffer
	buf.limit = httpPeekMaxBytes
	tee := io.TeeReader(conn, &buf)
	br := bufio.NewReaderSize(tee, 4096)

	if preface, err := br.Peek(len(http2.ClientPreface)); err == nil && string(preface) == http2.ClientPreface {
		br.Discard(len(preface))

		var peeked PeekedRequest
		if hs, ok := conn.(interface{ ConnectionState() tls.ConnectionState }); ok {
			peeked.SNI = hs.ConnectionState().ServerName
		}
		raw := append([]byte(nil), buf.data...)
		raw = raw[:len(raw)-br.Buffered()]
		return peeked, raw, nil
	}

	req, err := http.ReadRequest(br)
	if err != nil {
		return PeekedRequest{}, nil, fmt.Errorf("parsing request: %w", err)
	}
	if len(req.Header) > httpPeekMaxHeaders {
		return PeekedRequest{}, nil, fmt.Errorf("too many headers: %d", len(req.Header))
	}

	raw := append([]byte(nil), buf.data...)
	raw = raw[:len(raw)-br.Buffered()]

	return PeekedRequest{
		Host: req.Host,
		Path: req.URL.Path,
	}, raw, nil
}

// serveChallenge answers an ACME HTTP-01 validation request directly
// off the accept goroutine, without ever dialing an upstream (spec.md
// §4.6 step 3). The root package's Session consults the Responder
// directly rather than mounting it as an http.Handler, per the design
// note on acmeengine.Responder itself.
func (s *Session) serveChallenge(conn net.Conn, path string) {
	conn.SetWriteDeadline(time.Now().Add(httpPeekTimeout))
	token := strings.TrimPrefix(path, acmeChallengePathPrefix)
	keyAuth, ok := s.handle.ChallengeResponder.Lookup(token)
	if !ok {
		writeSimpleResponse(conn, 404, "Not Found")
		return
	}
	fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(keyAuth), keyAuth)
}

// dial resolves the decision's starting upstream, then the remaining
// targets in order, each with its own 10-s connect timeout (spec.md
// §4.4 Dialing). On an immediate failure the Router is told so the
// "first" strategy's last-good memory advances (spec.md §4.3).
func (s *Session) dial(d Decision) (net.Conn, error) {
	n := len(d.Route.Targets)
	var lastErr error
	for i := 0; i < n; i++ {
		idx := (d.StartIndex + i) % n
		up := d.Upstream(idx)
		conn, err := dialUpstream(up)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		s.handle.Router.ReportDialFailure(d, idx)
	}
	return nil, fmt.Errorf("all %d upstream targets failed, last error: %w", n, lastErr)
}

func dialUpstream(up Upstream) (net.Conn, error) {
	addr := net.JoinHostPort(up.Host, fmt.Sprintf("%d", up.Port))
	dialer := net.Dialer{Timeout: upstreamDialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if up.Scheme == ProtoTLS {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: EffectiveSNI(up)})
		if err := tlsConn.SetDeadline(time.Now().Add(upstreamDialTimeout)); err != nil {
			conn.Close()
			return nil, err
		}
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, err
		}
		tlsConn.SetDeadline(time.Time{})
		return tlsConn, nil
	}
	return conn, nil
}

func (s *Session) fail(stage sessionStage, err error) {
	metrics.sessionsFailed.WithLabelValues(string(stage)).Inc()
	s.handle.Log.Debug("session failed", zap.String("stage", string(stage)), zap.Error(err))
	s.handle.Events.Publish(EventSessionFailed, map[string]interface{}{
		"stage":  string(stage),
		"reason": err.Error(),
	})
}

// halfCloser is implemented by net.Conn types that support shutting
// down one direction independently (TCPConn, TLS conns wrap one).
type halfCloser interface {
	CloseWrite() error
}

// duplexCopy copies bytes in both directions with independent
// half-close semantics: EOF on one direction triggers a write-shutdown
// on the other, and the session ends only when both directions have
// shut down or either side errors (spec.md §4.4 Streaming); an error in
// one direction closes both connections. drainLimit is applied only to
// a connection that cannot half-close, as a write deadline set once its
// inbound copy has finished; connections with CloseWrite are half-closed
// with no time limit on the other direction.
func duplexCopy(client, upstream net.Conn, drainLimit time.Duration) (bytesUp, bytesDown uint64, err error) {
	type result struct {
		n   int64
		err error
	}
	upc := make(chan result, 1)
	downc := make(chan result, 1)

	go func() {
		n, cerr := io.Copy(upstream, client)
		shutdownWrite(upstream, drainLimit)
		upc <- result{n, cerr}
	}()
	go func() {
		n, cerr := io.Copy(client, upstream)
		shutdownWrite(client, drainLimit)
		downc <- result{n, cerr}
	}()

	var up, down result
	for i := 0; i < 2; i++ {
		var r result
		select {
		case up = <-upc:
			r = up
		case down = <-downc:
			r = down
		}
		if r.err != nil {
			// one direction errored: close both sides so the other copy
			// returns too and the session ends now.
			client.Close()
			upstream.Close()
		}
	}
	bytesUp, bytesDown = uint64(up.n), uint64(down.n)

	var first error
	for _, e := range []error{up.err, down.err} {
		if e != nil && first == nil && !errors.Is(e, io.EOF) {
			first = e
		}
	}
	return bytesUp, bytesDown, first
}

func shutdownWrite(conn net.Conn, limit time.Duration) {
	if hc, ok := conn.(halfCloser); ok {
		hc.CloseWrite()
		return
	}
	// No half-close support (shouldn't happen for TCP/TLS conns, but
	// degrade to a bounded full close rather than hanging the peer).
	conn.SetWriteDeadline(time.Now().Add(limit))
}

// limitedCaptureBuffer is an io.Writer that records everything written
// to it up to limit, then starts discarding -- used to capture the
// exact bytes http.ReadRequest consumed for HttpPeek's "forward the
// peeked bytes" requirement, while still bounding memory per spec.md
// §4.4 ("<=8KiB").
type limitedCaptureBuffer struct {
	data  []byte
	limit int
}

func (b *limitedCaptureBuffer) Write(p []byte) (int, error) {
	if len(b.data)+len(p) > b.limit {
		return 0, fmt.Errorf("http peek exceeded %d bytes", b.limit)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// writeSimpleResponse writes a minimal, connection-closing HTTP
// response for the peek-failure and no-match error paths (spec.md
// §4.4: "send 400 and close" / "sending 502 for HTTP").
func writeSimpleResponse(conn net.Conn, code int, status string) {
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: 0\r\n\r\n", code, status)
}
