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
	"errors"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// defaultSessionCap is PortListener's per-listener backpressure bound
// (spec.md §4.2).
const defaultSessionCap = 4096

// gracefulShutdownGrace is how long a removed Port's in-flight Sessions
// are given to end naturally before the socket is torn down (spec.md
// §4.1 rule 3, §5).
const gracefulShutdownGrace = 30 * time.Second

// acceptRetryBackoff bounds how long the accept loop pauses after a
// transient accept error (e.g. ENFILE/EMFILE) before retrying, the way
// net/http.Server's accept loop backs off, generalized here to raw
// net.Listener use since this proxy never wraps http.Server directly.
const (
	acceptRetryBackoff    = 5 * time.Millisecond
	acceptRetryBackoffMax = 1 * time.Second
)

// fdBudgetCheckInterval is how often each PortListener samples the
// process's open-file-descriptor usage against RLIMIT_NOFILE (spec.md
// §5: "open-file-descriptor budget enforced by refusing accept and
// emitting AcceptStalled warnings when within 10% of the system
// limit"). Sampling rather than checking on every accept keeps the
// cost of reading /proc/self/fd off the hot path.
const fdBudgetCheckInterval = 1 * time.Second

// fdBudgetWarnFraction is the "within 10%" threshold spec.md §5 names.
const fdBudgetWarnFraction = 0.90

// PortListener owns one bound socket for the lifetime of one Port
// definition; it is replaced wholesale (stop old, start new) whenever
// the Port's address or TLS settings change, and left running with a
// hot-swapped handle when only the route table changes (spec.md §4.1
// rule 4, §4.2). Grounded on the teacher's listeners.go in spirit of
// "owns one accept task and a cancellation handle" (spec.md §9), but
// rebuilt from scratch: the teacher's NetworkAddress/QUIC/systemd
// machinery serves HTTP/3 and multi-protocol plugin listeners that are
// explicitly out of scope here (Non-goals: HTTP/3).
type PortListener struct {
	port    Port
	ln      net.Listener
	limiter *rate.Limiter

	handle atomicHandle

	sessionCap chan struct{}
	stop       chan struct{}
	done       chan struct{}

	log    *zap.Logger
	events *EventBus
}

// atomicHandle is a small RCU-style box around *SessionHandle, swapped
// by Controller.apply's pointer-swap rule without any reader-side
// locking (spec.md §9).
type atomicHandle struct {
	p atomic.Pointer[SessionHandle]
}

func (a *atomicHandle) load() *SessionHandle {
	return a.p.Load()
}

func (a *atomicHandle) store(h *SessionHandle) {
	a.p.Store(h)
}

// ErrAddressInUse is returned by ListenPort (joined with the OS error)
// when the OS refuses the bind because the address is already taken;
// the admin API answers it with 409 Conflict. ProxyController.Apply
// does not single it out: every bind error, address-in-use or not,
// aborts the whole Apply.
var ErrAddressInUse = errors.New("relaygate: address already in use")

// ListenPort binds port.ListenAddr and returns a PortListener ready to
// Serve once started; binding happens here so that Controller.apply
// can detect address-in-use synchronously, before the diff is
// considered committed (spec.md §4.1 rule 2).
func ListenPort(port Port, handle *SessionHandle, events *EventBus, log *zap.Logger) (*PortListener, error) {
	ln, err := net.Listen("tcp", port.ListenAddr)
	if err != nil {
		if isAddrInUse(err) {
			return nil, errors.Join(ErrAddressInUse, err)
		}
		return nil, err
	}
	pl := &PortListener{
		port:       port,
		ln:         ln,
		limiter:    rate.NewLimiter(rate.Limit(1000), 100),
		sessionCap: make(chan struct{}, defaultSessionCap),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		log:        log.With(zap.String("port", port.ID), zap.String("listen_addr", port.ListenAddr)),
		events:     events,
	}
	handle.SessionCap = pl.sessionCap
	pl.handle.store(handle)
	metrics.activePorts.Inc()
	return pl, nil
}

// watchFDBudget periodically checks the process's open-file-descriptor
// count against RLIMIT_NOFILE and emits AcceptStalled{reason:"fd_budget"}
// once usage crosses fdBudgetWarnFraction of the limit, so operators get
// warned before the process starts refusing accepts with EMFILE/ENFILE
// (spec.md §5). It exits once Stop closes pl.stop.
func (pl *PortListener) watchFDBudget() {
	ticker := time.NewTicker(fdBudgetCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pl.stop:
			return
		case <-ticker.C:
			if fdBudgetExceeded() {
				metrics.acceptStalls.WithLabelValues(pl.port.ID, "fd_budget").Inc()
				pl.events.Publish(EventAcceptStalled, map[string]interface{}{"port": pl.port.ID, "reason": "fd_budget"})
			}
		}
	}
}

// fdBudgetExceeded reports whether the process's open file descriptors
// are within fdBudgetWarnFraction of RLIMIT_NOFILE's soft limit. It
// degrades to "not exceeded" whenever either the limit or the open-fd
// count can't be read (e.g. no /proc on this platform), since a warning
// that can't be computed reliably is worse than a missed one.
func fdBudgetExceeded() bool {
	var rlimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlimit); err != nil {
		return false
	}
	if rlimit.Cur == 0 {
		return false
	}
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return false
	}
	return float64(len(entries)) >= float64(rlimit.Cur)*fdBudgetWarnFraction
}

// isAddrInUse sniffs the wrapped syscall error text since the errno
// constant for "address in use" is platform-specific; net.OpError
// doesn't expose it portably without importing syscall per-GOOS.
func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) || opErr.Err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(opErr.Err.Error()), "address already in use")
}

// SwapHandle replaces the route-table/TLS-config snapshot that new
// accepts will be pinned to, without restarting the accept loop
// (spec.md §4.1 rule 4's "replace the route table by pointer swap").
// The PortListener's own sessionCap channel is preserved across the
// swap: it is what Session.Run releases on exit, and must stay the
// same instance for the lifetime of the bound socket.
func (pl *PortListener) SwapHandle(handle *SessionHandle) {
	handle.SessionCap = pl.sessionCap
	pl.handle.store(handle)
}

// Serve runs the accept loop until Stop is called or the listener
// errors unrecoverably. It should be run in its own goroutine.
func (pl *PortListener) Serve() {
	defer close(pl.done)
	go pl.watchFDBudget()
	backoff := acceptRetryBackoff

	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			select {
			case <-pl.stop:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			pl.log.Warn("accept error, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			time.Sleep(backoff)
			backoff *= 2
			if backoff > acceptRetryBackoffMax {
				backoff = acceptRetryBackoffMax
			}
			continue
		}
		backoff = acceptRetryBackoff

		if !pl.limiter.Allow() {
			metrics.acceptStalls.WithLabelValues(pl.port.ID, "rate_limited").Inc()
			pl.events.Publish(EventAcceptStalled, map[string]interface{}{"port": pl.port.ID, "reason": "rate_limited"})
		}

		select {
		case pl.sessionCap <- struct{}{}:
		default:
			metrics.acceptStalls.WithLabelValues(pl.port.ID, "session_cap").Inc()
			pl.events.Publish(EventAcceptStalled, map[string]interface{}{"port": pl.port.ID, "reason": "session_cap"})
			pl.sessionCap <- struct{}{} // block until a slot frees; bounded by defaultSessionCap
		}

		handle := pl.handle.load()
		go NewSession(handle, conn).Run()
	}
}

// Stop breaks the accept loop and closes the socket; running Sessions
// are left alone (spec.md §4.2 Shutdown). It then waits up to
// gracefulShutdownGrace for in-flight Sessions to release their
// sessionCap slots, purely so the caller can log an orderly drain --
// the client/upstream sockets themselves are never force-closed here.
func (pl *PortListener) Stop() {
	metrics.activePorts.Dec()
	close(pl.stop)
	pl.ln.Close()
	<-pl.done

	// Each Session releases its own sessionCap slot when it ends, so
	// wait for the channel to empty rather than taking the slots here.
	// No further sends into sessionCap can happen past this point: the
	// accept loop has already returned (<-pl.done above), so an idle
	// listener returns at once.
	deadline := time.Now().Add(gracefulShutdownGrace)
	for len(pl.sessionCap) > 0 {
		if time.Now().After(deadline) {
			pl.log.Info("graceful shutdown grace elapsed with sessions still active")
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}
