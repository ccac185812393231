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

package acmeengine

import (
	"sync"
	"time"
)

// State is the AcmeOrder.state enum of spec.md §3.
type State string

const (
	StateIdle         State = "Idle"
	StateAuthorizing  State = "Authorizing"
	StateChallenging  State = "Challenging"
	StateFinalizing   State = "Finalizing"
	StateValid        State = "Valid"
	StateFailed       State = "Failed"
)

const (
	initialBackoff = 60 * time.Second
	maxBackoff     = 24 * time.Hour
)

// OrderSpec is the durable description of a certificate to keep
// current (the root package's config.AcmeOrder, duplicated here
// without an import cycle).
type OrderSpec struct {
	ID            string
	AccountID     string
	Identifiers   []string
	ChallengeType string
	RenewalDays   int
}

// Order is the live, mutable state machine tracked per spec.md §4.6.
// All fields besides Spec are guarded by mu; callers use the accessor
// methods rather than touching fields directly.
type Order struct {
	Spec OrderSpec

	mu           sync.Mutex
	state        State
	token        string
	keyAuth      string
	certID       string
	failReason   string
	backoff      time.Duration
	nextAttempt  time.Time
	running      bool
}

// NewOrder starts an order in Idle state with its next attempt due
// immediately.
func NewOrder(spec OrderSpec) *Order {
	return &Order{Spec: spec, state: StateIdle, backoff: initialBackoff, nextAttempt: time.Time{}}
}

// State returns the current OrderState tag.
func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CertID returns the issued certificate's id, valid only in StateValid.
func (o *Order) CertID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.certID
}

// FailReason returns the last failure reason, valid only in StateFailed.
func (o *Order) FailReason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failReason
}

// ChallengeMaterial exposes the HTTP-01 token/key authorization that
// setChallenging recorded. Engine.attempt passes empty strings to
// setChallenging, so both values are empty in every state.
func (o *Order) ChallengeMaterial() (token, keyAuth string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.token, o.keyAuth
}

// DueAt reports when this order's next attempt (renewal or retry) is
// scheduled.
func (o *Order) DueAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextAttempt
}

// tryStart marks the order running if it is due and not already
// running, enforcing "at most one active run per order at a time"
// (spec.md §4.6 Concurrency).
func (o *Order) tryStart(now time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	if !o.nextAttempt.IsZero() && now.Before(o.nextAttempt) {
		return false
	}
	o.running = true
	o.state = StateAuthorizing
	return true
}

func (o *Order) setChallenging(token, keyAuth string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateChallenging
	o.token = token
	o.keyAuth = keyAuth
}

func (o *Order) setFinalizing() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateFinalizing
}

// succeed transitions to Valid, records the issued certificate id, and
// schedules the next renewal at not_after - renewal_days, resetting
// backoff per spec.md §4.6.
func (o *Order) succeed(certID string, notAfter time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateValid
	o.certID = certID
	o.failReason = ""
	o.backoff = initialBackoff
	renewAt := notAfter.Add(-time.Duration(o.Spec.RenewalDays) * 24 * time.Hour)
	o.nextAttempt = renewAt
	o.running = false
}

// fail transitions to Failed and schedules a retry after an
// exponentially growing backoff, capped at 24h (spec.md §4.6).
func (o *Order) fail(reason string, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = StateFailed
	o.failReason = reason
	o.nextAttempt = now.Add(o.backoff)
	o.backoff *= 2
	if o.backoff > maxBackoff {
		o.backoff = maxBackoff
	}
	o.running = false
}
