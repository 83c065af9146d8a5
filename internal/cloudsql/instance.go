// Copyright 2020 Google LLC

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloudsql manages the background refresh cycle that keeps the
// connection information (IP addresses, server CA, and ephemeral client
// certificate) for a Cloud SQL instance up to date.
package cloudsql

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/GoogleCloudPlatform/cloud-db-connector/errtype"
	"github.com/GoogleCloudPlatform/cloud-db-connector/instance"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"
)

const (
	// refreshBuffer is the amount of time before a refresh attempt's
	// certificate expires that a new attempt begins.
	refreshBuffer = 4 * time.Minute

	// refreshInterval is the amount of time between refresh attempts as
	// enforced by the background rate limiter.
	refreshInterval = 30 * time.Second

	// RefreshTimeout is the maximum amount of time to wait for a refresh
	// cycle to complete. This value should be greater than refreshInterval.
	RefreshTimeout = 60 * time.Second

	// refreshBurst is the initial burst allowed by the background refresh
	// rate limiter.
	refreshBurst = 2

	// forceRefreshInterval is the minimum amount of time that must elapse
	// between two caller-triggered ForceRefresh calls that actually start a
	// new refresh attempt. It protects the SQL Admin API from being
	// hammered by a caller that retries ForceRefresh in a loop.
	forceRefreshInterval = 60 * time.Second
)

// attemptState tags where a refreshAttempt sits in its lifecycle: it has
// either not finished yet, or it finished successfully, or it finished with
// an error. Keeping this as an explicit enum (rather than inferring status
// from channel-closedness and a nil check scattered across call sites)
// keeps the three cases from being reconstructed ad hoc wherever an
// attempt's outcome matters.
type attemptState int

const (
	attemptPending attemptState = iota
	attemptDone
	attemptFailed
)

// refreshAttempt is the outcome of one refresh cycle, independent of how or
// when that cycle was triggered: either the refreshResult it produced, or
// the error it failed with. It should only be constructed by Instance as
// part of a refresh cycle.
type refreshAttempt struct {
	done   chan struct{}
	result refreshResult
	err    error
}

func newRefreshAttempt() *refreshAttempt {
	return &refreshAttempt{done: make(chan struct{})}
}

// complete records the outcome of the attempt and unblocks any waiters. It
// must be called at most once.
func (a *refreshAttempt) complete(result refreshResult, err error) {
	a.result, a.err = result, err
	close(a.done)
}

// wait blocks until the attempt completes or ctx is done, whichever comes
// first, returning the attempt's error in the former case.
func (a *refreshAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// state reports where the attempt currently sits.
func (a *refreshAttempt) state() attemptState {
	select {
	default:
		return attemptPending
	case <-a.done:
		if a.err != nil {
			return attemptFailed
		}
		return attemptDone
	}
}

// usable reports whether the attempt finished successfully and its
// certificate has not yet expired.
func (a *refreshAttempt) usable() bool {
	if a.state() != attemptDone {
		return false
	}
	return time.Now().Before(a.result.expiry.Round(0))
}

// scheduledAttempt pairs a refreshAttempt with the timer that will start
// it, so an attempt that hasn't begun running yet can still be called off.
type scheduledAttempt struct {
	*refreshAttempt
	timer *time.Timer
}

// abort cancels the arming timer if the attempt hasn't started running yet.
// Reports whether the cancellation took effect.
func (s *scheduledAttempt) abort() bool {
	return s.timer.Stop()
}

// Instance manages the information used to connect to a Cloud SQL instance
// by periodically calling the Cloud SQL Admin API. It automatically
// refreshes the required information on a schedule derived from the
// ephemeral certificate's expiry (see refreshDuration).
type Instance struct {
	// openConns is the number of open connections to the instance.
	openConns uint64

	connName instance.ConnName
	key      *rsa.PrivateKey

	// refreshTimeout bounds how long a single refresh cycle may run.
	refreshTimeout time.Duration
	// scheduleLimit paces the background refresh schedule.
	scheduleLimit *rate.Limiter
	// forceLimit paces caller-triggered ForceRefresh calls.
	forceLimit *rate.Limiter
	// fetch performs the actual control-plane calls for a refresh attempt.
	fetch refresher

	mu              sync.RWMutex
	useIAMAuthNDial bool
	// active is the refreshAttempt callers of ConnectInfo/InstanceEngineVersion
	// read from. If no usable attempt is available yet, active may be
	// equal to pending.refreshAttempt.
	active *refreshAttempt
	// pending is the refresh attempt already scheduled or running that
	// will, on completion, replace active and arm its own successor.
	pending *scheduledAttempt

	// ctx is the default ctx for refresh attempts. Canceling it prevents
	// new attempts from being armed.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewInstance initializes a new Instance given an instance connection name.
func NewInstance(
	cn instance.ConnName,
	client *sqladmin.Service,
	key *rsa.PrivateKey,
	refreshTimeout time.Duration,
	ts oauth2.TokenSource,
	dialerID string,
	useIAMAuthNDial bool,
) *Instance {
	ctx, cancel := context.WithCancel(context.Background())
	i := &Instance{
		connName:        cn,
		key:             key,
		scheduleLimit:   rate.NewLimiter(rate.Every(refreshInterval), refreshBurst),
		forceLimit:      rate.NewLimiter(rate.Every(forceRefreshInterval), 1),
		fetch:           newRefresher(client, ts, dialerID),
		refreshTimeout:  refreshTimeout,
		useIAMAuthNDial: useIAMAuthNDial,
		ctx:             ctx,
		cancel:          cancel,
	}
	// Wire active to the initial attempt so the first ConnectInfo/
	// InstanceEngineVersion call blocks on it instead of racing an empty
	// active.
	i.mu.Lock()
	i.pending = i.arm(0)
	i.active = i.pending.refreshAttempt
	i.mu.Unlock()
	return i
}

// OpenConns returns a pointer to the number of open connections to
// facilitate changing the value using atomics.
func (i *Instance) OpenConns() *uint64 {
	return &i.openConns
}

// Close closes the instance; it stops the refresh cycle and prevents it
// from making additional calls to the Cloud SQL Admin API.
func (i *Instance) Close() error {
	i.cancel()
	return nil
}

// ConnectInfo returns an IP address specified by ipType (i.e. public,
// private, or PSC) and a TLS config that can be used to connect to a Cloud
// SQL instance.
func (i *Instance) ConnectInfo(ctx context.Context, ipType string) (string, *tls.Config, error) {
	a, err := i.currentAttempt(ctx)
	if err != nil {
		return "", nil, err
	}
	var (
		addr string
		ok   bool
	)
	switch ipType {
	case AutoIP:
		addr, ok = a.result.ipAddrs[PublicIP]
		if !ok {
			addr, ok = a.result.ipAddrs[PrivateIP]
		}
	default:
		addr, ok = a.result.ipAddrs[ipType]
	}
	if !ok {
		return "", nil, errtype.NewConfigError(
			fmt.Sprintf("instance does not have IP of type %q", ipType), i.connName.String(),
		)
	}
	return addr, a.result.conf, nil
}

// InstanceEngineVersion returns the engine type and version for the
// instance.
func (i *Instance) InstanceEngineVersion(ctx context.Context) (string, error) {
	a, err := i.currentAttempt(ctx)
	if err != nil {
		return "", err
	}
	return a.result.version, nil
}

// currentAttempt returns the current active attempt, waiting for it to
// complete if necessary.
func (i *Instance) currentAttempt(ctx context.Context) (*refreshAttempt, error) {
	i.mu.RLock()
	a := i.active
	i.mu.RUnlock()
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// rearm replaces pending with a freshly armed attempt scheduled after d,
// unless pending has already started running. A running attempt can't be
// cancelled safely, so it's left in place: its own completion handler stays
// responsible for arming the following cycle, instead of being abandoned
// in favor of a second attempt that would later race it for active and
// pending. Callers must hold i.mu.
func (i *Instance) rearm(d time.Duration) *scheduledAttempt {
	if i.pending.abort() {
		i.pending = i.arm(d)
	}
	return i.pending
}

// UpdateRefresh applies the provided config, but only when it differs from
// the current configuration: it cancels the pending attempt if it hasn't
// started running yet and arms a new one immediately (an attempt that is
// already running is left in place), and subsequent connection attempts
// block on the pending attempt.
func (i *Instance) UpdateRefresh(useIAMAuthNDial *bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if useIAMAuthNDial != nil && *useIAMAuthNDial != i.useIAMAuthNDial {
		i.useIAMAuthNDial = *useIAMAuthNDial
		i.rearm(0)
		i.active = i.pending.refreshAttempt
	}
}

// ForceRefresh requests an immediate, out-of-band refresh attempt to be
// armed and used for future connection attempts. Until it completes,
// ConnectInfo and InstanceEngineVersion block on it.
// Repeated calls within forceRefreshInterval are denied to avoid
// overwhelming the SQL Admin API; ForceRefresh reports whether the request
// was accepted.
func (i *Instance) ForceRefresh() bool {
	if !i.forceLimit.Allow() {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	// If pending hasn't started running yet, cancel it and arm one now. If
	// it has already started, leave it running rather than starting a
	// second attempt that would overlap it.
	i.rearm(0)
	// Block subsequent connection attempts on the pending attempt.
	i.active = i.pending.refreshAttempt
	return true
}

// refreshDuration returns the duration to wait before starting the next
// refresh attempt. For a certificate with more than an hour of life left,
// that's half of the remaining lifetime — a deliberate choice to keep
// refreshes infrequent for long-lived certs while still converging quickly
// if the lifetime is ever shortened. Once under an hour of life remains,
// the schedule switches to refreshBuffer before expiry, which for Cloud
// SQL's ~60 minute ephemeral certificates lands a refresh about 56 minutes
// after issuance, four minutes before the certificate expires.
func refreshDuration(now, certExpiry time.Time) time.Duration {
	d := certExpiry.Sub(now.Round(0))
	if d < time.Hour {
		if d < refreshBuffer {
			return 0
		}
		return d - refreshBuffer
	}
	return d / 2
}

// arm schedules a refresh attempt to run after d and returns a handle that
// can be waited on or, if it hasn't started running yet, aborted.
func (i *Instance) arm(d time.Duration) *scheduledAttempt {
	a := newRefreshAttempt()
	s := &scheduledAttempt{refreshAttempt: a}
	s.timer = time.AfterFunc(d, func() { i.run(a) })
	return s
}

// run executes one refresh cycle for a: it waits out the background rate
// limiter, performs the fetch, publishes the outcome, and — unless the
// instance has since been closed — arms the follow-on attempt.
func (i *Instance) run(a *refreshAttempt) {
	ctx, cancel := context.WithTimeout(i.ctx, i.refreshTimeout)
	defer cancel()

	var result refreshResult
	var err error
	// Avoid refreshing too often to try not to tax the SQL Admin API
	// quotas.
	if werr := i.scheduleLimit.Wait(ctx); werr != nil {
		err = errtype.NewDialError(
			"context was canceled or expired before refresh completed", i.connName.String(), nil,
		)
	} else {
		i.mu.RLock()
		useIAMAuthNDial := i.useIAMAuthNDial
		i.mu.RUnlock()
		result, err = i.fetch.performRefresh(ctx, i.connName, i.key, useIAMAuthNDial)
	}
	a.complete(result, err)

	select {
	case <-i.ctx.Done():
		// instance has been closed, don't arm anything further
		return
	default:
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err != nil {
		// arm the retry immediately rather than waiting out the normal
		// schedule
		i.pending = i.arm(0)
		// Avoid replacing an active attempt that's still usable and
		// potentially able to provide successful connections.
		if !i.active.usable() {
			i.active = a
		}
		return
	}

	i.active = a
	i.pending = i.arm(refreshDuration(time.Now(), a.result.expiry))
}
