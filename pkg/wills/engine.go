// Copyright 2023 The emqx-go Authors
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

// Package wills implements delayed delivery of last-will messages. The
// engine keeps a concurrent registry of wills waiting for their delay to
// elapse, sweeps it on a fixed period, publishes due wills through the
// outbound pipeline and recovers the registry from the durable session
// store after a restart.
package wills

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"
	"github.com/turtacn/lastwill/pkg/checkpoint"
	"github.com/turtacn/lastwill/pkg/clientsession"
	"github.com/turtacn/lastwill/pkg/delivery"
	"github.com/turtacn/lastwill/pkg/metrics"
)

// CheckpointWillRemoved is signaled after a published will has been durably
// removed from the session store. Test synchronization only; delivery does
// not depend on it.
const CheckpointWillRemoved = "pending-will-removed"

// DefaultSweepInterval is the sweep period used when none is configured.
const DefaultSweepInterval = time.Second

// ErrEmptyClientID is returned when an operation that requires a client id
// is called without one.
var ErrEmptyClientID = errors.New("client id must not be empty")

// ErrNilSession is returned when AddWill is called without a session.
var ErrNilSession = errors.New("client session must not be nil")

// Publisher is the outbound publish pipeline the engine hands will messages
// to. Publishing is fire-and-forget from the engine's point of view.
type Publisher interface {
	Publish(ctx context.Context, msg *delivery.Message, clientID string) error
}

// Options configures an Engine.
type Options struct {
	// Publisher receives the will messages. Required.
	Publisher Publisher
	// Sessions is the durable session store. Required.
	Sessions clientsession.Store
	// SweepInterval is the period of the pending-will sweep. Defaults to
	// DefaultSweepInterval.
	SweepInterval time.Duration
}

// Engine tracks pending wills and delivers them when due. All methods are
// safe for concurrent use. The registry is sharded, so operations on
// unrelated client ids do not contend on one lock.
//
// Delivery is at-least-once across restarts: a will is published before its
// durable removal completes, so a crash in between redelivers it on the
// next recovery. A will is never delivered twice within one process
// lifetime and a cancelled will is never delivered.
type Engine struct {
	publisher Publisher
	sessions  clientsession.Store
	pending   cmap.ConcurrentMap
	interval  time.Duration

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// now is replaceable in tests.
	now func() time.Time
}

// NewEngine creates an engine and starts its sweep ticker. The caller owns
// the engine's lifecycle and must call Close to stop the ticker.
func NewEngine(opts Options) *Engine {
	interval := opts.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	e := &Engine{
		publisher: opts.Publisher,
		sessions:  opts.Sessions,
		pending:   cmap.New(),
		interval:  interval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	go e.sweepLoop()
	return e
}

// AddWill registers the will of a freshly disconnected session. A session
// without a will is a no-op. A will with no delay, or a session that
// expires on disconnect, is published right away and never enters the
// registry; publish failures on that path are returned to the caller.
// Otherwise the will is scheduled with an effective delay of
// min(will delay, session expiry), replacing any previous entry for the
// same client id.
func (e *Engine) AddWill(ctx context.Context, clientID string, session *clientsession.Session) error {
	if clientID == "" {
		return ErrEmptyClientID
	}
	if session == nil {
		return ErrNilSession
	}
	if session.Will == nil {
		return nil
	}

	if session.Will.DelayInterval == 0 || session.ExpiryInterval == clientsession.SessionExpireOnDisconnect {
		return e.sendWill(ctx, clientID, session)
	}

	e.pending.Set(clientID, clientsession.PendingWill{
		DelayInterval: clientsession.EffectiveDelay(session.Will.DelayInterval, session.ExpiryInterval),
		StartTime:     e.now().UnixMilli(),
	})
	metrics.PendingWills.Set(float64(e.pending.Count()))
	return nil
}

// CancelWill removes any pending will for the client id. Cancelling a
// client without one is not an error. The removal is immediately visible; a
// will firing concurrently with its own cancellation resolves to whichever
// operation reaches the registry first.
func (e *Engine) CancelWill(clientID string) {
	if _, ok := e.pending.Pop(clientID); ok {
		metrics.WillsCancelledTotal.Inc()
		metrics.PendingWills.Set(float64(e.pending.Count()))
	}
}

// Reset clears the registry and asynchronously repopulates it from the
// session store's pending-will snapshot. It is called at startup and
// whenever the broker's global state is reloaded.
//
// The returned channel yields the recovery error, or closes without one on
// success. A store read failure leaves the registry cleared, never
// partially merged. A CancelWill racing the in-flight recovery can be
// overwritten by the recovered snapshot ("recovery wins"); this
// eventual-consistency window is accepted, not a guarantee to build on.
func (e *Engine) Reset(ctx context.Context) <-chan error {
	e.pending.Clear()
	metrics.PendingWills.Set(0)

	errc := make(chan error, 1)
	go func() {
		defer close(errc)
		snapshot, err := e.sessions.PendingWills(ctx)
		if err != nil {
			metrics.RecoveryFailuresTotal.Inc()
			log.Printf("[ERROR] Failed to read pending wills from the session store: %v", err)
			errc <- fmt.Errorf("failed to read pending wills: %w", err)
			return
		}

		merge := make(map[string]any, len(snapshot))
		for clientID, pendingWill := range snapshot {
			merge[clientID] = pendingWill
		}
		e.pending.MSet(merge)
		metrics.WillsRecoveredTotal.Add(float64(len(snapshot)))
		metrics.PendingWills.Set(float64(e.pending.Count()))
		log.Printf("[INFO] Recovered %d pending wills from the session store", len(snapshot))
	}()
	return errc
}

// PendingWill returns the scheduled will for a client id, if any.
func (e *Engine) PendingWill(clientID string) (clientsession.PendingWill, bool) {
	value, ok := e.pending.Get(clientID)
	if !ok {
		return clientsession.PendingWill{}, false
	}
	return value.(clientsession.PendingWill), true
}

// PendingWills returns a snapshot of the registry.
func (e *Engine) PendingWills() map[string]clientsession.PendingWill {
	snapshot := make(map[string]clientsession.PendingWill, e.pending.Count())
	for entry := range e.pending.IterBuffered() {
		snapshot[entry.Key] = entry.Val.(clientsession.PendingWill)
	}
	return snapshot
}

// Close stops the sweep ticker and waits for the sweep goroutine to exit.
// Pending wills stay in the durable store and are recovered on the next
// start.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
	})
	<-e.done
}

// sweepLoop drives the fixed-period sweep until Close.
func (e *Engine) sweepLoop() {
	defer close(e.done)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweepTick(context.Background())
		}
	}
}

// sweepTick runs one sweep pass. A panic in the pass is contained so a
// single bad tick never kills the ticker.
func (e *Engine) sweepTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] Panic while checking pending wills: %v", r)
		}
	}()
	e.checkWills(ctx)
}

// checkWills publishes and removes every due will. Failures are isolated
// per entry: one bad will never blocks its siblings in the same pass.
func (e *Engine) checkWills(ctx context.Context) {
	nowMillis := e.now().UnixMilli()
	for entry := range e.pending.IterBuffered() {
		pendingWill := entry.Val.(clientsession.PendingWill)
		if !pendingWill.Due(nowMillis) {
			continue
		}
		clientID := entry.Key

		// The session is looked up fresh rather than captured at
		// registration: it may have been reloaded or destroyed since.
		session, err := e.sessions.GetSession(ctx, clientID, false)
		if err != nil && !errors.Is(err, clientsession.ErrSessionNotFound) {
			metrics.SweepErrorsTotal.Inc()
			log.Printf("[ERROR] Failed to load session for pending will of %s: %v", clientID, err)
			// The entry is dropped rather than retried; the durable store
			// still holds the will, so a later recovery picks it up again.
			e.pending.Remove(clientID)
			continue
		}
		if err := e.sendWill(ctx, clientID, session); err != nil {
			metrics.SweepErrorsTotal.Inc()
			log.Printf("[ERROR] Failed to publish pending will of %s: %v", clientID, err)
		}
		e.pending.Remove(clientID)
	}
	metrics.PendingWills.Set(float64(e.pending.Count()))
}

// sendWill publishes the session's will and dispatches its durable removal.
// A nil session or a session without a will is a no-op. The removal does
// not gate the publish: the message is already on its way when the removal
// is issued.
func (e *Engine) sendWill(ctx context.Context, clientID string, session *clientsession.Session) error {
	if session == nil || session.Will == nil {
		return nil
	}

	msg := messageFromWill(session.Will)
	if err := e.publisher.Publish(ctx, msg, clientID); err != nil {
		return fmt.Errorf("failed to publish will for %s: %w", clientID, err)
	}
	metrics.WillsFiredTotal.Inc()

	go func() {
		if err := e.sessions.RemoveWill(context.Background(), clientID); err != nil {
			// The publish already happened; the worst case is redelivery
			// after the next recovery.
			log.Printf("[ERROR] Failed to remove published will of %s from the session store: %v", clientID, err)
			return
		}
		if checkpoint.Enabled() {
			checkpoint.Checkpoint(CheckpointWillRemoved)
		}
	}()
	return nil
}

// messageFromWill maps a stored will onto a publishable message. Every
// property is carried through unchanged; the will's QoS is used for both
// the requested and the onward QoS.
func messageFromWill(will *clientsession.Will) *delivery.Message {
	return &delivery.Message{
		Topic:                  will.Topic,
		Payload:                will.Payload,
		QoS:                    will.QoS,
		OnwardQoS:              will.QoS,
		Retain:                 will.Retain,
		BrokerID:               will.BrokerID,
		UserProperties:         will.UserProperties,
		ResponseTopic:          will.ResponseTopic,
		CorrelationData:        will.CorrelationData,
		ContentType:            will.ContentType,
		PayloadFormatIndicator: will.PayloadFormatIndicator,
		MessageExpiryInterval:  will.MessageExpiryInterval,
	}
}
