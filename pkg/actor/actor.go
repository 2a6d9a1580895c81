// Copyright 2022 The emqx-go Authors
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

package actor

import "context"

// Actor defines the interface for an actor process. An actor receives
// messages through its mailbox and processes them sequentially, so its
// internal state never needs additional locking.
type Actor interface {
	// Start is called when the actor is started. The context controls the
	// lifecycle of the actor and the mailbox delivers incoming messages.
	// Start blocks until the actor terminates and returns an error if it
	// terminates unexpectedly.
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a channel-based message queue for an actor. It uses a buffered
// channel so senders and the actor are decoupled.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a new mailbox with the given buffer size. A larger size
// helps avoid blocking senders when the actor is busy, at the cost of memory.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while the buffer is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking. It reports
// whether the message was accepted; a full mailbox drops the message. Paths
// that must never stall on a slow receiver, such as the will sweep, use this
// instead of Send.
func (mb *Mailbox) TrySend(msg any) bool {
	select {
	case mb.messages <- msg:
		return true
	default:
		return false
	}
}

// Receive blocks until a message is received or the context is canceled, in
// which case it returns the context's error.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the underlying message channel as read-only, for callers that
// need to select over several sources at once.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
