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

package delivery

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/turtacn/lastwill/pkg/actor"
)

// subscriber binds a topic filter to a client's mailbox.
type subscriber struct {
	clientID string
	mailbox  *actor.Mailbox
	qos      byte
}

// Router fans published messages out to the mailboxes of matching
// subscribers. It maps topic filters (with + and # wildcards) to subscriber
// lists and is safe for concurrent use.
type Router struct {
	mu   sync.RWMutex
	subs map[string][]*subscriber
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		subs: make(map[string][]*subscriber),
	}
}

// Subscribe registers a client's mailbox for a topic filter. A client
// subscribing twice to the same filter updates its QoS in place.
func (r *Router) Subscribe(filter, clientID string, mailbox *actor.Mailbox, qos byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sub := range r.subs[filter] {
		if sub.clientID == clientID {
			sub.mailbox = mailbox
			sub.qos = qos
			return
		}
	}
	r.subs[filter] = append(r.subs[filter], &subscriber{
		clientID: clientID,
		mailbox:  mailbox,
		qos:      qos,
	})
}

// Unsubscribe removes a client's subscription to a topic filter. The filter
// entry disappears with its last subscriber.
func (r *Router) Unsubscribe(filter, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.subs[filter][:0]
	for _, sub := range r.subs[filter] {
		if sub.clientID != clientID {
			kept = append(kept, sub)
		}
	}
	if len(kept) > 0 {
		r.subs[filter] = kept
	} else {
		delete(r.subs, filter)
	}
}

// RemoveClient drops every subscription held by a client and returns the
// filters that were removed.
func (r *Router) RemoveClient(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for filter, subs := range r.subs {
		kept := subs[:0]
		for _, sub := range subs {
			if sub.clientID != clientID {
				kept = append(kept, sub)
			}
		}
		if len(kept) == len(subs) {
			continue
		}
		removed = append(removed, filter)
		if len(kept) > 0 {
			r.subs[filter] = kept
		} else {
			delete(r.subs, filter)
		}
	}
	return removed
}

// Publish hands the message to every subscriber whose filter matches the
// topic, excluding the publishing client itself. Delivery is non-blocking:
// a subscriber with a full mailbox is skipped, never waited on. Publish
// never blocks on network I/O.
func (r *Router) Publish(ctx context.Context, msg *Message, senderID string) error {
	if msg == nil {
		return fmt.Errorf("message must not be nil")
	}
	if msg.Topic == "" {
		return fmt.Errorf("message topic must not be empty")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	r.mu.RLock()
	var targets []*subscriber
	for filter, subs := range r.subs {
		if !matchTopicFilter(msg.Topic, filter) {
			continue
		}
		for _, sub := range subs {
			if sub.clientID != senderID {
				targets = append(targets, sub)
			}
		}
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		if !sub.mailbox.TrySend(Deliver{Message: msg, SubscriptionQoS: sub.qos}) {
			log.Printf("[WARN] Dropping message on %s for slow subscriber %s", msg.Topic, sub.clientID)
		}
	}
	return nil
}

// matchTopicFilter checks whether a published topic matches a subscription
// topic filter per the MQTT wildcard rules (+ single level, # multi level,
// # only as the final segment).
func matchTopicFilter(topic, filter string) bool {
	topicSegments := strings.Split(topic, "/")
	filterSegments := strings.Split(filter, "/")

	for i, filterSegment := range filterSegments {
		if i >= len(topicSegments) {
			return filterSegment == "#" && i == len(filterSegments)-1
		}
		if filterSegment == "#" {
			return i == len(filterSegments)-1
		}
		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}
	return len(topicSegments) == len(filterSegments)
}
