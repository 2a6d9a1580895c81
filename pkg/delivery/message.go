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

// Package delivery is the outbound publish pipeline: it routes messages to
// subscribed clients and writes them to their connections as MQTT PUBLISH
// packets.
package delivery

// Message is a publishable message as it travels through the pipeline. It
// carries the full MQTT 5 property set so will messages lose nothing on the
// way out.
type Message struct {
	Topic   string
	Payload []byte
	// QoS is the quality of service the message was published with.
	QoS byte
	// OnwardQoS is the quality of service used for delivery to
	// subscribers, further capped by each subscription's QoS.
	OnwardQoS byte
	Retain    bool
	// BrokerID identifies the broker instance that originated the message.
	BrokerID string

	UserProperties         map[string]string
	ResponseTopic          string
	CorrelationData        []byte
	ContentType            string
	PayloadFormatIndicator *byte
	MessageExpiryInterval  *uint32
}

// Deliver is the mailbox message handed to a client's writer for each
// matched publish.
type Deliver struct {
	Message *Message
	// SubscriptionQoS is the QoS granted to the matching subscription.
	SubscriptionQoS byte
}
