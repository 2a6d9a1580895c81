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
	"bytes"
	"context"
	"io"
	"log"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/lastwill/pkg/actor"
)

// Writer is the actor that owns a client's outbound half. It drains its
// mailbox and writes each delivered message to the connection as an MQTT 5
// PUBLISH packet.
type Writer struct {
	ID   string
	conn io.Writer

	protocolVersion byte
	packetID        uint16
}

// NewWriter creates a writer actor for a client connection speaking the
// given MQTT protocol version.
func NewWriter(id string, conn io.Writer, protocolVersion byte) *Writer {
	return &Writer{
		ID:              id,
		conn:            conn,
		protocolVersion: protocolVersion,
	}
}

// Start is the main loop for the writer. It blocks until the context is
// canceled or the connection write fails.
func (w *Writer) Start(ctx context.Context, mb *actor.Mailbox) error {
	log.Printf("Writer started for client %s", w.ID)
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			log.Printf("Writer for client %s shutting down: %v", w.ID, err)
			return err
		}

		d, ok := msg.(Deliver)
		if !ok {
			log.Printf("Writer for %s received unknown message type: %T", w.ID, msg)
			continue
		}

		pk := w.encodePublish(d.Message, d.SubscriptionQoS)
		var buf bytes.Buffer
		if err := pk.PublishEncode(&buf); err != nil {
			log.Printf("Error encoding publish packet for %s: %v", w.ID, err)
			continue
		}
		if _, err := w.conn.Write(buf.Bytes()); err != nil {
			log.Printf("Error writing to client %s: %v", w.ID, err)
			return err
		}
	}
}

// encodePublish maps a pipeline message onto a mochi-mqtt PUBLISH packet.
// The MQTT 5 properties are carried through unchanged; for older protocol
// versions the encoder leaves them off the wire.
func (w *Writer) encodePublish(msg *Message, subscriptionQoS byte) *packets.Packet {
	qos := msg.OnwardQoS
	if subscriptionQoS < qos {
		qos = subscriptionQoS
	}

	pk := &packets.Packet{
		ProtocolVersion: w.protocolVersion,
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: msg.Retain,
		},
		TopicName: msg.Topic,
		Payload:   msg.Payload,
	}
	if qos > 0 {
		pk.PacketID = w.nextPacketID()
	}

	props := &pk.Properties
	props.ResponseTopic = msg.ResponseTopic
	props.CorrelationData = msg.CorrelationData
	props.ContentType = msg.ContentType
	if msg.PayloadFormatIndicator != nil {
		props.PayloadFormat = *msg.PayloadFormatIndicator
		props.PayloadFormatFlag = true
	}
	if msg.MessageExpiryInterval != nil {
		props.MessageExpiryInterval = *msg.MessageExpiryInterval
	}
	for key, val := range msg.UserProperties {
		props.User = append(props.User, packets.UserProperty{Key: key, Val: val})
	}
	return pk
}

// nextPacketID returns the next outbound packet id, skipping zero.
func (w *Writer) nextPacketID() uint16 {
	w.packetID++
	if w.packetID == 0 {
		w.packetID = 1
	}
	return w.packetID
}
