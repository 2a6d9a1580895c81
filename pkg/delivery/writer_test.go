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
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/lastwill/pkg/actor"
)

// safeBuffer is a bytes.Buffer safe for concurrent use between the writer
// goroutine and the test.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestEncodePublish(t *testing.T) {
	w := NewWriter("c1", &bytes.Buffer{}, 5)

	payloadFormat := byte(1)
	expiry := uint32(300)
	msg := &Message{
		Topic:                  "wills/c1",
		Payload:                []byte("gone"),
		QoS:                    1,
		OnwardQoS:              1,
		Retain:                 true,
		ResponseTopic:          "replies/c1",
		CorrelationData:        []byte{0x01, 0x02},
		ContentType:            "text/plain",
		PayloadFormatIndicator: &payloadFormat,
		MessageExpiryInterval:  &expiry,
		UserProperties:         map[string]string{"origin": "test"},
	}

	pk := w.encodePublish(msg, 2)

	assert.Equal(t, byte(5), pk.ProtocolVersion)
	assert.Equal(t, packets.Publish, pk.FixedHeader.Type)
	assert.Equal(t, byte(1), pk.FixedHeader.Qos, "onward QoS caps the subscription QoS")
	assert.True(t, pk.FixedHeader.Retain)
	assert.Equal(t, "wills/c1", pk.TopicName)
	assert.Equal(t, []byte("gone"), pk.Payload)
	assert.NotZero(t, pk.PacketID)

	assert.Equal(t, "replies/c1", pk.Properties.ResponseTopic)
	assert.Equal(t, []byte{0x01, 0x02}, pk.Properties.CorrelationData)
	assert.Equal(t, "text/plain", pk.Properties.ContentType)
	assert.Equal(t, byte(1), pk.Properties.PayloadFormat)
	assert.True(t, pk.Properties.PayloadFormatFlag)
	assert.Equal(t, uint32(300), pk.Properties.MessageExpiryInterval)
	require.Len(t, pk.Properties.User, 1)
	assert.Equal(t, "origin", pk.Properties.User[0].Key)
}

func TestEncodePublishSubscriptionQoSCaps(t *testing.T) {
	w := NewWriter("c1", &bytes.Buffer{}, 5)

	msg := &Message{Topic: "t", OnwardQoS: 2}
	pk := w.encodePublish(msg, 0)

	assert.Equal(t, byte(0), pk.FixedHeader.Qos)
	assert.Zero(t, pk.PacketID, "QoS 0 publishes carry no packet id")
}

func TestNextPacketIDSkipsZero(t *testing.T) {
	w := NewWriter("c1", &bytes.Buffer{}, 5)
	w.packetID = 0xFFFF

	assert.Equal(t, uint16(1), w.nextPacketID())
	assert.Equal(t, uint16(2), w.nextPacketID())
}

func TestWriterWritesDeliveredMessages(t *testing.T) {
	buf := &safeBuffer{}
	w := NewWriter("c1", buf, 5)
	mb := actor.NewMailbox(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Start(ctx, mb)
	}()

	msg := &Message{Topic: "wills/c1", Payload: []byte("last words")}
	mb.Send(Deliver{Message: msg, SubscriptionQoS: 0})

	assert.Eventually(t, func() bool {
		return len(buf.Bytes()) > 0
	}, time.Second, 10*time.Millisecond)

	written := buf.Bytes()
	// A PUBLISH packet starts with type 3 in the high nibble.
	assert.Equal(t, byte(packets.Publish), written[0]>>4)
	assert.Contains(t, string(written), "wills/c1")
	assert.Contains(t, string(written), "last words")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("writer did not shut down on context cancellation")
	}
}

func TestWriterIgnoresUnknownMessages(t *testing.T) {
	buf := &safeBuffer{}
	w := NewWriter("c1", buf, 5)
	mb := actor.NewMailbox(4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx, mb) }()

	mb.Send("not a deliver")
	mb.Send(Deliver{Message: &Message{Topic: "t", Payload: []byte("ok")}})

	assert.Eventually(t, func() bool {
		return len(buf.Bytes()) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, string(buf.Bytes()), "ok")
}
