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

// Package server accepts MQTT client connections and feeds the will-delivery
// pipeline: wills registered at CONNECT go into the session store, reconnects
// cancel pending wills, and ungraceful disconnects hand the session to the
// sweep engine.
package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/turtacn/lastwill/pkg/actor"
	"github.com/turtacn/lastwill/pkg/clientsession"
	"github.com/turtacn/lastwill/pkg/connection"
	"github.com/turtacn/lastwill/pkg/delivery"
	"github.com/turtacn/lastwill/pkg/wills"
)

// defaultSessionExpiry applies to pre-MQTT5 clients that requested a
// persistent session without a way to express an expiry interval.
const defaultSessionExpiry int64 = 3600

// Options configures a Server. Router, Sessions and Engine are required.
type Options struct {
	Router   *delivery.Router
	Sessions clientsession.Store
	Engine   *wills.Engine

	// MaxInflightWindow is the server-wide ceiling on per-client in-flight
	// messages. Zero means no client gets a window larger than one.
	MaxInflightWindow int

	// BrokerID identifies this broker instance. It is stamped onto every
	// will stored through this listener.
	BrokerID string

	// ListenerName labels the listener in connection state and logs.
	ListenerName string
}

// Server is the MQTT-facing front of the will-delivery engine.
type Server struct {
	router       *delivery.Router
	sessions     clientsession.Store
	engine       *wills.Engine
	maxInflight  int
	brokerID     string
	listenerName string

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a Server from the given options.
func New(opts Options) *Server {
	name := opts.ListenerName
	if name == "" {
		name = "tcp-default"
	}
	return &Server{
		router:       opts.Router,
		sessions:     opts.Sessions,
		engine:       opts.Engine,
		maxInflight:  opts.MaxInflightWindow,
		brokerID:     opts.BrokerID,
		listenerName: name,
		now:          time.Now,
	}
}

// Listen begins accepting client connections on the specified address and
// blocks until the context is canceled.
func (s *Server) Listen(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	defer listener.Close()
	log.Printf("MQTT listener started on %s", addr)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					log.Printf("Failed to accept connection: %v", err)
				}
				continue
			}
			go s.HandleConnection(ctx, conn)
		}
	}()

	<-ctx.Done()
	log.Println("MQTT listener is shutting down.")
	return nil
}

// HandleConnection manages a single client connection from accept to
// disconnect, including will registration and cancellation.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log.Printf("Accepted connection from %s", conn.RemoteAddr())

	connState := connection.NewContext(conn.RemoteAddr(), s.listenerInfo(conn))
	reader := bufio.NewReader(conn)

	var (
		clientID        string
		mailbox         *actor.Mailbox
		writerCancel    context.CancelFunc
		protocolVersion byte
		graceful        bool
	)
	defer func() {
		if writerCancel != nil {
			writerCancel()
		}
		if clientID != "" {
			s.finishConnection(ctx, connState, clientID, graceful)
		}
	}()

	for {
		pk, err := readPacket(reader, protocolVersion)
		if err != nil {
			if err != io.EOF {
				log.Printf("Error reading packet from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}

		switch pk.FixedHeader.Type {
		case packets.Connect:
			protocolVersion = pk.ProtocolVersion
			clientID = pk.Connect.ClientIdentifier
			if clientID == "" {
				log.Printf("CONNECT from %s has empty client ID. Closing.", conn.RemoteAddr())
				return
			}
			mailbox, writerCancel, err = s.handleConnect(ctx, connState, conn, pk)
			if err == nil {
				resp := packets.Packet{
					ProtocolVersion: protocolVersion,
					FixedHeader:     packets.FixedHeader{Type: packets.Connack},
					ReasonCode:      packets.CodeSuccess.Code,
				}
				err = writePacket(conn, &resp)
			}

		case packets.Subscribe:
			if mailbox == nil {
				log.Println("SUBSCRIBE received before CONNECT")
				return
			}
			reasonCodes := make([]byte, 0, len(pk.Filters))
			for _, sub := range pk.Filters {
				s.router.Subscribe(sub.Filter, clientID, mailbox, sub.Qos)
				reasonCodes = append(reasonCodes, sub.Qos)
				log.Printf("Client %s subscribed to %s", clientID, sub.Filter)
			}
			resp := packets.Packet{
				ProtocolVersion: protocolVersion,
				FixedHeader:     packets.FixedHeader{Type: packets.Suback},
				PacketID:        pk.PacketID,
				ReasonCodes:     reasonCodes,
			}
			err = writePacket(conn, &resp)

		case packets.Unsubscribe:
			reasonCodes := make([]byte, 0, len(pk.Filters))
			for _, sub := range pk.Filters {
				s.router.Unsubscribe(sub.Filter, clientID)
				reasonCodes = append(reasonCodes, packets.CodeSuccess.Code)
			}
			resp := packets.Packet{
				ProtocolVersion: protocolVersion,
				FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
				PacketID:        pk.PacketID,
				ReasonCodes:     reasonCodes,
			}
			err = writePacket(conn, &resp)

		case packets.Publish:
			err = s.router.Publish(ctx, messageFromPacket(pk), clientID)

		case packets.Pingreq:
			resp := packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
			err = writePacket(conn, &resp)

		case packets.Disconnect:
			log.Printf("Client %s sent DISCONNECT.", clientID)
			graceful = true
			connState.SetState(connection.StateDisconnectedGracefully)
			return

		default:
			log.Printf("Received unhandled packet type: %v", pk.FixedHeader.Type)
		}

		if err != nil {
			log.Printf("Error handling packet for %s: %v", clientID, err)
			return
		}
	}
}

// handleConnect records the client's identity and negotiated limits, stores
// the session (with its will, if any) and starts the outbound writer.
func (s *Server) handleConnect(ctx context.Context, connState *connection.Context, conn net.Conn, pk *packets.Packet) (*actor.Mailbox, context.CancelFunc, error) {
	clientID := pk.Connect.ClientIdentifier
	connState.SetClientID(clientID)
	if pk.Connect.UsernameFlag {
		connState.SetAuthUsername(string(pk.Connect.Username))
	}
	if pk.Connect.PasswordFlag {
		connState.SetAuthPassword(pk.Connect.Password)
	}
	if pk.Properties.ReceiveMaximum > 0 {
		connState.SetReceiveMaximum(int(pk.Properties.ReceiveMaximum))
	}
	// There is no authentication exchange on this listener.
	connState.SetState(connection.StateAuthenticated)

	// A reconnect before the will deadline keeps the will unpublished.
	s.engine.CancelWill(clientID)

	if existing, err := s.sessions.GetSession(ctx, clientID, true); err == nil && existing.Connected {
		connState.SetDuplicateSession(true)
	}

	will := willFromPacket(pk)
	if will != nil {
		will.BrokerID = s.brokerID
	}
	session := &clientsession.Session{
		ClientID:       clientID,
		Connected:      true,
		ExpiryInterval: sessionExpiry(pk),
		Will:           will,
	}
	if err := s.sessions.PutSession(ctx, session); err != nil {
		return nil, nil, fmt.Errorf("failed to store session for %s: %w", clientID, err)
	}

	window := connection.MaxInflightWindow(connState, s.maxInflight)
	if window < 1 {
		window = 1
	}
	mailbox := actor.NewMailbox(window)

	writerCtx, cancel := context.WithCancel(ctx)
	writer := delivery.NewWriter(clientID, conn, pk.ProtocolVersion)
	go func() {
		_ = writer.Start(writerCtx, mailbox)
	}()

	// No queued backlog is replayed on this listener, so the initial burst
	// is complete as soon as the connection is up.
	connState.SetInFlightMessagesSent(true)

	return mailbox, cancel, nil
}

// finishConnection runs once per connection after its read loop ends. It
// marks the session disconnected and either discards the will (graceful
// DISCONNECT) or hands it to the sweep engine.
func (s *Server) finishConnection(ctx context.Context, connState *connection.Context, clientID string, graceful bool) {
	s.router.RemoveClient(clientID)

	disconnectedAt := s.now()
	if !graceful {
		connState.SetState(connection.StateDisconnectedUnspecified)
	}
	token, err := connection.TokenFromContextAt(connState, disconnectedAt)
	if err != nil {
		log.Printf("[ERROR] Failed to build client token for %s: %v", clientID, err)
		return
	}
	log.Printf("Client %s disconnected (authenticated=%t, graceful=%t)", token.ClientID, token.Authenticated, graceful)

	session, err := s.sessions.GetSession(ctx, clientID, true)
	if err != nil {
		if !errors.Is(err, clientsession.ErrSessionNotFound) {
			log.Printf("[ERROR] Failed to load session for %s on disconnect: %v", clientID, err)
		}
		return
	}

	session.Connected = false
	session.DisconnectedAt = disconnectedAt.UnixMilli()
	if graceful {
		// A normal DISCONNECT removes the will without publishing it.
		session.Will = nil
	}
	if err := s.sessions.PutSession(ctx, session); err != nil {
		log.Printf("[ERROR] Failed to store session for %s on disconnect: %v", clientID, err)
		return
	}

	if !graceful {
		if err := s.engine.AddWill(ctx, clientID, session); err != nil {
			log.Printf("[ERROR] Failed to register will for %s: %v", clientID, err)
		}
	}
}

func (s *Server) listenerInfo(conn net.Conn) *connection.Listener {
	info := &connection.Listener{Name: s.listenerName}
	if tcp, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		info.Address = tcp.IP.String()
		info.Port = tcp.Port
	}
	return info
}

// sessionExpiry derives the session expiry interval in seconds from a
// CONNECT packet. MQTT 5 clients state it as a property; older clients get
// a fixed interval when they asked for a persistent session.
func sessionExpiry(pk *packets.Packet) int64 {
	if pk.Properties.SessionExpiryIntervalFlag {
		return int64(pk.Properties.SessionExpiryInterval)
	}
	if pk.ProtocolVersion >= 5 || pk.Connect.Clean {
		return clientsession.SessionExpireOnDisconnect
	}
	return defaultSessionExpiry
}

// willFromPacket extracts the will registered in a CONNECT packet, or nil.
func willFromPacket(pk *packets.Packet) *clientsession.Will {
	if !pk.Connect.WillFlag {
		return nil
	}

	props := pk.Connect.WillProperties
	will := &clientsession.Will{
		Topic:           pk.Connect.WillTopic,
		QoS:             pk.Connect.WillQos,
		Payload:         pk.Connect.WillPayload,
		Retain:          pk.Connect.WillRetain,
		DelayInterval:   int64(props.WillDelayInterval),
		ResponseTopic:   props.ResponseTopic,
		CorrelationData: props.CorrelationData,
		ContentType:     props.ContentType,
	}
	if props.PayloadFormatFlag {
		format := props.PayloadFormat
		will.PayloadFormatIndicator = &format
	}
	if props.MessageExpiryInterval > 0 {
		expiry := props.MessageExpiryInterval
		will.MessageExpiryInterval = &expiry
	}
	if len(props.User) > 0 {
		will.UserProperties = make(map[string]string, len(props.User))
		for _, prop := range props.User {
			will.UserProperties[prop.Key] = prop.Val
		}
	}
	return will
}

// messageFromPacket maps an inbound PUBLISH onto the delivery pipeline.
func messageFromPacket(pk *packets.Packet) *delivery.Message {
	msg := &delivery.Message{
		Topic:           pk.TopicName,
		Payload:         pk.Payload,
		QoS:             pk.FixedHeader.Qos,
		OnwardQoS:       pk.FixedHeader.Qos,
		Retain:          pk.FixedHeader.Retain,
		ResponseTopic:   pk.Properties.ResponseTopic,
		CorrelationData: pk.Properties.CorrelationData,
		ContentType:     pk.Properties.ContentType,
	}
	if pk.Properties.PayloadFormatFlag {
		format := pk.Properties.PayloadFormat
		msg.PayloadFormatIndicator = &format
	}
	if pk.Properties.MessageExpiryInterval > 0 {
		expiry := pk.Properties.MessageExpiryInterval
		msg.MessageExpiryInterval = &expiry
	}
	if len(pk.Properties.User) > 0 {
		msg.UserProperties = make(map[string]string, len(pk.Properties.User))
		for _, prop := range pk.Properties.User {
			msg.UserProperties[prop.Key] = prop.Val
		}
	}
	return msg
}

// readPacket reads a full MQTT packet from a connection. The protocol
// version steers property parsing for packets after CONNECT.
func readPacket(r *bufio.Reader, protocolVersion byte) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	err = fh.Decode(b)
	if err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		_, err = io.ReadFull(r, buf)
		if err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: protocolVersion}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, err
	}

	return pk, nil
}

// writePacket encodes and writes a packet to a connection.
func writePacket(w io.Writer, pk *packets.Packet) error {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	default:
		return fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}

	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}
