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

// Package clientsession defines the durable client-session model consumed by
// the will-delivery engine, together with the session store interface and
// its in-memory and PostgreSQL implementations.
package clientsession

// SessionExpireOnDisconnect is the session expiry sentinel meaning the
// session (and therefore its will) expires the moment the client
// disconnects.
const SessionExpireOnDisconnect int64 = 0

// Will describes the last-will message a client registered at connect time:
// what to publish, not whether it has fired. Immutable once stored.
type Will struct {
	Topic                  string            `json:"topic"`
	QoS                    byte              `json:"qos"`
	Payload                []byte            `json:"payload"`
	Retain                 bool              `json:"retain"`
	BrokerID               string            `json:"broker_id"`
	UserProperties         map[string]string `json:"user_properties,omitempty"`
	ResponseTopic          string            `json:"response_topic,omitempty"`
	CorrelationData        []byte            `json:"correlation_data,omitempty"`
	ContentType            string            `json:"content_type,omitempty"`
	PayloadFormatIndicator *byte             `json:"payload_format_indicator,omitempty"`
	MessageExpiryInterval  *uint32           `json:"message_expiry_interval,omitempty"`
	// DelayInterval is the number of seconds to wait after an ungraceful
	// disconnect before the will is published.
	DelayInterval int64 `json:"delay_interval"`
}

// Session is the durable state of a client session as seen by the
// will-delivery engine. The engine only reads it; ownership stays with the
// session-persistence subsystem.
type Session struct {
	ClientID  string `json:"client_id"`
	Connected bool   `json:"connected"`
	// DisconnectedAt is the wall-clock time of the last disconnect in
	// milliseconds since the epoch. Zero while the client is connected.
	DisconnectedAt int64 `json:"disconnected_at"`
	// ExpiryInterval is the number of seconds the session survives a
	// disconnect. SessionExpireOnDisconnect means it does not survive.
	ExpiryInterval int64 `json:"expiry_interval"`
	Will           *Will `json:"will,omitempty"`
}

// Expired reports whether a disconnected session has outlived its expiry
// interval at the given time (milliseconds since the epoch). Connected
// sessions never report expired.
func (s *Session) Expired(nowMillis int64) bool {
	if s.Connected {
		return false
	}
	if s.ExpiryInterval == SessionExpireOnDisconnect {
		return true
	}
	return s.DisconnectedAt+s.ExpiryInterval*1000 <= nowMillis
}

// PendingWill is a scheduled will: how long to wait and when the wait
// started. A client id maps to at most one PendingWill at a time.
type PendingWill struct {
	// DelayInterval is the effective delay in seconds, already capped at
	// the session expiry interval.
	DelayInterval int64 `json:"delay_interval"`
	// StartTime is the start of the delay in milliseconds since the epoch.
	StartTime int64 `json:"start_time"`
}

// Deadline returns the time, in milliseconds since the epoch, at which the
// will becomes due.
func (p PendingWill) Deadline() int64 {
	return p.StartTime + p.DelayInterval*1000
}

// Due reports whether the will's deadline has been reached at the given
// time (milliseconds since the epoch).
func (p PendingWill) Due(nowMillis int64) bool {
	return p.Deadline() <= nowMillis
}

// EffectiveDelay returns the delay that applies to a will given its
// session's expiry interval: a will can never outlive the session.
func EffectiveDelay(willDelay, sessionExpiry int64) int64 {
	if sessionExpiry < willDelay {
		return sessionExpiry
	}
	return willDelay
}
