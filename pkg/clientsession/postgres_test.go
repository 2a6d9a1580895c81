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

package clientsession

import (
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubRow feeds fixed column values into scanSession.
type stubRow struct {
	clientID       string
	connected      bool
	disconnectedAt int64
	expiryInterval int64
	will           []byte
	err            error
}

func (r *stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.clientID
	*dest[1].(*bool) = r.connected
	*dest[2].(*int64) = r.disconnectedAt
	*dest[3].(*int64) = r.expiryInterval
	*dest[4].(*[]byte) = r.will
	return nil
}

func TestScanSession(t *testing.T) {
	willData, err := json.Marshal(&Will{Topic: "wills/c1", QoS: 1, DelayInterval: 5})
	require.NoError(t, err)

	session, err := scanSession(&stubRow{
		clientID:       "c1",
		connected:      false,
		disconnectedAt: 10_000,
		expiryInterval: 3600,
		will:           willData,
	})
	require.NoError(t, err)

	assert.Equal(t, "c1", session.ClientID)
	assert.False(t, session.Connected)
	assert.Equal(t, int64(10_000), session.DisconnectedAt)
	require.NotNil(t, session.Will)
	assert.Equal(t, "wills/c1", session.Will.Topic)
	assert.Equal(t, int64(5), session.Will.DelayInterval)
}

func TestScanSessionWithoutWill(t *testing.T) {
	session, err := scanSession(&stubRow{clientID: "c1", connected: true})
	require.NoError(t, err)
	assert.Nil(t, session.Will)
}

func TestScanSessionNoRows(t *testing.T) {
	_, err := scanSession(&stubRow{err: sql.ErrNoRows})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestScanSessionMalformedWill(t *testing.T) {
	_, err := scanSession(&stubRow{clientID: "c1", will: []byte("{not json")})
	assert.Error(t, err)
}
