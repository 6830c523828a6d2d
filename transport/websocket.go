// Copyright 2022 The feedmux Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/openrates/feedmux/common"
)

// websocketSocketImpl implements common.SubscriberSocket over a
// WebSocket connection. Each batch envelope is written as one JSON
// text frame. gorilla/websocket supports one concurrent writer, so
// writes are serialized with a lock.
type websocketSocketImpl struct {
	common.Component
	lock         sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
}

// NewWebsocketSocket wrap an upgraded WebSocket connection as a
// subscriber socket
func NewWebsocketSocket(
	id string, conn *websocket.Conn, writeTimeout time.Duration,
) common.SubscriberSocket {
	logTags := log.Fields{
		"module": "transport", "component": "websocket-socket", "instance": id,
	}
	return &websocketSocketImpl{
		Component:    common.Component{LogTags: logTags},
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

// SendEnvelopes deliver a set of batch envelopes to the peer
func (s *websocketSocketImpl) SendEnvelopes(
	ctxt context.Context, envelopes []common.BatchEnvelope,
) (int64, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var written int64
	for _, envelope := range envelopes {
		data, err := json.Marshal(&envelope)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Failed to serialize envelope for channel %s", envelope.Channel,
			)
			return written, err
		}
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return written, err
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return written, err
		}
		written += int64(len(data))
	}
	return written, nil
}

// Close close the underlying WebSocket connection
func (s *websocketSocketImpl) Close() error {
	var err error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(s.writeTimeout)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		err = s.conn.Close()
	})
	return err
}
