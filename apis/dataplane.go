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

package apis

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/openrates/feedmux/common"
	"github.com/openrates/feedmux/registry"
	"github.com/openrates/feedmux/transport"
)

// APIRestSubscriptionHandler REST handler for subscriber WebSocket sessions
type APIRestSubscriptionHandler struct {
	common.Component
	registry     registry.SubscriberRegistry
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	rootContext  context.Context
	wg           *sync.WaitGroup
}

// GetAPIRestSubscriptionHandler define APIRestSubscriptionHandler
func GetAPIRestSubscriptionHandler(
	reg registry.SubscriberRegistry,
	writeTimeout time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (APIRestSubscriptionHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "subscription",
	}
	return APIRestSubscriptionHandler{
		Component: common.Component{LogTags: logTags},
		registry:  reg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		writeTimeout: writeTimeout,
		rootContext:  rootCtxt,
		wg:           wg,
	}, nil
}

// Subscribe godoc
// @Summary Open a subscriber WebSocket session
// @Description Upgrade to WebSocket and stream batch envelopes until disconnect
// @tags Dataplane
// @Param client_id query string false "Client provided subscriber ID"
// @Success 101 {string} string "switching protocols"
// @Failure 503 {string} string "registry at capacity"
// @Router /v1/data/subscribe [get]
func (h APIRestSubscriptionHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	subscriberID := r.URL.Query().Get("client_id")
	if subscriberID == "" {
		subscriberID = uuid.New().String()
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Error("WebSocket upgrade failed")
		return
	}

	socket := transport.NewWebsocketSocket(subscriberID, conn, h.writeTimeout)
	if !h.registry.Register(subscriberID, socket) {
		// Registry full with no evictable idle peer. Reject the session.
		log.WithFields(h.LogTags).Warnf(
			"Rejecting subscriber %s. No connection slot available", subscriberID,
		)
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "at capacity"),
			time.Now().Add(h.writeTimeout),
		)
		_ = conn.Close()
		return
	}

	h.wg.Add(1)
	go h.readLoop(subscriberID, conn)
}

// readLoop consume inbound frames to track peer liveness. Exits, and
// unregisters the subscriber, once the connection drops.
func (h APIRestSubscriptionHandler) readLoop(subscriberID string, conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.registry.Unregister(subscriberID)
	for {
		if h.rootContext.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).WithFields(h.LogTags).Debugf(
				"Subscriber %s read loop ended", subscriberID,
			)
			return
		}
		h.registry.RecordActivity(subscriberID, common.ActivityReceived, int64(len(data)))
	}
}

// SubscribeHandler Wrapper around Subscribe
func (h APIRestSubscriptionHandler) SubscribeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Subscribe(w, r)
	}
}
