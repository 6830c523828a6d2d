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

	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
	"github.com/openrates/feedmux/registry"
)

// FanoutSender delivers batch envelopes to every live subscriber
// socket tracked by the connection registry.
//
// Per-peer send failures are owned here, not by the batcher: a peer
// whose write fails is unregistered, and delivery to the remaining
// peers continues.
type FanoutSender interface {
	// Send deliver envelopes to all live subscribers. Satisfies
	// common.SendFunc as a method value.
	Send(ctxt context.Context, envelopes []common.BatchEnvelope) error
}

// fanoutSenderImpl implements FanoutSender
type fanoutSenderImpl struct {
	common.Component
	registry registry.SubscriberRegistry
}

// DefineFanoutSender create new fan-out sender
func DefineFanoutSender(reg registry.SubscriberRegistry) (FanoutSender, error) {
	logTags := log.Fields{
		"module": "transport", "component": "fanout-sender",
	}
	return &fanoutSenderImpl{
		Component: common.Component{LogTags: logTags},
		registry:  reg,
	}, nil
}

// Send deliver envelopes to all live subscribers
func (s *fanoutSenderImpl) Send(
	ctxt context.Context, envelopes []common.BatchEnvelope,
) error {
	sockets := s.registry.ListSockets()
	for id, socket := range sockets {
		written, err := socket.SendEnvelopes(ctxt, envelopes)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Warnf(
				"Dropping subscriber %s after failed send", id,
			)
			s.registry.Unregister(id)
			continue
		}
		s.registry.RecordActivity(id, common.ActivitySent, written)
	}
	return nil
}
