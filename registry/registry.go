package registry

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/openrates/feedmux/common"
)

// ConnectionStats activity counters for one subscriber connection
type ConnectionStats struct {
	// MessagesSent number of messages sent to the subscriber
	MessagesSent int64 `json:"messages_sent"`
	// MessagesReceived number of messages received from the subscriber
	MessagesReceived int64 `json:"messages_received"`
	// BytesSent number of bytes sent to the subscriber
	BytesSent int64 `json:"bytes_sent"`
	// BytesReceived number of bytes received from the subscriber
	BytesReceived int64 `json:"bytes_received"`
	// ConnectedAt when the subscriber registered
	ConnectedAt time.Time `json:"connected_at"`
	// LastActivity when the connection last saw traffic in either direction
	LastActivity time.Time `json:"last_activity"`
}

// ConnectionSnapshot read-only view of one subscriber connection
type ConnectionSnapshot struct {
	// ID the subscriber ID
	ID string `json:"id"`
	// Stats the connection activity counters
	Stats ConnectionStats `json:"stats"`
	// Idle duration since last activity
	Idle time.Duration `json:"idle_ns"`
}

// RegistrySnapshot read-only view of the whole registry for health reporting
type RegistrySnapshot struct {
	// Capacity the connection capacity ceiling
	Capacity int `json:"capacity"`
	// Used the number of active connections
	Used int `json:"used"`
	// TotalBytesSent aggregate bytes sent across all connections
	TotalBytesSent int64 `json:"total_bytes_sent"`
	// TotalBytesReceived aggregate bytes received across all connections
	TotalBytesReceived int64 `json:"total_bytes_received"`
	// TotalMessagesSent aggregate messages sent across all connections
	TotalMessagesSent int64 `json:"total_messages_sent"`
	// Connections per-connection views
	Connections []ConnectionSnapshot `json:"connections"`
}

// SubscriberRegistry tracks the set of active subscriber connections,
// enforcing a capacity ceiling and evicting idle peers.
//
// A registered socket is exclusively owned by the registry; it is
// closed on unregister or eviction.
type SubscriberRegistry interface {
	// Register admit a new subscriber connection. Returns false if the
	// registry is at capacity and no idle connection can be evicted.
	Register(id string, socket common.SubscriberSocket) bool
	// Unregister remove a subscriber connection, closing its socket.
	// Unregistering an unknown ID is a no-op.
	Unregister(id string)
	// Lookup fetch the socket for a subscriber ID
	Lookup(id string) (common.SubscriberSocket, bool)
	// RecordActivity update activity counters and the last-activity
	// timestamp for a subscriber. No-op if the ID is unknown.
	RecordActivity(id string, direction common.ActivityDirection, byteCount int64)
	// ListSockets fetch the current set of live sockets keyed by subscriber ID
	ListSockets() map[string]common.SubscriberSocket
	// CloseAll close and remove every subscriber connection. Closing the
	// sockets unblocks any read loop waiting on a peer, so this runs at
	// shutdown before waiting on connection goroutines.
	CloseAll()
	// Snapshot fetch a read-only statistics dump for health reporting
	Snapshot() RegistrySnapshot
	// StartSweep start the periodic idle connection sweep
	StartSweep(wg *sync.WaitGroup) error
	// StopSweep stop the periodic idle connection sweep
	StopSweep() error
}

// connectionEntry internal state for one subscriber connection
type connectionEntry struct {
	socket common.SubscriberSocket
	stats  ConnectionStats
}

// subscriberRegistryImpl implements SubscriberRegistry.
//
// All map mutation happens under lock; the sweep timer callback goes
// through the same lock as the API surface.
type subscriberRegistryImpl struct {
	common.Component
	lock          sync.RWMutex
	connections   map[string]*connectionEntry
	capacity      int
	idleTimeout   time.Duration
	sweepInterval time.Duration
	sweepTimer    common.IntervalTimer
	rootContext   context.Context
	timeNow       func() time.Time
}

// DefineSubscriberRegistry create new subscriber connection registry
func DefineSubscriberRegistry(
	capacity int,
	idleTimeout time.Duration,
	sweepInterval time.Duration,
	rootCtxt context.Context,
) (SubscriberRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "subscriber-registry",
	}
	return &subscriberRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		connections:   make(map[string]*connectionEntry),
		capacity:      capacity,
		idleTimeout:   idleTimeout,
		sweepInterval: sweepInterval,
		rootContext:   rootCtxt,
		timeNow:       time.Now,
	}, nil
}

// Register admit a new subscriber connection
func (r *subscriberRegistryImpl) Register(id string, socket common.SubscriberSocket) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.timeNow()
	if len(r.connections) >= r.capacity {
		victim := r.oldestIdleLocked(now)
		if victim == "" {
			log.WithFields(r.LogTags).Warnf(
				"Rejecting subscriber %s. Registry at capacity %d", id, r.capacity,
			)
			return false
		}
		r.evictLocked(victim)
	}
	r.connections[id] = &connectionEntry{
		socket: socket,
		stats:  ConnectionStats{ConnectedAt: now, LastActivity: now},
	}
	log.WithFields(r.LogTags).Infof("Registered subscriber %s", id)
	return true
}

// oldestIdleLocked find the idle connection with the oldest last-activity
// time. Returns "" when no connection has been idle past the threshold.
func (r *subscriberRegistryImpl) oldestIdleLocked(now time.Time) string {
	victim := ""
	var victimLastActivity time.Time
	for id, entry := range r.connections {
		if now.Sub(entry.stats.LastActivity) < r.idleTimeout {
			continue
		}
		if victim == "" || entry.stats.LastActivity.Before(victimLastActivity) {
			victim = id
			victimLastActivity = entry.stats.LastActivity
		}
	}
	return victim
}

// evictLocked close and remove one connection
func (r *subscriberRegistryImpl) evictLocked(id string) {
	entry, ok := r.connections[id]
	if !ok {
		return
	}
	if err := entry.socket.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to close socket of subscriber %s", id,
		)
	}
	delete(r.connections, id)
	log.WithFields(r.LogTags).Infof("Evicted idle subscriber %s", id)
}

// Unregister remove a subscriber connection
func (r *subscriberRegistryImpl) Unregister(id string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[id]
	if !ok {
		return
	}
	if err := entry.socket.Close(); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to close socket of subscriber %s", id,
		)
	}
	delete(r.connections, id)
	log.WithFields(r.LogTags).Infof("Unregistered subscriber %s", id)
}

// Lookup fetch the socket for a subscriber ID
func (r *subscriberRegistryImpl) Lookup(id string) (common.SubscriberSocket, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	entry, ok := r.connections[id]
	if !ok {
		return nil, false
	}
	return entry.socket, true
}

// RecordActivity update activity counters for a subscriber
func (r *subscriberRegistryImpl) RecordActivity(
	id string, direction common.ActivityDirection, byteCount int64,
) {
	r.lock.Lock()
	defer r.lock.Unlock()
	entry, ok := r.connections[id]
	if !ok {
		return
	}
	switch direction {
	case common.ActivitySent:
		entry.stats.MessagesSent++
		entry.stats.BytesSent += byteCount
	case common.ActivityReceived:
		entry.stats.MessagesReceived++
		entry.stats.BytesReceived += byteCount
	}
	entry.stats.LastActivity = r.timeNow()
}

// ListSockets fetch the current set of live sockets
func (r *subscriberRegistryImpl) ListSockets() map[string]common.SubscriberSocket {
	r.lock.RLock()
	defer r.lock.RUnlock()
	sockets := make(map[string]common.SubscriberSocket, len(r.connections))
	for id, entry := range r.connections {
		sockets[id] = entry.socket
	}
	return sockets
}

// CloseAll close and remove every subscriber connection
func (r *subscriberRegistryImpl) CloseAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	for id, entry := range r.connections {
		if err := entry.socket.Close(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Failed to close socket of subscriber %s", id,
			)
		}
		delete(r.connections, id)
	}
	log.WithFields(r.LogTags).Info("Closed all subscriber connections")
}

// Snapshot fetch a read-only statistics dump
func (r *subscriberRegistryImpl) Snapshot() RegistrySnapshot {
	r.lock.RLock()
	defer r.lock.RUnlock()
	now := r.timeNow()
	result := RegistrySnapshot{
		Capacity:    r.capacity,
		Used:        len(r.connections),
		Connections: make([]ConnectionSnapshot, 0, len(r.connections)),
	}
	for id, entry := range r.connections {
		result.TotalBytesSent += entry.stats.BytesSent
		result.TotalBytesReceived += entry.stats.BytesReceived
		result.TotalMessagesSent += entry.stats.MessagesSent
		result.Connections = append(result.Connections, ConnectionSnapshot{
			ID:    id,
			Stats: entry.stats,
			Idle:  now.Sub(entry.stats.LastActivity),
		})
	}
	return result
}

// StartSweep start the periodic idle connection sweep
func (r *subscriberRegistryImpl) StartSweep(wg *sync.WaitGroup) error {
	timer, err := common.GetIntervalTimerInstance("registry-sweep", r.rootContext, wg)
	if err != nil {
		return err
	}
	r.sweepTimer = timer
	return timer.Start(r.sweepInterval, r.sweepIdleConnections, false)
}

// StopSweep stop the periodic idle connection sweep
func (r *subscriberRegistryImpl) StopSweep() error {
	if r.sweepTimer == nil {
		return nil
	}
	return r.sweepTimer.Stop()
}

// sweepIdleConnections unregister every connection idle past the threshold
func (r *subscriberRegistryImpl) sweepIdleConnections() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	now := r.timeNow()
	for id, entry := range r.connections {
		if now.Sub(entry.stats.LastActivity) >= r.idleTimeout {
			r.evictLocked(id)
		}
	}
	return nil
}
