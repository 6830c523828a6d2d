package core

import (
	"context"
	"sync"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/openrates/feedmux/common"
	"github.com/openrates/feedmux/dispatch"
)

// feedClientID client ID the upstream feed uses with the retry scheduler
const feedClientID = "upstream-feed"

// FeedManager owns the upstream feed connection lifecycle. A dropped
// connection is handed to the retry scheduler for backoff reconnect;
// exhausted retries surface through the scheduler's abandon callback.
type FeedManager interface {
	// Start establish the feed connection and begin streaming updates
	Start() error
	// Ready whether the feed connection is currently live
	Ready() bool
	// Stop close the feed connection without triggering reconnect
	Stop(ctxt context.Context)
}

// feedManagerImpl implements FeedManager
type feedManagerImpl struct {
	common.Component
	params    FeedConnectParams
	scheduler dispatch.RetryScheduler
	handler   UpdateHandler
	lock      sync.Mutex
	client    *FeedClient
	stopping  bool
}

// DefineFeedManager create new upstream feed manager
func DefineFeedManager(
	params FeedConnectParams,
	scheduler dispatch.RetryScheduler,
	handler UpdateHandler,
) (FeedManager, error) {
	logTags := log.Fields{
		"module": "core", "component": "feed-manager", "instance": params.ServerURI,
	}
	return &feedManagerImpl{
		Component: common.Component{LogTags: logTags},
		params:    params,
		scheduler: scheduler,
		handler:   handler,
	}, nil
}

// Start establish the feed connection and begin streaming updates
func (m *feedManagerImpl) Start() error {
	if err := m.connect(); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error(
			"Initial feed connect failed. Scheduling reconnect",
		)
		return m.scheduler.ScheduleRetry(feedClientID, m.reconnect)
	}
	return nil
}

// connect dial the feed and subscribe for updates
func (m *feedManagerImpl) connect() error {
	params := m.params
	params.OnCloseCallback = m.onConnectionClosed
	if params.OnDisconnectCallback == nil {
		params.OnDisconnectCallback = func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).WithFields(m.LogTags).Warn("Feed connection interrupted")
			}
		}
	}
	client, err := ConnectFeed(params)
	if err != nil {
		return err
	}
	if err := client.Subscribe(m.handler); err != nil {
		client.Close(context.Background())
		return err
	}
	m.lock.Lock()
	m.client = client
	m.lock.Unlock()
	return nil
}

// reconnect one reconnect attempt, invoked by the retry scheduler
func (m *feedManagerImpl) reconnect(ctxt context.Context) error {
	m.lock.Lock()
	if m.stopping {
		m.lock.Unlock()
		return nil
	}
	m.lock.Unlock()
	return m.connect()
}

// onConnectionClosed NATS close callback. Hands the dropped connection
// to the retry scheduler unless the manager is shutting down.
func (m *feedManagerImpl) onConnectionClosed(_ *nats.Conn) {
	m.lock.Lock()
	stopping := m.stopping
	m.lock.Unlock()
	if stopping {
		return
	}
	log.WithFields(m.LogTags).Warn("Feed connection closed. Scheduling reconnect")
	if err := m.scheduler.ScheduleRetry(feedClientID, m.reconnect); err != nil {
		log.WithError(err).WithFields(m.LogTags).Error("Feed reconnect abandoned")
	}
}

// Ready whether the feed connection is currently live
func (m *feedManagerImpl) Ready() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.client != nil && m.client.Connected()
}

// Stop close the feed connection without triggering reconnect
func (m *feedManagerImpl) Stop(ctxt context.Context) {
	m.lock.Lock()
	m.stopping = true
	client := m.client
	m.client = nil
	m.lock.Unlock()
	m.scheduler.Cleanup(feedClientID)
	if client != nil {
		client.Close(ctxt)
	}
}
