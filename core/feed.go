package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/openrates/feedmux/common"
)

// FeedConnectParams upstream feed connection parameters
type FeedConnectParams struct {
	// ServerURI connect to the upstream feed NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// Subject the NATS subject carrying raw market updates
	Subject string `validate:"required"`
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// UpdateHandler callback invoked with each decoded market update
type UpdateHandler func(update common.MarketUpdate)

// FeedClient connection to the upstream market data feed.
//
// The built-in NATS reconnect machinery is disabled; reconnect policy
// is owned by the retry scheduler driving this client.
type FeedClient struct {
	common.Component
	nc           *nats.Conn
	subject      string
	subscription *nats.Subscription
}

// ConnectFeed connect to the upstream market data feed
func ConnectFeed(param FeedConnectParams) (*FeedClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "upstream-feed",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(0),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Feed connect failed")
		return nil, err
	}
	log.WithFields(logTags).Info("Connected to upstream feed")
	return &FeedClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
		subject:   param.Subject,
	}, nil
}

// Subscribe start receiving market updates from the feed subject
func (c *FeedClient) Subscribe(handler UpdateHandler) error {
	subscription, err := c.nc.Subscribe(c.subject, func(msg *nats.Msg) {
		var update common.MarketUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Discarding unparsable update")
			return
		}
		if update.Key == "" || update.Channel == "" {
			log.WithFields(c.LogTags).Warn("Discarding update missing key or channel")
			return
		}
		handler(update)
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf(
			"Failed to subscribe on %s", c.subject,
		)
		return err
	}
	c.subscription = subscription
	log.WithFields(c.LogTags).Infof("Subscribed on %s", c.subject)
	return nil
}

// Connected whether the feed connection is live
func (c *FeedClient) Connected() bool {
	return c.nc.IsConnected()
}

// Close close the feed connection
func (c *FeedClient) Close(ctxt context.Context) {
	if c.subscription != nil {
		if err := c.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Unsubscribe failed")
		}
	}
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Feed flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Info("Closed upstream feed connection")
}
