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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/openrates/feedmux/apis"
	"github.com/openrates/feedmux/common"
	"github.com/openrates/feedmux/core"
	"github.com/openrates/feedmux/dispatch"
	"github.com/openrates/feedmux/registry"
	"github.com/openrates/feedmux/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// httpAccessLogger io.Writer adapter feeding access logs into apex
type httpAccessLogger struct {
	logTags log.Fields
}

func (l httpAccessLogger) Write(p []byte) (int, error) {
	log.WithFields(l.logTags).Infof("%s", p)
	return len(p), nil
}

// RunServer run the feedmux distribution server
func RunServer(
	config common.SystemConfig,
	instance string,
	runTimeContext context.Context,
	rtCancel context.CancelFunc,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "serve",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid system config")
		return err
	}

	// -------------------------------------------------------------------
	// Distribution core

	subscriberRegistry, err := registry.DefineSubscriberRegistry(
		config.Distribution.Registry.MaxConnections,
		time.Second*time.Duration(config.Distribution.Registry.IdleTimeout),
		time.Second*time.Duration(config.Distribution.Registry.SweepInterval),
		runTimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscriber registry")
		return err
	}

	sender, err := transport.DefineFanoutSender(subscriberRegistry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fan-out sender")
		return err
	}

	batcherTP, err := common.GetNewTaskProcessorInstance("channel-batcher", 64)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define batcher event loop")
		return err
	}
	batcher, err := dispatch.DefineChannelBatcher(
		batcherTP,
		sender.Send,
		config.Distribution.Batcher.MaxBatchSize,
		time.Millisecond*time.Duration(config.Distribution.Batcher.BatchDelay),
		runTimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel batcher")
		return err
	}

	throttle, err := dispatch.DefineUpdateThrottle(
		time.Millisecond*time.Duration(config.Distribution.Throttle.Interval),
		config.Distribution.Throttle.SignificantChange,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define update throttle")
		return err
	}

	scheduler, err := dispatch.DefineRetryScheduler(
		time.Millisecond*time.Duration(config.Feed.Reconnect.BaseDelay),
		time.Millisecond*time.Duration(config.Feed.Reconnect.MaxDelay),
		config.Feed.Reconnect.MaxRetries,
		func(clientID string, attempts int) {
			// RetryExhausted is terminal for the upstream feed. Surface
			// for the operator and halt the deployment.
			log.WithFields(logTags).Errorf(
				"Reconnect of %s abandoned after %d attempts", clientID, attempts,
			)
			rtCancel()
		},
		runTimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define retry scheduler")
		return err
	}

	pipeline, err := dispatch.DefineUpdatePipeline(
		throttle, batcher, config.Distribution.Throttle.ForcedFields,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define update pipeline")
		return err
	}

	feedManager, err := core.DefineFeedManager(
		core.FeedConnectParams{
			ServerURI:      config.Feed.ServerURI,
			ConnectTimeout: time.Second * time.Duration(config.Feed.ConnectTimeout),
			Subject:        config.Feed.Subject,
			OnDisconnectCallback: func(_ *nats.Conn, err error) {
				if err != nil {
					log.WithError(err).WithFields(logTags).Warnf(
						"Feed connection with %s interrupted", config.Feed.ServerURI,
					)
				}
			},
		},
		scheduler,
		func(update common.MarketUpdate) {
			if err := pipeline.HandleUpdate(update); err != nil {
				log.WithError(err).WithFields(logTags).Errorf(
					"Failed to process update for %s", update.Key,
				)
			}
		},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define feed manager")
		return err
	}

	if err := batcherTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start batcher event loop")
		return err
	}
	if err := subscriberRegistry.StartSweep(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry sweep")
		return err
	}
	if err := feedManager.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start feed manager")
		return err
	}

	// -------------------------------------------------------------------
	// API handlers

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	monitoringHandler, err := apis.GetAPIRestMonitoringHandler(
		subscriberRegistry, throttle, feedManager.Ready, &config.HTTPSetting,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define monitoring handler")
		return err
	}
	subscriptionHandler, err := apis.GetAPIRestSubscriptionHandler(
		subscriberRegistry,
		time.Second*time.Duration(config.HTTPSetting.Server.WriteTimeout),
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, "/", nil)

	// Subscriber sessions
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/data/subscribe", map[string]http.HandlerFunc{
			"get": subscriptionHandler.SubscribeHandler(),
		},
	)

	// Monitoring
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/connections", map[string]http.HandlerFunc{
			"get": monitoringHandler.GetRegistrySnapshotHandler(),
		},
	)
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/admin/staleness", map[string]http.HandlerFunc{
			"get": monitoringHandler.GetThrottleStalenessHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
		"get": monitoringHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
		"get": monitoringHandler.ReadyHandler(),
	})

	// Add logging
	accessLogger := httpAccessLogger{logTags: logTags}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLogger, next)
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.HTTPSetting.Server.ListenOn, config.HTTPSetting.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.HTTPSetting.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	// Close subscriber sockets so their read loops exit
	subscriberRegistry.CloseAll()

	// Stop the upstream feed without triggering reconnect
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		feedManager.Stop(ctx)
	}

	// Drop any still queued messages, then stop the coordinator loops
	if err := batcher.Clear(context.Background()); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to clear channel batcher")
	}
	if err := subscriberRegistry.StopSweep(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop registry sweep")
	}
	if err := batcherTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to stop batcher event loop")
	}

	return nil
}
