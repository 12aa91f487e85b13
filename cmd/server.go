// Copyright 2021-2022 The reqbroker Authors
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

	"github.com/alwitt/reqbroker/apis"
	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/alwitt/reqbroker/core"
	"github.com/alwitt/reqbroker/dataplane"
	"github.com/alwitt/reqbroker/storage"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunBrokerServer run the broker with its REST API, and optionally its NATS dataplane and
// Redis state checkpoints
func RunBrokerServer(
	runtimeContext context.Context,
	ctxtCancel context.CancelFunc,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker-server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// -------------------------------------------------------------------
	// Recover state

	var keeper storage.SnapshotKeeper
	var restore *broker.State
	if config.Storage.Redis != nil {
		store, err := storage.GetRedisStore(runtimeContext, *config.Storage.Redis)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define Redis store")
			return err
		}
		defer func() {
			if err := store.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to close Redis store")
			}
		}()
		keeper, err = storage.DefineSnapshotKeeper(
			runtimeContext, store, config.Storage.Redis.SnapshotKey,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define snapshot keeper")
			return err
		}
		if restore, err = keeper.Recover(runtimeContext); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to recover broker state")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Event delivery

	var events broker.EventSink = broker.NewLoggingSink()
	var natsClient *core.NatsClient
	if config.NATS != nil {
		var err error
		natsClient, err = core.GetNatsClientFromConfig(*config.NATS, func(_ *nats.Conn) {
			ctxtCancel()
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer natsClient.Close(runtimeContext)
		publisher, err := dataplane.GetNATSEventPublisher(
			natsClient, config.NATS.EventSubjectPrefix, config.NATS.EventStream,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event publisher")
			return err
		}
		events = broker.MultiSink{events, publisher}
	}

	// -------------------------------------------------------------------
	// Broker core

	// The broker outlives the runtime context so the final checkpoint can read its state
	brokerCtxt, brokerCancel := context.WithCancel(context.Background())
	defer brokerCancel()
	handlers := broker.NewHandlerRegistry()
	brokerCore, err := broker.DefineBroker(
		brokerCtxt, config.Broker, nil, handlers, events, restore,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker")
		return err
	}
	if err := brokerCore.Start(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start broker")
		return err
	}
	defer func() {
		if err := brokerCore.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during broker shutdown")
		}
	}()

	if keeper != nil {
		keeper.AttachSource(brokerCore)
		interval := time.Second * time.Duration(config.Storage.Redis.CheckpointInterval)
		if err := keeper.StartCheckpointing(interval, wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start state checkpoints")
			return err
		}
		defer func() {
			if err := keeper.Stop(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to stop state checkpoints")
			}
			ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
			defer cancel()
			if err := keeper.Checkpoint(ctxt); err != nil {
				log.WithError(err).WithFields(logTags).Error("Final state checkpoint failed")
			}
		}()
	}

	if natsClient != nil {
		receiver, err := dataplane.GetFulfillmentReceiver(
			runtimeContext, natsClient, config.NATS.FulfillmentSubject, brokerCore,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define fulfillment receiver")
			return err
		}
		if err := receiver.Subscribe(wg); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to receive fulfillments")
			return err
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	mgmtHandler, err := apis.GetAPIRestBrokerManagementHandler(brokerCore, &config.API)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define management HTTP handler")
		return err
	}
	dataplaneHandler, err := apis.GetAPIRestBrokerDataplaneHandler(
		brokerCore, handlers, &config.API,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dataplane HTTP handler")
		return err
	}

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)
	apis.RegisterManagementRoutes(mainRouter, mgmtHandler)
	apis.RegisterDataplaneRoutes(mainRouter, dataplaneHandler)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", apis.MethodHandlers{
		http.MethodGet: mgmtHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", apis.MethodHandlers{
		http.MethodGet: mgmtHandler.ReadyHandler(),
	})

	serverListen := fmt.Sprintf(
		"%s:%d", config.API.Server.ListenOn, config.API.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.API.Server.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.API.Server.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.API.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			ctxtCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runtimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
