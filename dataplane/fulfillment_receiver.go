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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/alwitt/reqbroker/core"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// FulfillmentReceiver receives worker fulfillments on a NATS subject and presents them
// to the broker
//
// Each worker pool endpoint delivers on its own subject "<subject>.<endpoint>", and the
// endpoint named by the subject is the transmitter. Publish permissions on those subjects
// are what authenticates a worker.
type FulfillmentReceiver interface {
	// Subscribe start receiving fulfillments. The subscription ends with the receiver context.
	Subscribe(wg *sync.WaitGroup) error
}

// fulfillmentReceiverImpl implements FulfillmentReceiver
type fulfillmentReceiverImpl struct {
	common.Component
	subject      string
	nats         *core.NatsClient
	broker       broker.Broker
	subscribed   bool
	subscription *nats.Subscription
	lock         sync.Mutex
	validate     *validator.Validate
	ctxt         context.Context
}

// GetFulfillmentReceiver define a new FulfillmentReceiver
func GetFulfillmentReceiver(
	ctxt context.Context, natsClient *core.NatsClient, subject string, brokerCore broker.Broker,
) (FulfillmentReceiver, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "fulfillment-receiver",
		"subject":   subject,
	}
	if err := validateSubject(subject); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fulfillment receiver")
		return nil, err
	}
	return &fulfillmentReceiverImpl{
		Component: common.Component{LogTags: logTags},
		subject:   subject,
		nats:      natsClient,
		broker:    brokerCore,
		validate:  validator.New(),
		ctxt:      ctxt,
	}, nil
}

// Subscribe start receiving fulfillments
func (r *fulfillmentReceiverImpl) Subscribe(wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	// Already subscribed
	if r.subscribed {
		return fmt.Errorf("already subscribed to %s", r.subject)
	}
	sub, err := r.nats.NATs().Subscribe(r.subject+".>", r.processMsg)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to subscribe to %s", r.subject)
		return err
	}
	r.subscription = sub
	r.subscribed = true
	// Automatically un-subscribe once the context is over
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-r.ctxt.Done()
		if err := r.subscription.Unsubscribe(); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf(
				"Error occurred when unsubscribing from %s", r.subject,
			)
		}
		log.WithFields(r.LogTags).Infof("Unsubscribed from %s", r.subject)
	}()
	return nil
}

// processMsg handle one fulfillment message
func (r *fulfillmentReceiverImpl) processMsg(msg *nats.Msg) {
	log.WithFields(r.LogTags).Debugf("Received %s", msgToString(msg))
	var fulfillment FulfillmentMessage
	if err := json.Unmarshal(msg.Data, &fulfillment); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to read fulfillment: %s", msg.Data)
		r.reply(msg, FulfillmentAck{Success: false, Error: err.Error()})
		return
	}
	if err := r.validate.Struct(&fulfillment); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Failed to validate fulfillment: %s", msg.Data)
		r.reply(msg, FulfillmentAck{Success: false, Error: err.Error()})
		return
	}
	transmitter := broker.Address(strings.TrimPrefix(msg.Subject, r.subject+"."))
	if fulfillment.Transmitter != "" && fulfillment.Transmitter != transmitter {
		err := fmt.Errorf(
			"transmitter %s does not match subject %s", fulfillment.Transmitter, msg.Subject,
		)
		log.WithError(err).WithFields(r.LogTags).Error("Rejecting fulfillment")
		r.reply(msg, FulfillmentAck{Success: false, Error: err.Error()})
		return
	}
	report, err := r.broker.FulfillRequest(
		r.ctxt,
		transmitter,
		fulfillment.Commitment,
		fulfillment.Result,
		fulfillment.Error,
	)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Fulfillment of %d from %s failed", fulfillment.Commitment.RequestID, transmitter,
		)
		ack := FulfillmentAck{Success: false, Error: err.Error()}
		if report.RequestID != 0 {
			ack.Report = &report
		}
		r.reply(msg, ack)
		return
	}
	log.WithFields(r.LogTags).Debugf(
		"Fulfillment of %d from %s: %s", report.RequestID, transmitter, report.Outcome,
	)
	r.reply(msg, FulfillmentAck{Success: true, Report: &report})
}

// reply respond to the worker, if it asked for a response
func (r *fulfillmentReceiverImpl) reply(msg *nats.Msg, ack FulfillmentAck) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(&ack)
	if err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Unable to serialize fulfillment reply")
		return
	}
	if err := msg.Respond(payload); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to reply on %s", msg.Reply)
	}
}
