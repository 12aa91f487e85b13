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

	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/alwitt/reqbroker/core"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// NATSEventPublisher broker.EventSink publishing notifications on NATS subjects
//
// Notifications are published on "<prefix>.<event type>". An admitted request is also
// forwarded as a WorkItem to the subject named by its worker pool endpoint. When a stream
// is named, the notifications are captured by that JetStream stream.
type NATSEventPublisher struct {
	common.Component
	nats          *core.NatsClient
	subjectPrefix string
	stream        string
}

// GetNATSEventPublisher define a new NATSEventPublisher
func GetNATSEventPublisher(
	natsClient *core.NatsClient, subjectPrefix string, stream string,
) (*NATSEventPublisher, error) {
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "event-publisher",
		"prefix":    subjectPrefix,
	}
	if err := validateSubject(subjectPrefix); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid event subject prefix")
		return nil, err
	}
	if stream != "" {
		logTags["stream"] = stream
		if err := natsClient.EnsureStream(stream, []string{subjectPrefix + ".>"}); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define event stream")
			return nil, err
		}
	}
	return &NATSEventPublisher{
		Component:     common.Component{LogTags: logTags},
		nats:          natsClient,
		subjectPrefix: subjectPrefix,
		stream:        stream,
	}, nil
}

// Publish deliver an event
func (p *NATSEventPublisher) Publish(ctxt context.Context, event broker.Event) error {
	localLogTags := p.ExtendLogTags(log.Fields{"event": event.ID.String(), "type": event.Type})
	subject := EventSubject(p.subjectPrefix, event.Type)
	msg, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to serialize event")
		return err
	}
	if p.stream != "" {
		err = p.publishToStream(ctxt, subject, msg)
	} else {
		err = p.nats.NATs().Publish(subject, msg)
	}
	var result *multierror.Error
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Unable to send event on %s", subject)
		result = multierror.Append(result, err)
	} else {
		log.WithFields(localLogTags).Debugf("Sent event on %s", subject)
	}

	// The WorkItem is forwarded whatever the notification outcome
	if event.Type == broker.EventRequestSubmitted {
		if err := p.forwardWork(localLogTags, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// publishToStream publish into JetStream and wait for the stream to acknowledge
func (p *NATSEventPublisher) publishToStream(ctxt context.Context, subject string, msg []byte) error {
	ack, err := p.nats.JetStream().PublishAsync(subject, msg)
	if err != nil {
		return err
	}
	// Wait for success, failure, or timeout
	select {
	case goodSig, ok := <-ack.Ok():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture OK channel failure")
		}
		log.WithFields(p.LogTags).Debugf(
			"Stored [%d] in %s/%s", goodSig.Sequence, goodSig.Stream, subject,
		)
		return nil
	case txErr, ok := <-ack.Err():
		if !ok {
			return fmt.Errorf("reading nats.PubAckFuture error channel failure")
		}
		return txErr
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// forwardWork send an admitted request to the worker pool endpoint
func (p *NATSEventPublisher) forwardWork(logTags log.Fields, event broker.Event) error {
	data, ok := event.Data.(broker.RequestSubmittedData)
	if !ok {
		err := fmt.Errorf("%s event carries unexpected %T", event.Type, event.Data)
		log.WithError(err).WithFields(logTags).Error("Unable to forward request")
		return err
	}
	work := WorkItem{
		Commitment:     data.Commitment,
		Digest:         data.Digest,
		Payload:        data.Payload,
		PayloadVersion: data.PayloadVersion,
	}
	subject := string(data.Commitment.Endpoint)
	if err := validateSubject(subject); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to forward %s", work)
		return err
	}
	msg, err := json.Marshal(&work)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to serialize %s", work)
		return err
	}
	if err := p.nats.NATs().Publish(subject, msg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to forward %s", work)
		return err
	}
	log.WithFields(logTags).Debugf("Forwarded %s to %s", work, subject)
	return nil
}
