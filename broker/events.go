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

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/xid"
)

// EventType broker notification type
type EventType string

// Broker notification types
const (
	EventSubscriptionCreated      EventType = "subscription.created"
	EventSubscriptionFunded       EventType = "subscription.funded"
	EventConsumerAdded            EventType = "subscription.consumer_added"
	EventConsumerRemoved          EventType = "subscription.consumer_removed"
	EventOwnerTransferRequested   EventType = "subscription.owner_transfer_requested"
	EventOwnerTransferred         EventType = "subscription.owner_transferred"
	EventSubscriptionCanceled     EventType = "subscription.canceled"
	EventSubscriptionFlagsUpdated EventType = "subscription.flags_updated"
	EventRequestSubmitted         EventType = "request.submitted"
	EventRequestProcessed         EventType = "request.processed"
	EventRequestNotProcessed      EventType = "request.not_processed"
	EventRequestTimedOut          EventType = "request.timed_out"
	EventRoutesProposed           EventType = "routes.proposed"
	EventRoutesApplied            EventType = "routes.applied"
)

// Event a broker notification for external observers
type Event struct {
	// ID is the event ID
	ID xid.ID `json:"id"`
	// Type is the event type
	Type EventType `json:"type"`
	// Timestamp is when the event was raised
	Timestamp time.Time `json:"timestamp"`
	// SubscriptionID is the subscription the event concerns, if any
	SubscriptionID uint64 `json:"subscription_id,omitempty"`
	// RequestID is the request the event concerns, if any
	RequestID uint64 `json:"request_id,omitempty"`
	// Data is the event type specific content
	Data interface{} `json:"data,omitempty"`
}

// NewEvent define a new event
func NewEvent(eventType EventType, subID, requestID uint64, data interface{}) Event {
	return Event{
		ID:             xid.New(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		SubscriptionID: subID,
		RequestID:      requestID,
		Data:           data,
	}
}

// RequestSubmittedData content of a request.submitted event
type RequestSubmittedData struct {
	Commitment     Commitment `json:"commitment"`
	Digest         string     `json:"digest"`
	Payload        []byte     `json:"payload"`
	PayloadVersion uint16     `json:"payload_version"`
}

// RequestProcessedData content of a request.processed event
type RequestProcessedData struct {
	Outcome     Outcome `json:"outcome"`
	Cost        uint64  `json:"cost"`
	Transmitter Address `json:"transmitter"`
	Success     bool    `json:"callback_success"`
	ReturnData  []byte  `json:"return_data"`
}

// RequestNotProcessedData content of a request.not_processed event
type RequestNotProcessedData struct {
	Outcome     Outcome `json:"outcome"`
	Transmitter Address `json:"transmitter"`
}

// SubscriptionChangeData content of subscription events
type SubscriptionChangeData struct {
	Caller       Address      `json:"caller"`
	Subscription Subscription `json:"subscription"`
	Consumer     Address      `json:"consumer,omitempty"`
	Amount       uint64       `json:"amount,omitempty"`
	Recipient    Address      `json:"recipient,omitempty"`
}

// RouteChangeData content of route events
type RouteChangeData struct {
	Changes []RouteProposal `json:"changes"`
}

// EventSink receives broker notifications
type EventSink interface {
	// Publish deliver an event
	Publish(ctxt context.Context, event Event) error
}

// EventRecorder in-memory EventSink. It is safe for concurrent use.
type EventRecorder struct {
	lock   sync.Mutex
	events []Event
}

// NewEventRecorder define a new EventRecorder
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{events: []Event{}}
}

// Publish record an event
func (r *EventRecorder) Publish(_ context.Context, event Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events fetch the recorded events
func (r *EventRecorder) Events() []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]Event{}, r.events...)
}

// OfType fetch the recorded events of one type
func (r *EventRecorder) OfType(eventType EventType) []Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := []Event{}
	for _, event := range r.events {
		if event.Type == eventType {
			result = append(result, event)
		}
	}
	return result
}

// Reset drop the recorded events
func (r *EventRecorder) Reset() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = []Event{}
}

// LoggingSink EventSink writing each event to the log
type LoggingSink struct {
	common.Component
}

// NewLoggingSink define a new LoggingSink
func NewLoggingSink() *LoggingSink {
	return &LoggingSink{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "event-log"},
		},
	}
}

// Publish log an event
func (s *LoggingSink) Publish(_ context.Context, event Event) error {
	log.WithFields(s.ExtendLogTags(log.Fields{
		"event_id":        event.ID.String(),
		"subscription_id": event.SubscriptionID,
		"request_id":      event.RequestID,
	})).Infof("%s", event.Type)
	return nil
}

// MultiSink fans an event out to several sinks
type MultiSink []EventSink

// Publish deliver the event to every sink. Every sink is attempted.
func (m MultiSink) Publish(ctxt context.Context, event Event) error {
	var result *multierror.Error
	for _, sink := range m {
		if err := sink.Publish(ctxt, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
