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
	"fmt"
	"strings"

	"github.com/alwitt/reqbroker/broker"
	"github.com/nats-io/nats.go"
)

// msgToString helper function for standardizing the printing of a NATS message
func msgToString(msg *nats.Msg) string {
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf(
			"%s@%s:MSG[S:%d C:%d]",
			meta.Consumer,
			meta.Stream,
			meta.Sequence.Stream,
			meta.Sequence.Consumer,
		)
	}
	if msg.Reply != "" {
		return fmt.Sprintf("%s[reply:%s]", msg.Subject, msg.Reply)
	}
	return msg.Subject
}

// validateSubject verify a string is usable as a NATS publish subject
func validateSubject(subject string) error {
	if subject == "" {
		return fmt.Errorf("NATS subject is empty")
	}
	if strings.ContainsAny(subject, " \t\r\n*>") {
		return fmt.Errorf("NATS subject '%s' contains whitespace or wildcards", subject)
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return fmt.Errorf("NATS subject '%s' has an empty token", subject)
		}
	}
	return nil
}

// EventSubject the subject a broker notification is published on
func EventSubject(prefix string, eventType broker.EventType) string {
	return fmt.Sprintf("%s.%s", prefix, eventType)
}

// FulfillmentSubject the subject a worker pool endpoint delivers fulfillments on
func FulfillmentSubject(prefix string, endpoint broker.Endpoint) string {
	return fmt.Sprintf("%s.%s", prefix, endpoint)
}

// ==============================================================================

// WorkItem an admitted request forwarded to the worker pool endpoint serving its route
type WorkItem struct {
	// Commitment is the recorded commitment, which must be presented back on fulfillment
	Commitment broker.Commitment `json:"commitment"`
	// Digest is the commitment digest
	Digest string `json:"digest"`
	// Payload is the opaque request payload
	Payload []byte `json:"payload"`
	// PayloadVersion is the payload encoding version
	PayloadVersion uint16 `json:"payload_version"`
}

// String toString function
func (w WorkItem) String() string {
	return fmt.Sprintf("WORK[%s]", w.Commitment)
}

// FulfillmentMessage a fulfillment delivered by a worker over NATS
type FulfillmentMessage struct {
	// Transmitter is the address of the worker delivering the fulfillment. The transmitter
	// is set by the subject the message arrived on, so this must be empty or match it.
	Transmitter broker.Address `json:"transmitter,omitempty"`
	// Commitment is the commitment the worker received with the request
	Commitment broker.Commitment `json:"commitment"`
	// Result is the result payload
	Result []byte `json:"result"`
	// Error is the error payload
	Error []byte `json:"error"`
}

// FulfillmentAck reply to a FulfillmentMessage
type FulfillmentAck struct {
	// Success whether the fulfillment was received by the broker
	Success bool `json:"success"`
	// Report is the fulfillment report
	Report *broker.FulfillReport `json:"report,omitempty"`
	// Error is the failure reason, if any
	Error string `json:"error,omitempty"`
}
