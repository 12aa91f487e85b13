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
	"fmt"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
)

// Settlement result of authenticating and settling a fulfillment
type Settlement struct {
	// RequestID is the request the fulfillment was presented for
	RequestID uint64
	// Outcome is the settlement outcome. Fulfilled means the callback is still to be run.
	Outcome Outcome
	// Commitment is the stored commitment, when one was found
	Commitment Commitment
	// Cost is the amount debited from the subscription
	Cost uint64
	// Transmitter is the caller which delivered the fulfillment
	Transmitter Address
}

// Deliverable whether the callback should be run for this settlement
func (s Settlement) Deliverable() bool {
	return s.Outcome == OutcomeFulfilled
}

// FulfillReport result of a fulfillment
type FulfillReport struct {
	// RequestID is the request fulfilled
	RequestID uint64 `json:"request_id"`
	// Outcome is the fulfillment outcome
	Outcome Outcome `json:"outcome"`
	// Cost is the amount debited from the subscription
	Cost uint64 `json:"cost"`
	// CallbackSuccess whether the result handler reported success
	CallbackSuccess bool `json:"callback_success"`
	// ReturnData is the capped result handler return data
	ReturnData []byte `json:"return_data"`
}

// FulfillmentProcessor authenticates fulfillments and settles payment
//
// Settle must be serialized with every other broker operation. Deliver runs the untrusted
// result handler, and must run after Settle has completed.
type FulfillmentProcessor struct {
	common.Component
	state             *brokerState
	dispatcher        CallbackDispatcher
	restrictFulfiller bool
}

// newFulfillmentProcessor define a FulfillmentProcessor operating on the broker state
func newFulfillmentProcessor(
	state *brokerState, dispatcher CallbackDispatcher, restrictFulfiller bool,
) (*FulfillmentProcessor, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("fulfillment processor requires a callback dispatcher")
	}
	return &FulfillmentProcessor{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "fulfillment-processor"},
		},
		state:             state,
		dispatcher:        dispatcher,
		restrictFulfiller: restrictFulfiller,
	}, nil
}

// Settle authenticate a presented commitment and settle its payment
//
// Only a matching commitment is consumed. A missing or altered commitment leaves all
// state as it was.
func (p *FulfillmentProcessor) Settle(transmitter Address, presented Commitment) (Settlement, error) {
	result := Settlement{RequestID: presented.RequestID, Transmitter: transmitter}
	logTags := p.ExtendLogTags(log.Fields{
		"request_id": presented.RequestID, "transmitter": transmitter,
	})

	verified, err := p.state.commitments.Verify(presented)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to compute commitment digest")
	}
	switch verified {
	case VerifyMissing:
		result.Outcome = OutcomeInvalidRequestID
		log.WithFields(logTags).Warn("Fulfillment for unknown request")
		return result, nil
	case VerifyMismatch:
		result.Outcome = OutcomeInvalidCommitment
		log.WithFields(logTags).Warn("Fulfillment presented altered commitment")
		return result, nil
	}

	stored, _ := p.state.commitments.Get(presented.RequestID)
	result.Commitment = stored

	if p.restrictFulfiller && Endpoint(transmitter) != stored.Endpoint {
		result.Outcome = OutcomeUnauthorizedTransmitter
		log.WithFields(logTags).Warnf("Only %s may fulfill %s", stored.Endpoint, stored)
		return result, nil
	}

	// Single use
	p.state.commitments.Remove(stored.RequestID)
	if err := p.state.ledger.Release(stored.SubscriptionID, stored.EstimatedCost); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to release earmark of %s", stored)
	}
	if err := p.state.ledger.RecordCompleted(stored.Client, stored.SubscriptionID); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to count completion of %s", stored)
	}

	if err := p.state.ledger.Debit(stored.SubscriptionID, stored.EstimatedCost); err != nil {
		result.Outcome = OutcomeInsufficientBalance
		log.WithError(err).WithFields(logTags).Errorf("Unable to settle %s", stored)
		return result, err
	}
	p.state.creditPools(stored)
	result.Cost = stored.EstimatedCost
	result.Outcome = OutcomeFulfilled
	log.WithFields(logTags).Debugf("Settled %s for %d", stored, stored.EstimatedCost)
	return result, nil
}

// Deliver run the result handler of a settled fulfillment
func (p *FulfillmentProcessor) Deliver(
	ctxt context.Context, settled Settlement, resultPayload, errPayload []byte,
) FulfillReport {
	report := FulfillReport{
		RequestID:  settled.RequestID,
		Outcome:    settled.Outcome,
		Cost:       settled.Cost,
		ReturnData: []byte{},
	}
	if !settled.Deliverable() {
		return report
	}
	callback := p.dispatcher.Invoke(
		ctxt,
		settled.Commitment.Client,
		settled.Commitment.RequestID,
		resultPayload,
		errPayload,
		settled.Commitment.CallbackBudget,
	)
	report.CallbackSuccess = callback.Success
	report.ReturnData = callback.ReturnData
	if !callback.Success {
		report.Outcome = OutcomeUserCallbackError
	}
	return report
}

// Fulfill settle then deliver a fulfillment on the calling goroutine
func (p *FulfillmentProcessor) Fulfill(
	ctxt context.Context,
	transmitter Address,
	presented Commitment,
	resultPayload, errPayload []byte,
) (FulfillReport, error) {
	settled, err := p.Settle(transmitter, presented)
	return p.Deliver(ctxt, settled, resultPayload, errPayload), err
}
