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
	"fmt"
	"math"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
)

// SubmitParams parameters of a new request
type SubmitParams struct {
	// SubscriptionID is the subscription funding the request
	SubscriptionID uint64 `json:"subscription_id" validate:"required"`
	// Payload is the request payload forwarded to the worker pool
	Payload []byte `json:"payload"`
	// PayloadVersion is the payload encoding version
	PayloadVersion uint16 `json:"payload_version"`
	// CallbackBudget is the resource budget of the result callback
	CallbackBudget uint32 `json:"callback_budget"`
	// RouteID is the route serving the request
	RouteID RouteID `json:"route_id" validate:"required"`
}

// SubmitReceipt result of an admitted request
type SubmitReceipt struct {
	// Commitment is the recorded commitment
	Commitment Commitment `json:"commitment"`
	// Digest is the digest stored alongside the commitment
	Digest string `json:"digest"`
}

// RequestRouter validates and admits new requests
type RequestRouter struct {
	common.Component
	state          *brokerState
	tiers          []uint32
	cost           CostStrategy
	enforceEarmark bool
	timeout        time.Duration
}

// newRequestRouter define a RequestRouter operating on the broker state
func newRequestRouter(
	state *brokerState,
	tiers []uint32,
	cost CostStrategy,
	enforceEarmark bool,
	timeout time.Duration,
) (*RequestRouter, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("at least one callback budget tier is required")
	}
	if cost == nil {
		return nil, fmt.Errorf("request router requires a cost strategy")
	}
	return &RequestRouter{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "request-router"},
		},
		state:          state,
		tiers:          append([]uint32{}, tiers...),
		cost:           cost,
		enforceEarmark: enforceEarmark,
		timeout:        timeout,
	}, nil
}

// Submit validate and admit a new request
//
// Checks run in order and the first failure is returned. Nothing is changed unless every
// check passes.
func (r *RequestRouter) Submit(
	caller Address, params SubmitParams, now time.Time,
) (SubmitReceipt, error) {
	sub, err := r.state.ledger.Subscription(params.SubscriptionID)
	if err != nil {
		return SubmitReceipt{}, err
	}

	if rec, ok := r.state.ledger.Consumer(caller, sub.ID); !ok || !rec.Allowed {
		return SubmitReceipt{}, fmt.Errorf(
			"%w: %s on subscription %d", ErrConsumerNotAuthorized, caller, sub.ID,
		)
	}

	selector := sub.TierSelector()
	if selector >= len(r.tiers) {
		return SubmitReceipt{}, fmt.Errorf(
			"%w: %d with %d tiers defined", ErrInvalidTierSelector, selector, len(r.tiers),
		)
	}
	if params.CallbackBudget > r.tiers[selector] {
		return SubmitReceipt{}, fmt.Errorf(
			"%w: %d over tier %d limit %d",
			ErrBudgetExceeded, params.CallbackBudget, selector, r.tiers[selector],
		)
	}

	if len(params.Payload) == 0 {
		return SubmitReceipt{}, ErrEmptyPayload
	}

	endpoint, err := r.state.routes.Resolve(params.RouteID)
	if err != nil {
		return SubmitReceipt{}, err
	}

	cost, err := r.cost.Quote(CostQuote{
		SubscriptionID: sub.ID,
		Flags:          sub.Flags,
		CallbackBudget: params.CallbackBudget,
		RouteID:        params.RouteID,
		Endpoint:       endpoint,
	})
	if err != nil {
		return SubmitReceipt{}, err
	}
	total, err := cost.Total()
	if err != nil {
		return SubmitReceipt{}, err
	}
	if r.enforceEarmark && sub.AvailableBalance() < total {
		return SubmitReceipt{}, fmt.Errorf(
			"%w: subscription %d has %d available, request quoted %d",
			ErrInsufficientBalance, sub.ID, sub.AvailableBalance(), total,
		)
	}

	if sub.BlockedBalance > math.MaxUint64-total {
		return SubmitReceipt{}, fmt.Errorf(
			"%w: earmarking %d on subscription %d", ErrBalanceOverflow, total, sub.ID,
		)
	}

	requestID := r.state.lastRequestID + 1
	if _, ok := r.state.commitments.Get(requestID); ok {
		return SubmitReceipt{}, fmt.Errorf("%w: %d", ErrDuplicateRequestID, requestID)
	}

	commitment := Commitment{
		RequestID:      requestID,
		SubscriptionID: sub.ID,
		Client:         caller,
		CallbackBudget: params.CallbackBudget,
		RouteID:        params.RouteID,
		Endpoint:       endpoint,
		AdminFee:       cost.AdminFee,
		WorkerFee:      cost.WorkerFee,
		EstimatedCost:  total,
		TimeoutAt:      now.Add(r.timeout).Unix(),
	}

	// Every check passed
	digest, err := r.state.commitments.Put(commitment)
	if err != nil {
		return SubmitReceipt{}, err
	}
	r.state.lastRequestID = requestID
	if err := r.state.ledger.Earmark(sub.ID, total); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to earmark %s", commitment)
	}
	if err := r.state.ledger.RecordInitiated(caller, sub.ID); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Unable to count %s", commitment)
	}

	log.WithFields(r.LogTags).Debugf("Admitted %s", commitment)
	return SubmitReceipt{Commitment: commitment, Digest: digest}, nil
}
