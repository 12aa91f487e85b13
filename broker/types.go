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
	"strings"
)

// Address identifies an account holder: subscription owners, consumers, transmitters
type Address string

// RouteID is a logical route identifier
type RouteID string

// Endpoint is an opaque handle naming a worker pool endpoint
type Endpoint string

// Subscription is a prepaid account which funds requests and authorizes consumers
type Subscription struct {
	// ID is the subscription ID
	ID uint64 `json:"id"`
	// Owner holds exclusive write authority over the subscription
	Owner Address `json:"owner"`
	// ProposedOwner is the pending owner of a two step ownership transfer
	ProposedOwner Address `json:"proposed_owner,omitempty"`
	// Balance is the funds available
	Balance uint64 `json:"balance"`
	// BlockedBalance is the funds earmarked against pending requests
	BlockedBalance uint64 `json:"blocked_balance"`
	// Consumers are the authorized consumers
	Consumers []Address `json:"consumers"`
	// Flags selects per-subscription policy. The low byte is the callback budget tier.
	Flags uint64 `json:"flags"`
}

// TierSelector the callback budget tier selected by the flags
func (s Subscription) TierSelector() int {
	return int(s.Flags & 0xff)
}

// AvailableBalance balance not earmarked against pending requests
func (s Subscription) AvailableBalance() uint64 {
	if s.BlockedBalance >= s.Balance {
		return 0
	}
	return s.Balance - s.BlockedBalance
}

// Copy deep copy of the subscription
func (s Subscription) Copy() Subscription {
	c := s
	c.Consumers = append([]Address{}, s.Consumers...)
	return c
}

// ConsumerRecord authorization record of one consumer against one subscription
type ConsumerRecord struct {
	// Consumer is the consumer address
	Consumer Address `json:"consumer"`
	// SubscriptionID is the subscription the consumer is authorized against
	SubscriptionID uint64 `json:"subscription_id"`
	// Allowed whether the consumer may submit requests
	Allowed bool `json:"allowed"`
	// InitiatedRequests is the number of requests admitted for this consumer
	InitiatedRequests uint64 `json:"initiated_requests"`
	// CompletedRequests is the number of requests settled or expired for this consumer
	CompletedRequests uint64 `json:"completed_requests"`
}

// Pending whether the consumer has requests in flight
func (r ConsumerRecord) Pending() bool {
	return r.InitiatedRequests != r.CompletedRequests
}

// consumerKey index of a ConsumerRecord
type consumerKey struct {
	Consumer       Address
	SubscriptionID uint64
}

// Commitment is the authenticated record of an in-flight request's terms
type Commitment struct {
	// RequestID is the request ID
	RequestID uint64 `json:"request_id"`
	// SubscriptionID is the subscription funding the request
	SubscriptionID uint64 `json:"subscription_id"`
	// Client is the consumer which submitted the request
	Client Address `json:"client"`
	// CallbackBudget is the resource budget of the result callback
	CallbackBudget uint32 `json:"callback_budget"`
	// RouteID is the route the request was submitted on
	RouteID RouteID `json:"route_id"`
	// Endpoint is the worker pool endpoint which accepted the request
	Endpoint Endpoint `json:"endpoint"`
	// AdminFee is the committed broker operator fee
	AdminFee uint64 `json:"admin_fee"`
	// WorkerFee is the committed worker pool fee
	WorkerFee uint64 `json:"worker_fee"`
	// EstimatedCost is the committed total settlement cost
	EstimatedCost uint64 `json:"estimated_cost"`
	// TimeoutAt is the unix timestamp in seconds after which the request may be expired
	TimeoutAt int64 `json:"timeout_at"`
}

// String toString for Commitment
func (c Commitment) String() string {
	return fmt.Sprintf(
		"REQ-%d[SUB:%d, CLIENT:%s, ROUTE:%s@%s]",
		c.RequestID, c.SubscriptionID, c.Client, c.RouteID, c.Endpoint,
	)
}

// RouteProposal a pending route table change
type RouteProposal struct {
	// RouteID is the route to change
	RouteID RouteID `json:"route_id"`
	// Endpoint is the new endpoint for the route
	Endpoint Endpoint `json:"endpoint"`
}

// FeePools tracks the settlement credits
type FeePools struct {
	// Operator is the accumulated broker operator fees
	Operator uint64 `json:"operator"`
	// Workers is the accumulated worker pool credits per endpoint
	Workers map[Endpoint]uint64 `json:"workers"`
}

// Copy deep copy of the fee pools
func (p FeePools) Copy() FeePools {
	c := FeePools{Operator: p.Operator, Workers: make(map[Endpoint]uint64)}
	for k, v := range p.Workers {
		c.Workers[k] = v
	}
	return c
}

// Outcome result of a fulfillment
type Outcome int

// Fulfillment outcomes
const (
	OutcomeFulfilled Outcome = iota
	OutcomeUserCallbackError
	OutcomeInvalidRequestID
	OutcomeInvalidCommitment
	OutcomeInsufficientBalance
	OutcomeUnauthorizedTransmitter
)

var outcomeNames = map[Outcome]string{
	OutcomeFulfilled:               "Fulfilled",
	OutcomeUserCallbackError:       "UserCallbackError",
	OutcomeInvalidRequestID:        "InvalidRequestID",
	OutcomeInvalidCommitment:       "InvalidCommitment",
	OutcomeInsufficientBalance:     "InsufficientBalance",
	OutcomeUnauthorizedTransmitter: "UnauthorizedTransmitter",
}

// String toString for Outcome
func (o Outcome) String() string {
	if name, ok := outcomeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (o *Outcome) UnmarshalText(text []byte) error {
	for value, name := range outcomeNames {
		if strings.EqualFold(name, string(text)) {
			*o = value
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(text))
}

// Settled whether the outcome consumed the commitment
func (o Outcome) Settled() bool {
	switch o {
	case OutcomeFulfilled, OutcomeUserCallbackError, OutcomeInsufficientBalance:
		return true
	default:
		return false
	}
}
