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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		Owner:                       "admin",
		MaxConsumersPerSubscription: 4,
		MaxProposalBatch:            4,
		CallbackBudgetTiers:         []uint32{500, 2000},
		RequestTimeout:              60,
		SweepInterval:               3600,
		EnforceEarmark:              true,
		RestrictFulfiller:           false,
		CallbackBudgetUnit:          int64(time.Millisecond),
		TaskBuffer:                  8,
		Cost:                        common.CostConfig{AdminFee: 1, WorkerFee: 1, UnitPrice: 0},
	}
}

type testBroker struct {
	Broker
	registry *HandlerRegistry
	recorder *EventRecorder
	stop     func()
}

func startTestBroker(
	t *testing.T, config common.BrokerConfig, cost CostStrategy, restore *State,
) testBroker {
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())
	registry := NewHandlerRegistry()
	recorder := NewEventRecorder()
	uut, err := DefineBroker(ctxt, config, cost, registry, MultiSink{recorder, NewLoggingSink()}, restore)
	if err != nil {
		cancel()
		t.Fatalf("unable to define broker: %v", err)
	}
	if err := uut.Start(&wg); err != nil {
		cancel()
		t.Fatalf("unable to start broker: %v", err)
	}
	return testBroker{
		Broker:   uut,
		registry: registry,
		recorder: recorder,
		stop: func() {
			_ = uut.Stop()
			cancel()
			wg.Wait()
		},
	}
}

// setupRoutedSubscription create a funded subscription with one consumer and route "r1"
func setupRoutedSubscription(
	assert *assert.Assertions, uut Broker, funds uint64,
) Subscription {
	ctxt := context.Background()
	sub, err := uut.CreateSubscription(ctxt, "owner")
	assert.Nil(err)
	if funds > 0 {
		_, err = uut.FundSubscription(ctxt, "funder", sub.ID, funds)
		assert.Nil(err)
	}
	assert.Nil(uut.AddConsumer(ctxt, "owner", sub.ID, "consumer"))
	if _, err := uut.ResolveRoute(ctxt, "r1"); err != nil {
		assert.Nil(uut.ProposeRoutes(ctxt, "admin", []RouteID{"r1"}, []Endpoint{"worker-1"}))
		_, err = uut.ApplyRoutes(ctxt, "admin")
		assert.Nil(err)
	}
	return sub
}

func TestBrokerEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	assert.True(uut.Ready())

	ctxt := context.Background()
	sub := setupRoutedSubscription(assert, uut, 3)
	assert.Equal(uint64(1), sub.ID)
	assert.Equal(Address("owner"), sub.Owner)

	results := make(chan []byte, 1)
	uut.registry.Register("consumer", ResultHandlerFunc(
		func(_ context.Context, _ uint64, result, _ []byte) ([]byte, error) {
			results <- result
			return []byte("thanks"), nil
		},
	))

	// Case 1: empty payload
	{
		_, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte{}, CallbackBudget: 100, RouteID: "r1",
		})
		assert.True(errors.Is(err, ErrEmptyPayload))
	}

	var commitment Commitment
	// Case 2: first request
	{
		receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
		})
		assert.Nil(err)
		commitment = receipt.Commitment
		assert.Equal(uint64(1), commitment.RequestID)
		assert.Equal(Endpoint("worker-1"), commitment.Endpoint)
		assert.Equal(uint64(2), commitment.EstimatedCost)

		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.InitiatedRequests)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(2), s.BlockedBalance)

		submitted := uut.recorder.OfType(EventRequestSubmitted)
		assert.Len(submitted, 1)
		data, ok := submitted[0].Data.(RequestSubmittedData)
		assert.True(ok)
		assert.Equal(commitment, data.Commitment)
		assert.Equal([]byte("foo"), data.Payload)
	}

	// Case 3: fulfill
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", commitment, []byte("WHITE"), []byte{})
		assert.Nil(err)
		assert.Equal(OutcomeFulfilled, report.Outcome)
		assert.Equal(uint64(2), report.Cost)
		assert.True(report.CallbackSuccess)
		assert.Equal([]byte("thanks"), report.ReturnData)
		assert.Equal([]byte("WHITE"), <-results)

		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), s.Balance)
		assert.Equal(uint64(0), s.BlockedBalance)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.CompletedRequests)

		pools, err := uut.GetFeePools(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(1), pools.Operator)
		assert.Equal(uint64(1), pools.Workers["worker-1"])

		processed := uut.recorder.OfType(EventRequestProcessed)
		assert.Len(processed, 1)
		assert.Equal(uint64(1), processed[0].RequestID)
	}

	// Case 4: the same fulfillment again
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", commitment, []byte("WHITE"), []byte{})
		assert.Nil(err)
		assert.Equal(OutcomeInvalidRequestID, report.Outcome)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), s.Balance)
		assert.Len(uut.recorder.OfType(EventRequestNotProcessed), 1)
	}
}

func TestBrokerRouteScenario(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	// Case 1: owner only
	{
		err := uut.ProposeRoutes(ctxt, "owner", []RouteID{"r1"}, []Endpoint{"e1"})
		assert.True(errors.Is(err, ErrUnauthorized))
	}

	// Case 2: propose then apply
	{
		assert.Nil(uut.ProposeRoutes(ctxt, "admin", []RouteID{"r1"}, []Endpoint{"e1"}))
		routes, err := uut.GetRoutes(ctxt)
		assert.Nil(err)
		assert.Len(routes.Proposals, 1)
		applied, err := uut.ApplyRoutes(ctxt, "admin")
		assert.Nil(err)
		assert.Len(applied, 1)
		endpoint, err := uut.ResolveRoute(ctxt, "r1")
		assert.Nil(err)
		assert.Equal(Endpoint("e1"), endpoint)
		assert.Len(uut.recorder.OfType(EventRoutesProposed), 1)
		assert.Len(uut.recorder.OfType(EventRoutesApplied), 1)
	}

	// Case 3: no-op proposal
	{
		err := uut.ProposeRoutes(ctxt, "admin", []RouteID{"r1"}, []Endpoint{"e1"})
		assert.True(errors.Is(err, ErrInvalidProposal))
	}

	// Case 4: applying the empty buffer
	{
		applied, err := uut.ApplyRoutes(ctxt, "admin")
		assert.Nil(err)
		assert.Empty(applied)
		assert.Len(uut.recorder.OfType(EventRoutesApplied), 1)
	}
}

func TestBrokerSubmitValidation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	valid := SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	}

	// Case 1: unknown subscription
	{
		params := valid
		params.SubscriptionID = 99
		_, err := uut.SubmitRequest(ctxt, "consumer", params)
		assert.True(errors.Is(err, ErrUnknownSubscription))
	}

	// Case 2: unknown consumer, even with other problems
	{
		params := valid
		params.Payload = nil
		_, err := uut.SubmitRequest(ctxt, "stranger", params)
		assert.True(errors.Is(err, ErrConsumerNotAuthorized))
	}

	// Case 3: budget over tier limit, checked before payload
	{
		params := valid
		params.CallbackBudget = 501
		params.Payload = nil
		_, err := uut.SubmitRequest(ctxt, "consumer", params)
		assert.True(errors.Is(err, ErrBudgetExceeded))
	}

	// Case 4: tier selection
	{
		_, err := uut.SetSubscriptionFlags(ctxt, "owner", sub.ID, 1)
		assert.True(errors.Is(err, ErrUnauthorized))
		_, err = uut.SetSubscriptionFlags(ctxt, "admin", sub.ID, 1)
		assert.Nil(err)
		params := valid
		params.CallbackBudget = 501
		params.Payload = []byte("x")
		params.RouteID = "r9"
		// Tier 1 allows the budget, so the route is checked next
		_, err = uut.SubmitRequest(ctxt, "consumer", params)
		assert.True(errors.Is(err, ErrRouteNotFound))

		_, err = uut.SetSubscriptionFlags(ctxt, "admin", sub.ID, 7)
		assert.Nil(err)
		_, err = uut.SubmitRequest(ctxt, "consumer", valid)
		assert.True(errors.Is(err, ErrInvalidTierSelector))
		_, err = uut.SetSubscriptionFlags(ctxt, "admin", sub.ID, 0)
		assert.Nil(err)
	}

	// Case 5: nothing changed by rejected submissions
	{
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(0), rec.InitiatedRequests)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(0), s.BlockedBalance)
		assert.Empty(uut.recorder.OfType(EventRequestSubmitted))
	}

	// Case 6: request IDs are strictly increasing
	{
		lastID := uint64(0)
		for itr := 0; itr < 5; itr++ {
			receipt, err := uut.SubmitRequest(ctxt, "consumer", valid)
			assert.Nil(err)
			assert.Greater(receipt.Commitment.RequestID, lastID)
			lastID = receipt.Commitment.RequestID
		}
		assert.Equal(uint64(5), lastID)
	}

	// Case 7: earmarked funds are not available to new requests
	{
		_, err := uut.SubmitRequest(ctxt, "consumer", valid)
		assert.True(errors.Is(err, ErrInsufficientBalance))
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(10), s.BlockedBalance)
	}
}

func TestBrokerFulfillAuthentication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	uut.registry.Register("consumer", ResultHandlerFunc(
		func(_ context.Context, _ uint64, _, _ []byte) ([]byte, error) {
			return nil, nil
		},
	))

	receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	})
	assert.Nil(err)
	commitment := receipt.Commitment

	before, err := uut.Snapshot(ctxt)
	assert.Nil(err)

	// Case 1: unknown request ID
	{
		unknown := commitment
		unknown.RequestID = 42
		report, err := uut.FulfillRequest(ctxt, "worker-1", unknown, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeInvalidRequestID, report.Outcome)
		after, err := uut.Snapshot(ctxt)
		assert.Nil(err)
		assert.Equal(before, after)
	}

	// Case 2: any altered field
	{
		alterations := []func(c *Commitment){
			func(c *Commitment) { c.SubscriptionID++ },
			func(c *Commitment) { c.Client = "forger" },
			func(c *Commitment) { c.CallbackBudget++ },
			func(c *Commitment) { c.RouteID = "r2" },
			func(c *Commitment) { c.Endpoint = "worker-2" },
			func(c *Commitment) { c.AdminFee = 0 },
			func(c *Commitment) { c.WorkerFee = 0 },
			func(c *Commitment) { c.EstimatedCost = 0 },
			func(c *Commitment) { c.TimeoutAt++ },
		}
		for idx, alter := range alterations {
			altered := commitment
			alter(&altered)
			report, err := uut.FulfillRequest(ctxt, "worker-1", altered, []byte("WHITE"), nil)
			assert.Nil(err)
			assert.Equal(OutcomeInvalidCommitment, report.Outcome, fmt.Sprintf("alteration %d", idx))
		}
		after, err := uut.Snapshot(ctxt)
		assert.Nil(err)
		assert.Equal(before, after)
		// The original commitment survives forged attempts
		stored, err := uut.GetCommitment(ctxt, commitment.RequestID)
		assert.Nil(err)
		assert.Equal(commitment, stored)
	}

	// Case 3: exactly once
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeFulfilled, report.Outcome)
		report, err = uut.FulfillRequest(ctxt, "worker-1", commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeInvalidRequestID, report.Outcome)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(8), s.Balance)
		_, err = uut.GetCommitment(ctxt, commitment.RequestID)
		assert.True(errors.Is(err, ErrUnknownRequestID))
	}
}

func TestBrokerCallbackIsolation(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	params := SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	}

	// Case 1: unreachable consumer still settles
	{
		receipt, err := uut.SubmitRequest(ctxt, "consumer", params)
		assert.Nil(err)
		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeUserCallbackError, report.Outcome)
		assert.False(report.CallbackSuccess)
		assert.Empty(report.ReturnData)
		assert.Equal(uint64(2), report.Cost)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(8), s.Balance)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.CompletedRequests)
	}

	// Case 2: panicking consumer still settles
	{
		uut.registry.Register("consumer", ResultHandlerFunc(
			func(_ context.Context, _ uint64, _, _ []byte) ([]byte, error) {
				panic("consumer bug")
			},
		))
		receipt, err := uut.SubmitRequest(ctxt, "consumer", params)
		assert.Nil(err)
		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeUserCallbackError, report.Outcome)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(6), s.Balance)
	}

	// Case 3: the consumer re-enters the broker from its handler, and sees settled state
	{
		observed := make(chan Subscription, 1)
		uut.registry.Register("consumer", ResultHandlerFunc(
			func(ctxt context.Context, _ uint64, _, _ []byte) ([]byte, error) {
				s, err := uut.GetSubscription(ctxt, sub.ID)
				if err != nil {
					return nil, err
				}
				observed <- s
				return nil, nil
			},
		))
		receipt, err := uut.SubmitRequest(ctxt, "consumer", params)
		assert.Nil(err)
		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeFulfilled, report.Outcome)
		s := <-observed
		assert.Equal(uint64(4), s.Balance)
		assert.Equal(uint64(0), s.BlockedBalance)
	}
}

func TestBrokerAdvisoryEarmark(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testBrokerConfig()
	config.EnforceEarmark = false
	uut := startTestBroker(t, config, nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 1)

	// Case 1: admitted without cover
	var commitment Commitment
	{
		receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
		})
		assert.Nil(err)
		commitment = receipt.Commitment
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(2), s.BlockedBalance)
		assert.Equal(uint64(1), s.Balance)
	}

	// Case 2: settlement shortfall consumes the request without payment
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", commitment, []byte("WHITE"), nil)
		assert.True(errors.Is(err, ErrInsufficientBalance))
		assert.Equal(OutcomeInsufficientBalance, report.Outcome)
		assert.Equal(uint64(0), report.Cost)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), s.Balance)
		assert.Equal(uint64(0), s.BlockedBalance)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.CompletedRequests)
		_, err = uut.GetCommitment(ctxt, commitment.RequestID)
		assert.True(errors.Is(err, ErrUnknownRequestID))
		pools, err := uut.GetFeePools(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(0), pools.Operator)
	}
}

func TestBrokerTimeoutSweep(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	})
	assert.Nil(err)

	// Case 1: nothing expired yet
	{
		expired, err := uut.ExpireTimedOut(ctxt, time.Now())
		assert.Nil(err)
		assert.Empty(expired)
	}

	// Case 2: pending requests block cancellation
	{
		_, err := uut.CancelSubscription(ctxt, "owner", sub.ID, "")
		assert.True(errors.Is(err, ErrPendingRequestExists))
	}

	// Case 3: expire
	{
		expired, err := uut.ExpireTimedOut(ctxt, time.Now().Add(time.Minute*2))
		assert.Nil(err)
		assert.Equal([]Commitment{receipt.Commitment}, expired)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(10), s.Balance)
		assert.Equal(uint64(0), s.BlockedBalance)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.CompletedRequests)
		assert.Len(uut.recorder.OfType(EventRequestTimedOut), 1)
	}

	// Case 4: sweeping again is a no-op
	{
		expired, err := uut.ExpireTimedOut(ctxt, time.Now().Add(time.Minute*2))
		assert.Nil(err)
		assert.Empty(expired)
	}

	// Case 5: late fulfillment
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeInvalidRequestID, report.Outcome)
	}

	// Case 6: cancel, refund goes to the owner by default
	{
		refund, err := uut.CancelSubscription(ctxt, "owner", sub.ID, "")
		assert.Nil(err)
		assert.Equal(uint64(10), refund)
		canceled := uut.recorder.OfType(EventSubscriptionCanceled)
		assert.Len(canceled, 1)
		data, ok := canceled[0].Data.(SubscriptionChangeData)
		assert.True(ok)
		assert.Equal(Address("owner"), data.Recipient)
		_, err = uut.GetSubscription(ctxt, sub.ID)
		assert.True(errors.Is(err, ErrUnknownSubscription))
	}
}

func TestBrokerRestrictedFulfiller(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	config := testBrokerConfig()
	config.RestrictFulfiller = true
	uut := startTestBroker(t, config, nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	})
	assert.Nil(err)

	// Case 1: wrong transmitter
	{
		report, err := uut.FulfillRequest(ctxt, "worker-2", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeUnauthorizedTransmitter, report.Outcome)
		_, err = uut.GetCommitment(ctxt, receipt.Commitment.RequestID)
		assert.Nil(err)
	}

	// Case 2: the endpoint named in the commitment
	{
		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeUserCallbackError, report.Outcome)
		assert.Equal(uint64(2), report.Cost)
	}
}

func TestBrokerSubscriptionOwnership(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := startTestBroker(t, testBrokerConfig(), nil, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub, err := uut.CreateSubscription(ctxt, "owner-a")
	assert.Nil(err)

	// Case 1: transfer
	{
		assert.Nil(uut.ProposeSubscriptionOwnerTransfer(ctxt, "owner-a", sub.ID, "owner-b"))
		_, err := uut.AcceptSubscriptionOwnerTransfer(ctxt, "owner-c", sub.ID)
		assert.True(errors.Is(err, ErrNotProposedOwner))
		s, err := uut.AcceptSubscriptionOwnerTransfer(ctxt, "owner-b", sub.ID)
		assert.Nil(err)
		assert.Equal(Address("owner-b"), s.Owner)
		assert.Len(uut.recorder.OfType(EventOwnerTransferRequested), 1)
		assert.Len(uut.recorder.OfType(EventOwnerTransferred), 1)
	}

	// Case 2: the previous owner lost control
	{
		err := uut.AddConsumer(ctxt, "owner-a", sub.ID, "consumer")
		assert.True(errors.Is(err, ErrUnauthorized))
		assert.Nil(uut.AddConsumer(ctxt, "owner-b", sub.ID, "consumer"))
		assert.Nil(uut.AddConsumer(ctxt, "owner-b", sub.ID, "consumer"))
		assert.Len(uut.recorder.OfType(EventConsumerAdded), 1)
		assert.Nil(uut.RemoveConsumer(ctxt, "owner-b", sub.ID, "consumer"))
		assert.Nil(uut.RemoveConsumer(ctxt, "owner-b", sub.ID, "consumer"))
		assert.Len(uut.recorder.OfType(EventConsumerRemoved), 1)
	}

	// Case 3: fund by anyone
	{
		s, err := uut.FundSubscription(ctxt, "stranger", sub.ID, 5)
		assert.Nil(err)
		assert.Equal(uint64(5), s.Balance)
		_, err = uut.FundSubscription(ctxt, "stranger", 99, 5)
		assert.True(errors.Is(err, ErrUnknownSubscription))
	}
}

func TestBrokerSnapshotRestore(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	ctxt := context.Background()
	var state State
	var pending Commitment

	// Case 1: build up state then export
	{
		uut := startTestBroker(t, testBrokerConfig(), nil, nil)
		sub := setupRoutedSubscription(assert, uut, 10)
		receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
		})
		assert.Nil(err)
		pending = receipt.Commitment
		state, err = uut.Snapshot(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(1), state.LastRequestID)
		assert.Len(state.Commitments, 1)
		uut.stop()
	}

	// Case 2: a new broker resumes from the state
	{
		uut := startTestBroker(t, testBrokerConfig(), nil, &state)
		defer uut.stop()
		report, err := uut.FulfillRequest(ctxt, "worker-1", pending, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeUserCallbackError, report.Outcome)
		receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: pending.SubscriptionID,
			Payload:        []byte("bar"),
			CallbackBudget: 100,
			RouteID:        "r1",
		})
		assert.Nil(err)
		assert.Equal(uint64(2), receipt.Commitment.RequestID)

		// Restoring a state behind the live request ID is refused
		err = uut.Restore(ctxt, state)
		assert.True(errors.Is(err, ErrDuplicateRequestID))
		live, err := uut.Snapshot(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(2), live.LastRequestID)
		assert.Len(live.Commitments, 1)

		// Restore back to the snapshot, keeping the request ID
		advanced := state
		advanced.LastRequestID = live.LastRequestID
		assert.Nil(uut.Restore(ctxt, advanced))
		restored, err := uut.Snapshot(ctxt)
		assert.Nil(err)
		assert.Equal(advanced, restored)
		receipt, err = uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: pending.SubscriptionID,
			Payload:        []byte("baz"),
			CallbackBudget: 100,
			RouteID:        "r1",
		})
		assert.Nil(err)
		assert.Equal(uint64(3), receipt.Commitment.RequestID)
	}

	// Case 3: tampered state is refused
	{
		tampered := state
		tampered.Commitments = []StoredCommitment{state.Commitments[0]}
		tampered.Commitments[0].Commitment.EstimatedCost = 0
		_, err := DefineBroker(
			ctxt, testBrokerConfig(), nil, NewHandlerRegistry(), nil, &tampered,
		)
		assert.True(errors.Is(err, ErrInvalidCommitment))
	}
}

type mockCostStrategy struct {
	mock.Mock
}

func (m *mockCostStrategy) Quote(terms CostQuote) (Cost, error) {
	args := m.Called(terms)
	return args.Get(0).(Cost), args.Error(1)
}

func TestBrokerCostStrategy(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cost := new(mockCostStrategy)
	uut := startTestBroker(t, testBrokerConfig(), cost, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 100)

	// Case 1: quote is committed and charged
	{
		cost.On("Quote", CostQuote{
			SubscriptionID: sub.ID, CallbackBudget: 300, RouteID: "r1", Endpoint: "worker-1",
		}).Return(Cost{AdminFee: 5, WorkerFee: 7, Execution: 30}, nil).Once()
		receipt, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 300, RouteID: "r1",
		})
		assert.Nil(err)
		assert.Equal(uint64(5), receipt.Commitment.AdminFee)
		assert.Equal(uint64(7), receipt.Commitment.WorkerFee)
		assert.Equal(uint64(42), receipt.Commitment.EstimatedCost)

		report, err := uut.FulfillRequest(ctxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(uint64(42), report.Cost)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(58), s.Balance)
		pools, err := uut.GetFeePools(ctxt)
		assert.Nil(err)
		assert.Equal(uint64(5), pools.Operator)
		assert.Equal(uint64(37), pools.Workers["worker-1"])
	}

	// Case 2: pricing failure rejects the request
	{
		cost.On("Quote", mock.Anything).Return(Cost{}, fmt.Errorf("dummy error")).Once()
		_, err := uut.SubmitRequest(ctxt, "consumer", SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 300, RouteID: "r1",
		})
		assert.NotNil(err)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(1), rec.InitiatedRequests)
	}

	cost.AssertExpectations(t)
}

func TestFixedCostStrategy(t *testing.T) {
	assert := assert.New(t)

	uut := NewFixedCostStrategy(common.CostConfig{AdminFee: 2, WorkerFee: 3, UnitPrice: 4})
	cost, err := uut.Quote(CostQuote{CallbackBudget: 10})
	assert.Nil(err)
	assert.Equal(Cost{AdminFee: 2, WorkerFee: 3, Execution: 40}, cost)
	total, err := cost.Total()
	assert.Nil(err)
	assert.Equal(uint64(45), total)

	_, err = FixedCostStrategy{UnitPrice: 1 << 62}.Quote(CostQuote{CallbackBudget: 8})
	assert.True(errors.Is(err, ErrBalanceOverflow))
}

func TestBrokerAbandonedOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cost := new(mockCostStrategy)
	uut := startTestBroker(t, testBrokerConfig(), cost, nil)
	defer uut.stop()
	ctxt := context.Background()

	sub := setupRoutedSubscription(assert, uut, 10)
	params := SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	}
	callbacks := 0
	uut.registry.Register("consumer", ResultHandlerFunc(
		func(_ context.Context, _ uint64, _, _ []byte) ([]byte, error) {
			callbacks++
			return nil, nil
		},
	))

	entered := make(chan bool)
	release := make(chan bool)
	// Hold the event loop inside the next quote
	holdLoop := func() chan SubmitReceipt {
		cost.On("Quote", mock.Anything).Run(func(_ mock.Arguments) {
			entered <- true
			<-release
		}).Return(Cost{AdminFee: 1, WorkerFee: 1}, nil).Once()
		done := make(chan SubmitReceipt, 1)
		go func() {
			receipt, err := uut.SubmitRequest(ctxt, "consumer", params)
			assert.Nil(err)
			done <- receipt
		}()
		<-entered
		return done
	}

	// Case 1: an operation already running reports its real result
	{
		cost.On("Quote", mock.Anything).Run(func(_ mock.Arguments) {
			entered <- true
			<-release
		}).Return(Cost{AdminFee: 1, WorkerFee: 1}, nil).Once()
		lctxt, lcancel := context.WithCancel(ctxt)
		type result struct {
			receipt SubmitReceipt
			err     error
		}
		done := make(chan result, 1)
		go func() {
			receipt, err := uut.SubmitRequest(lctxt, "consumer", params)
			done <- result{receipt: receipt, err: err}
		}()
		<-entered
		lcancel()
		release <- true
		outcome := <-done
		assert.Nil(outcome.err)
		assert.Equal(uint64(1), outcome.receipt.Commitment.RequestID)
		_, err := uut.GetCommitment(ctxt, 1)
		assert.Nil(err)
		assert.Len(uut.recorder.OfType(EventRequestSubmitted), 1)
	}

	// Case 2: a submission abandoned while queued is never applied
	{
		done := holdLoop()
		lctxt, lcancel := context.WithTimeout(ctxt, time.Millisecond*50)
		_, err := uut.SubmitRequest(lctxt, "consumer", params)
		lcancel()
		assert.True(errors.Is(err, context.DeadlineExceeded))
		release <- true
		receipt := <-done
		assert.Equal(uint64(2), receipt.Commitment.RequestID)

		_, err = uut.GetCommitment(ctxt, 3)
		assert.True(errors.Is(err, ErrUnknownRequestID))
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(4), s.BlockedBalance)
		rec, err := uut.GetConsumer(ctxt, "consumer", sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(2), rec.InitiatedRequests)
		assert.Len(uut.recorder.OfType(EventRequestSubmitted), 2)
	}

	// Case 3: a fulfillment abandoned while queued is never settled
	{
		first, err := uut.GetCommitment(ctxt, 1)
		assert.Nil(err)
		done := holdLoop()
		lctxt, lcancel := context.WithTimeout(ctxt, time.Millisecond*50)
		_, err = uut.FulfillRequest(lctxt, "worker-1", first, []byte("WHITE"), nil)
		lcancel()
		assert.True(errors.Is(err, context.DeadlineExceeded))
		release <- true
		receipt := <-done
		assert.Equal(uint64(3), receipt.Commitment.RequestID)

		_, err = uut.GetCommitment(ctxt, 1)
		assert.Nil(err)
		s, err := uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(10), s.Balance)
		assert.Equal(uint64(6), s.BlockedBalance)
		assert.Len(uut.recorder.OfType(EventRequestProcessed), 0)
		assert.Len(uut.recorder.OfType(EventRequestNotProcessed), 0)
		assert.Equal(0, callbacks)

		// The request can still be fulfilled afterwards
		report, err := uut.FulfillRequest(ctxt, "worker-1", first, []byte("WHITE"), nil)
		assert.Nil(err)
		assert.Equal(OutcomeFulfilled, report.Outcome)
		assert.Equal(1, callbacks)
		s, err = uut.GetSubscription(ctxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(8), s.Balance)
		assert.Equal(uint64(4), s.BlockedBalance)
	}
}
