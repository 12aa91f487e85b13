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
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// Broker the metered request broker
//
// Every operation runs to completion before the next one starts. The only exception is
// the result handler callback of FulfillRequest, which runs after the fulfillment has
// been settled.
type Broker interface {
	// Start start the broker event loop and the timeout sweep
	Start(wg *sync.WaitGroup) error
	// Stop stop the broker
	Stop() error
	// Ready whether the broker is processing operations
	Ready() bool
	// Owner the address administering the broker
	Owner() Address

	// CreateSubscription define a new subscription owned by the caller
	CreateSubscription(ctxt context.Context, caller Address) (Subscription, error)
	// FundSubscription add funds to a subscription
	FundSubscription(
		ctxt context.Context, caller Address, subID uint64, amount uint64,
	) (Subscription, error)
	// AddConsumer authorize a consumer against a subscription
	AddConsumer(ctxt context.Context, caller Address, subID uint64, consumer Address) error
	// RemoveConsumer remove a consumer from a subscription
	RemoveConsumer(ctxt context.Context, caller Address, subID uint64, consumer Address) error
	// ProposeSubscriptionOwnerTransfer begin a two step subscription ownership transfer
	ProposeSubscriptionOwnerTransfer(
		ctxt context.Context, caller Address, subID uint64, newOwner Address,
	) error
	// AcceptSubscriptionOwnerTransfer complete a two step subscription ownership transfer
	AcceptSubscriptionOwnerTransfer(
		ctxt context.Context, caller Address, subID uint64,
	) (Subscription, error)
	// CancelSubscription remove a subscription. Returns the residual balance owed to
	// the recipient.
	CancelSubscription(
		ctxt context.Context, caller Address, subID uint64, recipient Address,
	) (uint64, error)
	// SetSubscriptionFlags change the policy flags of a subscription. Broker owner only.
	SetSubscriptionFlags(
		ctxt context.Context, caller Address, subID uint64, flags uint64,
	) (Subscription, error)
	// GetSubscription fetch a subscription
	GetSubscription(ctxt context.Context, subID uint64) (Subscription, error)
	// GetConsumer fetch the authorization record of a consumer against a subscription
	GetConsumer(ctxt context.Context, consumer Address, subID uint64) (ConsumerRecord, error)

	// SubmitRequest validate and admit a new request
	SubmitRequest(ctxt context.Context, caller Address, params SubmitParams) (SubmitReceipt, error)
	// FulfillRequest authenticate a fulfillment, settle payment and run the result handler
	FulfillRequest(
		ctxt context.Context,
		transmitter Address,
		presented Commitment,
		resultPayload, errPayload []byte,
	) (FulfillReport, error)
	// GetCommitment fetch a pending commitment
	GetCommitment(ctxt context.Context, requestID uint64) (Commitment, error)
	// ExpireTimedOut expire every pending request whose timeout is at or before the timestamp
	ExpireTimedOut(ctxt context.Context, now time.Time) ([]Commitment, error)

	// ProposeRoutes stage a batch of route changes. Broker owner only.
	ProposeRoutes(
		ctxt context.Context, caller Address, routeIDs []RouteID, endpoints []Endpoint,
	) error
	// ApplyRoutes install the staged route changes. Broker owner only.
	ApplyRoutes(ctxt context.Context, caller Address) ([]RouteProposal, error)
	// ResolveRoute fetch the endpoint serving a route
	ResolveRoute(ctxt context.Context, routeID RouteID) (Endpoint, error)
	// GetRoutes fetch the route table and staged changes
	GetRoutes(ctxt context.Context) (RouteTableState, error)
	// GetFeePools fetch the settlement fee pools
	GetFeePools(ctxt context.Context) (FeePools, error)

	// Snapshot export the complete broker state
	Snapshot(ctxt context.Context) (State, error)
	// Restore replace the broker state with previously exported content
	Restore(ctxt context.Context, state State) error
}

// brokerImpl implements Broker
type brokerImpl struct {
	common.Component
	config      common.BrokerConfig
	owner       Address
	state       *brokerState
	router      *RequestRouter
	fulfillment *FulfillmentProcessor
	events      EventSink
	tp          common.TaskProcessor
	sweepTimer  common.IntervalTimer
	rootCtxt    context.Context
	loopCtxt    context.Context
	loopCancel  context.CancelFunc
	running     bool
	runLock     sync.Mutex
}

// brokerTask states
const (
	taskPending int32 = iota
	taskRunning
	taskAbandoned
)

// brokerTask one serialized broker operation
//
// The event loop and the caller race to claim a pending task. The loop runs the
// operation only if it claims the task first; otherwise the caller gave up and the
// operation never runs.
type brokerTask struct {
	ctxt     context.Context
	name     string
	op       func() error
	state    *int32
	resultCB func(error)
}

// DefineBroker define a new broker
//
// When restore is provided, the broker starts from that previously exported state.
func DefineBroker(
	ctxt context.Context,
	config common.BrokerConfig,
	cost CostStrategy,
	directory HandlerDirectory,
	events EventSink,
	restore *State,
) (Broker, error) {
	logTags := log.Fields{"module": "broker", "component": "broker", "owner": config.Owner}
	if err := validator.New().Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Broker config is not valid")
		return nil, err
	}
	if cost == nil {
		cost = NewFixedCostStrategy(config.Cost)
	}
	if events == nil {
		events = NewLoggingSink()
	}
	owner := Address(config.Owner)

	state, err := newBrokerState(
		owner, config.MaxConsumersPerSubscription, config.MaxProposalBatch, restore,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broker state")
		return nil, err
	}
	router, err := newRequestRouter(
		state, config.CallbackBudgetTiers, cost, config.EnforceEarmark, config.RequestTimeoutDuration(),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define request router")
		return nil, err
	}
	dispatcher, err := NewCallbackDispatcher(directory, config.CallbackBudgetUnitDuration())
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define callback dispatcher")
		return nil, err
	}
	fulfillment, err := newFulfillmentProcessor(state, dispatcher, config.RestrictFulfiller)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define fulfillment processor")
		return nil, err
	}
	loopCtxt, loopCancel := context.WithCancel(ctxt)
	tp, err := common.GetNewTaskProcessorInstance("broker", config.TaskBuffer, loopCtxt)
	if err != nil {
		loopCancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}

	instance := &brokerImpl{
		Component:   common.Component{LogTags: logTags},
		config:      config,
		owner:       owner,
		state:       state,
		router:      router,
		fulfillment: fulfillment,
		events:      events,
		tp:          tp,
		rootCtxt:    ctxt,
		loopCtxt:    loopCtxt,
		loopCancel:  loopCancel,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(brokerTask{}), instance.processBrokerTask,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start start the broker event loop and the timeout sweep
func (b *brokerImpl) Start(wg *sync.WaitGroup) error {
	b.runLock.Lock()
	defer b.runLock.Unlock()
	if b.running {
		return fmt.Errorf("broker already started")
	}
	if err := b.tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start event loop")
		return err
	}
	timer, err := common.GetIntervalTimerInstance("timeout-sweep", b.rootCtxt, wg)
	if err != nil {
		return err
	}
	if err := timer.Start(b.config.SweepIntervalDuration(), b.sweep, false); err != nil {
		log.WithError(err).WithFields(b.LogTags).Error("Unable to start timeout sweep")
		return err
	}
	b.sweepTimer = timer
	b.running = true
	log.WithFields(b.LogTags).Info("Broker started")
	return nil
}

// Stop stop the broker
func (b *brokerImpl) Stop() error {
	b.runLock.Lock()
	defer b.runLock.Unlock()
	if b.sweepTimer != nil {
		if err := b.sweepTimer.Stop(); err != nil {
			log.WithError(err).WithFields(b.LogTags).Error("Unable to stop timeout sweep")
		}
	}
	b.running = false
	err := b.tp.StopEventLoop()
	b.loopCancel()
	return err
}

// Ready whether the broker is processing operations
func (b *brokerImpl) Ready() bool {
	b.runLock.Lock()
	defer b.runLock.Unlock()
	return b.running && b.rootCtxt.Err() == nil
}

// Owner the address administering the broker
func (b *brokerImpl) Owner() Address {
	return b.owner
}

func (b *brokerImpl) sweep() error {
	useContext, cancel := context.WithTimeout(b.rootCtxt, b.config.SweepIntervalDuration())
	defer cancel()
	expired, err := b.ExpireTimedOut(useContext, time.Now())
	if err != nil {
		return err
	}
	if len(expired) > 0 {
		log.WithFields(b.LogTags).Infof("Expired %d requests", len(expired))
	}
	return nil
}

// serialize run an operation on the broker event loop and wait for it to complete
//
// An error from the context or a stopped broker is only returned when the operation
// never ran. Once the event loop has started the operation, its real result is returned.
func (b *brokerImpl) serialize(ctxt context.Context, name string, op func() error) error {
	complete := make(chan error, 1)
	state := taskPending
	request := brokerTask{
		ctxt:     ctxt,
		name:     name,
		op:       op,
		state:    &state,
		resultCB: func(err error) { complete <- err },
	}
	if err := b.tp.Submit(ctxt, request); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to submit %s request", name)
		return err
	}
	// Wait for completion
	select {
	case err := <-complete:
		return err
	case <-ctxt.Done():
	case <-b.loopCtxt.Done():
	}
	if atomic.CompareAndSwapInt32(&state, taskPending, taskAbandoned) {
		if ctxt.Err() != nil {
			return fmt.Errorf("%s request not started: %w", name, ctxt.Err())
		}
		return fmt.Errorf("%s request not started: broker is stopped", name)
	}
	// The event loop already owns the operation
	return <-complete
}

// processBrokerTask support task processor, execute one serialized broker operation
func (b *brokerImpl) processBrokerTask(param interface{}) error {
	request, ok := param.(brokerTask)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for broker", reflect.TypeOf(param))
	}
	if request.ctxt.Err() != nil ||
		!atomic.CompareAndSwapInt32(request.state, taskPending, taskRunning) {
		log.WithFields(b.LogTags).Debugf("%s abandoned by caller before it started", request.name)
		return nil
	}
	err := request.op()
	request.resultCB(err)
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Debugf("%s rejected", request.name)
	}
	return nil
}

// emit publish notifications. Sink failures are logged and never undo the operation.
//
// The operation already took effect, so the notifications are not bound to the caller's
// context.
func (b *brokerImpl) emit(events ...Event) {
	for _, event := range events {
		if err := b.events.Publish(b.rootCtxt, event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Unable to publish %s event %s", event.Type, event.ID,
			)
		}
	}
}

// ----------------------------------------------------------------------------------------
// Subscriptions

// CreateSubscription define a new subscription owned by the caller
func (b *brokerImpl) CreateSubscription(ctxt context.Context, caller Address) (Subscription, error) {
	var sub Subscription
	err := b.serialize(ctxt, "create-subscription", func() error {
		var err error
		sub, err = b.state.ledger.Create(caller)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	b.emit(NewEvent(
		EventSubscriptionCreated, sub.ID, 0,
		SubscriptionChangeData{Caller: caller, Subscription: sub},
	))
	return sub, nil
}

// FundSubscription add funds to a subscription
func (b *brokerImpl) FundSubscription(
	ctxt context.Context, caller Address, subID uint64, amount uint64,
) (Subscription, error) {
	var sub Subscription
	err := b.serialize(ctxt, "fund-subscription", func() error {
		var err error
		sub, err = b.state.ledger.Fund(subID, amount)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	b.emit(NewEvent(
		EventSubscriptionFunded, subID, 0,
		SubscriptionChangeData{Caller: caller, Subscription: sub, Amount: amount},
	))
	return sub, nil
}

// AddConsumer authorize a consumer against a subscription
func (b *brokerImpl) AddConsumer(
	ctxt context.Context, caller Address, subID uint64, consumer Address,
) error {
	var changed bool
	var sub Subscription
	err := b.serialize(ctxt, "add-consumer", func() error {
		var err error
		if changed, err = b.state.ledger.AddConsumer(caller, subID, consumer); err != nil {
			return err
		}
		sub, err = b.state.ledger.Subscription(subID)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		b.emit(NewEvent(
			EventConsumerAdded, subID, 0,
			SubscriptionChangeData{Caller: caller, Subscription: sub, Consumer: consumer},
		))
	}
	return nil
}

// RemoveConsumer remove a consumer from a subscription
func (b *brokerImpl) RemoveConsumer(
	ctxt context.Context, caller Address, subID uint64, consumer Address,
) error {
	var changed bool
	var sub Subscription
	err := b.serialize(ctxt, "remove-consumer", func() error {
		var err error
		if changed, err = b.state.ledger.RemoveConsumer(caller, subID, consumer); err != nil {
			return err
		}
		sub, err = b.state.ledger.Subscription(subID)
		return err
	})
	if err != nil {
		return err
	}
	if changed {
		b.emit(NewEvent(
			EventConsumerRemoved, subID, 0,
			SubscriptionChangeData{Caller: caller, Subscription: sub, Consumer: consumer},
		))
	}
	return nil
}

// ProposeSubscriptionOwnerTransfer begin a two step subscription ownership transfer
func (b *brokerImpl) ProposeSubscriptionOwnerTransfer(
	ctxt context.Context, caller Address, subID uint64, newOwner Address,
) error {
	var sub Subscription
	err := b.serialize(ctxt, "propose-owner", func() error {
		if err := b.state.ledger.ProposeOwner(caller, subID, newOwner); err != nil {
			return err
		}
		var err error
		sub, err = b.state.ledger.Subscription(subID)
		return err
	})
	if err != nil {
		return err
	}
	b.emit(NewEvent(
		EventOwnerTransferRequested, subID, 0,
		SubscriptionChangeData{Caller: caller, Subscription: sub},
	))
	return nil
}

// AcceptSubscriptionOwnerTransfer complete a two step subscription ownership transfer
func (b *brokerImpl) AcceptSubscriptionOwnerTransfer(
	ctxt context.Context, caller Address, subID uint64,
) (Subscription, error) {
	var sub Subscription
	err := b.serialize(ctxt, "accept-owner", func() error {
		var err error
		sub, err = b.state.ledger.AcceptOwnership(caller, subID)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	b.emit(NewEvent(
		EventOwnerTransferred, subID, 0,
		SubscriptionChangeData{Caller: caller, Subscription: sub},
	))
	return sub, nil
}

// CancelSubscription remove a subscription
func (b *brokerImpl) CancelSubscription(
	ctxt context.Context, caller Address, subID uint64, recipient Address,
) (uint64, error) {
	var sub Subscription
	err := b.serialize(ctxt, "cancel-subscription", func() error {
		var err error
		sub, err = b.state.ledger.Cancel(caller, subID)
		return err
	})
	if err != nil {
		return 0, err
	}
	if recipient == "" {
		recipient = sub.Owner
	}
	log.WithFields(b.LogTags).Infof(
		"Canceled subscription %d, residual %d owed to %s", subID, sub.Balance, recipient,
	)
	b.emit(NewEvent(
		EventSubscriptionCanceled, subID, 0,
		SubscriptionChangeData{
			Caller: caller, Subscription: sub, Amount: sub.Balance, Recipient: recipient,
		},
	))
	return sub.Balance, nil
}

// SetSubscriptionFlags change the policy flags of a subscription
func (b *brokerImpl) SetSubscriptionFlags(
	ctxt context.Context, caller Address, subID uint64, flags uint64,
) (Subscription, error) {
	if caller != b.owner {
		return Subscription{}, fmt.Errorf("%w: %s does not administer the broker", ErrUnauthorized, caller)
	}
	var sub Subscription
	err := b.serialize(ctxt, "set-flags", func() error {
		var err error
		sub, err = b.state.ledger.SetFlags(subID, flags)
		return err
	})
	if err != nil {
		return Subscription{}, err
	}
	b.emit(NewEvent(
		EventSubscriptionFlagsUpdated, subID, 0,
		SubscriptionChangeData{Caller: caller, Subscription: sub},
	))
	return sub, nil
}

// GetSubscription fetch a subscription
func (b *brokerImpl) GetSubscription(ctxt context.Context, subID uint64) (Subscription, error) {
	var sub Subscription
	err := b.serialize(ctxt, "get-subscription", func() error {
		var err error
		sub, err = b.state.ledger.Subscription(subID)
		return err
	})
	return sub, err
}

// GetConsumer fetch the authorization record of a consumer against a subscription
func (b *brokerImpl) GetConsumer(
	ctxt context.Context, consumer Address, subID uint64,
) (ConsumerRecord, error) {
	var rec ConsumerRecord
	err := b.serialize(ctxt, "get-consumer", func() error {
		if _, err := b.state.ledger.Subscription(subID); err != nil {
			return err
		}
		var ok bool
		if rec, ok = b.state.ledger.Consumer(consumer, subID); !ok {
			return fmt.Errorf("%w: %s on subscription %d", ErrConsumerNotAuthorized, consumer, subID)
		}
		return nil
	})
	return rec, err
}

// ----------------------------------------------------------------------------------------
// Requests

// SubmitRequest validate and admit a new request
func (b *brokerImpl) SubmitRequest(
	ctxt context.Context, caller Address, params SubmitParams,
) (SubmitReceipt, error) {
	var receipt SubmitReceipt
	err := b.serialize(ctxt, "submit-request", func() error {
		var err error
		receipt, err = b.router.Submit(caller, params, time.Now())
		return err
	})
	if err != nil {
		return SubmitReceipt{}, err
	}
	b.emit(NewEvent(
		EventRequestSubmitted,
		receipt.Commitment.SubscriptionID,
		receipt.Commitment.RequestID,
		RequestSubmittedData{
			Commitment:     receipt.Commitment,
			Digest:         receipt.Digest,
			Payload:        params.Payload,
			PayloadVersion: params.PayloadVersion,
		},
	))
	return receipt, nil
}

// FulfillRequest authenticate a fulfillment, settle payment and run the result handler
func (b *brokerImpl) FulfillRequest(
	ctxt context.Context,
	transmitter Address,
	presented Commitment,
	resultPayload, errPayload []byte,
) (FulfillReport, error) {
	var settled Settlement
	var settleErr error
	if err := b.serialize(ctxt, "fulfill-request", func() error {
		settled, settleErr = b.fulfillment.Settle(transmitter, presented)
		return nil
	}); err != nil {
		return FulfillReport{}, err
	}

	// The result handler only runs once the broker state is settled. A settled request
	// is paid for, so delivery is not cut short by the caller giving up.
	report := b.fulfillment.Deliver(b.rootCtxt, settled, resultPayload, errPayload)

	if report.Outcome == OutcomeFulfilled || report.Outcome == OutcomeUserCallbackError {
		b.emit(NewEvent(
			EventRequestProcessed,
			settled.Commitment.SubscriptionID,
			report.RequestID,
			RequestProcessedData{
				Outcome:     report.Outcome,
				Cost:        report.Cost,
				Transmitter: transmitter,
				Success:     report.CallbackSuccess,
				ReturnData:  report.ReturnData,
			},
		))
	} else {
		b.emit(NewEvent(
			EventRequestNotProcessed,
			settled.Commitment.SubscriptionID,
			report.RequestID,
			RequestNotProcessedData{Outcome: report.Outcome, Transmitter: transmitter},
		))
	}
	return report, settleErr
}

// GetCommitment fetch a pending commitment
func (b *brokerImpl) GetCommitment(ctxt context.Context, requestID uint64) (Commitment, error) {
	var c Commitment
	err := b.serialize(ctxt, "get-commitment", func() error {
		var ok bool
		if c, ok = b.state.commitments.Get(requestID); !ok {
			return fmt.Errorf("%w: %d", ErrUnknownRequestID, requestID)
		}
		return nil
	})
	return c, err
}

// ExpireTimedOut expire every pending request whose timeout is at or before the timestamp
func (b *brokerImpl) ExpireTimedOut(ctxt context.Context, now time.Time) ([]Commitment, error) {
	var expired []Commitment
	err := b.serialize(ctxt, "expire-requests", func() error {
		expired = b.state.commitments.Expired(now.Unix())
		for _, c := range expired {
			b.state.commitments.Remove(c.RequestID)
			if err := b.state.ledger.Release(c.SubscriptionID, c.EstimatedCost); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf("Unable to release earmark of %s", c)
			}
			if err := b.state.ledger.RecordCompleted(c.Client, c.SubscriptionID); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf("Unable to count expiry of %s", c)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range expired {
		b.emit(NewEvent(EventRequestTimedOut, c.SubscriptionID, c.RequestID, c))
	}
	return expired, nil
}

// ----------------------------------------------------------------------------------------
// Routes

// ProposeRoutes stage a batch of route changes
func (b *brokerImpl) ProposeRoutes(
	ctxt context.Context, caller Address, routeIDs []RouteID, endpoints []Endpoint,
) error {
	var staged []RouteProposal
	err := b.serialize(ctxt, "propose-routes", func() error {
		if err := b.state.routes.Propose(caller, routeIDs, endpoints); err != nil {
			return err
		}
		staged = b.state.routes.Proposals()
		return nil
	})
	if err != nil {
		return err
	}
	b.emit(NewEvent(EventRoutesProposed, 0, 0, RouteChangeData{Changes: staged}))
	return nil
}

// ApplyRoutes install the staged route changes
func (b *brokerImpl) ApplyRoutes(ctxt context.Context, caller Address) ([]RouteProposal, error) {
	var applied []RouteProposal
	err := b.serialize(ctxt, "apply-routes", func() error {
		var err error
		applied, err = b.state.routes.Apply(caller)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(applied) > 0 {
		b.emit(NewEvent(EventRoutesApplied, 0, 0, RouteChangeData{Changes: applied}))
	}
	return applied, nil
}

// ResolveRoute fetch the endpoint serving a route
func (b *brokerImpl) ResolveRoute(ctxt context.Context, routeID RouteID) (Endpoint, error) {
	var endpoint Endpoint
	err := b.serialize(ctxt, "resolve-route", func() error {
		var err error
		endpoint, err = b.state.routes.Resolve(routeID)
		return err
	})
	return endpoint, err
}

// GetRoutes fetch the route table and staged changes
func (b *brokerImpl) GetRoutes(ctxt context.Context) (RouteTableState, error) {
	var routes RouteTableState
	err := b.serialize(ctxt, "get-routes", func() error {
		routes = b.state.routes.Export()
		return nil
	})
	return routes, err
}

// GetFeePools fetch the settlement fee pools
func (b *brokerImpl) GetFeePools(ctxt context.Context) (FeePools, error) {
	var pools FeePools
	err := b.serialize(ctxt, "get-fee-pools", func() error {
		pools = b.state.pools.Copy()
		return nil
	})
	return pools, err
}

// ----------------------------------------------------------------------------------------
// State

// Snapshot export the complete broker state
func (b *brokerImpl) Snapshot(ctxt context.Context) (State, error) {
	var state State
	err := b.serialize(ctxt, "snapshot", func() error {
		state = b.state.export()
		return nil
	})
	return state, err
}

// Restore replace the broker state with previously exported content
func (b *brokerImpl) Restore(ctxt context.Context, state State) error {
	return b.serialize(ctxt, "restore", func() error {
		restored, err := newBrokerState(
			b.owner, b.config.MaxConsumersPerSubscription, b.config.MaxProposalBatch, &state,
		)
		if err != nil {
			return err
		}
		if restored.lastRequestID < b.state.lastRequestID {
			return fmt.Errorf(
				"%w: state last request ID %d is behind the live ID %d",
				ErrDuplicateRequestID, restored.lastRequestID, b.state.lastRequestID,
			)
		}
		// The router and fulfillment processor share this state instance
		*b.state = *restored
		log.WithFields(b.LogTags).Infof(
			"Restored state with %d subscriptions and %d pending requests",
			len(state.Ledger.Subscriptions), len(state.Commitments),
		)
		return nil
	})
}
