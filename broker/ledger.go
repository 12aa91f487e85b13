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
	"sort"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
)

// LedgerState exported content of an AccountLedger
type LedgerState struct {
	// LastSubscriptionID is the last subscription ID assigned
	LastSubscriptionID uint64 `json:"last_subscription_id"`
	// Subscriptions are the active subscriptions
	Subscriptions []Subscription `json:"subscriptions"`
	// Consumers are the consumer authorization records
	Consumers []ConsumerRecord `json:"consumers"`
}

// AccountLedger owns the subscription and consumer records
//
// The ledger is not safe for concurrent use. It is owned by one broker, which
// serializes access to it.
type AccountLedger interface {
	// Create define a new subscription owned by the owner
	Create(owner Address) (Subscription, error)
	// Fund increase the balance of a subscription. Any caller may fund any subscription.
	Fund(subID uint64, amount uint64) (Subscription, error)
	// AddConsumer authorize a consumer against a subscription. Returns whether the
	// authorized set changed.
	AddConsumer(caller Address, subID uint64, consumer Address) (bool, error)
	// RemoveConsumer remove a consumer from a subscription. Returns whether the
	// authorized set changed.
	RemoveConsumer(caller Address, subID uint64, consumer Address) (bool, error)
	// ProposeOwner begin a two step ownership transfer
	ProposeOwner(caller Address, subID uint64, newOwner Address) error
	// AcceptOwnership complete a two step ownership transfer
	AcceptOwnership(caller Address, subID uint64) (Subscription, error)
	// Cancel remove a subscription and all its consumer authorizations. Returns the
	// removed subscription, whose balance is the residual to refund.
	Cancel(caller Address, subID uint64) (Subscription, error)
	// SetFlags change the policy flags of a subscription
	SetFlags(subID uint64, flags uint64) (Subscription, error)

	// Subscription fetch a copy of a subscription
	Subscription(subID uint64) (Subscription, error)
	// Consumer fetch the authorization record of a consumer against a subscription
	Consumer(consumer Address, subID uint64) (ConsumerRecord, bool)
	// HasPendingRequests whether any consumer of the subscription has requests in flight
	HasPendingRequests(subID uint64) bool

	// Earmark block part of the balance against a pending request
	Earmark(subID uint64, amount uint64) error
	// Release release a previous earmark
	Release(subID uint64, amount uint64) error
	// Debit remove funds from a subscription
	Debit(subID uint64, amount uint64) error
	// RecordInitiated count a request admitted for the consumer
	RecordInitiated(consumer Address, subID uint64) error
	// RecordCompleted count a request settled or expired for the consumer
	RecordCompleted(consumer Address, subID uint64) error

	// Export export the ledger content
	Export() LedgerState
}

// accountLedgerImpl implements AccountLedger
type accountLedgerImpl struct {
	common.Component
	maxConsumers  int
	lastSubID     uint64
	subscriptions map[uint64]*Subscription
	consumers     map[consumerKey]*ConsumerRecord
}

// NewAccountLedger define a new empty account ledger
func NewAccountLedger(maxConsumers int) (AccountLedger, error) {
	return NewAccountLedgerFromState(maxConsumers, LedgerState{})
}

// NewAccountLedgerFromState define an account ledger holding previously exported content
func NewAccountLedgerFromState(maxConsumers int, state LedgerState) (AccountLedger, error) {
	if maxConsumers < 1 {
		return nil, fmt.Errorf("max consumers per subscription %d is invalid", maxConsumers)
	}
	instance := &accountLedgerImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "account-ledger"},
		},
		maxConsumers:  maxConsumers,
		lastSubID:     state.LastSubscriptionID,
		subscriptions: make(map[uint64]*Subscription),
		consumers:     make(map[consumerKey]*ConsumerRecord),
	}
	for _, sub := range state.Subscriptions {
		if sub.ID == 0 || sub.ID > state.LastSubscriptionID {
			return nil, fmt.Errorf("subscription ID %d is outside assigned range", sub.ID)
		}
		if _, ok := instance.subscriptions[sub.ID]; ok {
			return nil, fmt.Errorf("subscription ID %d repeated", sub.ID)
		}
		entry := sub.Copy()
		instance.subscriptions[sub.ID] = &entry
	}
	for _, rec := range state.Consumers {
		if _, ok := instance.subscriptions[rec.SubscriptionID]; !ok {
			return nil, fmt.Errorf(
				"consumer %s references unknown subscription %d", rec.Consumer, rec.SubscriptionID,
			)
		}
		entry := rec
		instance.consumers[consumerKey{Consumer: rec.Consumer, SubscriptionID: rec.SubscriptionID}] = &entry
	}
	return instance, nil
}

// addMember add an element to a membership set. Returns whether the set changed.
func addMember(set []Address, element Address) ([]Address, bool) {
	for _, member := range set {
		if member == element {
			return set, false
		}
	}
	return append(set, element), true
}

// removeMember remove an element from a membership set by swapping with the last
// member. Returns whether the set changed.
func removeMember(set []Address, element Address) ([]Address, bool) {
	for idx, member := range set {
		if member == element {
			last := len(set) - 1
			set[idx] = set[last]
			return set[:last], true
		}
	}
	return set, false
}

func (l *accountLedgerImpl) get(subID uint64) (*Subscription, error) {
	sub, ok := l.subscriptions[subID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSubscription, subID)
	}
	return sub, nil
}

func (l *accountLedgerImpl) getOwned(caller Address, subID uint64) (*Subscription, error) {
	sub, err := l.get(subID)
	if err != nil {
		return nil, err
	}
	if sub.Owner != caller {
		return nil, fmt.Errorf("%w: %s does not own subscription %d", ErrUnauthorized, caller, subID)
	}
	return sub, nil
}

// Create define a new subscription owned by the owner
func (l *accountLedgerImpl) Create(owner Address) (Subscription, error) {
	if owner == "" {
		return Subscription{}, fmt.Errorf("%w: empty owner", ErrInvalidOwner)
	}
	l.lastSubID++
	sub := &Subscription{ID: l.lastSubID, Owner: owner, Consumers: []Address{}}
	l.subscriptions[sub.ID] = sub
	log.WithFields(l.LogTags).Debugf("Created subscription %d for %s", sub.ID, owner)
	return sub.Copy(), nil
}

// Fund increase the balance of a subscription
func (l *accountLedgerImpl) Fund(subID uint64, amount uint64) (Subscription, error) {
	sub, err := l.get(subID)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Balance > math.MaxUint64-amount {
		return Subscription{}, fmt.Errorf(
			"%w: funding subscription %d with %d", ErrBalanceOverflow, subID, amount,
		)
	}
	sub.Balance += amount
	return sub.Copy(), nil
}

// AddConsumer authorize a consumer against a subscription
func (l *accountLedgerImpl) AddConsumer(caller Address, subID uint64, consumer Address) (bool, error) {
	sub, err := l.getOwned(caller, subID)
	if err != nil {
		return false, err
	}
	if consumer == "" {
		return false, fmt.Errorf("%w: empty consumer", ErrInvalidConsumer)
	}
	key := consumerKey{Consumer: consumer, SubscriptionID: subID}
	if rec, ok := l.consumers[key]; ok && rec.Allowed {
		return false, nil
	}
	if len(sub.Consumers) >= l.maxConsumers {
		return false, fmt.Errorf(
			"%w: subscription %d already has %d consumers", ErrCapacityExceeded, subID, len(sub.Consumers),
		)
	}
	updated, changed := addMember(sub.Consumers, consumer)
	sub.Consumers = updated
	if rec, ok := l.consumers[key]; ok {
		rec.Allowed = true
	} else {
		l.consumers[key] = &ConsumerRecord{Consumer: consumer, SubscriptionID: subID, Allowed: true}
	}
	return changed, nil
}

// RemoveConsumer remove a consumer from a subscription
func (l *accountLedgerImpl) RemoveConsumer(caller Address, subID uint64, consumer Address) (bool, error) {
	sub, err := l.getOwned(caller, subID)
	if err != nil {
		return false, err
	}
	key := consumerKey{Consumer: consumer, SubscriptionID: subID}
	if _, ok := l.consumers[key]; !ok {
		return false, nil
	}
	if l.HasPendingRequests(subID) {
		return false, fmt.Errorf("%w: subscription %d", ErrPendingRequestExists, subID)
	}
	updated, changed := removeMember(sub.Consumers, consumer)
	sub.Consumers = updated
	delete(l.consumers, key)
	return changed, nil
}

// ProposeOwner begin a two step ownership transfer
func (l *accountLedgerImpl) ProposeOwner(caller Address, subID uint64, newOwner Address) error {
	sub, err := l.getOwned(caller, subID)
	if err != nil {
		return err
	}
	if newOwner == "" || newOwner == sub.Owner {
		return fmt.Errorf("%w: %q can not be proposed for subscription %d", ErrInvalidOwner, newOwner, subID)
	}
	sub.ProposedOwner = newOwner
	return nil
}

// AcceptOwnership complete a two step ownership transfer
func (l *accountLedgerImpl) AcceptOwnership(caller Address, subID uint64) (Subscription, error) {
	sub, err := l.get(subID)
	if err != nil {
		return Subscription{}, err
	}
	if sub.ProposedOwner == "" || sub.ProposedOwner != caller {
		return Subscription{}, fmt.Errorf(
			"%w: %s for subscription %d", ErrNotProposedOwner, caller, subID,
		)
	}
	sub.Owner = caller
	sub.ProposedOwner = ""
	return sub.Copy(), nil
}

// Cancel remove a subscription and all its consumer authorizations
func (l *accountLedgerImpl) Cancel(caller Address, subID uint64) (Subscription, error) {
	sub, err := l.getOwned(caller, subID)
	if err != nil {
		return Subscription{}, err
	}
	if l.HasPendingRequests(subID) {
		return Subscription{}, fmt.Errorf("%w: subscription %d", ErrPendingRequestExists, subID)
	}
	for _, consumer := range sub.Consumers {
		delete(l.consumers, consumerKey{Consumer: consumer, SubscriptionID: subID})
	}
	delete(l.subscriptions, subID)
	log.WithFields(l.LogTags).Debugf("Canceled subscription %d", subID)
	return sub.Copy(), nil
}

// SetFlags change the policy flags of a subscription
func (l *accountLedgerImpl) SetFlags(subID uint64, flags uint64) (Subscription, error) {
	sub, err := l.get(subID)
	if err != nil {
		return Subscription{}, err
	}
	sub.Flags = flags
	return sub.Copy(), nil
}

// Subscription fetch a copy of a subscription
func (l *accountLedgerImpl) Subscription(subID uint64) (Subscription, error) {
	sub, err := l.get(subID)
	if err != nil {
		return Subscription{}, err
	}
	return sub.Copy(), nil
}

// Consumer fetch the authorization record of a consumer against a subscription
func (l *accountLedgerImpl) Consumer(consumer Address, subID uint64) (ConsumerRecord, bool) {
	rec, ok := l.consumers[consumerKey{Consumer: consumer, SubscriptionID: subID}]
	if !ok {
		return ConsumerRecord{}, false
	}
	return *rec, true
}

// HasPendingRequests whether any consumer of the subscription has requests in flight
func (l *accountLedgerImpl) HasPendingRequests(subID uint64) bool {
	sub, ok := l.subscriptions[subID]
	if !ok {
		return false
	}
	for _, consumer := range sub.Consumers {
		if rec, ok := l.consumers[consumerKey{Consumer: consumer, SubscriptionID: subID}]; ok {
			if rec.Pending() {
				return true
			}
		}
	}
	return false
}

// Earmark block part of the balance against a pending request
func (l *accountLedgerImpl) Earmark(subID uint64, amount uint64) error {
	sub, err := l.get(subID)
	if err != nil {
		return err
	}
	if sub.BlockedBalance > math.MaxUint64-amount {
		return fmt.Errorf("%w: earmarking %d on subscription %d", ErrBalanceOverflow, amount, subID)
	}
	sub.BlockedBalance += amount
	return nil
}

// Release release a previous earmark
func (l *accountLedgerImpl) Release(subID uint64, amount uint64) error {
	sub, err := l.get(subID)
	if err != nil {
		return err
	}
	if amount > sub.BlockedBalance {
		log.WithFields(l.LogTags).Warnf(
			"Releasing %d exceeds blocked balance %d of subscription %d",
			amount, sub.BlockedBalance, subID,
		)
		sub.BlockedBalance = 0
		return nil
	}
	sub.BlockedBalance -= amount
	return nil
}

// Debit remove funds from a subscription
func (l *accountLedgerImpl) Debit(subID uint64, amount uint64) error {
	sub, err := l.get(subID)
	if err != nil {
		return err
	}
	if amount > sub.Balance {
		return fmt.Errorf(
			"%w: subscription %d holds %d, needs %d", ErrInsufficientBalance, subID, sub.Balance, amount,
		)
	}
	sub.Balance -= amount
	return nil
}

func (l *accountLedgerImpl) record(consumer Address, subID uint64) (*ConsumerRecord, error) {
	rec, ok := l.consumers[consumerKey{Consumer: consumer, SubscriptionID: subID}]
	if !ok {
		return nil, fmt.Errorf(
			"%w: %s on subscription %d", ErrConsumerNotAuthorized, consumer, subID,
		)
	}
	return rec, nil
}

// RecordInitiated count a request admitted for the consumer
func (l *accountLedgerImpl) RecordInitiated(consumer Address, subID uint64) error {
	rec, err := l.record(consumer, subID)
	if err != nil {
		return err
	}
	rec.InitiatedRequests++
	return nil
}

// RecordCompleted count a request settled or expired for the consumer
func (l *accountLedgerImpl) RecordCompleted(consumer Address, subID uint64) error {
	rec, err := l.record(consumer, subID)
	if err != nil {
		return err
	}
	rec.CompletedRequests++
	return nil
}

// Export export the ledger content
func (l *accountLedgerImpl) Export() LedgerState {
	state := LedgerState{
		LastSubscriptionID: l.lastSubID,
		Subscriptions:      make([]Subscription, 0, len(l.subscriptions)),
		Consumers:          make([]ConsumerRecord, 0, len(l.consumers)),
	}
	for _, sub := range l.subscriptions {
		state.Subscriptions = append(state.Subscriptions, sub.Copy())
	}
	for _, rec := range l.consumers {
		state.Consumers = append(state.Consumers, *rec)
	}
	sort.Slice(state.Subscriptions, func(i, j int) bool {
		return state.Subscriptions[i].ID < state.Subscriptions[j].ID
	})
	sort.Slice(state.Consumers, func(i, j int) bool {
		if state.Consumers[i].SubscriptionID != state.Consumers[j].SubscriptionID {
			return state.Consumers[i].SubscriptionID < state.Consumers[j].SubscriptionID
		}
		return state.Consumers[i].Consumer < state.Consumers[j].Consumer
	})
	return state
}
