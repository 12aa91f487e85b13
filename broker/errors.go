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
	"errors"
	"fmt"
)

// Broker operation errors
var (
	// Validation errors
	ErrUnknownSubscription   = errors.New("broker: unknown subscription")
	ErrUnauthorized          = errors.New("broker: caller is not authorized")
	ErrNotProposedOwner      = errors.New("broker: caller is not the proposed owner")
	ErrInvalidOwner          = errors.New("broker: invalid owner")
	ErrInvalidConsumer       = errors.New("broker: invalid consumer")
	ErrConsumerNotAuthorized = errors.New("broker: consumer not authorized")
	ErrBudgetExceeded        = errors.New("broker: callback budget exceeds tier limit")
	ErrInvalidTierSelector   = errors.New("broker: invalid tier selector")
	ErrEmptyPayload          = errors.New("broker: empty payload")
	ErrRouteNotFound         = errors.New("broker: route not found")
	ErrInvalidProposal       = errors.New("broker: invalid route proposal")
	ErrInsufficientBalance   = errors.New("broker: insufficient balance")
	ErrPendingRequestExists  = errors.New("broker: subscription has pending requests")
	ErrBalanceOverflow       = errors.New("broker: balance overflow")

	// Consistency errors
	ErrDuplicateRequestID = errors.New("broker: duplicate request ID")
	ErrUnknownRequestID   = errors.New("broker: unknown request ID")
	ErrInvalidCommitment  = errors.New("broker: commitment mismatch")

	// Capacity errors
	ErrCapacityExceeded = errors.New("broker: consumer capacity exceeded")
	ErrBatchTooLarge    = fmt.Errorf("%w: batch too large", ErrInvalidProposal)
)

// IsValidationError whether the error is a rejected input the caller can correct
func IsValidationError(err error) bool {
	return errors.Is(err, ErrUnknownSubscription) ||
		errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotProposedOwner) ||
		errors.Is(err, ErrInvalidOwner) ||
		errors.Is(err, ErrInvalidConsumer) ||
		errors.Is(err, ErrConsumerNotAuthorized) ||
		errors.Is(err, ErrBudgetExceeded) ||
		errors.Is(err, ErrInvalidTierSelector) ||
		errors.Is(err, ErrEmptyPayload) ||
		errors.Is(err, ErrRouteNotFound) ||
		errors.Is(err, ErrInvalidProposal) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrPendingRequestExists) ||
		errors.Is(err, ErrBalanceOverflow)
}

// IsConsistencyError whether the error indicates tampering or a stale / replayed call
func IsConsistencyError(err error) bool {
	return errors.Is(err, ErrDuplicateRequestID) ||
		errors.Is(err, ErrUnknownRequestID) ||
		errors.Is(err, ErrInvalidCommitment)
}

// IsCapacityError whether the error is a capacity limit the caller must split work around
func IsCapacityError(err error) bool {
	return errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrBatchTooLarge)
}

// IsNotFound whether the error names something which does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUnknownSubscription) ||
		errors.Is(err, ErrRouteNotFound) ||
		errors.Is(err, ErrUnknownRequestID)
}

// IsAuthError whether the error is an authorization failure
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthorized) ||
		errors.Is(err, ErrNotProposedOwner) ||
		errors.Is(err, ErrConsumerNotAuthorized)
}
