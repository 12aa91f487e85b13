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
)

// State complete exported broker state
type State struct {
	// LastRequestID is the last request ID assigned
	LastRequestID uint64 `json:"last_request_id"`
	// Ledger is the account ledger content
	Ledger LedgerState `json:"ledger"`
	// Routes is the route table content
	Routes RouteTableState `json:"routes"`
	// Commitments are the pending commitments and their digests
	Commitments []StoredCommitment `json:"commitments"`
	// Pools are the settlement fee pools
	Pools FeePools `json:"pools"`
}

// brokerState the ledger, route table, commitment store and fee pools owned by one broker
type brokerState struct {
	ledger        AccountLedger
	routes        RouteTable
	commitments   CommitmentStore
	pools         FeePools
	lastRequestID uint64
}

// newBrokerState define broker state, optionally from previously exported content
func newBrokerState(
	owner Address, maxConsumers, maxBatch int, restore *State,
) (*brokerState, error) {
	if restore == nil {
		restore = &State{}
	}
	ledger, err := NewAccountLedgerFromState(maxConsumers, restore.Ledger)
	if err != nil {
		return nil, err
	}
	routes, err := NewRouteTable(owner, maxBatch, &restore.Routes)
	if err != nil {
		return nil, err
	}
	commitments, err := NewCommitmentStore(restore.Commitments)
	if err != nil {
		return nil, err
	}
	for _, entry := range restore.Commitments {
		if entry.Commitment.RequestID > restore.LastRequestID {
			return nil, fmt.Errorf(
				"%w: pending request %d is beyond last assigned ID %d",
				ErrDuplicateRequestID, entry.Commitment.RequestID, restore.LastRequestID,
			)
		}
	}
	pools := restore.Pools.Copy()
	return &brokerState{
		ledger:        ledger,
		routes:        routes,
		commitments:   commitments,
		pools:         pools,
		lastRequestID: restore.LastRequestID,
	}, nil
}

// export export the broker state
func (s *brokerState) export() State {
	return State{
		LastRequestID: s.lastRequestID,
		Ledger:        s.ledger.Export(),
		Routes:        s.routes.Export(),
		Commitments:   s.commitments.Export(),
		Pools:         s.pools.Copy(),
	}
}

// creditPools credit the settlement of a commitment to the fee pools
func (s *brokerState) creditPools(c Commitment) {
	s.pools.Operator += c.AdminFee
	s.pools.Workers[c.Endpoint] += c.EstimatedCost - c.AdminFee
}
