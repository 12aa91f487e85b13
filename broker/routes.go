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

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
)

// RouteTableState exported content of a RouteTable
type RouteTableState struct {
	// Routes are the active route mappings
	Routes map[RouteID]Endpoint `json:"routes"`
	// Proposals are the pending route changes
	Proposals []RouteProposal `json:"proposals"`
}

// RouteTable maps logical routes to worker pool endpoints, with a bounded two phase
// propose / apply update.
//
// The table is not safe for concurrent use.
type RouteTable interface {
	// Resolve fetch the endpoint currently serving a route
	Resolve(routeID RouteID) (Endpoint, error)
	// Propose replace the pending proposals with a new batch
	Propose(caller Address, routeIDs []RouteID, endpoints []Endpoint) error
	// Apply install every pending proposal and clear the buffer. Returns the applied changes.
	Apply(caller Address) ([]RouteProposal, error)
	// Routes fetch a copy of the active route mappings
	Routes() map[RouteID]Endpoint
	// Proposals fetch a copy of the pending proposals
	Proposals() []RouteProposal
	// Export export the table content
	Export() RouteTableState
}

// routeTableImpl implements RouteTable
type routeTableImpl struct {
	common.Component
	owner     Address
	maxBatch  int
	routes    map[RouteID]Endpoint
	proposals []RouteProposal
}

// NewRouteTable define a new route table administered by the owner
func NewRouteTable(owner Address, maxBatch int, state *RouteTableState) (RouteTable, error) {
	if owner == "" {
		return nil, fmt.Errorf("%w: route table requires an owner", ErrInvalidOwner)
	}
	if maxBatch < 1 {
		return nil, fmt.Errorf("max proposal batch %d is invalid", maxBatch)
	}
	instance := &routeTableImpl{
		Component: common.Component{
			LogTags: log.Fields{"module": "broker", "component": "route-table"},
		},
		owner:     owner,
		maxBatch:  maxBatch,
		routes:    make(map[RouteID]Endpoint),
		proposals: []RouteProposal{},
	}
	if state != nil {
		for id, endpoint := range state.Routes {
			instance.routes[id] = endpoint
		}
		if len(state.Proposals) > maxBatch {
			return nil, fmt.Errorf(
				"%w: %d stored proposals, limit %d", ErrBatchTooLarge, len(state.Proposals), maxBatch,
			)
		}
		instance.proposals = append(instance.proposals, state.Proposals...)
	}
	return instance, nil
}

// Resolve fetch the endpoint currently serving a route
func (t *routeTableImpl) Resolve(routeID RouteID) (Endpoint, error) {
	endpoint, ok := t.routes[routeID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRouteNotFound, routeID)
	}
	return endpoint, nil
}

// Propose replace the pending proposals with a new batch
func (t *routeTableImpl) Propose(caller Address, routeIDs []RouteID, endpoints []Endpoint) error {
	if caller != t.owner {
		return fmt.Errorf("%w: %s does not own the route table", ErrUnauthorized, caller)
	}
	if len(routeIDs) > t.maxBatch {
		return fmt.Errorf("%w: %d changes, limit %d", ErrBatchTooLarge, len(routeIDs), t.maxBatch)
	}
	if len(routeIDs) != len(endpoints) {
		return fmt.Errorf(
			"%w: %d routes but %d endpoints", ErrInvalidProposal, len(routeIDs), len(endpoints),
		)
	}
	batch := make([]RouteProposal, 0, len(routeIDs))
	for idx, routeID := range routeIDs {
		if routeID == "" || endpoints[idx] == "" {
			return fmt.Errorf("%w: entry %d is incomplete", ErrInvalidProposal, idx)
		}
		if current, ok := t.routes[routeID]; ok && current == endpoints[idx] {
			return fmt.Errorf(
				"%w: %s already served by %s", ErrInvalidProposal, routeID, endpoints[idx],
			)
		}
		batch = append(batch, RouteProposal{RouteID: routeID, Endpoint: endpoints[idx]})
	}
	t.proposals = batch
	log.WithFields(t.LogTags).Debugf("Staged %d route proposals", len(batch))
	return nil
}

// Apply install every pending proposal and clear the buffer
func (t *routeTableImpl) Apply(caller Address) ([]RouteProposal, error) {
	if caller != t.owner {
		return nil, fmt.Errorf("%w: %s does not own the route table", ErrUnauthorized, caller)
	}
	applied := t.proposals
	for _, change := range applied {
		t.routes[change.RouteID] = change.Endpoint
	}
	t.proposals = []RouteProposal{}
	if len(applied) > 0 {
		log.WithFields(t.LogTags).Infof("Applied %d route changes", len(applied))
	}
	return applied, nil
}

// Routes fetch a copy of the active route mappings
func (t *routeTableImpl) Routes() map[RouteID]Endpoint {
	result := make(map[RouteID]Endpoint, len(t.routes))
	for id, endpoint := range t.routes {
		result[id] = endpoint
	}
	return result
}

// Proposals fetch a copy of the pending proposals
func (t *routeTableImpl) Proposals() []RouteProposal {
	return append([]RouteProposal{}, t.proposals...)
}

// Export export the table content
func (t *routeTableImpl) Export() RouteTableState {
	return RouteTableState{Routes: t.Routes(), Proposals: t.Proposals()}
}
