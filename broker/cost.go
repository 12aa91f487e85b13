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

	"github.com/alwitt/reqbroker/common"
)

// CostQuote the terms of a request being priced
type CostQuote struct {
	SubscriptionID uint64
	Flags          uint64
	CallbackBudget uint32
	RouteID        RouteID
	Endpoint       Endpoint
}

// Cost settlement cost of a request, split by recipient
type Cost struct {
	// AdminFee is credited to the broker operator
	AdminFee uint64 `json:"admin_fee"`
	// WorkerFee is credited to the worker pool
	WorkerFee uint64 `json:"worker_fee"`
	// Execution is the callback execution charge, credited to the worker pool
	Execution uint64 `json:"execution"`
}

// Total the total cost
func (c Cost) Total() (uint64, error) {
	total := c.AdminFee
	for _, part := range []uint64{c.WorkerFee, c.Execution} {
		if total > math.MaxUint64-part {
			return 0, fmt.Errorf("%w: cost total", ErrBalanceOverflow)
		}
		total += part
	}
	return total, nil
}

// CostStrategy prices a request at admission time
type CostStrategy interface {
	// Quote compute the settlement cost of a request
	Quote(terms CostQuote) (Cost, error)
}

// FixedCostStrategy prices every request with fixed fees plus a per budget unit charge
type FixedCostStrategy struct {
	AdminFee  uint64
	WorkerFee uint64
	UnitPrice uint64
}

// NewFixedCostStrategy define a FixedCostStrategy from config
func NewFixedCostStrategy(config common.CostConfig) FixedCostStrategy {
	return FixedCostStrategy{
		AdminFee: config.AdminFee, WorkerFee: config.WorkerFee, UnitPrice: config.UnitPrice,
	}
}

// Quote compute the settlement cost of a request
func (s FixedCostStrategy) Quote(terms CostQuote) (Cost, error) {
	budget := uint64(terms.CallbackBudget)
	if budget != 0 && s.UnitPrice > math.MaxUint64/budget {
		return Cost{}, fmt.Errorf("%w: execution cost of budget %d", ErrBalanceOverflow, budget)
	}
	return Cost{AdminFee: s.AdminFee, WorkerFee: s.WorkerFee, Execution: budget * s.UnitPrice}, nil
}
