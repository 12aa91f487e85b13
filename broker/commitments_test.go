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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommitmentStore(t *testing.T) {
	assert := assert.New(t)

	uut, err := NewCommitmentStore(nil)
	assert.Nil(err)

	c1 := Commitment{
		RequestID:      1,
		SubscriptionID: 1,
		Client:         "consumer",
		CallbackBudget: 1000,
		RouteID:        "r1",
		Endpoint:       "e1",
		EstimatedCost:  5,
		TimeoutAt:      100,
	}
	c2 := c1
	c2.RequestID = 2
	c2.TimeoutAt = 200

	// Case 0: nothing stored
	{
		result, err := uut.Verify(c1)
		assert.Nil(err)
		assert.Equal(VerifyMissing, result)
		assert.False(uut.Remove(1))
	}

	// Case 1: store
	{
		digest, err := uut.Put(c1)
		assert.Nil(err)
		expected, err := HashOf(c1)
		assert.Nil(err)
		assert.Equal(expected, digest)
		stored, ok := uut.Digest(1)
		assert.True(ok)
		assert.Equal(expected, stored)
		_, err = uut.Put(c1)
		assert.True(errors.Is(err, ErrDuplicateRequestID))
		assert.True(IsConsistencyError(err))
		_, err = uut.Put(c2)
		assert.Nil(err)
	}

	// Case 2: verify
	{
		result, err := uut.Verify(c1)
		assert.Nil(err)
		assert.Equal(VerifyMatch, result)
		altered := c1
		altered.Client = "forger"
		result, err = uut.Verify(altered)
		assert.Nil(err)
		assert.Equal(VerifyMismatch, result)
	}

	// Case 3: expiry
	{
		assert.Empty(uut.Expired(99))
		assert.Equal([]Commitment{c1}, uut.Expired(100))
		assert.Equal([]Commitment{c1, c2}, uut.Expired(500))
		assert.Equal([]Commitment{c1, c2}, uut.Pending())
	}

	// Case 4: export and rebuild
	{
		exported := uut.Export()
		rebuilt, err := NewCommitmentStore(exported)
		assert.Nil(err)
		assert.Equal(exported, rebuilt.Export())
		exported[0].Digest = "00"
		_, err = NewCommitmentStore(exported)
		assert.True(errors.Is(err, ErrInvalidCommitment))
	}

	// Case 5: remove
	{
		assert.True(uut.Remove(1))
		assert.False(uut.Remove(1))
		_, ok := uut.Get(1)
		assert.False(ok)
		_, ok = uut.Digest(1)
		assert.False(ok)
	}
}

func TestCommitmentDigestCoversEveryField(t *testing.T) {
	assert := assert.New(t)

	base := Commitment{
		RequestID:      7,
		SubscriptionID: 3,
		Client:         "consumer",
		CallbackBudget: 1000,
		RouteID:        "r1",
		Endpoint:       "e1",
		AdminFee:       1,
		WorkerFee:      2,
		EstimatedCost:  5,
		TimeoutAt:      100,
	}
	baseDigest, err := HashOf(base)
	assert.Nil(err)

	alterations := map[string]func(c *Commitment){
		"request_id":      func(c *Commitment) { c.RequestID++ },
		"subscription_id": func(c *Commitment) { c.SubscriptionID++ },
		"client":          func(c *Commitment) { c.Client = "other" },
		"callback_budget": func(c *Commitment) { c.CallbackBudget++ },
		"route_id":        func(c *Commitment) { c.RouteID = "r2" },
		"endpoint":        func(c *Commitment) { c.Endpoint = "e2" },
		"admin_fee":       func(c *Commitment) { c.AdminFee++ },
		"worker_fee":      func(c *Commitment) { c.WorkerFee++ },
		"estimated_cost":  func(c *Commitment) { c.EstimatedCost++ },
		"timeout_at":      func(c *Commitment) { c.TimeoutAt++ },
	}
	for field, alter := range alterations {
		altered := base
		alter(&altered)
		digest, err := HashOf(altered)
		assert.Nil(err)
		assert.NotEqual(baseDigest, digest, field)
	}

	again, err := HashOf(base)
	assert.Nil(err)
	assert.Equal(baseDigest, again)
}
