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

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		Owner:                       "admin",
		MaxConsumersPerSubscription: 4,
		MaxProposalBatch:            4,
		CallbackBudgetTiers:         []uint32{1000},
		RequestTimeout:              60,
		SweepInterval:               3600,
		EnforceEarmark:              true,
		CallbackBudgetUnit:          int64(time.Millisecond),
		TaskBuffer:                  4,
		Cost:                        common.CostConfig{AdminFee: 1, WorkerFee: 1},
	}
}

func TestSnapshotKeeper(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	mr := miniredis.RunT(t)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	store, err := GetRedisStore(utCtxt, common.RedisConfig{
		ServerAddress: mr.Addr(), SnapshotKey: "reqbroker.state", CheckpointInterval: 1,
	})
	assert.Nil(err)
	defer func() {
		assert.Nil(store.Close())
	}()

	_, err = DefineSnapshotKeeper(utCtxt, store, "")
	assert.NotNil(err)
	uut, err := DefineSnapshotKeeper(utCtxt, store, "reqbroker.state")
	assert.Nil(err)

	// Case 0: nothing stored yet
	{
		state, err := uut.Recover(utCtxt)
		assert.Nil(err)
		assert.Nil(state)
		assert.NotNil(uut.Checkpoint(utCtxt))
	}

	// Build up some broker state
	first, err := broker.DefineBroker(
		utCtxt, testBrokerConfig(), nil, broker.NewHandlerRegistry(), nil, nil,
	)
	assert.Nil(err)
	assert.Nil(first.Start(&wg))
	sub, err := first.CreateSubscription(utCtxt, "owner")
	assert.Nil(err)
	_, err = first.FundSubscription(utCtxt, "owner", sub.ID, 10)
	assert.Nil(err)
	assert.Nil(first.AddConsumer(utCtxt, "owner", sub.ID, "consumer"))
	assert.Nil(first.ProposeRoutes(utCtxt, "admin", []broker.RouteID{"r1"}, []broker.Endpoint{"worker-1"}))
	_, err = first.ApplyRoutes(utCtxt, "admin")
	assert.Nil(err)
	receipt, err := first.SubmitRequest(utCtxt, "consumer", broker.SubmitParams{
		SubscriptionID: sub.ID, Payload: []byte("foo"), CallbackBudget: 100, RouteID: "r1",
	})
	assert.Nil(err)
	uut.AttachSource(first)

	// Case 1: checkpoint and recover
	{
		assert.Nil(uut.Checkpoint(utCtxt))
		recovered, err := uut.Recover(utCtxt)
		assert.Nil(err)
		assert.NotNil(recovered)
		assert.Equal(uint64(1), recovered.LastRequestID)
		assert.Len(recovered.Commitments, 1)
		assert.Equal(receipt.Commitment, recovered.Commitments[0].Commitment)
		assert.Equal(receipt.Digest, recovered.Commitments[0].Digest)
	}
	assert.Nil(first.Stop())

	// Case 2: a new broker resumes from the recovered state
	{
		recovered, err := uut.Recover(utCtxt)
		assert.Nil(err)
		second, err := broker.DefineBroker(
			utCtxt, testBrokerConfig(), nil, broker.NewHandlerRegistry(), nil, recovered,
		)
		assert.Nil(err)
		assert.Nil(second.Start(&wg))
		defer func() {
			assert.Nil(second.Stop())
		}()
		s, err := second.GetSubscription(utCtxt, sub.ID)
		assert.Nil(err)
		assert.Equal(uint64(10), s.Balance)
		assert.Equal(uint64(2), s.BlockedBalance)
		report, err := second.FulfillRequest(
			utCtxt, "worker-1", receipt.Commitment, []byte("WHITE"), nil,
		)
		assert.Nil(err)
		assert.Equal(broker.OutcomeUserCallbackError, report.Outcome)
		next, err := second.SubmitRequest(utCtxt, "consumer", broker.SubmitParams{
			SubscriptionID: sub.ID, Payload: []byte("bar"), CallbackBudget: 100, RouteID: "r1",
		})
		assert.Nil(err)
		assert.Equal(uint64(2), next.Commitment.RequestID)

		// Case 3: periodic checkpoints capture the new state
		uut.AttachSource(second)
		assert.Nil(uut.StartCheckpointing(time.Millisecond*20, &wg))
		assert.NotNil(uut.StartCheckpointing(time.Millisecond*20, &wg))
		assert.Eventually(func() bool {
			latest, err := uut.Recover(utCtxt)
			return err == nil && latest != nil && latest.LastRequestID == 2
		}, time.Second*2, time.Millisecond*20)
		assert.Nil(uut.Stop())
	}

	// Case 4: stored snapshot is corrupt
	{
		assert.Nil(mr.Set("reqbroker.corrupt", "{not json"))
		corrupt, err := DefineSnapshotKeeper(utCtxt, store, "reqbroker.corrupt")
		assert.Nil(err)
		_, err = corrupt.Recover(utCtxt)
		assert.NotNil(err)
	}
}
