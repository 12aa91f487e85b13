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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/reqbroker/broker"
	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
)

// SnapshotSource produces broker state snapshots
type SnapshotSource interface {
	// Snapshot export the complete broker state
	Snapshot(ctxt context.Context) (broker.State, error)
}

// SnapshotRecord a stored broker state snapshot
type SnapshotRecord struct {
	// SavedAt is when the snapshot was taken
	SavedAt time.Time `json:"saved_at"`
	// State is the broker state
	State broker.State `json:"state"`
}

// SnapshotKeeper checkpoints broker state into a KeyValueStore, and recovers it on start
type SnapshotKeeper interface {
	// AttachSource set the broker whose state is checkpointed
	AttachSource(source SnapshotSource)
	// Recover fetch the last checkpointed broker state. Returns nil if none was stored.
	Recover(ctxt context.Context) (*broker.State, error)
	// Checkpoint store the current broker state
	Checkpoint(ctxt context.Context) error
	// StartCheckpointing checkpoint the broker state periodically
	StartCheckpointing(interval time.Duration, wg *sync.WaitGroup) error
	// Stop stop the periodic checkpoints
	Stop() error
}

// snapshotKeeperImpl implements SnapshotKeeper
type snapshotKeeperImpl struct {
	common.Component
	store    KeyValueStore
	key      string
	source   SnapshotSource
	timer    common.IntervalTimer
	rootCtxt context.Context
	lock     sync.Mutex
}

// DefineSnapshotKeeper define a new SnapshotKeeper
//
// The source may be attached later with AttachSource, as the broker is normally defined
// from the recovered state.
func DefineSnapshotKeeper(
	ctxt context.Context, store KeyValueStore, key string,
) (SnapshotKeeper, error) {
	logTags := log.Fields{"module": "storage", "component": "snapshot-keeper", "key": key}
	if key == "" {
		return nil, fmt.Errorf("snapshot key is empty")
	}
	return &snapshotKeeperImpl{
		Component: common.Component{LogTags: logTags},
		store:     store,
		key:       key,
		rootCtxt:  ctxt,
	}, nil
}

// AttachSource set the broker whose state is checkpointed
func (k *snapshotKeeperImpl) AttachSource(source SnapshotSource) {
	k.lock.Lock()
	defer k.lock.Unlock()
	k.source = source
}

// Recover fetch the last checkpointed broker state
func (k *snapshotKeeperImpl) Recover(ctxt context.Context) (*broker.State, error) {
	var record SnapshotRecord
	if err := k.store.Get(ctxt, k.key, &record); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			log.WithFields(k.LogTags).Info("No stored broker state")
			return nil, nil
		}
		log.WithError(err).WithFields(k.LogTags).Error("Unable to read stored broker state")
		return nil, err
	}
	log.WithFields(k.LogTags).Infof(
		"Recovered broker state saved at %s with %d pending requests",
		record.SavedAt.Format(time.RFC3339), len(record.State.Commitments),
	)
	return &record.State, nil
}

// Checkpoint store the current broker state
func (k *snapshotKeeperImpl) Checkpoint(ctxt context.Context) error {
	k.lock.Lock()
	source := k.source
	k.lock.Unlock()
	if source == nil {
		return fmt.Errorf("no snapshot source attached")
	}
	state, err := source.Snapshot(ctxt)
	if err != nil {
		log.WithError(err).WithFields(k.LogTags).Error("Unable to snapshot broker state")
		return err
	}
	record := SnapshotRecord{SavedAt: time.Now().UTC(), State: state}
	if err := k.store.Set(ctxt, k.key, &record); err != nil {
		log.WithError(err).WithFields(k.LogTags).Error("Unable to store broker state")
		return err
	}
	log.WithFields(k.LogTags).Debugf("Checkpointed broker state at request %d", state.LastRequestID)
	return nil
}

// StartCheckpointing checkpoint the broker state periodically
func (k *snapshotKeeperImpl) StartCheckpointing(interval time.Duration, wg *sync.WaitGroup) error {
	k.lock.Lock()
	defer k.lock.Unlock()
	if k.timer != nil {
		return fmt.Errorf("checkpointing already started")
	}
	timer, err := common.GetIntervalTimerInstance("checkpoint", k.rootCtxt, wg)
	if err != nil {
		return err
	}
	if err := timer.Start(interval, func() error {
		useContext, cancel := context.WithTimeout(k.rootCtxt, interval)
		defer cancel()
		return k.Checkpoint(useContext)
	}, false); err != nil {
		log.WithError(err).WithFields(k.LogTags).Error("Unable to start checkpointing")
		return err
	}
	k.timer = timer
	return nil
}

// Stop stop the periodic checkpoints
func (k *snapshotKeeperImpl) Stop() error {
	k.lock.Lock()
	defer k.lock.Unlock()
	if k.timer == nil {
		return nil
	}
	return k.timer.Stop()
}
