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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alwitt/reqbroker/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// redisStore KeyValueStore backed by Redis
type redisStore struct {
	common.Component
	client *redis.Client
}

// GetRedisStore connect to Redis and define a KeyValueStore on it
func GetRedisStore(ctxt context.Context, config common.RedisConfig) (KeyValueStore, error) {
	logTags := log.Fields{
		"module": "storage", "component": "redis", "instance": config.ServerAddress,
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.ServerAddress,
		Password: config.Password,
		DB:       config.DB,
	})
	pingCtxt, cancel := context.WithTimeout(ctxt, time.Second*2)
	defer cancel()
	if err := client.Ping(pingCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to reach Redis")
		_ = client.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Connected with Redis")
	return &redisStore{Component: common.Component{LogTags: logTags}, client: client}, nil
}

// Set record a value under a key
func (s *redisStore) Set(ctxt context.Context, key string, value interface{}) error {
	serialized, err := json.Marshal(value)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to serialize value for %s", key)
		return err
	}
	if err := s.client.Set(ctxt, key, serialized, 0).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to WRITE %s", key)
		return err
	}
	log.WithFields(s.LogTags).Debugf("WRITE %s (%d bytes)", key, len(serialized))
	return nil
}

// Get read the value under a key into result
func (s *redisStore) Get(ctxt context.Context, key string, result interface{}) error {
	stored, err := s.client.Get(ctxt, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
		}
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to READ %s", key)
		return err
	}
	if err := json.Unmarshal(stored, result); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to parse value of %s", key)
		return err
	}
	return nil
}

// Delete remove a key
func (s *redisStore) Delete(ctxt context.Context, key string) error {
	if err := s.client.Del(ctxt, key).Err(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to DELETE %s", key)
		return err
	}
	return nil
}

// Close release the store connection
func (s *redisStore) Close() error {
	return s.client.Close()
}
