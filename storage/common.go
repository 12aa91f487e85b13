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
)

// ErrKeyNotFound the requested key is not in the store
var ErrKeyNotFound = errors.New("key not found")

// KeyValueStore a key-value store holding JSON serialized records
type KeyValueStore interface {
	// Set record a value under a key
	Set(ctxt context.Context, key string, value interface{}) error
	// Get read the value under a key into result
	Get(ctxt context.Context, key string, result interface{}) error
	// Delete remove a key
	Delete(ctxt context.Context, key string) error
	// Close release the store connection
	Close() error
}
