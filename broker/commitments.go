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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// VerifyResult result of authenticating a presented commitment
type VerifyResult int

// Commitment verification results
const (
	VerifyMissing VerifyResult = iota
	VerifyMismatch
	VerifyMatch
)

// StoredCommitment a commitment along with the digest computed when it was stored
type StoredCommitment struct {
	Commitment Commitment `json:"commitment"`
	Digest     string     `json:"digest"`
}

// HashOf compute the digest of a commitment record
//
// The digest is the hex encoded SHA-256 of the record's JSON encoding. The encoding
// follows struct field order, so equal records always produce equal digests.
func HashOf(c Commitment) (string, error) {
	encoded, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(encoded)
	return hex.EncodeToString(digest[:]), nil
}

// CommitmentStore keyed storage of in-flight request commitments and their digests
//
// The store is not safe for concurrent use.
type CommitmentStore interface {
	// Put store a commitment along with its digest
	Put(c Commitment) (string, error)
	// Get fetch a stored commitment
	Get(requestID uint64) (Commitment, bool)
	// Digest fetch the digest stored for a request
	Digest(requestID uint64) (string, bool)
	// Remove delete a commitment. Removing an absent ID is a no-op.
	Remove(requestID uint64) bool
	// Verify authenticate a presented commitment against the stored digest
	Verify(presented Commitment) (VerifyResult, error)
	// Expired list the commitments whose timeout is at or before the timestamp
	Expired(now int64) []Commitment
	// Pending list every stored commitment ordered by request ID
	Pending() []Commitment
	// Export export the store content
	Export() []StoredCommitment
}

// commitmentStoreImpl implements CommitmentStore
type commitmentStoreImpl struct {
	records map[uint64]Commitment
	digests map[uint64]string
}

// NewCommitmentStore define a new commitment store
func NewCommitmentStore(stored []StoredCommitment) (CommitmentStore, error) {
	instance := &commitmentStoreImpl{
		records: make(map[uint64]Commitment),
		digests: make(map[uint64]string),
	}
	for _, entry := range stored {
		digest, err := HashOf(entry.Commitment)
		if err != nil {
			return nil, err
		}
		if digest != entry.Digest {
			return nil, fmt.Errorf(
				"%w: stored digest of request %d does not match its record",
				ErrInvalidCommitment, entry.Commitment.RequestID,
			)
		}
		if _, err := instance.Put(entry.Commitment); err != nil {
			return nil, err
		}
	}
	return instance, nil
}

// Put store a commitment along with its digest
func (s *commitmentStoreImpl) Put(c Commitment) (string, error) {
	if _, ok := s.records[c.RequestID]; ok {
		return "", fmt.Errorf("%w: %d", ErrDuplicateRequestID, c.RequestID)
	}
	digest, err := HashOf(c)
	if err != nil {
		return "", err
	}
	s.records[c.RequestID] = c
	s.digests[c.RequestID] = digest
	return digest, nil
}

// Get fetch a stored commitment
func (s *commitmentStoreImpl) Get(requestID uint64) (Commitment, bool) {
	c, ok := s.records[requestID]
	return c, ok
}

// Digest fetch the digest stored for a request
func (s *commitmentStoreImpl) Digest(requestID uint64) (string, bool) {
	d, ok := s.digests[requestID]
	return d, ok
}

// Remove delete a commitment
func (s *commitmentStoreImpl) Remove(requestID uint64) bool {
	if _, ok := s.records[requestID]; !ok {
		return false
	}
	delete(s.records, requestID)
	delete(s.digests, requestID)
	return true
}

// Verify authenticate a presented commitment against the stored digest
func (s *commitmentStoreImpl) Verify(presented Commitment) (VerifyResult, error) {
	stored, ok := s.digests[presented.RequestID]
	if !ok {
		return VerifyMissing, nil
	}
	digest, err := HashOf(presented)
	if err != nil {
		return VerifyMismatch, err
	}
	if digest != stored {
		return VerifyMismatch, nil
	}
	return VerifyMatch, nil
}

// Expired list the commitments whose timeout is at or before the timestamp
func (s *commitmentStoreImpl) Expired(now int64) []Commitment {
	result := []Commitment{}
	for _, c := range s.Pending() {
		if c.TimeoutAt <= now {
			result = append(result, c)
		}
	}
	return result
}

// Pending list every stored commitment ordered by request ID
func (s *commitmentStoreImpl) Pending() []Commitment {
	result := make([]Commitment, 0, len(s.records))
	for _, c := range s.records {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RequestID < result[j].RequestID })
	return result
}

// Export export the store content
func (s *commitmentStoreImpl) Export() []StoredCommitment {
	pending := s.Pending()
	result := make([]StoredCommitment, 0, len(pending))
	for _, c := range pending {
		result = append(result, StoredCommitment{Commitment: c, Digest: s.digests[c.RequestID]})
	}
	return result
}
