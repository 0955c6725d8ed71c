// SPDX-License-Identifier: Apache-2.0

package contentstore

import (
	"context"
	"fmt"
	"sync"
)

// MemStore keeps blobs in process memory. Used by tests and lite mode.
type MemStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{blobs: make(map[string][]byte)}
}

func (s *MemStore) Put(_ context.Context, data []byte) (string, error) {
	ref := RefOf(data)
	digest := ref[len(RefPrefix):]

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[digest]; !ok {
		s.blobs[digest] = append([]byte(nil), data...)
	}
	return ref, nil
}

func (s *MemStore) Get(_ context.Context, ref string) ([]byte, error) {
	digest, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, ref)
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
