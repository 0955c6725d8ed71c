// SPDX-License-Identifier: Apache-2.0

// Package contentstore is the content-addressed blob store holding script
// metadata and execution details. Refs are "sha256:<hex digest>".
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const RefPrefix = "sha256:"

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrInvalidRef   = errors.New("invalid content ref")
	ErrCorruptBlob  = errors.New("blob does not match ref")
)

// Store is put/get over immutable blobs. Put is idempotent: equal bytes give
// an equal ref.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// RefOf returns the ref data would be stored under.
func RefOf(data []byte) string {
	sum := sha256.Sum256(data)
	return RefPrefix + hex.EncodeToString(sum[:])
}

// ParseRef validates ref and returns its lowercase hex digest.
func ParseRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, RefPrefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	digest := strings.ToLower(ref[len(RefPrefix):])
	if len(digest) != sha256.Size*2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return digest, nil
}

// verify checks that data hashes to digest.
func verify(digest string, data []byte) error {
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return fmt.Errorf("%w: %s", ErrCorruptBlob, digest)
	}
	return nil
}
