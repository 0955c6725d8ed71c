// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

var errInvalidHex = errors.New("invalid hex value")

// ID is a 32-byte identifier used for shamans and log entries.
type ID [32]byte

// Address is a 20-byte account identifier.
type Address [20]byte

func (id ID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func ParseID(s string) (ID, error) {
	var id ID
	if err := decodeFixedHex(s, id[:]); err != nil {
		return ID{}, err
	}
	return id, nil
}

func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress accepts 0x-prefixed or bare hex in any letter case.
func ParseAddress(s string) (Address, error) {
	var a Address
	if err := decodeFixedHex(s, a[:]); err != nil {
		return Address{}, err
	}
	return a, nil
}

func decodeFixedHex(s string, dst []byte) error {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s) != len(dst)*2 {
		return errInvalidHex
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return errInvalidHex
	}
	return nil
}

// Keccak256 hashes the concatenation of parts.
func Keccak256(parts ...[]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewShamanID derives a shaman id from its creation event.
func NewShamanID(creator Address, nonce []byte, createdAt time.Time) ID {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(createdAt.Unix()))
	return ID(Keccak256(creator[:], nonce, ts[:]))
}

// NewLogID derives a log entry id. seq is unique per shaman, so the id is too.
func NewLogID(shamanID ID, seq int64, logType LogType, createdAt time.Time) ID {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], uint64(seq))
	binary.BigEndian.PutUint64(buf[8:], uint64(createdAt.UnixNano()))
	return ID(Keccak256(shamanID[:], []byte(logType), buf[:]))
}
