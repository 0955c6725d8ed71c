// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"errors"
	"testing"
)

func TestCheckSafeNumbers(t *testing.T) {
	ok := []string{
		`42`,
		`null`,
		`"12345678901234567891"`,
		`{"nonce":9007199254740991,"min":-9007199254740991}`,
		`[1.5, 1e300, -0.25]`,
	}
	for _, raw := range ok {
		if err := CheckSafeNumbers([]byte(raw)); err != nil {
			t.Fatalf("%s: unexpected error %v", raw, err)
		}
	}

	bad := []string{
		`9007199254740992`,
		`{"nonce":9007199254740993}`,
		`{"wei":[1,12345678901234567891]}`,
		`-9007199254740992`,
	}
	for _, raw := range bad {
		if err := CheckSafeNumbers([]byte(raw)); !errors.Is(err, ErrUnsafeNumber) {
			t.Fatalf("%s: expected ErrUnsafeNumber got %v", raw, err)
		}
	}
}
