// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
)

// MaxSafeInteger is 2^53-1, the largest integer every JSON reader keeps exact.
const MaxSafeInteger = 1<<53 - 1

var (
	maxSafe = big.NewInt(MaxSafeInteger)
	minSafe = big.NewInt(-MaxSafeInteger)
)

// ErrUnsafeNumber marks a JSON integer outside ±MaxSafeInteger.
var ErrUnsafeNumber = errors.New("integer outside the exact JSON range")

// CheckSafeNumbers walks raw and fails on the first integer literal that
// a float64 JSON reader would round. Large values belong in strings.
func CheckSafeNumbers(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		num, ok := tok.(json.Number)
		if !ok || strings.ContainsAny(string(num), ".eE") {
			continue
		}
		n, ok := new(big.Int).SetString(string(num), 10)
		if !ok {
			return fmt.Errorf("bad integer %s", num)
		}
		if n.Cmp(maxSafe) > 0 || n.Cmp(minSafe) < 0 {
			return fmt.Errorf("%w: %s (return it as a string)", ErrUnsafeNumber, num)
		}
	}
}
