// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"
)

const etherDecimals = 18

func ParseEther(s string) (*big.Int, error) { return ParseUnits(s, etherDecimals) }

func FormatEther(v *big.Int) string { return FormatUnits(v, etherDecimals) }

// ParseUnits turns a decimal string like "1.5" into its integer value scaled
// by 10^decimals.
func ParseUnits(s string, decimals int) (*big.Int, error) {
	if decimals < 0 || decimals > 77 {
		return nil, fmt.Errorf("invalid decimals %d", decimals)
	}
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q", s)
		}
	}

	v, _ := new(big.Int).SetString(digits, 10)
	if neg {
		v.Neg(v)
	}
	return v, nil
}

// FormatUnits is the inverse of ParseUnits. Whole values keep one decimal
// ("1.0").
func FormatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0.0"
	}
	if decimals <= 0 {
		return v.String() + ".0"
	}

	abs := new(big.Int).Abs(v).String()
	if len(abs) <= decimals {
		abs = strings.Repeat("0", decimals-len(abs)+1) + abs
	}
	whole := abs[:len(abs)-decimals]
	frac := strings.TrimRight(abs[len(abs)-decimals:], "0")
	if frac == "" {
		frac = "0"
	}

	sign := ""
	if v.Sign() < 0 {
		sign = "-"
	}
	return sign + whole + "." + frac
}

// Keccak256 hashes data, which is hex when 0x-prefixed and text otherwise.
func Keccak256(data string) string {
	var raw []byte
	if digits, ok := strings.CutPrefix(data, "0x"); ok {
		if b, err := hex.DecodeString(digits); err == nil {
			raw = b
		}
	}
	if raw == nil {
		raw = []byte(data)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(raw)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

// EncodeFunctionData ABI-encodes a call to signature, e.g.
// "transfer(address,uint256)". Only static argument types are supported.
func EncodeFunctionData(signature string, args ...any) (string, error) {
	signature = strings.ReplaceAll(signature, " ", "")
	open := strings.IndexByte(signature, '(')
	if open <= 0 || !strings.HasSuffix(signature, ")") {
		return "", fmt.Errorf("invalid function signature %q", signature)
	}

	var types []string
	if inner := signature[open+1 : len(signature)-1]; inner != "" {
		types = strings.Split(inner, ",")
	}
	if len(types) != len(args) {
		return "", fmt.Errorf("%s takes %d arguments, got %d", signature, len(types), len(args))
	}

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))

	var buf bytes.Buffer
	buf.Write(h.Sum(nil)[:4])
	for i, typ := range types {
		word, err := encodeStatic(typ, args[i])
		if err != nil {
			return "", fmt.Errorf("argument %d (%s): %w", i, typ, err)
		}
		buf.Write(word)
	}
	return "0x" + hex.EncodeToString(buf.Bytes()), nil
}

func encodeStatic(typ string, arg any) ([]byte, error) {
	word := make([]byte, 32)

	switch {
	case typ == "address":
		s, ok := arg.(string)
		if !ok || !isHexAddress(s) {
			return nil, fmt.Errorf("want 0x address, got %v", arg)
		}
		b, _ := hex.DecodeString(s[2:])
		copy(word[12:], b)
		return word, nil

	case typ == "bool":
		b, ok := arg.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", arg)
		}
		if b {
			word[31] = 1
		}
		return word, nil

	case typ == "bytes32":
		s, _ := arg.(string)
		b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil || len(b) > 32 {
			return nil, fmt.Errorf("want up to 32 hex bytes, got %v", arg)
		}
		copy(word, b)
		return word, nil

	case strings.HasPrefix(typ, "uint"), strings.HasPrefix(typ, "int"):
		bits, err := intBits(typ)
		if err != nil {
			return nil, err
		}
		v, err := toBigInt(arg)
		if err != nil {
			return nil, err
		}
		signed := strings.HasPrefix(typ, "int")
		if !signed && v.Sign() < 0 {
			return nil, fmt.Errorf("negative value for %s", typ)
		}
		limit := new(big.Int).Lsh(big.NewInt(1), uint(bits))
		if signed {
			limit.Rsh(limit, 1)
			if v.Cmp(limit) >= 0 || v.Cmp(new(big.Int).Neg(limit)) < 0 {
				return nil, fmt.Errorf("value %s overflows %s", v, typ)
			}
		} else if v.Cmp(limit) >= 0 {
			return nil, fmt.Errorf("value %s overflows %s", v, typ)
		}
		if v.Sign() < 0 {
			// two's complement over 256 bits
			v = new(big.Int).Add(v, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		v.FillBytes(word)
		return word, nil
	}

	return nil, fmt.Errorf("unsupported type %q", typ)
}

func intBits(typ string) (int, error) {
	n := strings.TrimPrefix(strings.TrimPrefix(typ, "u"), "int")
	if n == "" {
		return 256, nil
	}
	bits, err := strconv.Atoi(n)
	if err != nil || bits <= 0 || bits > 256 || bits%8 != 0 {
		return 0, fmt.Errorf("unsupported type %q", typ)
	}
	return bits, nil
}

func toBigInt(arg any) (*big.Int, error) {
	switch v := arg.(type) {
	case *big.Int:
		if v == nil {
			return nil, fmt.Errorf("nil integer")
		}
		return new(big.Int).Set(v), nil
	case int:
		return big.NewInt(int64(v)), nil
	case int64:
		return big.NewInt(v), nil
	case uint64:
		return new(big.Int).SetUint64(v), nil
	case string:
		if digits, ok := strings.CutPrefix(v, "0x"); ok {
			if n, ok := new(big.Int).SetString(digits, 16); ok {
				return n, nil
			}
		} else if n, ok := new(big.Int).SetString(v, 10); ok {
			return n, nil
		}
		return nil, fmt.Errorf("invalid integer %q", v)
	}
	return nil, fmt.Errorf("want integer, got %T", arg)
}

func decodeJSON(s string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}
