// SPDX-License-Identifier: Apache-2.0

package capability

import (
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndFormatUnits(t *testing.T) {
	tests := []struct {
		in       string
		decimals int
		wei      string
		out      string
	}{
		{"1", 18, "1000000000000000000", "1.0"},
		{"1.5", 18, "1500000000000000000", "1.5"},
		{"0.000000000000000001", 18, "1", "0.000000000000000001"},
		{".25", 6, "250000", "0.25"},
		{"-2.5", 6, "-2500000", "-2.5"},
		{"0", 18, "0", "0.0"},
	}
	for _, tt := range tests {
		v, err := ParseUnits(tt.in, tt.decimals)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.wei, v.String(), tt.in)
		assert.Equal(t, tt.out, FormatUnits(v, tt.decimals), tt.in)
	}

	for _, bad := range []string{"", "abc", "1.2.3", "1e18", "0.0000000000000000001"} {
		_, err := ParseEther(bad)
		assert.Error(t, err, bad)
	}
}

func TestEtherHelpers(t *testing.T) {
	v, err := ParseEther("0.1")
	require.NoError(t, err)
	assert.Equal(t, "100000000000000000", v.String())
	assert.Equal(t, "0.1", FormatEther(v))
}

func TestKeccak256(t *testing.T) {
	assert.Equal(t, "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", Keccak256(""))
	assert.Equal(t, Keccak256("0x"), Keccak256(""))
}

func TestEncodeFunctionData(t *testing.T) {
	data, err := EncodeFunctionData("transfer(address,uint256)", testTarget, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t,
		"0xa9059cbb"+
			"00000000000000000000000000000000000000000000000000000000000000bb"+
			"0000000000000000000000000000000000000000000000000000000000000001",
		data)

	data, err = EncodeFunctionData("balanceOf(address)", testWallet)
	require.NoError(t, err)
	assert.Equal(t, "0x70a08231", data[:10])

	data, err = EncodeFunctionData("totalSupply()")
	require.NoError(t, err)
	assert.Equal(t, "0x18160ddd", data)

	data, err = EncodeFunctionData("set(int8,bool)", -1, true)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("f", 64), data[10:74], "int8 -1 is sign extended")
	assert.Equal(t, "1", data[len(data)-1:])

	_, err = EncodeFunctionData("transfer(address,uint256)", testTarget)
	assert.Error(t, err, "arity")
	_, err = EncodeFunctionData("setName(string)", "x")
	assert.Error(t, err, "dynamic types")
	_, err = EncodeFunctionData("set(uint8)", 256)
	assert.Error(t, err, "overflow")
	_, err = EncodeFunctionData("set(uint256)", -1)
	assert.Error(t, err, "negative unsigned")
}
