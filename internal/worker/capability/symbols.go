// SPDX-License-Identifier: Apache-2.0

package capability

import "reflect"

// ImportPath is what scripts import this package as.
const ImportPath = "shaman"

// Symbols is the interpreter export table for ImportPath.
var Symbols = map[string]map[string]reflect.Value{
	ImportPath + "/shaman": {
		"Context":      reflect.ValueOf((*Context)(nil)),
		"Response":     reflect.ValueOf((*Response)(nil)),
		"Reader":       reflect.ValueOf((*Reader)(nil)),
		"Writer":       reflect.ValueOf((*Writer)(nil)),
		"NetworkError": reflect.ValueOf((*NetworkError)(nil)),
		"RPCError":     reflect.ValueOf((*RPCError)(nil)),

		"ErrNoWallet": reflect.ValueOf(&ErrNoWallet).Elem(),

		"ParseEther":         reflect.ValueOf(ParseEther),
		"FormatEther":        reflect.ValueOf(FormatEther),
		"ParseUnits":         reflect.ValueOf(ParseUnits),
		"FormatUnits":        reflect.ValueOf(FormatUnits),
		"EncodeFunctionData": reflect.ValueOf(EncodeFunctionData),
		"Keccak256":          reflect.ValueOf(Keccak256),
	},
}
