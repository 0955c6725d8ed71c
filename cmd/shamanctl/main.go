// SPDX-License-Identifier: Apache-2.0

// Command shamanctl is the operator CLI: schema migration, token minting,
// script checks and uploads, one-off triggers, pricing and reconciliation.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
