// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrScriptUnavailable   = errors.New("script unavailable")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidMetadata     = errors.New("invalid metadata")
	ErrInvalidInput        = errors.New("invalid input")
)

// ErrWriteConflict is returned by ledger stores when a transaction lost a
// serialization race. Callers retry; after the bound they return ErrUnavailable.
var ErrWriteConflict = errors.New("ledger write conflict")
var ErrUnavailable = errors.New("temporarily unavailable")

var ErrSaleSupplyExceeded = errors.New("sale supply exceeded")
var ErrUnderpaid = errors.New("payment below price")
