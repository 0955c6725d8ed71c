// SPDX-License-Identifier: Apache-2.0

// Package worker runs untrusted scripts in a restricted Go interpreter and
// reports exactly one Outcome per invocation.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Interstation-Research/shaman/internal/domain"
	"github.com/Interstation-Research/shaman/internal/worker/capability"
)

const DefaultTimeout = 10 * time.Second

type FailureKind string

const (
	FailureScriptThrew     FailureKind = "ScriptThrew"
	FailureTimeout         FailureKind = "Timeout"
	FailureNonSerializable FailureKind = "NonSerializableResult"
	FailureNetwork         FailureKind = "NetworkUnavailable"
	FailureInvalidFormat   FailureKind = "InvalidScriptFormat"
)

type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

type Outcome struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *Failure        `json:"error,omitempty"`
	Logs    []string        `json:"logs"`
	TxHash  string          `json:"tx_hash,omitempty"`
}

// ErrorMessage is "<Kind>: <detail>" for failed outcomes and empty otherwise.
func (o Outcome) ErrorMessage() string {
	if o.Success || o.Error == nil {
		return ""
	}
	return o.Error.Error()
}

func failed(kind FailureKind, format string, args ...any) Outcome {
	return Outcome{
		Result: json.RawMessage("null"),
		Error:  &Failure{Kind: kind, Message: fmt.Sprintf(format, args...)},
	}
}

// Job describes one invocation.
type Job struct {
	ShamanID      domain.ID      `json:"shaman_id"`
	Owner         domain.Address `json:"owner"`
	ChainID       uint64         `json:"chain_id,omitempty"`
	RPCURL        string         `json:"rpc_url,omitempty"`
	WalletAddress string         `json:"wallet_address,omitempty"`
	Timeout       time.Duration  `json:"timeout"`

	// OnLog streams captured lines while the script runs.
	OnLog func(line string) `json:"-"`
}

func (j Job) timeout() time.Duration {
	if j.Timeout <= 0 {
		return DefaultTimeout
	}
	return j.Timeout
}

// Runner executes a script once. The error return is reserved for host-side
// failures; everything the script does is reported in the Outcome.
type Runner interface {
	Execute(ctx context.Context, job Job, source string) (Outcome, error)
}

// classifyScriptError maps an error the script returned or panicked with.
func classifyScriptError(err error) Outcome {
	var netErr *capability.NetworkError
	if errors.As(err, &netErr) {
		return failed(FailureNetwork, "%v", err)
	}
	return failed(FailureScriptThrew, "%v", err)
}

func classifyPanic(p any) Outcome {
	if err, ok := p.(error); ok {
		var netErr *capability.NetworkError
		if errors.As(err, &netErr) {
			return failed(FailureNetwork, "%v", err)
		}
	}
	return failed(FailureScriptThrew, "panic: %v", p)
}
