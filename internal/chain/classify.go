package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// JSON-RPC code returned by nodes for reverted calls and gas estimation.
const rpcCodeExecutionReverted = 3

var rejectedFragments = []string{
	"execution reverted",
	"vm execution error",
	"invalid opcode",
	"transaction reverted",
	"caller is not",
	"accesscontrol",
}

// classify maps raw client errors onto the ledger taxonomy. Anything not
// recognizably refused by the ledger is treated as unavailable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var chainErr *Error
	if errors.As(err, &chainErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(op, err)
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == rpcCodeExecutionReverted {
		return Rejected(op, err)
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range rejectedFragments {
		if strings.Contains(msg, fragment) {
			return Rejected(op, err)
		}
	}
	return Unavailable(op, err)
}
