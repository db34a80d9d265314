// Package ledger binds the HealthInsuranceIncentive contract deployed on an
// Ethereum-compatible node.
//
// A Backend is the opaque node capability (account list, calls, receipts,
// logs). A Binding resolves the deployed contract instance once and caches it;
// the resulting Instance exposes generic Transact/Call/WatchEvent operations,
// and HealthInsurance wraps them into the contract's typed call surface.
//
// Two Backend implementations exist:
//   - RPCBackend: go-ethereum JSON-RPC client, for a real node (Ganache, geth).
//   - ledgertest.Backend: an in-process contract simulation, for tests.
package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// DefaultGasLimit is the gas allowance attached to every state-changing call.
const DefaultGasLimit = uint64(3_000_000)

// Backend is the node capability required by the binding.
// *RPCBackend satisfies this interface.
type Backend interface {
	// Accounts returns the node-managed accounts in the node's order.
	Accounts(ctx context.Context) ([]common.Address, error)

	NetworkID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// SubmitTransaction asks the node to sign and broadcast msg from msg.From.
	// It returns as soon as the node accepted the transaction.
	SubmitTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error)

	// TransactionReceipt returns ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// CallContext authorizes a single state-changing call. Build a fresh one for
// every call.
type CallContext struct {
	From     common.Address
	GasLimit uint64
	Value    *big.Int // nil = no value attached
}

// Receipt is the mined outcome of a state-changing call.
type Receipt struct {
	Op          string         `json:"op"`
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	GasUsed     uint64         `json:"gas_used"`
	From        common.Address `json:"from"`
	Value       *big.Int       `json:"value,omitempty"`
}

// Ether converts whole units of the native currency into wei.
func Ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(params.Ether))
}
