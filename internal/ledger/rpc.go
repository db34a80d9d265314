package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// RPCBackend talks to a node over JSON-RPC. Transactions are signed by the
// node from its managed accounts (eth_sendTransaction), as Ganache and a
// dev-mode geth do.
type RPCBackend struct {
	eth *ethclient.Client
	rpc *rpc.Client
}

// Dial connects to the node at rawURL (http, ws or ipc).
func Dial(ctx context.Context, rawURL string) (*RPCBackend, error) {
	c, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger node %s: %w", rawURL, err)
	}
	return &RPCBackend{eth: c, rpc: c.Client()}, nil
}

// Close releases the underlying connection.
func (b *RPCBackend) Close() { b.eth.Close() }

// Accounts implements Backend.
func (b *RPCBackend) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := b.rpc.CallContext(ctx, &accounts, "eth_accounts"); err != nil {
		return nil, fmt.Errorf("eth_accounts: %w", err)
	}
	return accounts, nil
}

// NetworkID implements Backend.
func (b *RPCBackend) NetworkID(ctx context.Context) (*big.Int, error) {
	return b.eth.NetworkID(ctx)
}

// CodeAt implements Backend.
func (b *RPCBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return b.eth.CodeAt(ctx, account, blockNumber)
}

// CallContract implements Backend.
func (b *RPCBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return b.eth.CallContract(ctx, msg, blockNumber)
}

// SubmitTransaction implements Backend.
func (b *RPCBackend) SubmitTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	arg := map[string]any{
		"from": msg.From,
		"data": hexutil.Bytes(msg.Data),
	}
	if msg.To != nil {
		arg["to"] = msg.To
	}
	if msg.Gas != 0 {
		arg["gas"] = hexutil.Uint64(msg.Gas)
	}
	if msg.Value != nil {
		arg["value"] = (*hexutil.Big)(msg.Value)
	}

	var hash common.Hash
	if err := b.rpc.CallContext(ctx, &hash, "eth_sendTransaction", arg); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// TransactionReceipt implements Backend.
func (b *RPCBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return b.eth.TransactionReceipt(ctx, txHash)
}

// BlockNumber implements Backend.
func (b *RPCBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.eth.BlockNumber(ctx)
}

// FilterLogs implements Backend.
func (b *RPCBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return b.eth.FilterLogs(ctx, q)
}
