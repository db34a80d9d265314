package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Binding resolves the deployed contract instance and memoizes the first
// successful resolution for its lifetime. Failed resolutions are not cached.
type Binding struct {
	backend     Backend
	artifact    *Artifact
	receiptPoll time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	instance *Instance
}

// NewBinding creates a Binding for the contract described by artifact.
func NewBinding(backend Backend, artifact *Artifact, logger *zap.Logger) *Binding {
	return &Binding{
		backend:     backend,
		artifact:    artifact,
		receiptPoll: 500 * time.Millisecond,
		logger:      logger,
	}
}

// SetReceiptPollInterval changes how often a pending transaction's receipt
// is polled while waiting for it to be mined.
func (b *Binding) SetReceiptPollInterval(d time.Duration) {
	if d > 0 {
		b.receiptPoll = d
	}
}

// Backend returns the node capability behind the binding.
func (b *Binding) Backend() Backend { return b.backend }

// Instance returns the deployed contract instance, resolving it on first use.
// It fails with *DeploymentError when the connected network has no instance.
func (b *Binding) Instance(ctx context.Context) (*Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.instance != nil {
		return b.instance, nil
	}

	netID, err := b.backend.NetworkID(ctx)
	if err != nil {
		return nil, &DeploymentError{Contract: b.artifact.ContractName, NetworkID: "unknown", Err: err}
	}

	addr, ok := b.artifact.Address(netID.String())
	if !ok {
		return nil, &DeploymentError{Contract: b.artifact.ContractName, NetworkID: netID.String()}
	}

	code, err := b.backend.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, &DeploymentError{Contract: b.artifact.ContractName, NetworkID: netID.String(), Address: addr, Err: err}
	}
	if len(code) == 0 {
		return nil, &DeploymentError{Contract: b.artifact.ContractName, NetworkID: netID.String(), Address: addr}
	}

	b.instance = &Instance{
		address:     addr,
		abi:         b.artifact.ABI(),
		backend:     b.backend,
		receiptPoll: b.receiptPoll,
		logger:      b.logger,
	}
	b.logger.Info("contract instance resolved",
		zap.String("contract", b.artifact.ContractName),
		zap.String("network_id", netID.String()),
		zap.String("address", addr.Hex()),
	)
	return b.instance, nil
}

// Instance is a handle to the deployed contract.
type Instance struct {
	address     common.Address
	abi         abi.ABI
	backend     Backend
	receiptPoll time.Duration
	logger      *zap.Logger
}

// Address returns the contract address.
func (i *Instance) Address() common.Address { return i.address }

// Call invokes a read-only operation and returns the decoded result tuple.
func (i *Instance) Call(ctx context.Context, op string, args ...any) ([]any, error) {
	data, err := i.abi.Pack(op, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", op, err)
	}

	out, err := i.backend.CallContract(ctx, ethereum.CallMsg{To: &i.address, Data: data}, nil)
	if err != nil {
		return nil, &TransactionError{Op: op, Err: classify(err)}
	}
	if len(out) == 0 {
		return nil, &TransactionError{Op: op, Err: fmt.Errorf("%w: empty return data", ErrReverted)}
	}

	vals, err := i.abi.Unpack(op, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", op, err)
	}
	return vals, nil
}

// Transact submits a state-changing operation and blocks until it is mined.
// Any failure is reported as *TransactionError.
func (i *Instance) Transact(ctx context.Context, op string, cc CallContext, args ...any) (*Receipt, error) {
	data, err := i.abi.Pack(op, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", op, err)
	}

	gas := cc.GasLimit
	if gas == 0 {
		gas = DefaultGasLimit
	}

	hash, err := i.backend.SubmitTransaction(ctx, ethereum.CallMsg{
		From:  cc.From,
		To:    &i.address,
		Gas:   gas,
		Value: cc.Value,
		Data:  data,
	})
	if err != nil {
		return nil, &TransactionError{Op: op, From: cc.From, Err: classify(err)}
	}

	rcpt, err := i.waitMined(ctx, hash)
	if err != nil {
		return nil, &TransactionError{Op: op, From: cc.From, TxHash: hash, Err: err}
	}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		cause := ErrReverted
		if rcpt.GasUsed >= gas {
			cause = ErrOutOfGas
		}
		return nil, &TransactionError{Op: op, From: cc.From, TxHash: hash, Err: cause}
	}

	var block uint64
	if rcpt.BlockNumber != nil {
		block = rcpt.BlockNumber.Uint64()
	}
	i.logger.Debug("transaction mined",
		zap.String("op", op),
		zap.String("tx", hash.Hex()),
		zap.Uint64("block", block),
	)
	return &Receipt{
		Op:          op,
		TxHash:      hash,
		BlockNumber: block,
		GasUsed:     rcpt.GasUsed,
		From:        cc.From,
		Value:       cc.Value,
	}, nil
}

// waitMined polls for the receipt of hash until it is available or ctx ends.
func (i *Instance) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(i.receiptPoll)
	defer ticker.Stop()

	for {
		rcpt, err := i.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return rcpt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			i.logger.Warn("receipt lookup failed, retrying",
				zap.String("tx", hash.Hex()),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
