package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrReverted is returned when the contract rejected the call.
	ErrReverted = errors.New("execution reverted")

	// ErrOutOfGas is returned when the call exhausted its gas allowance.
	ErrOutOfGas = errors.New("out of gas")

	// ErrSignatureRejected is returned when the node refused to sign for the sender.
	ErrSignatureRejected = errors.New("signature rejected")

	// ErrMalformedLog is returned by WatchEvent for a log that does not carry
	// the watched event's topic.
	ErrMalformedLog = errors.New("malformed event log")
)

// DeploymentError is returned when no contract instance is deployed on the
// connected network.
type DeploymentError struct {
	Contract  string
	NetworkID string
	Address   common.Address // zero when the artifact has no entry for the network
	Err       error
}

func (e *DeploymentError) Error() string {
	msg := fmt.Sprintf("%s has not been deployed to network %s", e.Contract, e.NetworkID)
	if e.Address != (common.Address{}) {
		msg = fmt.Sprintf("%s: no code at %s on network %s", e.Contract, e.Address.Hex(), e.NetworkID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DeploymentError) Unwrap() error { return e.Err }

// TransactionError is returned when a contract call failed: the node rejected
// the submission, the transaction reverted or ran out of gas, or it was never
// mined before the deadline.
type TransactionError struct {
	Op     string
	From   common.Address
	TxHash common.Hash // zero when the transaction was never accepted
	Err    error
}

func (e *TransactionError) Error() string {
	if e.TxHash != (common.Hash{}) {
		return fmt.Sprintf("%s (tx %s): %v", e.Op, e.TxHash.Hex(), e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// classify maps a node error message onto one of the package sentinels,
// keeping the original message.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "out of gas"), strings.Contains(msg, "intrinsic gas"):
		return fmt.Errorf("%w: %v", ErrOutOfGas, err)
	case strings.Contains(msg, "revert"), strings.Contains(msg, "invalid opcode"):
		return fmt.Errorf("%w: %v", ErrReverted, err)
	case strings.Contains(msg, "unknown account"),
		strings.Contains(msg, "authentication needed"),
		strings.Contains(msg, "sender account not recognized"),
		strings.Contains(msg, "user denied"),
		strings.Contains(msg, "rejected"):
		return fmt.Errorf("%w: %v", ErrSignatureRejected, err)
	}
	return err
}
