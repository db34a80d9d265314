package ledger

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// EventLog is a contract event notification. The payload is not decoded.
type EventLog struct {
	Name        string      `json:"name"`
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`
	Index       uint        `json:"log_index"`
	// Replayed marks history mined before the watch started.
	Replayed bool `json:"replayed,omitempty"`
}

// EventHandler receives every notification of a watched event. A non-nil err
// reports a failed delivery; watching continues after it returns.
type EventHandler func(log EventLog, err error)

// WatchEvent streams the named contract event to handle, starting from block 0
// and then following new blocks every interval. It blocks until ctx is done
// and returns nil on cancellation. Poll failures and malformed logs are
// passed to handle and never end the watch. Logs at or below the head read
// by the first poll are delivered with Replayed set.
func (i *Instance) WatchEvent(ctx context.Context, name string, interval time.Duration, handle EventHandler) error {
	ev, ok := i.abi.Events[name]
	if !ok {
		return fmt.Errorf("unknown contract event %q", name)
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	var (
		from        uint64
		historyHead uint64
		started     bool
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		timer.Reset(interval)

		head, err := i.backend.BlockNumber(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			handle(EventLog{Name: name}, fmt.Errorf("read block number: %w", err))
			continue
		}
		if !started {
			historyHead, started = head, true
		}
		if head < from {
			continue
		}

		logs, err := i.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{i.address},
			Topics:    [][]common.Hash{{ev.ID}},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			handle(EventLog{Name: name}, fmt.Errorf("filter logs %d..%d: %w", from, head, err))
			continue
		}

		for _, l := range logs {
			if l.Removed {
				continue
			}
			out := EventLog{
				Name:        name,
				BlockNumber: l.BlockNumber,
				TxHash:      l.TxHash,
				Index:       l.Index,
				Replayed:    l.BlockNumber <= historyHead,
			}
			if len(l.Topics) == 0 || l.Topics[0] != ev.ID {
				handle(out, fmt.Errorf("%w: block %d tx %s", ErrMalformedLog, l.BlockNumber, l.TxHash.Hex()))
				continue
			}
			handle(out, nil)
		}
		from = head + 1
	}
}
