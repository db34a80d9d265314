// Package patients maps patient ids to the ledger account that pays their
// penalty deposit.
//
// The mapping is written when a registration is confirmed on the ledger.
// Three Directory implementations are provided:
//   - Memory: in-process, for tests and single-node development.
//   - Postgres: durable, shared between daemon instances.
//   - LevelDB: durable, embedded, for a single daemon without a database.
package patients

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotFound is returned when no account is bound to a patient id.
var ErrNotFound = errors.New("patient not found in directory")

// Entry binds a registered patient to its account.
type Entry struct {
	PatientID    uint64         `json:"patient_id"`
	Account      common.Address `json:"account"`
	Disease      string         `json:"disease"`
	Gender       string         `json:"gender"`
	Age          uint64         `json:"age"`
	TxHash       common.Hash    `json:"tx_hash"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// Directory stores patient → account bindings. A second Bind for the same
// patient id replaces the earlier entry.
type Directory interface {
	Bind(ctx context.Context, e Entry) error
	Lookup(ctx context.Context, patientID uint64) (*Entry, error)
	List(ctx context.Context) ([]Entry, error)
}
