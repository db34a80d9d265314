// Package receipts keeps a hash-chained local journal of every transaction the
// workflow saw confirmed on the ledger.
//
// The chain begins with a genesis entry whose Hash equals GenesisHash (64 hex
// zeros). Every later entry records the hash of its predecessor, so a
// rewritten or dropped row is detected by Verify.
//
// Two Journal implementations are provided:
//   - Memory: in-process, for tests and development.
//   - Postgres: durable, serialized with an advisory lock.
package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/healthincentive/internal/ledger"
)

// GenesisHash is the hash of the genesis entry and the anchor of the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// OpGenesis is the operation recorded on the genesis entry.
const OpGenesis = "genesis"

// ErrOutOfRange is returned by Get for an index past the chain tip.
var ErrOutOfRange = errors.New("journal index out of range")

// Entry is one journal record.
type Entry struct {
	Index       int       `json:"index"`
	Timestamp   time.Time `json:"timestamp"`
	Op          string    `json:"op"`
	PatientID   uint64    `json:"patient_id"`
	From        string    `json:"from"`
	TxHash      string    `json:"tx_hash"`
	BlockNumber uint64    `json:"block_number"`
	ValueWei    string    `json:"value_wei"`
	PrevHash    string    `json:"prev_hash"`
	Hash        string    `json:"hash"`
}

// Journal is the append-only receipt log.
type Journal interface {
	// Append records a confirmed transaction for patientID.
	Append(ctx context.Context, patientID uint64, r *ledger.Receipt) (*Entry, error)

	// Get returns the entry at the zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// List returns up to limit entries starting at offset, oldest first.
	List(ctx context.Context, offset, limit int) ([]Entry, error)

	// Len returns the number of entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the chain and returns nil if it is intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}

// newEntry builds the entry for r without Index, PrevHash or Hash.
func newEntry(patientID uint64, r *ledger.Receipt) *Entry {
	value := "0"
	if r.Value != nil {
		value = r.Value.String()
	}
	return &Entry{
		Timestamp:   time.Now().UTC(),
		Op:          r.Op,
		PatientID:   patientID,
		From:        r.From.Hex(),
		TxHash:      r.TxHash.Hex(),
		BlockNumber: r.BlockNumber,
		ValueWei:    value,
	}
}

func genesis() *Entry {
	return &Entry{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Op:        OpGenesis,
		ValueWei:  "0",
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}
}

// hashEntry computes the chained hash of a non-genesis entry.
func hashEntry(e *Entry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%s|%s|%d|%s|%s|%d|%s|%s",
		e.Index, e.Timestamp.Format(time.RFC3339Nano),
		e.Op, e.PatientID, e.From, e.TxHash, e.BlockNumber, e.ValueWei, e.PrevHash,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// checkLink validates curr against its predecessor (nil for genesis).
func checkLink(prev, curr *Entry) error {
	if prev == nil {
		if curr.Hash != GenesisHash {
			return fmt.Errorf("genesis entry has wrong hash: got %q", curr.Hash)
		}
		return nil
	}
	if curr.PrevHash != prev.Hash {
		return fmt.Errorf("hash chain broken at index %d", curr.Index)
	}
	if curr.Hash != hashEntry(curr) {
		return fmt.Errorf("entry %d has invalid hash", curr.Index)
	}
	return nil
}
