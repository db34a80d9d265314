package receipts_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/receipts"
)

var ctx = context.Background()

func receipt(op string, block uint64) *ledger.Receipt {
	return &ledger.Receipt{
		Op:          op,
		TxHash:      common.BigToHash(common.Big1),
		BlockNumber: block,
		From:        common.HexToAddress("0x1000"),
		Value:       ledger.Ether(4),
	}
}

func TestNewMemory_genesisEntry(t *testing.T) {
	j := receipts.NewMemory()

	n, err := j.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	e, err := j.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if e.Op != receipts.OpGenesis || e.Hash != receipts.GenesisHash {
		t.Errorf("unexpected genesis: %+v", e)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	j := receipts.NewMemory()

	e1, err := j.Append(ctx, 1, receipt(ledger.OpRecordPatient, 1))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := j.Append(ctx, 1, receipt(ledger.OpStorePatientAmount, 2))
	if err != nil {
		t.Fatal(err)
	}

	if e1.PrevHash != receipts.GenesisHash {
		t.Errorf("first entry must chain from genesis, got %q", e1.PrevHash)
	}
	if e2.PrevHash != e1.Hash {
		t.Errorf("e2.PrevHash = %q, want %q", e2.PrevHash, e1.Hash)
	}
	if e2.ValueWei != "4000000000000000000" {
		t.Errorf("value: got %q", e2.ValueWei)
	}

	root, _ := j.Root(ctx)
	if root != e2.Hash {
		t.Errorf("root: got %q, want %q", root, e2.Hash)
	}
	if err := j.Verify(ctx); err != nil {
		t.Errorf("Verify() on intact chain: %v", err)
	}
}

func TestAppend_nilValueRecordedAsZero(t *testing.T) {
	j := receipts.NewMemory()
	r := receipt(ledger.OpRecordFootsteps, 1)
	r.Value = nil
	e, err := j.Append(ctx, 1, r)
	if err != nil {
		t.Fatal(err)
	}
	if e.ValueWei != "0" {
		t.Errorf("expected value 0, got %q", e.ValueWei)
	}
}

func TestGet_returnsCopy(t *testing.T) {
	j := receipts.NewMemory()
	if _, err := j.Append(ctx, 1, receipt(ledger.OpRecordPatient, 1)); err != nil {
		t.Fatal(err)
	}
	e, _ := j.Get(ctx, 1)
	e.PatientID = 99 // Get returns a copy; the journal itself stays intact.
	if err := j.Verify(ctx); err != nil {
		t.Errorf("expected copy mutation not to affect the chain, got %v", err)
	}
}

func TestGet_outOfRange(t *testing.T) {
	j := receipts.NewMemory()
	if _, err := j.Get(ctx, 5); !errors.Is(err, receipts.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestList_paginates(t *testing.T) {
	j := receipts.NewMemory()
	for i := uint64(1); i <= 4; i++ {
		if _, err := j.Append(ctx, i, receipt(ledger.OpRecordPatient, i)); err != nil {
			t.Fatal(err)
		}
	}

	page, err := j.List(ctx, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Index != 1 || page[1].Index != 2 {
		t.Errorf("unexpected page: %+v", page)
	}

	tail, _ := j.List(ctx, 4, 10)
	if len(tail) != 1 || tail[0].PatientID != 4 {
		t.Errorf("unexpected tail: %+v", tail)
	}
}
