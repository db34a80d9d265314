package receipts

import (
	"context"
	"testing"

	"github.com/jmerrifield20/healthincentive/internal/ledger"
)

func TestVerify_detectsTampering(t *testing.T) {
	m := NewMemory()
	for i := uint64(1); i <= 3; i++ {
		if _, err := m.Append(context.Background(), i, &ledger.Receipt{Op: ledger.OpRecordPatient, BlockNumber: i}); err != nil {
			t.Fatal(err)
		}
	}

	m.entries[2].PatientID = 42
	if err := m.Verify(context.Background()); err == nil {
		t.Error("expected Verify to detect a rewritten entry")
	}
}

func TestVerify_detectsBrokenLink(t *testing.T) {
	m := NewMemory()
	for i := uint64(1); i <= 3; i++ {
		if _, err := m.Append(context.Background(), i, &ledger.Receipt{Op: ledger.OpRecordPatient, BlockNumber: i}); err != nil {
			t.Fatal(err)
		}
	}

	m.entries = append(m.entries[:2], m.entries[3:]...)
	if err := m.Verify(context.Background()); err == nil {
		t.Error("expected Verify to detect a dropped entry")
	}
}
