package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestParseArtifact_fallsBackToEmbeddedABI(t *testing.T) {
	a, err := ParseArtifact([]byte(`{
		"contractName": "HealthInsuranceIncentive",
		"networks": {"5777": {"address": "0x5b1869D9A4C187F2EAa108f3062412ecf0526b24"}}
	}`))
	if err != nil {
		t.Fatalf("ParseArtifact() error: %v", err)
	}

	for _, op := range []string{OpRecordPatient, OpGetPatientDetails, OpRecordFootsteps, OpStorePatientAmount, OpSettleRewards} {
		if _, ok := a.ABI().Methods[op]; !ok {
			t.Errorf("missing method %s", op)
		}
	}
	for _, ev := range []string{EventPatientRecorded, EventFootstepsRecorded, EventTransactionCompleted} {
		if _, ok := a.ABI().Events[ev]; !ok {
			t.Errorf("missing event %s", ev)
		}
	}

	addr, ok := a.Address("5777")
	if !ok || addr != common.HexToAddress("0x5b1869D9A4C187F2EAa108f3062412ecf0526b24") {
		t.Errorf("Address(5777): got %s, %v", addr.Hex(), ok)
	}
	if _, ok := a.Address("1"); ok {
		t.Error("expected no deployment on network 1")
	}
}

func TestParseArtifact_invalidJSON(t *testing.T) {
	if _, err := ParseArtifact([]byte(`{`)); err == nil {
		t.Error("expected error for truncated artifact")
	}
}

func TestDecodePatient_wrongArity(t *testing.T) {
	if _, err := decodePatient([]any{"x"}); err == nil {
		t.Error("expected error for short tuple")
	}
}

func TestPatientRecord_Row(t *testing.T) {
	r := &PatientRecord{ID: 1, Disease: "flu", Age: 30, Gender: "M", Eligible: false, ActivityDays: 2}
	row := r.Row()
	want := []string{"1", "flu", "30", "M", "no", "2"}
	for i := range want {
		if row[i] != want[i] {
			t.Errorf("column %d: got %q, want %q", i, row[i], want[i])
		}
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]error{
		"VM Exception while processing transaction: revert": ErrReverted,
		"VM Exception while processing transaction: out of gas": ErrOutOfGas,
		"sender account not recognized": ErrSignatureRejected,
	}
	for msg, want := range cases {
		got := classify(errString(msg))
		if !errors.Is(got, want) {
			t.Errorf("classify(%q) = %v, want %v", msg, got, want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
