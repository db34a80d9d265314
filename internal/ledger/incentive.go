package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Contract operation and event names.
const (
	OpRecordPatient      = "recordPatient"
	OpGetPatientDetails  = "getPatientDetails"
	OpRecordFootsteps    = "recordFootsteps"
	OpStorePatientAmount = "storePatientAmount"
	OpSettleRewards      = "settleRewards"

	EventPatientRecorded      = "patientRecorded"
	EventFootstepsRecorded    = "footStepsRecorded"
	EventTransactionCompleted = "transactionCompleted"
)

// PatientRecord is the read-only projection returned by getPatientDetails.
type PatientRecord struct {
	ID           uint64 `json:"id"`
	Disease      string `json:"disease"`
	Age          uint64 `json:"age"`
	Gender       string `json:"gender"`
	Eligible     bool   `json:"eligible"`
	ActivityDays uint64 `json:"activity_days"`
}

// Row renders the record as the columns of the patient detail table.
func (r *PatientRecord) Row() []string {
	eligible := "no"
	if r.Eligible {
		eligible = "yes"
	}
	return []string{
		strconv.FormatUint(r.ID, 10),
		r.Disease,
		strconv.FormatUint(r.Age, 10),
		r.Gender,
		eligible,
		strconv.FormatUint(r.ActivityDays, 10),
	}
}

func (r *PatientRecord) String() string {
	return strings.Join(r.Row(), " | ")
}

// HealthInsurance is the typed proxy for the HealthInsuranceIncentive contract.
type HealthInsurance struct {
	binding *Binding
}

// NewHealthInsurance creates a typed proxy over binding.
func NewHealthInsurance(binding *Binding) *HealthInsurance {
	return &HealthInsurance{binding: binding}
}

// RecordPatient registers a patient and the account that will pay its penalty.
func (h *HealthInsurance) RecordPatient(ctx context.Context, cc CallContext, id uint64, disease, gender string, age uint64, patientAccount common.Address) (*Receipt, error) {
	inst, err := h.binding.Instance(ctx)
	if err != nil {
		return nil, err
	}
	return inst.Transact(ctx, OpRecordPatient, cc, u256(id), disease, gender, u256(age), patientAccount)
}

// GetPatientDetails reads the current patient record from the contract.
func (h *HealthInsurance) GetPatientDetails(ctx context.Context, id uint64) (*PatientRecord, error) {
	inst, err := h.binding.Instance(ctx)
	if err != nil {
		return nil, err
	}
	vals, err := inst.Call(ctx, OpGetPatientDetails, u256(id))
	if err != nil {
		return nil, err
	}
	return decodePatient(vals)
}

// RecordFootsteps records an activity count for a patient.
func (h *HealthInsurance) RecordFootsteps(ctx context.Context, cc CallContext, id, footsteps uint64) (*Receipt, error) {
	inst, err := h.binding.Instance(ctx)
	if err != nil {
		return nil, err
	}
	return inst.Transact(ctx, OpRecordFootsteps, cc, u256(id), u256(footsteps))
}

// StorePatientAmount deposits the patient's penalty amount (cc.Value).
func (h *HealthInsurance) StorePatientAmount(ctx context.Context, cc CallContext, id uint64) (*Receipt, error) {
	inst, err := h.binding.Instance(ctx)
	if err != nil {
		return nil, err
	}
	return inst.Transact(ctx, OpStorePatientAmount, cc, u256(id))
}

// SettleRewards settles the incentive for a patient (cc.Value).
func (h *HealthInsurance) SettleRewards(ctx context.Context, cc CallContext, id uint64) (*Receipt, error) {
	inst, err := h.binding.Instance(ctx)
	if err != nil {
		return nil, err
	}
	return inst.Transact(ctx, OpSettleRewards, cc, u256(id))
}

func u256(v uint64) *big.Int { return new(big.Int).SetUint64(v) }

// decodePatient maps the (id, disease, age, gender, eligible, days) tuple.
func decodePatient(vals []any) (*PatientRecord, error) {
	if len(vals) != 6 {
		return nil, fmt.Errorf("decode %s: expected 6 values, got %d", OpGetPatientDetails, len(vals))
	}
	id, ok1 := vals[0].(*big.Int)
	disease, ok2 := vals[1].(string)
	age, ok3 := vals[2].(*big.Int)
	gender, ok4 := vals[3].(string)
	eligible, ok5 := vals[4].(bool)
	days, ok6 := vals[5].(*big.Int)
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 || !ok6 {
		return nil, fmt.Errorf("decode %s: unexpected value types %T %T %T %T %T %T",
			OpGetPatientDetails, vals[0], vals[1], vals[2], vals[3], vals[4], vals[5])
	}
	return &PatientRecord{
		ID:           id.Uint64(),
		Disease:      disease,
		Age:          age.Uint64(),
		Gender:       gender,
		Eligible:     eligible,
		ActivityDays: days.Uint64(),
	}, nil
}
