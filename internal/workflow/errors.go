package workflow

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/session"
)

var (
	// ErrOperationInFlight is returned when another operation for the same
	// patient has not completed yet.
	ErrOperationInFlight = errors.New("an operation for this patient is already in flight")

	// ErrNoPatientSelected is returned by the recording operations before any
	// successful fetch.
	ErrNoPatientSelected = errors.New("no patient selected")

	// ErrNoPatientAccount is returned when no account exists for a patient id.
	ErrNoPatientAccount = errors.New("no account for patient")

	// ErrRegistrationClosed is returned by RegisterPatient outside the
	// registration view.
	ErrRegistrationClosed = errors.New("registration form is not shown")
)

// PreconditionError is returned when an operation was rejected before any
// ledger call was made.
type PreconditionError struct {
	Op        string
	PatientID uint64
	Err       error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s patient %d: %v", e.Op, e.PatientID, e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

var failureMessages = map[string]string{
	ledger.OpRecordPatient:      "An error occurred while recording patient details",
	ledger.OpGetPatientDetails:  "An error occurred while fetching patient details",
	ledger.OpRecordFootsteps:    "An error occurred while recording footsteps",
	ledger.OpStorePatientAmount: "An error occurred while storing the penalty amount",
	ledger.OpSettleRewards:      "An error occurred while settling the incentive amount",
}

// UserMessage converts an operation error into the text shown to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var pe *PreconditionError
	var provErr *session.ProviderError
	var depErr *ledger.DeploymentError
	var txErr *ledger.TransactionError

	switch {
	case errors.As(err, &pe):
		switch {
		case errors.Is(err, ErrOperationInFlight):
			return "Another request for this patient is still being processed"
		case errors.Is(err, ErrNoPatientSelected):
			return "Fetch a patient's details first"
		case errors.Is(err, ErrNoPatientAccount):
			return fmt.Sprintf("No account is available for patient %d", pe.PatientID)
		case errors.Is(err, ErrRegistrationClosed):
			return "Return to the registration form to record another patient"
		}
		return pe.Error()
	case errors.As(err, &provErr):
		return "Unable to load accounts from the ledger node"
	case errors.As(err, &depErr):
		return fmt.Sprintf("%s is not deployed on the connected network", depErr.Contract)
	case errors.As(err, &txErr):
		msg, ok := failureMessages[txErr.Op]
		if !ok {
			msg = "An error occurred while calling " + txErr.Op
		}
		switch {
		case errors.Is(err, ledger.ErrOutOfGas):
			return msg + ": out of gas"
		case errors.Is(err, ledger.ErrSignatureRejected):
			return msg + ": the account could not sign the transaction"
		case errors.Is(err, ledger.ErrReverted):
			return msg + ": the contract rejected the call"
		}
		return msg
	}
	return "An unexpected error occurred"
}
