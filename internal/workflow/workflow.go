// Package workflow orchestrates the patient lifecycle against the ledger:
// registration, detail fetch, footstep recording, penalty deposit and
// incentive settlement.
//
// Every operation runs against an explicit session.Context. The ledger call
// always happens before the session is touched, and a failed call leaves the
// session's accounts and selection exactly as they were.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"github.com/jmerrifield20/healthincentive/internal/patients"
	"github.com/jmerrifield20/healthincentive/internal/receipts"
	"github.com/jmerrifield20/healthincentive/internal/session"
	"go.uber.org/zap"
)

// Confirmation messages.
const (
	MsgPatientRecorded   = "Patient details recorded"
	MsgFootstepsRecorded = "Footsteps recorded for the patient"
	MsgPenaltyStored     = "Penalty Amount stored in Contract by the patient"
	MsgIncentiveSettled  = "Incentive Amount settlement completed by the Insurance provider"
)

// Contract is the typed ledger call surface. *ledger.HealthInsurance satisfies it.
type Contract interface {
	RecordPatient(ctx context.Context, cc ledger.CallContext, id uint64, disease, gender string, age uint64, patientAccount common.Address) (*ledger.Receipt, error)
	GetPatientDetails(ctx context.Context, id uint64) (*ledger.PatientRecord, error)
	RecordFootsteps(ctx context.Context, cc ledger.CallContext, id, footsteps uint64) (*ledger.Receipt, error)
	StorePatientAmount(ctx context.Context, cc ledger.CallContext, id uint64) (*ledger.Receipt, error)
	SettleRewards(ctx context.Context, cc ledger.CallContext, id uint64) (*ledger.Receipt, error)
}

// Config holds workflow configuration.
type Config struct {
	GasLimit       uint64
	PenaltyEther   int64
	IncentiveEther int64

	// ConfirmTimeout bounds how long a submitted transaction is awaited.
	// Request cancellation does not abort a submitted call.
	ConfirmTimeout time.Duration
}

// Registration is the input of RegisterPatient.
type Registration struct {
	ID      uint64 `json:"id"`
	Disease string `json:"disease" binding:"required"`
	Gender  string `json:"gender" binding:"required"`
	Age     uint64 `json:"age"`
}

// Result describes a completed operation and the session position after it.
type Result struct {
	Op        string                `json:"op"`
	PatientID uint64                `json:"patient_id"`
	Message   string                `json:"message,omitempty"`
	Receipt   *ledger.Receipt       `json:"receipt,omitempty"`
	Record    *ledger.PatientRecord `json:"record,omitempty"`
	State     session.State         `json:"state"`
	View      session.View          `json:"view"`

	// Superseded is set when a newer operation started before this one
	// completed, so its view transition was discarded.
	Superseded bool `json:"superseded,omitempty"`
}

// MetricsRecordFunc is an optional callback for recording operation outcomes.
type MetricsRecordFunc func(op string, success bool, elapsed time.Duration)

// Workflow runs patient operations. Safe for concurrent use.
type Workflow struct {
	contract  Contract
	directory patients.Directory // nil = positional account lookup only
	journal   receipts.Journal   // nil = no journal writes
	cfg       Config
	onMetrics MetricsRecordFunc
	logger    *zap.Logger

	mu       sync.Mutex
	inflight map[uint64]string
}

// New creates a Workflow.
func New(contract Contract, cfg Config, logger *zap.Logger) *Workflow {
	if cfg.GasLimit == 0 {
		cfg.GasLimit = ledger.DefaultGasLimit
	}
	if cfg.PenaltyEther == 0 {
		cfg.PenaltyEther = 4
	}
	if cfg.IncentiveEther == 0 {
		cfg.IncentiveEther = 20
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &Workflow{
		contract: contract,
		cfg:      cfg,
		logger:   logger,
		inflight: make(map[uint64]string),
	}
}

// SetDirectory configures the patient directory written on registration and
// consulted for the penalty payer.
func (w *Workflow) SetDirectory(d patients.Directory) {
	w.directory = d
}

// SetJournal configures the receipt journal.
func (w *Workflow) SetJournal(j receipts.Journal) {
	w.journal = j
}

// SetMetricsRecord configures the metrics recording callback.
func (w *Workflow) SetMetricsRecord(fn MetricsRecordFunc) {
	w.onMetrics = fn
}

// acquire marks patientID busy with op. The returned func releases it.
func (w *Workflow) acquire(op string, patientID uint64) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if running, ok := w.inflight[patientID]; ok {
		w.logger.Info("operation rejected, patient busy",
			zap.String("op", op),
			zap.String("running", running),
			zap.Uint64("patient_id", patientID),
		)
		return nil, &PreconditionError{Op: op, PatientID: patientID, Err: ErrOperationInFlight}
	}
	w.inflight[patientID] = op
	return func() {
		w.mu.Lock()
		delete(w.inflight, patientID)
		w.mu.Unlock()
	}, nil
}

// detach returns a context for a state-changing call: request cancellation
// is ignored and the wait is bounded by ConfirmTimeout.
func (w *Workflow) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ConfirmTimeout)
}

func (w *Workflow) callContext(from common.Address, valueEther int64) ledger.CallContext {
	cc := ledger.CallContext{From: from, GasLimit: w.cfg.GasLimit}
	if valueEther > 0 {
		cc.Value = ledger.Ether(valueEther)
	}
	return cc
}

// finish logs and records the outcome of op.
func (w *Workflow) finish(op string, patientID uint64, start time.Time, err error) {
	if w.onMetrics != nil {
		w.onMetrics(op, err == nil, time.Since(start))
	}
	if err != nil {
		w.logger.Error("workflow operation failed",
			zap.String("op", op),
			zap.Uint64("patient_id", patientID),
			zap.String("user_message", UserMessage(err)),
			zap.Error(err),
		)
		return
	}
	w.logger.Info("workflow operation completed",
		zap.String("op", op),
		zap.Uint64("patient_id", patientID),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// appendJournal records a confirmed receipt in a non-fatal manner.
func (w *Workflow) appendJournal(ctx context.Context, patientID uint64, r *ledger.Receipt) {
	if w.journal == nil {
		return
	}
	if _, err := w.journal.Append(ctx, patientID, r); err != nil {
		w.logger.Error("journal append failed (non-fatal)",
			zap.String("op", r.Op),
			zap.Uint64("patient_id", patientID),
			zap.Error(err),
		)
	}
}

func result(sess *session.Context, op string, patientID uint64) *Result {
	state := sess.State()
	return &Result{Op: op, PatientID: patientID, State: state, View: state.View()}
}

// RegisterPatient records a new patient whose penalty account is
// knownAccounts[reg.ID], authorized by the active account. On success the
// session moves to the fetch view.
func (w *Workflow) RegisterPatient(ctx context.Context, sess *session.Context, reg Registration) (res *Result, err error) {
	const op = ledger.OpRecordPatient
	start := time.Now()
	defer func() { w.finish(op, reg.ID, start, err) }()

	account, ok := sess.Account(reg.ID)
	if !ok {
		return nil, &PreconditionError{Op: op, PatientID: reg.ID, Err: ErrNoPatientAccount}
	}

	release, err := w.acquire(op, reg.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	if _, ok := sess.Enter(session.StateRegistering, session.StateIdle); !ok {
		return nil, &PreconditionError{Op: op, PatientID: reg.ID, Err: ErrRegistrationClosed}
	}
	gen := sess.Advance()

	tctx, cancel := w.detach(ctx)
	defer cancel()

	rcpt, err := w.contract.RecordPatient(tctx, w.callContext(sess.ActiveAccount(), 0),
		reg.ID, reg.Disease, reg.Gender, reg.Age, account)
	if err != nil {
		sess.Abandon(gen)
		sess.Enter(session.StateIdle, session.StateRegistering)
		return nil, err
	}

	superseded := !sess.Transition(gen, session.StateAwaitingFetch)
	if superseded {
		// A newer fetch is still running: leave the form, it selects later.
		sess.Enter(session.StateAwaitingFetch, session.StateRegistering)
	}

	if w.directory != nil {
		entry := patients.Entry{
			PatientID:    reg.ID,
			Account:      account,
			Disease:      reg.Disease,
			Gender:       reg.Gender,
			Age:          reg.Age,
			TxHash:       rcpt.TxHash,
			RegisteredAt: time.Now().UTC(),
		}
		if err := w.directory.Bind(tctx, entry); err != nil {
			w.logger.Error("directory bind failed (non-fatal)",
				zap.Uint64("patient_id", reg.ID),
				zap.Error(err),
			)
		}
	}
	w.appendJournal(tctx, reg.ID, rcpt)

	res = result(sess, op, reg.ID)
	res.Message = MsgPatientRecorded
	res.Receipt = rcpt
	res.Superseded = superseded
	return res, nil
}

// FetchPatientDetails reads a patient's record and, unless a newer operation
// superseded it, selects the patient and moves to the viewing state.
func (w *Workflow) FetchPatientDetails(ctx context.Context, sess *session.Context, patientID uint64) (res *Result, err error) {
	const op = ledger.OpGetPatientDetails
	start := time.Now()
	defer func() { w.finish(op, patientID, start, err) }()

	release, err := w.acquire(op, patientID)
	if err != nil {
		return nil, err
	}
	defer release()

	gen := sess.Advance()

	rec, err := w.contract.GetPatientDetails(ctx, patientID)
	if err != nil {
		sess.Abandon(gen)
		return nil, err
	}

	superseded := !sess.Select(gen, rec.ID)
	if superseded {
		w.logger.Debug("stale fetch discarded", zap.Uint64("patient_id", patientID))
	}

	res = result(sess, op, rec.ID)
	res.Record = rec
	res.Superseded = superseded
	return res, nil
}

// RecordFootsteps records a footstep count for the selected patient,
// authorized by the active account.
func (w *Workflow) RecordFootsteps(ctx context.Context, sess *session.Context, footsteps uint64) (*Result, error) {
	return w.record(ctx, sess, ledger.OpRecordFootsteps, session.StateRecordingFootsteps, MsgFootstepsRecorded,
		func(_ context.Context, _ uint64) (common.Address, error) { return sess.ActiveAccount(), nil },
		0,
		func(ctx context.Context, cc ledger.CallContext, id uint64) (*ledger.Receipt, error) {
			return w.contract.RecordFootsteps(ctx, cc, id, footsteps)
		},
	)
}

// StorePenalty deposits the penalty amount for the selected patient,
// authorized by the patient's own account regardless of the active account.
func (w *Workflow) StorePenalty(ctx context.Context, sess *session.Context) (*Result, error) {
	return w.record(ctx, sess, ledger.OpStorePatientAmount, session.StateRecordingPenalty, MsgPenaltyStored,
		func(ctx context.Context, id uint64) (common.Address, error) { return w.patientAccount(ctx, sess, id) },
		w.cfg.PenaltyEther,
		w.contract.StorePatientAmount,
	)
}

// SettleIncentive pays the incentive amount for the selected patient,
// authorized by the active account.
func (w *Workflow) SettleIncentive(ctx context.Context, sess *session.Context) (*Result, error) {
	return w.record(ctx, sess, ledger.OpSettleRewards, session.StateRecordingIncentive, MsgIncentiveSettled,
		func(_ context.Context, _ uint64) (common.Address, error) { return sess.ActiveAccount(), nil },
		w.cfg.IncentiveEther,
		w.contract.SettleRewards,
	)
}

type payerFunc func(ctx context.Context, patientID uint64) (common.Address, error)

type recordFunc func(ctx context.Context, cc ledger.CallContext, patientID uint64) (*ledger.Receipt, error)

// record runs one of the recording operations against the patient selected
// when the call was made.
func (w *Workflow) record(ctx context.Context, sess *session.Context, op string, recording session.State, msg string, payer payerFunc, valueEther int64, call recordFunc) (res *Result, err error) {
	start := time.Now()
	patientID, ok := sess.SelectedPatient()
	defer func() { w.finish(op, patientID, start, err) }()

	if !ok {
		return nil, &PreconditionError{Op: op, Err: ErrNoPatientSelected}
	}

	release, err := w.acquire(op, patientID)
	if err != nil {
		return nil, err
	}
	defer release()

	from, err := payer(ctx, patientID)
	if err != nil {
		return nil, err
	}

	token, entered := sess.BeginRecording(recording)

	tctx, cancel := w.detach(ctx)
	defer cancel()

	rcpt, err := call(tctx, w.callContext(from, valueEther), patientID)
	if entered {
		sess.EndRecording(token)
	}
	if err != nil {
		return nil, err
	}
	w.appendJournal(tctx, patientID, rcpt)

	res = result(sess, op, patientID)
	res.Message = msg
	res.Receipt = rcpt
	return res, nil
}

// patientAccount returns the account bound to patientID in the directory,
// falling back to knownAccounts[patientID].
func (w *Workflow) patientAccount(ctx context.Context, sess *session.Context, patientID uint64) (common.Address, error) {
	if w.directory != nil {
		e, err := w.directory.Lookup(ctx, patientID)
		switch {
		case err == nil:
			return e.Account, nil
		case !errors.Is(err, patients.ErrNotFound):
			w.logger.Warn("directory lookup failed, using account index",
				zap.Uint64("patient_id", patientID),
				zap.Error(err),
			)
		}
	}
	if a, ok := sess.Account(patientID); ok {
		return a, nil
	}
	return common.Address{}, &PreconditionError{Op: ledger.OpStorePatientAmount, PatientID: patientID, Err: ErrNoPatientAccount}
}

// ShowRegistration returns the session to the registration view and clears
// the selected patient.
func (w *Workflow) ShowRegistration(sess *session.Context) *Result {
	sess.ClearSelection()
	return result(sess, "showRegistration", 0)
}
