// Package ledgertest provides an in-process simulation of the
// HealthInsuranceIncentive contract behind the ledger.Backend interface.
//
// Every accepted transaction is mined immediately into its own block. The
// simulation enforces the contract's authorization and value rules so that
// callers exercising the wrong account or amount observe a reverted receipt.
package ledgertest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
)

// NetworkID is the network id reported by the simulation (Ganache's default).
const NetworkID = 5777

// DailyStepGoal is the footstep count that earns one activity day.
const DailyStepGoal = 10_000

// ContractAddress is where the simulated contract is deployed.
var ContractAddress = common.HexToAddress("0x5b1869D9A4C187F2EAa108f3062412ecf0526b24")

// Call records one submitted transaction.
type Call struct {
	Op    string
	From  common.Address
	Gas   uint64
	Value *big.Int
	Args  []any
}

type patient struct {
	disease  string
	gender   string
	age      uint64
	account  common.Address
	eligible bool
	days     uint64
	deposit  *big.Int
}

type hold struct {
	reached chan struct{}
	release chan struct{}
}

// Backend simulates a node with the contract deployed. Safe for concurrent use.
type Backend struct {
	abi      abi.ABI
	accounts []common.Address

	mu           sync.Mutex
	deployed     bool
	patients     map[uint64]*patient
	head         uint64
	logs         []types.Log
	receipts     map[common.Hash]*types.Receipt
	pendingPolls map[common.Hash]int
	receiptDelay int
	calls        []Call
	reads        int
	txCount      uint64
	failNext     map[string]error
	filterErrs   []error
	accountsErr  error
	holds        map[string]*hold
}

// New creates a simulated node with numAccounts managed accounts.
// Account 0 is the operator (insurance provider).
func New(numAccounts int) *Backend {
	accounts := make([]common.Address, numAccounts)
	for i := range accounts {
		accounts[i] = common.BigToAddress(big.NewInt(int64(0x1000 + i)))
	}
	return &Backend{
		abi:          ledger.NewArtifact("0", common.Address{}).ABI(),
		accounts:     accounts,
		deployed:     true,
		patients:     make(map[uint64]*patient),
		receipts:     make(map[common.Hash]*types.Receipt),
		pendingPolls: make(map[common.Hash]int),
		failNext:     make(map[string]error),
		holds:        make(map[string]*hold),
	}
}

// Artifact returns a Truffle-style artifact pointing at the simulated deployment.
func (b *Backend) Artifact() *ledger.Artifact {
	return ledger.NewArtifact(strconv.Itoa(NetworkID), ContractAddress)
}

// Account returns the i-th managed account.
func (b *Backend) Account(i int) common.Address { return b.accounts[i] }

// Undeploy removes the contract code, so resolution fails.
func (b *Backend) Undeploy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deployed = false
}

// FailAccounts makes Accounts return err (nil restores normal behaviour).
func (b *Backend) FailAccounts(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountsErr = err
}

// FailNext makes the next submission of op fail with err before it is mined.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext[op] = err
}

// FailFilter makes the next FilterLogs call fail with err.
func (b *Backend) FailFilter(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterErrs = append(b.filterErrs, err)
}

// DelayReceipts makes every following receipt report NotFound n times before
// it becomes available.
func (b *Backend) DelayReceipts(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receiptDelay = n
}

// SetEligible overrides a registered patient's eligibility flag.
func (b *Backend) SetEligible(id uint64, eligible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.patients[id]; ok {
		p.eligible = eligible
	}
}

// Hold blocks the next call of op until release is called. reached is closed
// once the call is blocked.
func (b *Backend) Hold(op string) (reached <-chan struct{}, release func()) {
	h := &hold{reached: make(chan struct{}), release: make(chan struct{})}
	b.mu.Lock()
	b.holds[op] = h
	b.mu.Unlock()
	var once sync.Once
	return h.reached, func() { once.Do(func() { close(h.release) }) }
}

// Calls returns every submitted transaction, including rejected ones.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Reads returns the number of read-only calls served.
func (b *Backend) Reads() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reads
}

// Emit mines an empty block carrying a well-formed event log.
func (b *Backend) Emit(event string, args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, err := b.eventLog(event, args...)
	if err != nil {
		return err
	}
	b.head++
	b.txCount++
	b.appendLogs(common.BigToHash(new(big.Int).SetUint64(b.txCount)), []*types.Log{l})
	return nil
}

// InjectLog mines a block carrying l verbatim. Use it to deliver malformed logs.
func (b *Backend) InjectLog(l types.Log) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head++
	b.txCount++
	l.Address = ContractAddress
	b.appendLogs(common.BigToHash(new(big.Int).SetUint64(b.txCount)), []*types.Log{&l})
}

// ── ledger.Backend ──────────────────────────────────────────────────────────

// Accounts implements ledger.Backend.
func (b *Backend) Accounts(_ context.Context) ([]common.Address, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountsErr != nil {
		return nil, b.accountsErr
	}
	out := make([]common.Address, len(b.accounts))
	copy(out, b.accounts)
	return out, nil
}

// NetworkID implements ledger.Backend.
func (b *Backend) NetworkID(_ context.Context) (*big.Int, error) {
	return big.NewInt(NetworkID), nil
}

// CodeAt implements ledger.Backend.
func (b *Backend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if account != ContractAddress || !b.deployed {
		return nil, nil
	}
	return []byte{0x60, 0x80, 0x60, 0x40}, nil
}

// CallContract implements ledger.Backend.
func (b *Backend) CallContract(ctx context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, args, err := b.decode(msg.Data)
	if err != nil {
		return nil, err
	}
	if err := b.wait(ctx, method.Name); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++

	if method.Name != ledger.OpGetPatientDetails {
		return nil, fmt.Errorf("execution reverted: %s is not a view", method.Name)
	}
	id := args[0].(*big.Int).Uint64()
	p, ok := b.patients[id]
	if !ok {
		return nil, errors.New("execution reverted: patient not found")
	}
	return method.Outputs.Pack(
		new(big.Int).SetUint64(id), p.disease, new(big.Int).SetUint64(p.age),
		p.gender, p.eligible, new(big.Int).SetUint64(p.days),
	)
}

// SubmitTransaction implements ledger.Backend.
func (b *Backend) SubmitTransaction(ctx context.Context, msg ethereum.CallMsg) (common.Hash, error) {
	method, args, err := b.decode(msg.Data)
	if err != nil {
		return common.Hash{}, err
	}
	if err := b.wait(ctx, method.Name); err != nil {
		return common.Hash{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.calls = append(b.calls, Call{Op: method.Name, From: msg.From, Gas: msg.Gas, Value: msg.Value, Args: args})

	if err, ok := b.failNext[method.Name]; ok {
		delete(b.failNext, method.Name)
		return common.Hash{}, err
	}
	if !b.isAccount(msg.From) {
		return common.Hash{}, fmt.Errorf("sender account not recognized: %s", msg.From.Hex())
	}

	b.txCount++
	hash := common.BigToHash(new(big.Int).SetUint64(b.txCount))
	b.head++

	rcpt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      hash,
		BlockNumber: new(big.Int).SetUint64(b.head),
		GasUsed:     21_000 + uint64(len(msg.Data))*16,
	}
	switch {
	case msg.Gas < rcpt.GasUsed:
		rcpt.Status = types.ReceiptStatusFailed
		rcpt.GasUsed = msg.Gas
	default:
		logs, err := b.apply(method.Name, msg, args)
		if err != nil {
			rcpt.Status = types.ReceiptStatusFailed
			break
		}
		b.appendLogs(hash, logs)
		rcpt.Logs = logs
	}

	b.receipts[hash] = rcpt
	if b.receiptDelay > 0 {
		b.pendingPolls[hash] = b.receiptDelay
	}
	return hash, nil
}

// TransactionReceipt implements ledger.Backend.
func (b *Backend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := b.pendingPolls[txHash]; n > 0 {
		b.pendingPolls[txHash] = n - 1
		return nil, ethereum.NotFound
	}
	rcpt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return rcpt, nil
}

// BlockNumber implements ledger.Backend.
func (b *Backend) BlockNumber(_ context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

// FilterLogs implements ledger.Backend. Logs without topics are returned to
// every query, the way a misbehaving node would.
func (b *Backend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.filterErrs) > 0 {
		err := b.filterErrs[0]
		b.filterErrs = b.filterErrs[1:]
		return nil, err
	}

	var out []types.Log
	for _, l := range b.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Topics) > 0 && len(q.Topics[0]) > 0 && len(l.Topics) > 0 && !containsHash(q.Topics[0], l.Topics[0]) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

// ── contract rules ──────────────────────────────────────────────────────────

func (b *Backend) apply(op string, msg ethereum.CallMsg, args []any) ([]*types.Log, error) {
	id := args[0].(*big.Int).Uint64()
	operator := b.accounts[0]

	switch op {
	case ledger.OpRecordPatient:
		if msg.From != operator {
			return nil, errors.New("only the insurance provider can record patients")
		}
		if _, ok := b.patients[id]; ok {
			return nil, errors.New("patient already recorded")
		}
		b.patients[id] = &patient{
			disease:  args[1].(string),
			gender:   args[2].(string),
			age:      args[3].(*big.Int).Uint64(),
			account:  args[4].(common.Address),
			eligible: true,
		}
		return b.emit(ledger.EventPatientRecorded, new(big.Int).SetUint64(id))

	case ledger.OpRecordFootsteps:
		p, ok := b.patients[id]
		if !ok || msg.From != operator {
			return nil, errors.New("unknown patient or caller")
		}
		steps := args[1].(*big.Int)
		if steps.Uint64() >= DailyStepGoal {
			p.days++
		}
		return b.emit(ledger.EventFootstepsRecorded, new(big.Int).SetUint64(id), steps)

	case ledger.OpStorePatientAmount:
		p, ok := b.patients[id]
		if !ok || msg.From != p.account {
			return nil, errors.New("only the patient can store the penalty amount")
		}
		if msg.Value == nil || msg.Value.Cmp(ledger.Ether(4)) != 0 {
			return nil, errors.New("penalty amount must be 4 ether")
		}
		p.deposit = new(big.Int).Set(msg.Value)
		return b.emit(ledger.EventTransactionCompleted, new(big.Int).SetUint64(id), msg.Value)

	case ledger.OpSettleRewards:
		if _, ok := b.patients[id]; !ok || msg.From != operator {
			return nil, errors.New("only the insurance provider can settle rewards")
		}
		if msg.Value == nil || msg.Value.Cmp(ledger.Ether(20)) != 0 {
			return nil, errors.New("incentive amount must be 20 ether")
		}
		return b.emit(ledger.EventTransactionCompleted, new(big.Int).SetUint64(id), msg.Value)
	}
	return nil, fmt.Errorf("%s is not a transaction", op)
}

func (b *Backend) emit(event string, args ...any) ([]*types.Log, error) {
	l, err := b.eventLog(event, args...)
	if err != nil {
		return nil, err
	}
	return []*types.Log{l}, nil
}

func (b *Backend) eventLog(event string, args ...any) (*types.Log, error) {
	ev, ok := b.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	data, err := ev.Inputs.Pack(args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", event, err)
	}
	return &types.Log{Address: ContractAddress, Topics: []common.Hash{ev.ID}, Data: data}, nil
}

// appendLogs stamps logs with the current head block and stores them.
func (b *Backend) appendLogs(hash common.Hash, logs []*types.Log) {
	for _, l := range logs {
		l.BlockNumber = b.head
		l.TxHash = hash
		l.Index = uint(len(b.logs))
		b.logs = append(b.logs, *l)
	}
}

func (b *Backend) decode(data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("invalid calldata")
	}
	method, err := b.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func (b *Backend) wait(ctx context.Context, op string) error {
	b.mu.Lock()
	h, ok := b.holds[op]
	if ok {
		delete(b.holds, op)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	close(h.reached)
	select {
	case <-h.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) isAccount(a common.Address) bool {
	for _, acct := range b.accounts {
		if acct == a {
			return true
		}
	}
	return false
}

func containsHash(set []common.Hash, h common.Hash) bool {
	for _, s := range set {
		if s == h {
			return true
		}
	}
	return false
}
