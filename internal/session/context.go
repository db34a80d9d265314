// Package session holds the per-client account context that authorizes every
// ledger call: the active operator account, the node's managed accounts and
// the currently selected patient.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// ErrUnknownAccount is returned by UseAccount for an account the provider does not manage.
var ErrUnknownAccount = errors.New("account is not managed by the provider")

// ErrNoAccounts is wrapped by ProviderError when the provider returned an empty list.
var ErrNoAccounts = errors.New("account provider returned no accounts")

// ProviderError is returned by Initialize when the account provider is
// unreachable or has no accounts.
type ProviderError struct {
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("account provider unavailable: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AccountProvider lists the node-managed accounts. ledger.Backend satisfies it.
type AccountProvider interface {
	Accounts(ctx context.Context) ([]common.Address, error)
}

// State is the workflow position of a session.
type State string

const (
	StateIdle               State = "idle"
	StateRegistering        State = "registering"
	StateAwaitingFetch      State = "awaiting_fetch"
	StateViewing            State = "viewing"
	StateRecordingFootsteps State = "recording_footsteps"
	StateRecordingPenalty   State = "recording_penalty"
	StateRecordingIncentive State = "recording_incentive"
)

// View is the page section shown for a state.
type View string

const (
	ViewRegistration View = "registration"
	ViewFetch        View = "fetch"
	ViewViewing      View = "viewing"
)

func (s State) recording() bool {
	switch s {
	case StateRecordingFootsteps, StateRecordingPenalty, StateRecordingIncentive:
		return true
	}
	return false
}

// View returns the page section shown while in s.
func (s State) View() View {
	switch s {
	case StateAwaitingFetch:
		return ViewFetch
	case StateViewing, StateRecordingFootsteps, StateRecordingPenalty, StateRecordingIncentive:
		return ViewViewing
	}
	return ViewRegistration
}

// Context is one client's account context. Safe for concurrent use.
//
// Selection and view transitions are guarded by generations: an operation
// claims one when it starts and its completion is applied only if no newer
// operation is still running or has completed since. A failed operation
// abandons its generation and no longer supersedes older ones.
type Context struct {
	id        string
	createdAt time.Time

	mu         sync.Mutex
	active     common.Address
	known      []common.Address
	selected   uint64
	hasSelect  bool
	state      State

	next      uint64
	settled   uint64
	pending   map[uint64]struct{}
	parked    *intent
	recording uint64
}

// intent is a completion that arrived while only newer, still unfinished
// operations stood in its way. It is applied if all of them are abandoned.
type intent struct {
	gen      uint64
	state    State
	selected *uint64
}

// Initialize queries the provider's accounts and returns a context whose
// active account is the first of them, in state Idle.
func Initialize(ctx context.Context, p AccountProvider) (*Context, error) {
	accounts, err := p.Accounts(ctx)
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	if len(accounts) == 0 {
		return nil, &ProviderError{Err: ErrNoAccounts}
	}
	known := make([]common.Address, len(accounts))
	copy(known, accounts)
	return &Context{
		id:        uuid.New().String(),
		createdAt: time.Now().UTC(),
		active:    known[0],
		known:     known,
		state:     StateIdle,
		pending:   make(map[uint64]struct{}),
	}, nil
}

// ID returns the session id.
func (c *Context) ID() string { return c.id }

// CreatedAt returns when the session was initialized.
func (c *Context) CreatedAt() time.Time { return c.createdAt }

// ActiveAccount returns the operator account used for provider-side calls.
func (c *Context) ActiveAccount() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// KnownAccounts returns a copy of the provider's accounts in provider order.
func (c *Context) KnownAccounts() []common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]common.Address, len(c.known))
	copy(out, c.known)
	return out
}

// Account returns knownAccounts[i].
func (c *Context) Account(i uint64) (common.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= uint64(len(c.known)) {
		return common.Address{}, false
	}
	return c.known[i], true
}

// UseAccount switches the active operator account.
func (c *Context) UseAccount(addr common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.known {
		if a == addr {
			c.active = addr
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
}

// SelectedPatient returns the patient chosen by the last successful fetch.
func (c *Context) SelectedPatient() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected, c.hasSelect
}

// State returns the current workflow state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Generation returns the generation a completion must hold to be applied.
func (c *Context) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current()
}

func (c *Context) current() uint64 {
	cur := c.settled
	for g := range c.pending {
		if g > cur {
			cur = g
		}
	}
	return cur
}

// Advance starts a selection-changing operation and returns its generation.
func (c *Context) Advance() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.pending[c.next] = struct{}{}
	return c.next
}

// Abandon releases gen after its operation failed. A completion parked
// behind gen is applied once nothing newer remains.
func (c *Context) Abandon(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, gen)
	if c.parked != nil && c.parked.gen == c.current() {
		c.apply(*c.parked)
	}
}

// Transition moves to next if gen is still current.
func (c *Context) Transition(gen uint64, next State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete(intent{gen: gen, state: next})
}

// complete applies in if its generation is current, or parks it when only
// unfinished operations are newer. Caller holds c.mu.
func (c *Context) complete(in intent) bool {
	delete(c.pending, in.gen)
	if in.gen >= c.current() {
		c.apply(in)
		return true
	}
	if in.gen > c.settled && (c.parked == nil || in.gen > c.parked.gen) {
		c.parked = &in
	}
	return false
}

func (c *Context) apply(in intent) {
	c.settled = in.gen
	c.state = in.state
	if in.selected != nil {
		c.selected = *in.selected
		c.hasSelect = true
	}
	if c.parked != nil && c.parked.gen <= in.gen {
		c.parked = nil
	}
}

// Enter moves to next when the current state is one of from. It returns the
// state found and whether the move happened.
func (c *Context) Enter(next State, from ...State) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.state == s {
			c.state = next
			return s, true
		}
	}
	return c.state, false
}

// Select records id as the selected patient and moves to Viewing if gen is
// still current.
func (c *Context) Select(gen, id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.complete(intent{gen: gen, state: StateViewing, selected: &id})
}

// BeginRecording moves from Viewing, or another recording, to state and
// returns a token for EndRecording.
func (c *Context) BeginRecording(state State) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateViewing && !c.state.recording() {
		return 0, false
	}
	c.state = state
	c.recording++
	return c.recording, true
}

// EndRecording returns to Viewing unless a later recording started or the
// session left the viewing section meanwhile.
func (c *Context) EndRecording(token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if token == c.recording && c.state.recording() {
		c.state = StateViewing
	}
}

// ClearSelection returns to the registration view and forgets the selected
// patient. Completions of operations started earlier are discarded.
func (c *Context) ClearSelection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.settled = c.next
	c.parked = nil
	c.recording++
	c.selected = 0
	c.hasSelect = false
	c.state = StateIdle
}

// Snapshot is a consistent point-in-time copy of a Context.
type Snapshot struct {
	ID              string           `json:"session_id"`
	ActiveAccount   common.Address   `json:"active_account"`
	KnownAccounts   []common.Address `json:"known_accounts"`
	SelectedPatient *uint64          `json:"selected_patient,omitempty"`
	State           State            `json:"state"`
	View            View             `json:"view"`
}

// Snapshot returns a copy of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		ID:            c.id,
		ActiveAccount: c.active,
		KnownAccounts: append([]common.Address(nil), c.known...),
		State:         c.state,
		View:          c.state.View(),
	}
	if c.hasSelect {
		id := c.selected
		s.SelectedPatient = &id
	}
	return s
}
