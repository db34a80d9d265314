package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type stubProvider struct {
	accounts []common.Address
	err      error
}

func (s *stubProvider) Accounts(_ context.Context) ([]common.Address, error) {
	return s.accounts, s.err
}

func threeAccounts() *stubProvider {
	return &stubProvider{accounts: []common.Address{
		common.HexToAddress("0x1000"),
		common.HexToAddress("0x1001"),
		common.HexToAddress("0x1002"),
	}}
}

// ── Context ──────────────────────────────────────────────────────────────

func TestInitialize_firstAccountActive(t *testing.T) {
	p := threeAccounts()
	c, err := Initialize(context.Background(), p)
	if err != nil {
		t.Fatalf("Initialize() error: %v", err)
	}
	if c.ActiveAccount() != p.accounts[0] {
		t.Errorf("expected active account %s, got %s", p.accounts[0].Hex(), c.ActiveAccount().Hex())
	}
	if c.State() != StateIdle || c.State().View() != ViewRegistration {
		t.Errorf("expected idle/registration, got %s/%s", c.State(), c.State().View())
	}
	if _, ok := c.SelectedPatient(); ok {
		t.Error("expected no selected patient")
	}
	if c.ID() == "" {
		t.Error("expected a session id")
	}
}

func TestInitialize_providerErrors(t *testing.T) {
	cases := map[string]*stubProvider{
		"unreachable": {err: errors.New("dial tcp 127.0.0.1:7545: connection refused")},
		"empty":       {},
	}
	for name, p := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Initialize(context.Background(), p)
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("expected ProviderError, got %v", err)
			}
		})
	}
}

func TestInitialize_copiesAccounts(t *testing.T) {
	p := threeAccounts()
	c, _ := Initialize(context.Background(), p)
	p.accounts[1] = common.HexToAddress("0xdead")

	if a, _ := c.Account(1); a != common.HexToAddress("0x1001") {
		t.Errorf("expected context to keep its own copy, got %s", a.Hex())
	}
}

func TestUseAccount(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())

	if err := c.UseAccount(common.HexToAddress("0x1002")); err != nil {
		t.Fatalf("UseAccount() error: %v", err)
	}
	if c.ActiveAccount() != common.HexToAddress("0x1002") {
		t.Errorf("expected active 0x1002, got %s", c.ActiveAccount().Hex())
	}

	err := c.UseAccount(common.HexToAddress("0xbeef"))
	if !errors.Is(err, ErrUnknownAccount) {
		t.Errorf("expected ErrUnknownAccount, got %v", err)
	}
	if c.ActiveAccount() != common.HexToAddress("0x1002") {
		t.Error("active account changed by a rejected UseAccount")
	}
}

func TestAccount_outOfRange(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())
	if _, ok := c.Account(3); ok {
		t.Error("expected index 3 to be out of range")
	}
}

func TestSelect_staleGenerationDiscarded(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())

	older := c.Advance()
	newer := c.Advance()

	if !c.Select(newer, 2) {
		t.Fatal("expected current generation to be applied")
	}
	if c.Select(older, 1) {
		t.Error("expected stale generation to be discarded")
	}
	if id, ok := c.SelectedPatient(); !ok || id != 2 {
		t.Errorf("expected selected 2, got %d/%v", id, ok)
	}
	if c.State() != StateViewing {
		t.Errorf("expected viewing, got %s", c.State())
	}
}

func TestAbandon_olderCompletionApplies(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())

	register := c.Advance()
	fetch := c.Advance()
	c.Abandon(fetch)

	if !c.Transition(register, StateAwaitingFetch) {
		t.Fatal("expected an abandoned generation not to supersede older ones")
	}
	if c.State() != StateAwaitingFetch {
		t.Errorf("expected awaiting_fetch, got %s", c.State())
	}
}

func TestAbandon_appliesParkedSelection(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())

	older := c.Advance()
	newer := c.Advance()

	if c.Select(older, 1) {
		t.Fatal("expected the older selection to wait behind the running newer one")
	}
	if _, ok := c.SelectedPatient(); ok {
		t.Fatal("expected no selection yet")
	}

	c.Abandon(newer)
	if id, ok := c.SelectedPatient(); !ok || id != 1 {
		t.Errorf("expected parked selection 1 applied, got %d/%v", id, ok)
	}
	if c.State() != StateViewing {
		t.Errorf("expected viewing, got %s", c.State())
	}
}

func TestBeginRecording_onlyLatestRestores(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())
	if _, ok := c.BeginRecording(StateRecordingPenalty); ok {
		t.Fatal("expected BeginRecording to refuse outside the viewing section")
	}
	c.Select(c.Advance(), 1)

	first, _ := c.BeginRecording(StateRecordingFootsteps)
	second, ok := c.BeginRecording(StateRecordingFootsteps)
	if !ok {
		t.Fatal("expected a recording to start while another runs")
	}

	c.EndRecording(first)
	if c.State() != StateRecordingFootsteps {
		t.Errorf("expected recording_footsteps after the earlier call ends, got %s", c.State())
	}
	c.EndRecording(second)
	if c.State() != StateViewing {
		t.Errorf("expected viewing, got %s", c.State())
	}
}

func TestClearSelection(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())
	gen := c.Advance()
	c.Select(gen, 1)

	c.ClearSelection()

	if _, ok := c.SelectedPatient(); ok {
		t.Error("expected selection cleared")
	}
	if c.State().View() != ViewRegistration {
		t.Errorf("expected registration view, got %s", c.State().View())
	}
	if c.Transition(gen, StateViewing) {
		t.Error("expected transitions of earlier operations to be discarded")
	}
}

func TestEnter(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())

	if _, ok := c.Enter(StateRecordingFootsteps, StateViewing); ok {
		t.Error("expected Enter to refuse from idle")
	}
	if prev, ok := c.Enter(StateRegistering, StateIdle, StateAwaitingFetch); !ok || prev != StateIdle {
		t.Errorf("expected move from idle, got %s/%v", prev, ok)
	}
}

func TestSnapshot(t *testing.T) {
	c, _ := Initialize(context.Background(), threeAccounts())
	gen := c.Advance()
	c.Select(gen, 1)

	s := c.Snapshot()
	if s.SelectedPatient == nil || *s.SelectedPatient != 1 {
		t.Errorf("expected selected patient 1, got %v", s.SelectedPatient)
	}
	if s.View != ViewViewing || len(s.KnownAccounts) != 3 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}

// ── Store ────────────────────────────────────────────────────────────────

func TestStore_ttl(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	c, _ := Initialize(context.Background(), threeAccounts())
	s.Put(c)

	got, err := s.Get(c.ID())
	if err != nil || got != c {
		t.Fatalf("Get() = %v, %v", got, err)
	}

	now = now.Add(2 * time.Minute)
	if _, err := s.Get(c.ID()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after ttl, got %v", err)
	}
	if s.Len() != 0 {
		t.Errorf("expected expired entry removed, got %d", s.Len())
	}
}

func TestStore_evict(t *testing.T) {
	s := NewStore(time.Minute)
	now := time.Now()
	s.now = func() time.Time { return now }

	a, _ := Initialize(context.Background(), threeAccounts())
	s.Put(a)
	now = now.Add(30 * time.Second)
	b, _ := Initialize(context.Background(), threeAccounts())
	s.Put(b)
	now = now.Add(45 * time.Second)

	if n := s.Evict(); n != 1 {
		t.Errorf("expected 1 eviction, got %d", n)
	}
	if _, err := s.Get(b.ID()); err != nil {
		t.Errorf("expected %s to survive, got %v", b.ID(), err)
	}
}

// ── Tokens ───────────────────────────────────────────────────────────────

func TestTokenIssuer_roundTrip(t *testing.T) {
	ti, err := NewTokenIssuer([]byte("test-secret"), "incentived", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := ti.Issue("abc")
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	sid, err := ti.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if sid != "abc" {
		t.Errorf("expected sid abc, got %q", sid)
	}
}

func TestTokenIssuer_rejectsForeignKey(t *testing.T) {
	a, _ := NewTokenIssuer([]byte("secret-a"), "incentived", time.Hour)
	b, _ := NewTokenIssuer([]byte("secret-b"), "incentived", time.Hour)
	tok, _ := a.Issue("abc")
	if _, err := b.Verify(tok); err == nil {
		t.Error("expected signature verification to fail")
	}
}

func TestTokenIssuer_rejectsTampered(t *testing.T) {
	ti, _ := NewTokenIssuer([]byte("secret"), "incentived", time.Hour)
	tok, _ := ti.Issue("abc")
	parts := strings.Split(tok, ".")
	if _, err := ti.Verify(parts[0] + "." + parts[1] + ".AAAA"); err == nil {
		t.Error("expected tampered token to fail")
	}
}

func TestNewTokenIssuer_emptySecret(t *testing.T) {
	if _, err := NewTokenIssuer(nil, "incentived", 0); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestTokenIssuer_keyBoundToIssuer(t *testing.T) {
	a, _ := NewTokenIssuer([]byte("shared"), "incentived-a", time.Hour)
	b, _ := NewTokenIssuer([]byte("shared"), "incentived-b", time.Hour)
	tok, _ := a.Issue("abc")
	if _, err := b.Verify(tok); err == nil {
		t.Error("expected token from another issuer to fail")
	}
}
