// Package events republishes contract events as application notifications.
//
// A Bridge holds at most one live subscription per event kind. Each
// subscription replays the event history from block 0 and then follows new
// blocks. Delivery failures are logged and counted, never propagated, and the
// subscription keeps watching after them.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jmerrifield20/healthincentive/internal/ledger"
	"go.uber.org/zap"
)

// Kind identifies one of the contract's event streams.
type Kind int

const (
	PatientRecorded Kind = iota
	FootstepsRecorded
	TransactionCompleted
)

// Kinds lists every event kind the bridge subscribes to.
func Kinds() []Kind {
	return []Kind{PatientRecorded, FootstepsRecorded, TransactionCompleted}
}

// EventName returns the contract event name for k.
func (k Kind) EventName() string {
	switch k {
	case PatientRecorded:
		return ledger.EventPatientRecorded
	case FootstepsRecorded:
		return ledger.EventFootstepsRecorded
	case TransactionCompleted:
		return ledger.EventTransactionCompleted
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) String() string { return k.EventName() }

// Notification is one delivered contract event. The event payload is not decoded.
type Notification struct {
	Kind        Kind        `json:"-"`
	Name        string      `json:"name"`
	Message     string      `json:"message"`
	BlockNumber uint64      `json:"block_number"`
	TxHash      common.Hash `json:"tx_hash"`
	ReceivedAt  time.Time   `json:"received_at"`
	// Replayed is set for history mined before the subscription started.
	Replayed bool `json:"replayed,omitempty"`
}

// Message formats the display string for an event name.
func Message(name string) string { return "Event triggered: " + name }

// SubscriptionDeliveryError reports a notification that could not be delivered.
type SubscriptionDeliveryError struct {
	Kind Kind
	Err  error
}

func (e *SubscriptionDeliveryError) Error() string {
	return fmt.Sprintf("deliver %s: %v", e.Kind.EventName(), e.Err)
}

func (e *SubscriptionDeliveryError) Unwrap() error { return e.Err }

// Watcher streams a named contract event. *ledger.Instance satisfies it.
type Watcher interface {
	WatchEvent(ctx context.Context, name string, interval time.Duration, handle ledger.EventHandler) error
}

// Resolver resolves the deployed contract instance. *ledger.Binding satisfies it.
type Resolver interface {
	Instance(ctx context.Context) (*ledger.Instance, error)
}

// DisplayFunc receives every delivered notification.
type DisplayFunc func(Notification)

// MetricsRecordFunc is an optional callback for recording delivery outcomes.
type MetricsRecordFunc func(event string, delivered bool)

// Bridge fans contract events out to display callbacks and listeners.
type Bridge struct {
	interval  time.Duration
	logger    *zap.Logger
	onMetrics MetricsRecordFunc

	mu        sync.Mutex
	subs      map[Kind]*Subscription
	displays  []DisplayFunc
	listeners map[chan Notification]struct{}
	latest    *Notification
	failures  int
	closed    bool
}

// NewBridge creates a Bridge that polls for new blocks every interval.
func NewBridge(interval time.Duration, logger *zap.Logger) *Bridge {
	return &Bridge{
		interval:  interval,
		logger:    logger,
		subs:      make(map[Kind]*Subscription),
		listeners: make(map[chan Notification]struct{}),
	}
}

// SetMetricsRecord configures the delivery metrics callback.
func (b *Bridge) SetMetricsRecord(fn MetricsRecordFunc) {
	b.onMetrics = fn
}

// OnNotification registers a display callback. Callbacks run on the
// subscription's goroutine; a panicking callback is recovered.
func (b *Bridge) OnNotification(fn DisplayFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.displays = append(b.displays, fn)
}

// Listen returns a channel receiving every notification delivered after the
// call. Notifications are dropped for a listener whose buffer is full.
// Call cancel to unregister; it closes the channel.
func (b *Bridge) Listen(buffer int) (<-chan Notification, func()) {
	ch := make(chan Notification, buffer)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.listeners[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.listeners[ch]; ok {
				delete(b.listeners, ch)
				close(ch)
			}
		})
	}
}

// Subscribe opens a subscription for every event kind that does not already
// have one. Calling it again never duplicates an active subscription.
func (b *Bridge) Subscribe(ctx context.Context, w Watcher) error {
	for _, k := range Kinds() {
		if _, err := b.SubscribeKind(ctx, w, k); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeKind opens the subscription for kind, or returns the active one.
func (b *Bridge) SubscribeKind(ctx context.Context, w Watcher, kind Kind) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("event bridge closed")
	}
	if sub, ok := b.subs[kind]; ok {
		return sub, nil
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{kind: kind, cancel: cancel, done: make(chan struct{})}
	b.subs[kind] = sub

	go b.watch(subCtx, w, sub)

	b.logger.Info("event subscription started", zap.String("event", kind.EventName()))
	return sub, nil
}

func (b *Bridge) watch(ctx context.Context, w Watcher, sub *Subscription) {
	defer close(sub.done)
	defer func() {
		b.mu.Lock()
		if b.subs[sub.kind] == sub {
			delete(b.subs, sub.kind)
		}
		b.mu.Unlock()
	}()

	name := sub.kind.EventName()
	err := w.WatchEvent(ctx, name, b.interval, func(l ledger.EventLog, err error) {
		if err != nil {
			b.fail(&SubscriptionDeliveryError{Kind: sub.kind, Err: err})
			return
		}
		b.deliver(Notification{
			Kind:        sub.kind,
			Name:        name,
			Message:     Message(name),
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash,
			ReceivedAt:  time.Now().UTC(),
			Replayed:    l.Replayed,
		})
	})
	if err != nil {
		sub.err = err
		b.logger.Error("event subscription ended", zap.String("event", name), zap.Error(err))
	}
}

func (b *Bridge) fail(err *SubscriptionDeliveryError) {
	b.mu.Lock()
	b.failures++
	b.mu.Unlock()

	b.logger.Warn("event delivery failed",
		zap.String("event", err.Kind.EventName()),
		zap.Error(err),
	)
	if b.onMetrics != nil {
		b.onMetrics(err.Kind.EventName(), false)
	}
}

func (b *Bridge) deliver(n Notification) {
	b.mu.Lock()
	b.latest = &n
	displays := make([]DisplayFunc, len(b.displays))
	copy(displays, b.displays)
	for ch := range b.listeners {
		select {
		case ch <- n:
		default:
		}
	}
	b.mu.Unlock()

	for _, fn := range displays {
		b.display(fn, n)
	}
	if b.onMetrics != nil {
		b.onMetrics(n.Name, true)
	}
}

func (b *Bridge) display(fn DisplayFunc, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(&SubscriptionDeliveryError{Kind: n.Kind, Err: fmt.Errorf("display callback panicked: %v", r)})
		}
	}()
	fn(n)
}

// Latest returns the display string of the most recent notification.
func (b *Bridge) Latest() (string, bool) {
	n, ok := b.LatestNotification()
	return n.Message, ok
}

// LatestNotification returns the most recent notification.
func (b *Bridge) LatestNotification() (Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.latest == nil {
		return Notification{}, false
	}
	return *b.latest, true
}

// Failures returns the number of delivery errors seen so far.
func (b *Bridge) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Active reports whether kind has a live subscription.
func (b *Bridge) Active(kind Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[kind]
	return ok
}

// Start resolves the contract instance and subscribes to every event kind.
// Resolution failures are logged and retried every retry interval until ctx
// is done.
func (b *Bridge) Start(ctx context.Context, r Resolver, retry time.Duration) {
	if retry <= 0 {
		retry = 5 * time.Second
	}
	for {
		inst, err := r.Instance(ctx)
		if err == nil {
			if err := b.Subscribe(ctx, inst); err != nil {
				b.logger.Error("event subscription failed", zap.Error(err))
			}
			return
		}
		b.logger.Error("error while contract deployment", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(retry):
		}
	}
}

// Close stops every subscription, waits for them to exit and closes all
// listener channels. The bridge cannot be reused.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Stop()
	}

	b.mu.Lock()
	for ch := range b.listeners {
		delete(b.listeners, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Subscription is a cancellable handle to one event stream.
type Subscription struct {
	kind   Kind
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() Kind { return s.kind }

// Done is closed once the subscription has stopped watching.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the subscription, if any. Valid after Done.
func (s *Subscription) Err() error { return s.err }

// Stop cancels the subscription and waits for it to exit.
func (s *Subscription) Stop() {
	s.cancel()
	<-s.done
}
