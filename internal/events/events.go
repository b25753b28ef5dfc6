// Package events implements the subscription and firing mechanism:
// content-addressed subscriptions, per-client mailboxes, and the
// "new minus seen" diffing rule that drives NEW_INSTANCE notifications.
package events

import (
	"sort"
	"sync"

	"github.com/edge-robotics/knowbase/internal/store"
)

// Kind is the subscription trigger kind.
type Kind string

const (
	KindNewInstance      Kind = "NEW_INSTANCE"
	KindNewClassInstance Kind = "NEW_CLASS_INSTANCE"
)

// Trigger is the subscription's firing discipline.
type Trigger string

const (
	TriggerPersistent Trigger = "persistent"
	TriggerOneShot    Trigger = "ONE_SHOT"
)

// Subscription captures a standing query plus the bindings already
// delivered to its clients.
type Subscription struct {
	ID       uint64
	Kind     Kind
	Trigger  Trigger
	Var      string
	Patterns []store.Pattern
	Models   []string
	Clients  []string
	seen     map[string]struct{}
	valid    bool
}

// Event is a notification enqueued into a client mailbox.
type Event struct {
	SubscriptionID uint64
	Content        []string
}

// Bus holds every active subscription and every client's mailbox.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*Subscription
	mailboxes map[string]chan Event
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:      map[uint64]*Subscription{},
		mailboxes: map[string]chan Event{},
	}
}

// RegisterClient allocates a mailbox for clientID, if it does not
// already have one.
func (b *Bus) RegisterClient(clientID string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.mailboxes[clientID]; ok {
		return ch
	}
	ch := make(chan Event, 64)
	b.mailboxes[clientID] = ch
	return ch
}

// UnregisterClient drops clientID's mailbox and removes it from every
// subscription's client list.
func (b *Bus) UnregisterClient(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.mailboxes[clientID]; ok {
		close(ch)
		delete(b.mailboxes, clientID)
	}
	for _, sub := range b.subs {
		sub.Clients = removeString(sub.Clients, clientID)
	}
}

// Subscribe creates or joins a subscription. Two subscriptions with
// identical (kind, trigger, var, patterns, models) collapse to the same
// id; the client list is appended.
func (b *Bus) Subscribe(clientID string, kind Kind, trigger Trigger, v string, patterns []store.Pattern, models []string, initialSeen map[string]struct{}) uint64 {
	id := subscriptionID(kind, trigger, v, patterns, models)

	b.mu.Lock()
	defer b.mu.Unlock()

	if initialSeen == nil {
		initialSeen = map[string]struct{}{}
	}

	sub, ok := b.subs[id]
	if !ok {
		sub = &Subscription{
			ID:       id,
			Kind:     kind,
			Trigger:  trigger,
			Var:      v,
			Patterns: patterns,
			Models:   models,
			seen:     initialSeen,
			valid:    true,
		}
		b.subs[id] = sub
	}
	sub.Clients = appendUnique(sub.Clients, clientID)
	return id
}

// Unsubscribe removes a subscription entirely.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Clear drops every subscription.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = map[uint64]*Subscription{}
}

// Active returns a snapshot of the currently valid subscriptions.
func (b *Bus) Active() []*Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.valid {
			out = append(out, s)
		}
	}
	return out
}

// Evaluate diffs one subscription's fresh query result against its seen
// set, delivering any new bindings to every subscribed client's mailbox.
func (b *Bus) Evaluate(sub *Subscription, result []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !sub.valid {
		return
	}

	var fresh []string
	for _, v := range result {
		if _, ok := sub.seen[v]; !ok {
			fresh = append(fresh, v)
		}
	}
	if len(fresh) == 0 {
		return
	}

	for _, v := range result {
		sub.seen[v] = struct{}{}
	}

	evt := Event{SubscriptionID: sub.ID, Content: fresh}
	for _, clientID := range sub.Clients {
		if ch, ok := b.mailboxes[clientID]; ok {
			select {
			case ch <- evt:
			default:
			}
		}
	}

	if sub.Trigger == TriggerOneShot {
		sub.valid = false
		delete(b.subs, sub.ID)
	}
}

func subscriptionID(kind Kind, trigger Trigger, v string, patterns []store.Pattern, models []string) uint64 {
	patternStrings := make([]string, len(patterns))
	for i, p := range patterns {
		patternStrings[i] = p.Subject + " " + p.Predicate + " " + p.Object
	}
	sort.Strings(patternStrings)

	sortedModels := append([]string(nil), models...)
	sort.Strings(sortedModels)

	return store.SubscriptionHash(string(kind), string(trigger), v, patternStrings, sortedModels)
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
