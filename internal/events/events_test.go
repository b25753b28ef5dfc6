package events

import (
	"testing"

	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isInRoom() []store.Pattern {
	return []store.Pattern{{Subject: "?o", Predicate: "isIn", Object: "room"}}
}

func TestSubscribeIsDeterministic(t *testing.T) {
	a := New()
	b := New()

	id1 := a.Subscribe("client-1", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	id2 := b.Subscribe("client-2", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	assert.Equal(t, id1, id2)
}

func TestSubscribeCollapsesStructurallyIdentical(t *testing.T) {
	bus := New()

	id1 := bus.Subscribe("client-1", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	id2 := bus.Subscribe("client-2", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	assert.Equal(t, id1, id2)

	subs := bus.Active()
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, []string{"client-1", "client-2"}, subs[0].Clients)
}

func TestSubscribeIdSensitiveToModels(t *testing.T) {
	bus := New()

	id1 := bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	id2 := bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"robot"}, nil)
	assert.NotEqual(t, id1, id2)
}

func TestEvaluateDeliversOnlyNewBindings(t *testing.T) {
	bus := New()
	mailbox := bus.RegisterClient("c")

	seen := map[string]struct{}{"alfred": {}}
	bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, seen)
	sub := bus.Active()[0]

	// Nothing new: no event.
	bus.Evaluate(sub, []string{"alfred"})
	assert.Empty(t, mailbox)

	// batman is new: one event carrying only batman.
	bus.Evaluate(sub, []string{"alfred", "batman"})
	require.Len(t, mailbox, 1)
	evt := <-mailbox
	assert.Equal(t, sub.ID, evt.SubscriptionID)
	assert.Equal(t, []string{"batman"}, evt.Content)

	// batman is now part of the seen set.
	bus.Evaluate(sub, []string{"alfred", "batman"})
	assert.Empty(t, mailbox)
}

func TestEvaluateDisappearThenReappearDoesNotRefire(t *testing.T) {
	bus := New()
	mailbox := bus.RegisterClient("c")

	bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, map[string]struct{}{})
	sub := bus.Active()[0]

	bus.Evaluate(sub, []string{"alfred"})
	require.Len(t, mailbox, 1)
	<-mailbox

	// alfred leaves then comes back: the seen set still remembers him.
	bus.Evaluate(sub, nil)
	bus.Evaluate(sub, []string{"alfred"})
	assert.Empty(t, mailbox)
}

func TestOneShotSubscriptionRetiresAfterFiring(t *testing.T) {
	bus := New()
	mailbox := bus.RegisterClient("c")

	bus.Subscribe("c", KindNewInstance, TriggerOneShot, "?o", isInRoom(), []string{"default"}, map[string]struct{}{})
	sub := bus.Active()[0]

	bus.Evaluate(sub, []string{"alfred"})
	require.Len(t, mailbox, 1)
	assert.Empty(t, bus.Active())

	// A retired subscription never fires again.
	<-mailbox
	bus.Evaluate(sub, []string{"batman"})
	assert.Empty(t, mailbox)
}

func TestUnregisterClientDropsMailboxAndMembership(t *testing.T) {
	bus := New()
	bus.RegisterClient("c")
	bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)

	bus.UnregisterClient("c")

	subs := bus.Active()
	require.Len(t, subs, 1)
	assert.Empty(t, subs[0].Clients)
}

func TestClearDropsAllSubscriptions(t *testing.T) {
	bus := New()
	bus.Subscribe("c", KindNewInstance, TriggerPersistent, "?o", isInRoom(), []string{"default"}, nil)
	bus.Clear()
	assert.Empty(t, bus.Active())
}
