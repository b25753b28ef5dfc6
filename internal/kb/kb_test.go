package kb

import (
	"os"
	"testing"
	"time"

	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/pkg/database"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newOfflineKB builds a facade with no database behind it, enough for
// the dispatch-table paths that never touch the store.
func newOfflineKB() *KnowledgeBase {
	logger.Init(logrus.WarnLevel, "")
	return New(store.New(store.NewRepository(nil)), 200*time.Millisecond, 500*time.Millisecond)
}

func setupTestKB(t *testing.T) *KnowledgeBase {
	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		t.Skip("Skipping test: TEST_DB_URL not set")
	}

	logger.Init(logrus.WarnLevel, "")

	conn, err := sqlx.Connect("postgres", dbURL)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(func() { conn.Close() })

	db := &database.DB{Conn: conn.DB}
	require.NoError(t, db.InitSchema())

	_, err = conn.Exec(`TRUNCATE quads, quad_snapshot`)
	require.NoError(t, err)

	return New(store.New(store.NewRepository(conn.DB)), 200*time.Millisecond, 500*time.Millisecond)
}

func stmts(lines ...string) []store.Triple {
	out := make([]store.Triple, len(lines))
	for i, l := range lines {
		var t store.Triple
		n := 0
		for _, f := range []*string{&t.Subject, &t.Predicate, &t.Object} {
			for n < len(l) && l[n] == ' ' {
				n++
			}
			start := n
			for n < len(l) && l[n] != ' ' {
				n++
			}
			*f = l[start:n]
		}
		out[i] = t
	}
	return out
}

func find1(t *testing.T, kb *KnowledgeBase, v, pattern string) []string {
	t.Helper()
	rows, err := kb.Query.Find([]string{v}, stmts(pattern), nil)
	require.NoError(t, err)
	var out []string
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func TestHello(t *testing.T) {
	kb := newOfflineKB()
	result, err := kb.Dispatch("hello", nil)
	require.NoError(t, err)
	assert.Equal(t, Version, result)
}

func TestDispatchUnknownMethod(t *testing.T) {
	kb := newOfflineKB()
	_, err := kb.Dispatch("frobnicate", nil)
	require.Error(t, err)
	kerr, ok := kberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kberrors.Unknown, kerr.Kind)
}

func TestDispatchArityMismatch(t *testing.T) {
	kb := newOfflineKB()
	_, err := kb.Dispatch("hello", []any{"unexpected"})
	require.Error(t, err)
	kerr, ok := kberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kberrors.TypeMismatch, kerr.Kind)
}

func TestMethodsListsDispatchTable(t *testing.T) {
	kb := newOfflineKB()
	methods := kb.Methods()
	for _, name := range []string{"hello", "clear", "revise", "add", "retract", "update", "find", "findmpe", "exist", "subscribe", "about", "lookup", "label", "classesof", "details", "methods", "load"} {
		assert.Contains(t, methods, name)
	}
	// Compat aliases are registered too.
	for _, name := range []string{"reset", "check", "remove", "listSimpleMethods", "getLabel", "getClassesOf", "getDirectClassesOf", "addForAgent", "removeForAgent", "findForAgent"} {
		assert.Contains(t, methods, name)
	}
}

func TestCheckAlwaysTrue(t *testing.T) {
	kb := newOfflineKB()
	result, err := kb.Dispatch("check", []any{"whatever"})
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestBasicModificationAndRetrieval(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts(
		"johnny rdf:type Human",
		"alfred rdf:type Human",
		"alfred likes icecream",
	), RevisionPolicy{Method: "add"}))

	about, err := kb.Store.About("Human", nil)
	require.NoError(t, err)
	assert.Len(t, about, 2)

	assert.ElementsMatch(t, []string{"johnny", "alfred"}, find1(t, kb, "?x", "?x rdf:type Human"))

	require.NoError(t, kb.Revise(stmts("alfred rdf:type Human"), RevisionPolicy{Method: "retract"}))
	assert.Equal(t, []string{"johnny"}, find1(t, kb, "?x", "?x rdf:type Human"))
}

func TestExistWithWildcards(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts(
		"johnny rdf:type Human",
		"alfred rdf:type Human",
		"alfred likes icecream",
	), RevisionPolicy{Method: "add"}))

	ok, err := kb.Store.Has(stmts("alfred likes ?t"), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kb.Store.Has(stmts("alfred dislikes *"), nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = kb.Store.Has(stmts("alfred likes mygrandmother"), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFunctionalPropertyUpdate(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts("isNice rdf:type owl:FunctionalProperty"), RevisionPolicy{Method: "add"}))
	require.NoError(t, kb.Revise(stmts("nono isNice true"), RevisionPolicy{Method: "add"}))
	require.NoError(t, kb.Revise(stmts("nono isNice false"), RevisionPolicy{Method: "update"}))

	assert.Empty(t, find1(t, kb, "?x", "?x isNice true"))
	assert.Equal(t, []string{"nono"}, find1(t, kb, "?x", "?x isNice false"))
}

func TestLifespanedStatementExpires(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts("perm isIn room"), RevisionPolicy{Method: "add"}))
	require.NoError(t, kb.Revise(stmts("temp isIn room"), RevisionPolicy{Method: "add", Lifespan: 30 * time.Millisecond}))

	time.Sleep(60 * time.Millisecond)
	_, err := kb.Store.SweepExpired(time.Now().UTC())
	require.NoError(t, err)

	ok, err := kb.Store.Has(stmts("perm isIn room"), nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = kb.Store.Has(stmts("temp isIn room"), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReviseAppliesToEveryResolvedModel(t *testing.T) {
	kb := setupTestKB(t)

	// Register a second model, then revise with no model set: the
	// statement lands everywhere.
	require.NoError(t, kb.Revise(stmts("r2d2 rdf:type Robot"), RevisionPolicy{Method: "add", Models: []string{"robot"}}))
	require.NoError(t, kb.Revise(stmts("sky isBlue true"), RevisionPolicy{Method: "add"}))

	for _, model := range []string{store.DefaultModel, "robot"} {
		ok, err := kb.Store.Has(stmts("sky isBlue true"), []string{model})
		require.NoError(t, err)
		assert.True(t, ok, "model %s", model)
	}
}

func TestEventFiring(t *testing.T) {
	kb := setupTestKB(t)

	mailbox := kb.Events.RegisterClient("client-1")

	idValue, err := kb.Dispatch("subscribe", []any{"NEW_INSTANCE", "persistent", "?o", stmts("?o isIn room"), []string(nil), "client-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, idValue)

	// Out of scope of the pattern: no event.
	require.NoError(t, kb.Revise(stmts("alfred isIn garage"), RevisionPolicy{Method: "add"}))
	assert.Empty(t, mailbox)

	// Matching revision: one event carrying alfred.
	require.NoError(t, kb.Revise(stmts("alfred isIn room"), RevisionPolicy{Method: "add"}))
	require.Len(t, mailbox, 1)
	evt := <-mailbox
	assert.Equal(t, []string{"alfred"}, evt.Content)

	// Unrelated statement: still nothing.
	require.NoError(t, kb.Revise(stmts("alfred leaves room"), RevisionPolicy{Method: "add"}))
	assert.Empty(t, mailbox)

	// A second instance fires its own event.
	require.NoError(t, kb.Revise(stmts("batman isIn room"), RevisionPolicy{Method: "add"}))
	require.Len(t, mailbox, 1)
	evt = <-mailbox
	assert.Equal(t, []string{"batman"}, evt.Content)
}

func TestSubscriptionIdsAreDeterministic(t *testing.T) {
	kb := setupTestKB(t)

	id1, err := kb.Dispatch("subscribe", []any{"NEW_INSTANCE", "persistent", "?o", stmts("?o isIn room"), []string(nil), "client-1"})
	require.NoError(t, err)
	id2, err := kb.Dispatch("subscribe", []any{"NEW_INSTANCE", "persistent", "?o", stmts("?o isIn room"), []string(nil), "client-2"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestMultiPatternSubscriptionFiresOnInference(t *testing.T) {
	kb := setupTestKB(t)

	mailbox := kb.Events.RegisterClient("client-1")
	_, err := kb.Dispatch("subscribe", []any{"NEW_INSTANCE", "persistent", "?a", stmts("?a desires ?act", "?act rdf:type Action"), []string(nil), "client-1"})
	require.NoError(t, err)

	require.NoError(t, kb.Revise(stmts("alfred desires ragnagna"), RevisionPolicy{Method: "add"}))
	require.NoError(t, kb.Revise(stmts("ragnagna rdf:type Zorro"), RevisionPolicy{Method: "add"}))
	assert.Empty(t, mailbox)

	require.NoError(t, kb.Revise(stmts("Zorro rdfs:subClassOf Action"), RevisionPolicy{Method: "add"}))
	assert.Empty(t, mailbox)

	// One reasoner pass derives "ragnagna rdf:type Action" and the
	// subscription fires through the OnInsert hook.
	require.NoError(t, kb.Reasoner.Tick())
	require.Len(t, mailbox, 1)
	evt := <-mailbox
	assert.Equal(t, []string{"alfred"}, evt.Content)
}

func TestClearDropsTriplesAndSubscriptions(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts("john rdf:type Human"), RevisionPolicy{Method: "add"}))
	_, err := kb.Dispatch("subscribe", []any{"NEW_INSTANCE", "persistent", "?o", stmts("?o isIn room"), []string(nil), "client-1"})
	require.NoError(t, err)

	_, err = kb.Dispatch("clear", nil)
	require.NoError(t, err)

	assert.Empty(t, find1(t, kb, "?x", "?x rdf:type Human"))
	assert.Empty(t, kb.Events.Active())
}

func TestLookup(t *testing.T) {
	kb := setupTestKB(t)

	require.NoError(t, kb.Revise(stmts("john rdf:type Human"), RevisionPolicy{Method: "add"}))

	result, err := kb.Dispatch("lookup", []any{"john"})
	require.NoError(t, err)
	assert.Equal(t, [][2]string{{"john", "instance"}}, result)

	empty, err := kb.Dispatch("lookup", []any{"martian"})
	require.NoError(t, err)
	assert.Equal(t, []any{}, empty)
}
