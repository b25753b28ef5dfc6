package query

import (
	"os"
	"testing"

	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/pkg/database"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestEngine(t *testing.T) (*Engine, *store.Store) {
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

	s := store.New(store.NewRepository(conn.DB))
	return New(s), s
}

func pattern(s, p, o string) store.Pattern {
	return store.Pattern{Subject: s, Predicate: p, Object: o}
}

func addAll(t *testing.T, s *store.Store, model string, triples ...store.Triple) {
	t.Helper()
	require.NoError(t, s.Add(triples, model, 0, false, false))
}

func flatten(rows [][]string) []string {
	var out []string
	for _, row := range rows {
		out = append(out, row...)
	}
	return out
}

func TestCoversVars(t *testing.T) {
	patterns := []store.Pattern{pattern("?x", "rdf:type", "Human")}
	assert.True(t, coversVars(patterns, []string{"?x"}))
	assert.False(t, coversVars(patterns, []string{"?y"}))
}

func TestIntersect(t *testing.T) {
	a := map[string]struct{}{"x": {}, "y": {}}
	b := map[string]struct{}{"y": {}, "z": {}}
	assert.Equal(t, map[string]struct{}{"y": {}}, intersect(a, b))
}

func TestCrossProduct(t *testing.T) {
	cand := map[string]map[string]struct{}{
		"?a": {"1": {}, "2": {}},
		"?b": {"x": {}},
	}
	rows := crossProduct([]string{"?a", "?b"}, cand)
	assert.ElementsMatch(t, [][]string{{"1", "x"}, {"2", "x"}}, rows)
}

func TestFindSinglePatternOneVariable(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("johnny", "rdf:type", "Human"),
		pattern("alfred", "rdf:type", "Human"),
		pattern("alfred", "likes", "icecream"),
	)

	rows, err := e.Find([]string{"?x"}, []store.Pattern{pattern("?x", "rdf:type", "Human")}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"johnny", "alfred"}, flatten(rows))
}

func TestFindSinglePatternTwoVariables(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("alfred", "likes", "icecream"),
		pattern("alfred", "desires", "cake"),
	)

	rows, err := e.Find([]string{"?p", "?o"}, []store.Pattern{pattern("alfred", "?p", "?o")}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"likes", "icecream"}, {"desires", "cake"}}, rows)
}

func TestFindUncoveredVarReturnsEmpty(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel, pattern("alfred", "rdf:type", "Human"))

	rows, err := e.Find([]string{"?y"}, []store.Pattern{pattern("?x", "rdf:type", "Human")}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFindMultiPatternIndependentIntersection(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("johnny", "rdf:type", "Human"),
		pattern("alfred", "rdf:type", "Human"),
		pattern("alfred", "likes", "icecream"),
	)

	rows, err := e.Find([]string{"?x"}, []store.Pattern{
		pattern("?x", "rdf:type", "Human"),
		pattern("?x", "likes", "icecream"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alfred"}, flatten(rows))
}

func TestFindDependentJoin(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("alfred", "desires", "ragnagna"),
		pattern("batman", "desires", "justice"),
		pattern("ragnagna", "rdf:type", "Action"),
	)

	// ?a is bound only through the dependent pattern; ?act is narrowed by
	// the independent one.
	rows, err := e.Find([]string{"?a"}, []store.Pattern{
		pattern("?a", "desires", "?act"),
		pattern("?act", "rdf:type", "Action"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alfred"}, flatten(rows))
}

func TestFindDependentJoinEmptyCandidates(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel, pattern("alfred", "desires", "ragnagna"))

	rows, err := e.Find([]string{"?a"}, []store.Pattern{
		pattern("?a", "desires", "?act"),
		pattern("?act", "rdf:type", "Action"),
	}, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFindMultiVarCrossProduct(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("johnny", "rdf:type", "Human"),
		pattern("ragnagna", "rdf:type", "Action"),
	)

	rows, err := e.Find([]string{"?h", "?a"}, []store.Pattern{
		pattern("?h", "rdf:type", "Human"),
		pattern("?a", "rdf:type", "Action"),
	}, nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, [][]string{{"johnny", "ragnagna"}}, rows)
}

func TestFindMultiVarDependentJoinUnsupported(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel,
		pattern("alfred", "desires", "ragnagna"),
		pattern("ragnagna", "rdf:type", "Action"),
	)

	_, err := e.Find([]string{"?a", "?act"}, []store.Pattern{
		pattern("?a", "desires", "?act"),
		pattern("?act", "rdf:type", "Action"),
	}, nil)
	require.Error(t, err)
	kerr, ok := kberrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kberrors.Unsupported, kerr.Kind)
}

func TestFindRestrictedToModel(t *testing.T) {
	e, s := setupTestEngine(t)
	addAll(t, s, store.DefaultModel, pattern("johnny", "rdf:type", "Human"))
	addAll(t, s, "robot", pattern("alfred", "rdf:type", "Human"))

	rows, err := e.Find([]string{"?x"}, []store.Pattern{pattern("?x", "rdf:type", "Human")}, []string{"robot"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alfred"}, flatten(rows))

	rows, err = e.Find([]string{"?x"}, []store.Pattern{pattern("?x", "rdf:type", "Human")}, []string{"all"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"johnny", "alfred"}, flatten(rows))
}
