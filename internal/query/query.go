// Package query implements the pattern-matching query engine: the
// single-pattern fast path and the independent/dependent multi-pattern
// algorithm running over internal/store's matching primitives.
package query

import (
	"sort"

	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/internal/store"
)

// Engine runs find-style queries against a Store.
type Engine struct {
	store *store.Store
}

// New builds an Engine over s.
func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Find resolves vars over patterns restricted to models.
// The result is a list of rows, each row holding one value per entry of
// vars, in order. Rows are unordered; callers must not assume sequence.
func (e *Engine) Find(vars []string, patterns []store.Pattern, models []string) ([][]string, error) {
	if len(vars) == 0 || len(patterns) == 0 {
		return nil, nil
	}
	if !coversVars(patterns, vars) {
		return nil, nil
	}

	resolved := e.store.ResolveModels(models)

	if len(patterns) == 1 {
		return e.singlePattern(vars, patterns[0], resolved)
	}
	return e.multiPattern(vars, patterns, resolved)
}

func coversVars(patterns []store.Pattern, vars []string) bool {
	present := map[string]struct{}{}
	for _, p := range patterns {
		for _, v := range p.Variables() {
			present[v] = struct{}{}
		}
	}
	for _, v := range vars {
		if _, ok := present[v]; !ok {
			return false
		}
	}
	return true
}

// singlePattern implements the |P| = 1 fast path: a one-variable pattern
// returns the set of values that variable can take; a two- or
// three-variable pattern enumerates full matching quads projected onto
// vars, one column per entry of vars in the order vars lists them.
func (e *Engine) singlePattern(vars []string, pattern store.Pattern, models []string) ([][]string, error) {
	repo := e.store.Repository()

	if pattern.NumVariables() == 1 {
		values, err := repo.SimpleQueryValues(pattern, models, false)
		if err != nil {
			return nil, err
		}
		rows := make([][]string, 0, len(values))
		for v := range values {
			rows = append(rows, []string{v})
		}
		sortRows(rows)
		return rows, nil
	}

	quads, err := repo.MatchingQuads(pattern, models, false)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(quads))
	for _, q := range quads {
		bindings := bindingsOf(pattern, q.Triple)
		row := make([]string, len(vars))
		for i, v := range vars {
			row[i] = bindings[v]
		}
		rows = append(rows, row)
	}
	sortRows(rows)
	return rows, nil
}

// bindingsOf maps each variable token in pattern to the value the
// matching triple carries at the same position.
func bindingsOf(pattern, match store.Triple) map[string]string {
	bindings := map[string]string{}
	if store.IsVariable(pattern.Subject) {
		bindings[pattern.Subject] = match.Subject
	}
	if store.IsVariable(pattern.Predicate) {
		bindings[pattern.Predicate] = match.Predicate
	}
	if store.IsVariable(pattern.Object) {
		bindings[pattern.Object] = match.Object
	}
	return bindings
}

// multiPattern splits patterns into independent (one variable) and
// dependent (two or more) sets, narrows candidates with the former and
// filters with the latter.
func (e *Engine) multiPattern(vars []string, patterns []store.Pattern, models []string) ([][]string, error) {
	var independent, dependent []store.Pattern
	for _, p := range patterns {
		if p.NumVariables() == 1 {
			independent = append(independent, p)
		} else if p.NumVariables() >= 2 {
			dependent = append(dependent, p)
		}
	}

	repo := e.store.Repository()

	// Candidate sets for every named variable covered by at least one
	// independent pattern. A variable absent from this map is simply
	// unconstrained so far, not empty.
	cand := map[string]map[string]struct{}{}
	for _, p := range independent {
		named := p.Variables()
		if len(named) == 0 {
			// The single unbound position is an anonymous wildcard; it
			// constrains no named variable.
			continue
		}
		pv := named[0]
		values, err := repo.SimpleQueryValues(p, models, false)
		if err != nil {
			return nil, err
		}
		if existing, ok := cand[pv]; ok {
			cand[pv] = intersect(existing, values)
		} else {
			cand[pv] = values
		}
	}
	// A variable that appears in an independent pattern but matched
	// nothing dooms the whole query.
	for _, set := range cand {
		if len(set) == 0 {
			return nil, nil
		}
	}

	if len(vars) == 1 {
		v := vars[0]
		if len(dependent) == 0 {
			return setToRows(cand[v]), nil
		}
		var result map[string]struct{}
		for _, p := range dependent {
			if !containsToken(p, v) {
				return nil, kberrors.New(kberrors.Unsupported, "find: can not handle pattern %q with requested variable %s", patternString(p), v)
			}
			matched, err := e.resolveDependent(p, v, cand, models)
			if err != nil {
				return nil, err
			}
			if result == nil {
				result = matched
			} else {
				result = intersect(result, matched)
			}
			if len(result) == 0 {
				return nil, nil
			}
		}
		return setToRows(result), nil
	}

	// len(vars) > 1: the true dependent join across multiple output
	// variables is deliberately unimplemented. When every output
	// variable is covered by independent patterns alone, return
	// the cross product; otherwise a dependent pattern would need to
	// bind more than one target, which we do not support.
	if len(dependent) > 0 {
		for _, p := range dependent {
			pvars := p.Variables()
			boundByDependent := 0
			for _, pv := range pvars {
				for _, v := range vars {
					if pv == v {
						boundByDependent++
					}
				}
			}
			if boundByDependent >= 2 {
				return nil, kberrors.New(kberrors.Unsupported, "find: multi-variable dependent join across pattern %q is not supported", patternString(p))
			}
		}
	}
	for _, v := range vars {
		if _, ok := cand[v]; !ok {
			return nil, kberrors.New(kberrors.Unsupported, "find: variable %s is not bound by any independent pattern", v)
		}
	}
	return crossProduct(vars, cand), nil
}

// resolveDependent runs the constrained SELECT for one dependent pattern
// against a single target variable. Every non-target token is
// substituted by its candidate set when one is known, else by the
// literal singleton {token}; the target becomes the unknown projection
// slot.
func (e *Engine) resolveDependent(p store.Pattern, target string, cand map[string]map[string]struct{}, models []string) (map[string]struct{}, error) {
	slot := func(tok string) []string {
		if tok == target {
			return nil // the unknown projection slot
		}
		if set, ok := cand[tok]; ok {
			return setToSlice(set)
		}
		return []string{tok}
	}

	subject := slot(p.Subject)
	predicate := slot(p.Predicate)
	object := slot(p.Object)

	repo := e.store.Repository()
	return repo.SelectProjection(subject, predicate, object, models, false)
}

func containsToken(p store.Pattern, tok string) bool {
	return p.Subject == tok || p.Predicate == tok || p.Object == tok
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

func setToRows(set map[string]struct{}) [][]string {
	rows := make([][]string, 0, len(set))
	for v := range set {
		rows = append(rows, []string{v})
	}
	sortRows(rows)
	return rows
}

func crossProduct(vars []string, cand map[string]map[string]struct{}) [][]string {
	rows := [][]string{{}}
	for _, v := range vars {
		values := setToSlice(cand[v])
		sort.Strings(values)
		var next [][]string
		for _, row := range rows {
			for _, val := range values {
				extended := append(append([]string{}, row...), val)
				next = append(next, extended)
			}
		}
		rows = next
	}
	return rows
}

func sortRows(rows [][]string) {
	sort.Slice(rows, func(i, j int) bool {
		for k := range rows[i] {
			if rows[i][k] != rows[j][k] {
				return rows[i][k] < rows[j][k]
			}
		}
		return false
	})
}

func patternString(p store.Pattern) string {
	return p.Subject + " " + p.Predicate + " " + p.Object
}
