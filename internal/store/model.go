// Package store implements the triple store component: a persistent table
// of quadruples with model partitioning, inference flags, expiry, and
// functional-property replacement semantics.
package store

import (
	"encoding/json"
	"strings"
	"time"
)

// Triple is an (subject, predicate, object) tuple. Any position may hold a
// variable token (a string starting with "?"), in which case the same
// value also serves as a Pattern.
type Triple struct {
	Subject   string
	Predicate string
	Object    string
}

// MarshalJSON renders a triple as the ["s", "p", "o"] wire shape.
func (t Triple) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{t.Subject, t.Predicate, t.Object})
}

// Pattern is a Triple where zero or more positions are unbound variables.
type Pattern = Triple

// IsVariable reports whether tok is an unbound position: a named
// variable ("?x") or the anonymous wildcard ("*").
func IsVariable(tok string) bool {
	return strings.HasPrefix(tok, "?") || strings.HasPrefix(tok, "*")
}

// Variables returns the distinct named variable tokens appearing in p,
// in subject/predicate/object order. Anonymous wildcards are unbound but
// carry no name, so they never appear here.
func (p Pattern) Variables() []string {
	var vars []string
	seen := make(map[string]bool)
	for _, tok := range []string{p.Subject, p.Predicate, p.Object} {
		if strings.HasPrefix(tok, "?") && !seen[tok] {
			seen[tok] = true
			vars = append(vars, tok)
		}
	}
	return vars
}

// NumVariables returns how many of the three positions are unbound,
// counting anonymous wildcards and repeated named variables per position.
func (p Pattern) NumVariables() int {
	n := 0
	for _, tok := range []string{p.Subject, p.Predicate, p.Object} {
		if IsVariable(tok) {
			n++
		}
	}
	return n
}

// Quad is a Triple tagged with the metadata the store persists for it.
type Quad struct {
	Triple
	Model     string
	Hash      uint64
	Timestamp time.Time
	Expires   *time.Time
	Inferred  bool
}

// DefaultModel is the distinguished model that is always present.
const DefaultModel = "default"

// AllModelsToken, when present in a requested model set, means "every
// known model".
const AllModelsToken = "all"
