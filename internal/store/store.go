package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/sirupsen/logrus"
)

const (
	rdfType         = "rdf:type"
	rdfsSubClassOf  = "rdfs:subClassOf"
	rdfsLabel       = "rdfs:label"
	owlFunctional   = "owl:FunctionalProperty"
	owlClass        = "owl:Class"
	owlObjectProp   = "owl:ObjectProperty"
	owlDatatypeProp = "owl:DatatypeProperty"
)

// TypeClassification is the result of classifying a concept.
type TypeClassification string

const (
	TypeClass            TypeClassification = "class"
	TypeInstance         TypeClassification = "instance"
	TypeObjectProperty   TypeClassification = "object_property"
	TypeDatatypeProperty TypeClassification = "datatype_property"
	TypeProperty         TypeClassification = "property"
	TypeUndefined        TypeClassification = "undefined"
)

type cacheEntry struct {
	value      string
	generation uint64
}

type typeCacheEntry struct {
	value      TypeClassification
	generation uint64
}

// Store composes the raw repository with the business rules of the
// knowledge base: model bookkeeping, functional-property replacement,
// and memoized label/type lookups.
type Store struct {
	repo *Repository

	generation atomic.Uint64

	modelsMu sync.Mutex
	models   map[string]struct{}

	functionalMu sync.RWMutex
	functional   map[string]struct{}

	labelCacheMu sync.Mutex
	labelCache   map[string]cacheEntry

	typeCacheMu sync.Mutex
	typeCache   map[string]typeCacheEntry
}

// New wraps repo into a Store with the default model pre-registered.
func New(repo *Repository) *Store {
	s := &Store{
		repo:       repo,
		models:     map[string]struct{}{DefaultModel: {}},
		functional: map[string]struct{}{},
		labelCache: map[string]cacheEntry{},
		typeCache:  map[string]typeCacheEntry{},
	}
	return s
}

func (s *Store) log() *logrus.Entry {
	return logger.Component("store")
}

// touchModel registers model as known, growing the monotone model set.
func (s *Store) touchModel(model string) {
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	s.models[model] = struct{}{}
}

// KnownModels returns every model the store has ever seen, refreshed
// against the repository's persisted distinct set.
func (s *Store) KnownModels() []string {
	persisted, err := s.repo.DistinctModels()
	if err == nil {
		s.modelsMu.Lock()
		for _, m := range persisted {
			s.models[m] = struct{}{}
		}
		s.modelsMu.Unlock()
	}
	s.modelsMu.Lock()
	defer s.modelsMu.Unlock()
	out := make([]string, 0, len(s.models))
	for m := range s.models {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// ResolveModels expands an empty set or one containing AllModelsToken
// into every known model; otherwise returns models unchanged, touching
// each as known.
func (s *Store) ResolveModels(models []string) []string {
	if len(models) == 0 {
		return s.KnownModels()
	}
	for _, m := range models {
		if m == AllModelsToken {
			return s.KnownModels()
		}
	}
	for _, m := range models {
		s.touchModel(m)
	}
	return models
}

// Add inserts triples under model. A positive lifespan stamps an expiry;
// replace first drops every (subject, predicate, *) row in the model.
func (s *Store) Add(triples []Triple, model string, lifespan time.Duration, replace bool, inferred bool) error {
	s.touchModel(model)

	if replace {
		seen := map[[2]string]struct{}{}
		for _, t := range triples {
			key := [2]string{t.Subject, t.Predicate}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			if err := s.repo.DeleteBySubjectPredicateModel(t.Subject, t.Predicate, model); err != nil {
				return err
			}
		}
	}

	now := time.Now().UTC()
	quads := make([]Quad, 0, len(triples))
	for _, t := range triples {
		q := Quad{
			Triple:    t,
			Model:     model,
			Hash:      QuadHash(t.Subject, t.Predicate, t.Object, model),
			Timestamp: now,
			Inferred:  inferred,
		}
		if lifespan > 0 {
			exp := now.Add(lifespan)
			q.Expires = &exp
		}
		quads = append(quads, q)
	}
	if err := s.repo.InsertQuads(quads); err != nil {
		return err
	}
	s.onUpdate()
	return nil
}

// Delete removes the exact quads named by triples under model, and, as
// the non-monotonic retraction side effect of I2, every row currently
// marked inferred across all models.
func (s *Store) Delete(triples []Triple, model string) error {
	if err := s.repo.DeleteInferred(); err != nil {
		return err
	}
	hashes := make([]uint64, len(triples))
	for i, t := range triples {
		hashes[i] = QuadHash(t.Subject, t.Predicate, t.Object, model)
	}
	if err := s.repo.DeleteByHashes(hashes); err != nil {
		return err
	}
	s.onUpdate()
	return nil
}

// Clear drops every quad across every model.
func (s *Store) Clear() error {
	if err := s.repo.DeleteAll(); err != nil {
		return err
	}
	s.onUpdate()
	return nil
}

// SweepExpired deletes every quad whose expiry has passed, invalidating
// memoized caches when anything was actually removed.
func (s *Store) SweepExpired(now time.Time) (int64, error) {
	n, err := s.repo.DeleteExpiredBefore(now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.onUpdate()
	}
	return n, nil
}

// Update partitions triples by whether their predicate is currently a
// functional property, routing functional ones through Add(replace=true)
// and the rest through a plain Add.
func (s *Store) Update(triples []Triple, model string, lifespan time.Duration) error {
	var functionalTriples, plainTriples []Triple
	for _, t := range triples {
		if s.isFunctional(t.Predicate) {
			functionalTriples = append(functionalTriples, t)
		} else {
			plainTriples = append(plainTriples, t)
		}
	}
	if len(functionalTriples) > 0 {
		if err := s.Add(functionalTriples, model, lifespan, true, false); err != nil {
			return err
		}
	}
	if len(plainTriples) > 0 {
		if err := s.Add(plainTriples, model, lifespan, false, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) isFunctional(predicate string) bool {
	s.functionalMu.RLock()
	defer s.functionalMu.RUnlock()
	_, ok := s.functional[predicate]
	return ok
}

// About returns every quad where resource occurs in any position.
func (s *Store) About(resource string, models []string) ([]Triple, error) {
	return s.repo.About(resource, s.ResolveModels(models))
}

// Has reports whether every pattern has at least one match under models.
// A pattern with two or more variables is rejected as unsupported.
func (s *Store) Has(patterns []Pattern, models []string) (bool, error) {
	resolved := s.ResolveModels(models)
	for _, p := range patterns {
		if p.NumVariables() >= 2 {
			return false, kberrors.New(kberrors.Unsupported, "has: pattern %q has more than one variable", patternString(p))
		}
		quads, err := s.repo.MatchingQuads(p, resolved, false)
		if err != nil {
			return false, err
		}
		if len(quads) == 0 {
			return false, nil
		}
	}
	return true, nil
}

func patternString(p Pattern) string {
	return p.Subject + " " + p.Predicate + " " + p.Object
}

// ClassesOf returns the classes concept is asserted or inferred to be a
// rdf:type instance of.
func (s *Store) ClassesOf(concept string, direct bool, models []string) ([]string, error) {
	return s.simpleLookup(Pattern{Subject: concept, Predicate: rdfType, Object: "?x"}, direct, models)
}

// InstancesOf returns every subject asserted or inferred to have rdf:type
// concept.
func (s *Store) InstancesOf(concept string, direct bool, models []string) ([]string, error) {
	return s.simpleLookup(Pattern{Subject: "?x", Predicate: rdfType, Object: concept}, direct, models)
}

// SuperclassesOf returns the transitive (or direct) rdfs:subClassOf
// parents of concept.
func (s *Store) SuperclassesOf(concept string, direct bool, models []string) ([]string, error) {
	return s.simpleLookup(Pattern{Subject: concept, Predicate: rdfsSubClassOf, Object: "?x"}, direct, models)
}

// SubclassesOf returns the transitive (or direct) rdfs:subClassOf
// children of concept.
func (s *Store) SubclassesOf(concept string, direct bool, models []string) ([]string, error) {
	return s.simpleLookup(Pattern{Subject: "?x", Predicate: rdfsSubClassOf, Object: concept}, direct, models)
}

func (s *Store) simpleLookup(pattern Pattern, direct bool, models []string) ([]string, error) {
	quads, err := s.repo.MatchingQuads(pattern, s.ResolveModels(models), direct)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var out []string
	for _, q := range quads {
		var v string
		switch {
		case IsVariable(pattern.Subject):
			v = q.Subject
		case IsVariable(pattern.Object):
			v = q.Object
		default:
			continue
		}
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Label returns any rdfs:label value for concept, falling back to
// concept itself. Memoized until the next mutation.
func (s *Store) Label(concept string, models []string) (string, error) {
	key := concept + "|" + modelsKey(models)
	gen := s.generation.Load()

	s.labelCacheMu.Lock()
	if entry, ok := s.labelCache[key]; ok && entry.generation == gen {
		s.labelCacheMu.Unlock()
		return entry.value, nil
	}
	s.labelCacheMu.Unlock()

	quads, err := s.repo.MatchingQuads(Pattern{Subject: concept, Predicate: rdfsLabel, Object: "?x"}, s.ResolveModels(models), false)
	if err != nil {
		return "", err
	}
	value := concept
	if len(quads) > 0 {
		value = quads[0].Object
	}

	s.labelCacheMu.Lock()
	s.labelCache[key] = cacheEntry{value: value, generation: gen}
	s.labelCacheMu.Unlock()
	return value, nil
}

// TypeOf classifies concept as class/instance/object_property/
// datatype_property/property/undefined, memoized.
func (s *Store) TypeOf(concept string, models []string) (TypeClassification, error) {
	key := concept + "|" + modelsKey(models)
	gen := s.generation.Load()

	s.typeCacheMu.Lock()
	if entry, ok := s.typeCache[key]; ok && entry.generation == gen {
		s.typeCacheMu.Unlock()
		return entry.value, nil
	}
	s.typeCacheMu.Unlock()

	resolved := s.ResolveModels(models)
	types, err := s.repo.MatchingQuads(Pattern{Subject: concept, Predicate: rdfType, Object: "?x"}, resolved, false)
	if err != nil {
		return TypeUndefined, err
	}
	classification := TypeUndefined
	for _, q := range types {
		switch q.Object {
		case owlClass:
			classification = TypeClass
		case owlObjectProp:
			classification = TypeObjectProperty
		case owlDatatypeProp:
			classification = TypeDatatypeProperty
		}
	}
	if classification == TypeUndefined {
		// The taxonomic neighborhood: a concept with superclasses,
		// subclasses or instances is a class even without an owl:Class
		// assertion of its own.
		inTaxonomy, err := s.hasTaxonomicNeighborhood(concept, resolved)
		if err != nil {
			return TypeUndefined, err
		}
		if inTaxonomy {
			classification = TypeClass
		}
	}
	if classification == TypeUndefined && len(types) > 0 {
		classification = TypeInstance
	}
	if classification == TypeUndefined {
		asPredicate, err := s.repo.MatchingQuads(Pattern{Subject: "?x", Predicate: concept, Object: "?y"}, resolved, false)
		if err != nil {
			return TypeUndefined, err
		}
		if len(asPredicate) > 0 {
			classification = TypeProperty
		}
	}

	s.typeCacheMu.Lock()
	s.typeCache[key] = typeCacheEntry{value: classification, generation: gen}
	s.typeCacheMu.Unlock()
	return classification, nil
}

func (s *Store) hasTaxonomicNeighborhood(concept string, models []string) (bool, error) {
	superclasses, err := s.SuperclassesOf(concept, false, models)
	if err != nil {
		return false, err
	}
	if len(superclasses) > 0 {
		return true, nil
	}
	subclasses, err := s.SubclassesOf(concept, false, models)
	if err != nil {
		return false, err
	}
	if len(subclasses) > 0 {
		return true, nil
	}
	instances, err := s.InstancesOf(concept, false, models)
	if err != nil {
		return false, err
	}
	return len(instances) > 0, nil
}

// Repository exposes the underlying repository for packages that need
// direct access to the persisted store (the query engine's matching
// primitives, the reasoner's snapshot-driven inference).
func (s *Store) Repository() *Repository {
	return s.repo
}

// onUpdate invalidates memoized caches and refreshes the functional
// property set after every mutation.
func (s *Store) onUpdate() {
	s.generation.Add(1)

	instances, err := s.InstancesOf(owlFunctional, false, nil)
	if err != nil {
		s.log().WithField("error", err).Warn("Failed to refresh functional property cache")
		return
	}
	next := make(map[string]struct{}, len(instances))
	for _, p := range instances {
		next[p] = struct{}{}
	}
	s.functionalMu.Lock()
	s.functional = next
	s.functionalMu.Unlock()
}

func modelsKey(models []string) string {
	if len(models) == 0 {
		return AllModelsToken
	}
	sorted := append([]string(nil), models...)
	sort.Strings(sorted)
	key := ""
	for i, m := range sorted {
		if i > 0 {
			key += ","
		}
		key += m
	}
	return key
}
