// Package reasoner implements the background RDFS-style closure worker
// a fixed-rate ticker that snapshots the store, computes
// transitive rdf:type/rdfs:subClassOf/owl:equivalentClass closure plus
// the symmetric closure of owl:differentFrom/owl:sameAs/owl:disjointWith,
// and commits the residue as inferred, insert-or-ignore rows.
package reasoner

import (
	"context"
	"time"

	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/sirupsen/logrus"
)

const (
	rdfType            = "rdf:type"
	rdfsSubClassOf     = "rdfs:subClassOf"
	owlEquivalentClass = "owl:equivalentClass"
)

var symmetricPredicates = []string{
	"owl:differentFrom",
	"owl:sameAs",
	"owl:disjointWith",
}

// Worker runs the reasoner tick loop.
type Worker struct {
	store    *store.Store
	tickRate time.Duration

	// OnInsert, when set, is called once after any tick that committed
	// new inferred rows. The facade hooks its subscription re-evaluation
	// here so events also fire on reasoner insertions, not only on
	// direct revisions.
	OnInsert func()

	// Failfast exits the process on the first tick error.
	Failfast bool
}

// New builds a reasoner Worker over s, ticking at rate.
func New(s *store.Store, rate time.Duration) *Worker {
	return &Worker{store: s, tickRate: rate}
}

func (w *Worker) log() *logrus.Entry {
	return logger.Component("reasoner")
}

// Run blocks, ticking until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tickRate)
	defer ticker.Stop()

	w.log().Info("Reasoner worker started")
	for {
		select {
		case <-ctx.Done():
			w.log().Info("Reasoner worker stopped")
			return
		case <-ticker.C:
			if err := w.Tick(); err != nil {
				if w.Failfast {
					w.log().WithField("error", err).Fatal("Reasoner tick failed")
				}
				w.log().WithField("error", err).Warn("Reasoner tick failed")
			}
		}
	}
}

// Tick performs one full snapshot-then-merge pass. Run calls it
// at the configured rate; tests drive it directly.
func (w *Worker) Tick() error {
	repo := w.store.Repository()

	if err := repo.Snapshot(); err != nil {
		return err
	}

	models, err := repo.SnapshotModels()
	if err != nil {
		return err
	}

	inserted := false
	for _, model := range models {
		derived, err := w.closeModel(model)
		if err != nil {
			return err
		}
		if len(derived) == 0 {
			continue
		}
		triples := make([]store.Triple, len(derived))
		for i, d := range derived {
			triples[i] = d.Triple
		}
		// insert-or-ignore: QuadHash-keyed rows already present in the
		// store are silently skipped by Repository.InsertQuads, so derived
		// rows never displace asserted ones.
		if err := w.store.Add(triples, model, 0, false, true); err != nil {
			return err
		}
		inserted = true
	}
	if inserted && w.OnInsert != nil {
		w.OnInsert()
	}
	return nil
}

// classGraph is the in-memory per-model structure the closure pass
// builds from the snapshot edges.
type classGraph struct {
	parents     map[string]map[string]struct{} // class -> direct superclasses
	instances   map[string]map[string]struct{} // class -> direct instances
	equivalents map[string]map[string]struct{} // class -> equivalent classes
}

func newClassGraph() *classGraph {
	return &classGraph{
		parents:     map[string]map[string]struct{}{},
		instances:   map[string]map[string]struct{}{},
		equivalents: map[string]map[string]struct{}{},
	}
}

func (g *classGraph) addParent(class, parent string) {
	addEdge(g.parents, class, parent)
}

func (g *classGraph) addInstance(class, instance string) {
	addEdge(g.instances, class, instance)
}

func (g *classGraph) addEquivalent(a, b string) {
	addEdge(g.equivalents, a, b)
	addEdge(g.equivalents, b, a)
}

func addEdge(m map[string]map[string]struct{}, k, v string) {
	set, ok := m[k]
	if !ok {
		set = map[string]struct{}{}
		m[k] = set
	}
	set[v] = struct{}{}
}

// closeModel loads one model's edges from the snapshot, computes the
// taxonomy and symmetric closures, subtracts what the snapshot already
// contains,
// and returns the residue to be committed as inferred.
func (w *Worker) closeModel(model string) ([]modelTriple, error) {
	repo := w.store.Repository()
	graph := newClassGraph()

	typeEdges, err := repo.SnapshotEdges(rdfType, model)
	if err != nil {
		return nil, err
	}
	existing := map[store.Triple]struct{}{}
	for _, e := range typeEdges {
		graph.addInstance(e.Object, e.Subject)
		existing[e] = struct{}{}
	}

	subClassEdges, err := repo.SnapshotEdges(rdfsSubClassOf, model)
	if err != nil {
		return nil, err
	}
	for _, e := range subClassEdges {
		graph.addParent(e.Subject, e.Object)
		existing[e] = struct{}{}
	}

	equivEdges, err := repo.SnapshotEdges(owlEquivalentClass, model)
	if err != nil {
		return nil, err
	}
	for _, e := range equivEdges {
		graph.addEquivalent(e.Subject, e.Object)
		existing[e] = struct{}{}
	}

	var derived []store.Triple

	// Propagate each instance up through all transitive parents, and
	// each parent through all transitive ancestors.
	for class := range graph.parents {
		ancestors := transitiveClosure(graph.parents, class)
		for ancestor := range ancestors {
			derived = append(derived, store.Triple{Subject: class, Predicate: rdfsSubClassOf, Object: ancestor})
		}
	}
	for class, instances := range graph.instances {
		ancestors := transitiveClosure(graph.parents, class)
		for instance := range instances {
			for ancestor := range ancestors {
				derived = append(derived, store.Triple{Subject: instance, Predicate: rdfType, Object: ancestor})
			}
		}
	}

	// Propagate instances and parent links symmetrically across
	// equivalent classes.
	for class, equivs := range graph.equivalents {
		for equiv := range equivs {
			for instance := range graph.instances[class] {
				derived = append(derived, store.Triple{Subject: instance, Predicate: rdfType, Object: equiv})
			}
			for parent := range graph.parents[class] {
				derived = append(derived, store.Triple{Subject: equiv, Predicate: rdfsSubClassOf, Object: parent})
			}
		}
	}

	// Symmetric closure of owl:differentFrom/owl:sameAs/owl:disjointWith.
	for _, predicate := range symmetricPredicates {
		edges, err := repo.SnapshotEdges(predicate, model)
		if err != nil {
			return nil, err
		}
		for _, e := range edges {
			existing[e] = struct{}{}
		}
		for _, e := range edges {
			derived = append(derived, store.Triple{Subject: e.Object, Predicate: predicate, Object: e.Subject})
		}
	}

	residue := make([]modelTriple, 0, len(derived))
	for _, t := range derived {
		if _, already := existing[t]; already {
			continue
		}
		residue = append(residue, modelTriple{Triple: t, model: model})
	}
	return residue, nil
}

// transitiveClosure returns every node reachable from start by following
// edges in graph. start itself is included only when a cycle leads back
// to it.
func transitiveClosure(graph map[string]map[string]struct{}, start string) map[string]struct{} {
	visited := map[string]struct{}{}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for next := range graph[node] {
			if _, seen := visited[next]; seen {
				continue
			}
			visited[next] = struct{}{}
			stack = append(stack, next)
		}
	}
	return visited
}

// modelTriple tags a derived triple with the model it belongs to, since
// the reasoner mixes triples from many models in one residue batch.
type modelTriple struct {
	store.Triple
	model string
}
