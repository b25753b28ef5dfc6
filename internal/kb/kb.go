// Package kb is the knowledge base facade: it owns the store,
// query engine, event bus, and the reasoner/sweeper workers, and exposes
// every client-visible operation through one explicit dispatch table.
package kb

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/edge-robotics/knowbase/internal/events"
	"github.com/edge-robotics/knowbase/internal/kberrors"
	"github.com/edge-robotics/knowbase/internal/lifespan"
	"github.com/edge-robotics/knowbase/internal/ontology"
	"github.com/edge-robotics/knowbase/internal/query"
	"github.com/edge-robotics/knowbase/internal/reasoner"
	"github.com/edge-robotics/knowbase/internal/store"
	"github.com/edge-robotics/knowbase/pkg/logger"
	"github.com/sirupsen/logrus"
)

// Version is returned by the hello() operation.
const Version = "knowbase/1.0"

// RevisionPolicy controls how revise() routes a batch of statements.
type RevisionPolicy struct {
	Method   string // add | safe_add | retract | update | safe_update | revision
	Models   []string
	Lifespan time.Duration
}

// MethodSpec describes one dispatch table entry.
type MethodSpec struct {
	Name   string
	Arity  int
	Compat bool
	Call   func(args []any) (any, error)
}

// KnowledgeBase composes the storage/query/event/worker layers and
// exposes every client-visible operation by name.
type KnowledgeBase struct {
	Store    *store.Store
	Query    *query.Engine
	Events   *events.Bus
	Reasoner *reasoner.Worker
	Sweeper  *lifespan.Sweeper
	Ontology *ontology.Loader

	// Failfast makes the workers exit the process on their first tick
	// error instead of logging and continuing (the --failfast flag).
	Failfast bool

	methods map[string]MethodSpec

	wg sync.WaitGroup
}

// New wires every component together and builds the dispatch table.
func New(s *store.Store, reasonerRate, lifespanRate time.Duration) *KnowledgeBase {
	kb := &KnowledgeBase{
		Store:    s,
		Query:    query.New(s),
		Events:   events.New(),
		Reasoner: reasoner.New(s, reasonerRate),
		Sweeper:  lifespan.New(s, lifespanRate),
		Ontology: ontology.NewLoader(),
	}
	kb.methods = kb.buildDispatchTable()
	kb.Reasoner.OnInsert = kb.onRevise
	return kb
}

func (kb *KnowledgeBase) log() *logrus.Entry {
	return logger.Component("kb")
}

// Start launches the reasoner and sweeper workers; they stop when ctx is
// cancelled.
func (kb *KnowledgeBase) Start(ctx context.Context) {
	kb.Reasoner.Failfast = kb.Failfast
	kb.Sweeper.Failfast = kb.Failfast
	kb.wg.Add(2)
	go func() {
		defer kb.wg.Done()
		kb.Reasoner.Run(ctx)
	}()
	go func() {
		defer kb.wg.Done()
		kb.Sweeper.Run(ctx)
	}()
}

// Wait blocks until both workers have returned after ctx cancellation.
func (kb *KnowledgeBase) Wait() {
	kb.wg.Wait()
}

// Dispatch looks up method by name and invokes it, recovering from any
// panic raised inside the call and converting it to a ServerError so a
// client request can never take the server down.
func (kb *KnowledgeBase) Dispatch(method string, args []any) (result any, err error) {
	spec, ok := kb.methods[method]
	if !ok {
		return nil, kberrors.New(kberrors.Unknown, "no such method %q", method)
	}
	if spec.Arity >= 0 && len(args) != spec.Arity {
		return nil, kberrors.New(kberrors.TypeMismatch, "%s expects %d argument(s), got %d", method, spec.Arity, len(args))
	}

	defer func() {
		if r := recover(); r != nil {
			err = kberrors.New(kberrors.ServerError, "panic in %s: %v", method, r)
		}
	}()

	return spec.Call(args)
}

// Methods lists every dispatch table entry name (the methods() op).
func (kb *KnowledgeBase) Methods() []string {
	names := make([]string, 0, len(kb.methods))
	for name := range kb.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (kb *KnowledgeBase) buildDispatchTable() map[string]MethodSpec {
	m := map[string]MethodSpec{}
	reg := func(spec MethodSpec) { m[spec.Name] = spec }

	reg(MethodSpec{Name: "hello", Arity: 0, Call: func(args []any) (any, error) {
		return Version, nil
	}})
	reg(MethodSpec{Name: "methods", Arity: 0, Call: func(args []any) (any, error) {
		return kb.Methods(), nil
	}})
	reg(MethodSpec{Name: "listSimpleMethods", Arity: 0, Compat: true, Call: func(args []any) (any, error) {
		return kb.Methods(), nil
	}})
	reg(MethodSpec{Name: "clear", Arity: 0, Call: func(args []any) (any, error) {
		kb.Clear()
		return nil, nil
	}})
	reg(MethodSpec{Name: "reset", Arity: 0, Compat: true, Call: func(args []any) (any, error) {
		kb.Clear()
		return nil, nil
	}})
	reg(MethodSpec{Name: "check", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		kb.log().Warn("check: no classification supported")
		return true, nil
	}})

	reg(MethodSpec{Name: "load", Arity: 1, Call: func(args []any) (any, error) {
		path, ok := args[0].(string)
		if !ok {
			return nil, kberrors.New(kberrors.TypeMismatch, "load expects a file path string")
		}
		triples, err := kb.Ontology.LoadFile(path)
		if err != nil {
			return nil, kberrors.Wrap(kberrors.ParseError, err, "load %q", path)
		}
		if err := kb.Revise(triples, RevisionPolicy{Method: "add", Models: []string{store.DefaultModel}}); err != nil {
			return nil, err
		}
		return nil, nil
	}})

	reg(MethodSpec{Name: "about", Arity: -1, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.About(resource, models)
	}})

	reg(MethodSpec{Name: "lookup", Arity: -1, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		about, err := kb.Store.About(resource, models)
		if err != nil {
			return nil, err
		}
		if len(about) == 0 {
			return []any{}, nil
		}
		typeOf, err := kb.Store.TypeOf(resource, models)
		if err != nil {
			return nil, err
		}
		return [][2]string{{resource, string(typeOf)}}, nil
	}})

	reg(MethodSpec{Name: "exist", Arity: -1, Call: func(args []any) (any, error) {
		patterns, models, err := parsePatternsModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.Has(patterns, models)
	}})

	reg(MethodSpec{Name: "revise", Arity: 2, Call: func(args []any) (any, error) {
		stmts, ok := args[0].([]store.Triple)
		if !ok {
			return nil, kberrors.New(kberrors.TypeMismatch, "revise expects a statement list")
		}
		policy, ok := args[1].(RevisionPolicy)
		if !ok {
			return nil, kberrors.New(kberrors.TypeMismatch, "revise expects a policy")
		}
		return nil, kb.Revise(stmts, policy)
	}})

	reg(MethodSpec{Name: "add", Arity: -1, Call: func(args []any) (any, error) {
		return kb.sugarRevise(args, "add")
	}})
	reg(MethodSpec{Name: "retract", Arity: -1, Call: func(args []any) (any, error) {
		return kb.sugarRevise(args, "retract")
	}})
	reg(MethodSpec{Name: "remove", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		return kb.sugarRevise(args, "retract")
	}})
	reg(MethodSpec{Name: "update", Arity: -1, Call: func(args []any) (any, error) {
		return kb.sugarRevise(args, "update")
	}})
	reg(MethodSpec{Name: "addForAgent", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		return kb.sugarRevise(reorderForAgent(args), "add")
	}})
	reg(MethodSpec{Name: "removeForAgent", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		return kb.sugarRevise(reorderForAgent(args), "retract")
	}})

	reg(MethodSpec{Name: "find", Arity: -1, Call: func(args []any) (any, error) {
		return kb.find(args)
	}})
	reg(MethodSpec{Name: "findmpe", Arity: -1, Call: func(args []any) (any, error) {
		return kb.find(args)
	}})
	reg(MethodSpec{Name: "findForAgent", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		if len(args) < 3 {
			return nil, kberrors.New(kberrors.TypeMismatch, "findForAgent expects (agent, vars, patterns)")
		}
		agent, ok := args[0].(string)
		if !ok {
			return nil, kberrors.New(kberrors.TypeMismatch, "findForAgent: agent must be a string")
		}
		return kb.find(append(args[1:3:3], []string{agent}))
	}})

	reg(MethodSpec{Name: "subscribe", Arity: -1, Call: func(args []any) (any, error) {
		return kb.subscribe(args)
	}})

	reg(MethodSpec{Name: "classesof", Arity: -1, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.ClassesOf(resource, false, models)
	}})
	reg(MethodSpec{Name: "getClassesOf", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.ClassesOf(resource, false, models)
	}})
	reg(MethodSpec{Name: "getDirectClassesOf", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.ClassesOf(resource, true, models)
	}})
	reg(MethodSpec{Name: "details", Arity: -1, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.About(resource, models)
	}})
	reg(MethodSpec{Name: "label", Arity: -1, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.Label(resource, models)
	}})
	reg(MethodSpec{Name: "getLabel", Arity: -1, Compat: true, Call: func(args []any) (any, error) {
		resource, models, err := parseResourceModels(args)
		if err != nil {
			return nil, err
		}
		return kb.Store.Label(resource, models)
	}})

	return m
}

// Clear drops all triples and active subscriptions.
func (kb *KnowledgeBase) Clear() {
	kb.Events.Clear()
	if err := kb.Store.Clear(); err != nil {
		kb.log().WithField("error", err).Warn("clear: failed to purge store")
	}
}

// Revise dispatches on policy.Method: add/safe_add are equivalent (no
// consistency check); retract deletes; update/safe_update/
// revision all route through the functional-property-aware update. The
// statements are applied to every model policy.Models resolves to.
func (kb *KnowledgeBase) Revise(stmts []store.Triple, policy RevisionPolicy) error {
	models := kb.Store.ResolveModels(policy.Models)

	switch policy.Method {
	case "add", "safe_add", "":
		for _, model := range models {
			if err := kb.Store.Add(stmts, model, policy.Lifespan, false, false); err != nil {
				return err
			}
		}
	case "retract":
		for _, model := range models {
			if err := kb.Store.Delete(stmts, model); err != nil {
				return err
			}
		}
	case "update", "safe_update", "revision":
		for _, model := range models {
			if err := kb.Store.Update(stmts, model, policy.Lifespan); err != nil {
				return err
			}
		}
	default:
		return kberrors.New(kberrors.ParseError, "unknown revision policy %q", policy.Method)
	}
	kb.onRevise()
	return nil
}

// onRevise evaluates every active subscription after a committed
// mutation; events always fire after the revision that caused them.
func (kb *KnowledgeBase) onRevise() {
	for _, sub := range kb.Events.Active() {
		result, err := kb.Query.Find([]string{sub.Var}, sub.Patterns, sub.Models)
		if err != nil {
			kb.log().WithField("error", err).Warn("subscription re-evaluation failed")
			continue
		}
		values := make([]string, len(result))
		for i, row := range result {
			values[i] = row[0]
		}
		kb.Events.Evaluate(sub, values)
	}
}

// reorderForAgent turns the legacy (agent, stmts, lifespan?) calling
// convention into the canonical (stmts, models, lifespan?) one.
func reorderForAgent(args []any) []any {
	if len(args) < 2 {
		return args
	}
	agent, ok := args[0].(string)
	if !ok {
		return args
	}
	out := []any{args[1], []string{agent}}
	if len(args) > 2 {
		out = append(out, args[2])
	}
	return out
}

func (kb *KnowledgeBase) sugarRevise(args []any, method string) (any, error) {
	stmts, models, lifespan, err := parseReviseArgs(args)
	if err != nil {
		return nil, err
	}
	return nil, kb.Revise(stmts, RevisionPolicy{Method: method, Models: models, Lifespan: lifespan})
}

func (kb *KnowledgeBase) find(args []any) (any, error) {
	if len(args) < 2 {
		return nil, kberrors.New(kberrors.TypeMismatch, "find expects (vars, patterns, models?)")
	}
	vars, ok := args[0].([]string)
	if !ok {
		return nil, kberrors.New(kberrors.TypeMismatch, "find: vars must be a string list")
	}
	patterns, ok := args[1].([]store.Pattern)
	if !ok {
		return nil, kberrors.New(kberrors.TypeMismatch, "find: patterns must be a pattern list")
	}
	var models []string
	if len(args) > 2 {
		models, _ = args[2].([]string)
	}
	rows, err := kb.Query.Find(vars, patterns, models)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = [][]string{}
	}
	return rows, nil
}

func (kb *KnowledgeBase) subscribe(args []any) (any, error) {
	if len(args) < 4 {
		return nil, kberrors.New(kberrors.TypeMismatch, "subscribe expects (kind, trigger, var, patterns, models?)")
	}
	kind, _ := args[0].(string)
	trigger, _ := args[1].(string)
	v, _ := args[2].(string)
	patterns, ok := args[3].([]store.Pattern)
	if !ok {
		return nil, kberrors.New(kberrors.TypeMismatch, "subscribe: patterns must be a pattern list")
	}
	var models []string
	if len(args) > 4 {
		models, _ = args[4].([]string)
	}
	resolved := kb.Store.ResolveModels(models)

	result, err := kb.Query.Find([]string{v}, patterns, resolved)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(result))
	for _, row := range result {
		seen[row[0]] = struct{}{}
	}

	clientID, _ := clientIDFromArgs(args)
	id := kb.Events.Subscribe(clientID, events.Kind(kind), events.Trigger(trigger), v, patterns, resolved, seen)
	return strconv.FormatUint(id, 10), nil
}

func clientIDFromArgs(args []any) (string, bool) {
	if len(args) < 6 {
		return "", false
	}
	id, ok := args[5].(string)
	return id, ok
}

func parseReviseArgs(args []any) ([]store.Triple, []string, time.Duration, error) {
	if len(args) < 1 {
		return nil, nil, 0, kberrors.New(kberrors.TypeMismatch, "expects at least a statement list")
	}
	stmts, ok := args[0].([]store.Triple)
	if !ok {
		return nil, nil, 0, kberrors.New(kberrors.TypeMismatch, "expects a statement list")
	}
	var models []string
	var lifespan time.Duration
	if len(args) > 1 {
		models, _ = args[1].([]string)
	}
	if len(args) > 2 {
		lifespan, _ = args[2].(time.Duration)
	}
	return stmts, models, lifespan, nil
}

func parseResourceModels(args []any) (string, []string, error) {
	if len(args) < 1 {
		return "", nil, kberrors.New(kberrors.TypeMismatch, "expects a resource argument")
	}
	resource, ok := args[0].(string)
	if !ok {
		return "", nil, kberrors.New(kberrors.TypeMismatch, "expects a resource string")
	}
	var models []string
	if len(args) > 1 {
		models, _ = args[1].([]string)
	}
	return resource, models, nil
}

func parsePatternsModels(args []any) ([]store.Pattern, []string, error) {
	if len(args) < 1 {
		return nil, nil, kberrors.New(kberrors.TypeMismatch, "expects a pattern list")
	}
	patterns, ok := args[0].([]store.Pattern)
	if !ok {
		return nil, nil, kberrors.New(kberrors.TypeMismatch, "expects a pattern list")
	}
	var models []string
	if len(args) > 1 {
		models, _ = args[1].([]string)
	}
	return patterns, models, nil
}
