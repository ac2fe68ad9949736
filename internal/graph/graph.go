// Package graph holds the symbol graph of a parsed workspace: every class,
// free function and lambda, with name resolution through module imports.
package graph

import (
	"sort"
	"strings"
	"sync"

	"github.com/phobologic/protoscan/internal/model"
)

// Graph is safe for concurrent use. Reads take the read lock; Replace and
// Remove are called by the workspace when files change.
type Graph struct {
	mu sync.RWMutex

	modules      map[string]*model.Module // by path
	byModuleName map[string]*model.Module
	types        map[string][]*model.Type // by qualified name
	bySimpleName map[string][]*model.Type
	functions    map[string]*model.Function // by qualified name
	live         map[*model.Type]struct{}
	generations  map[string]uint64
	clock        uint64
}

// New builds a graph from parsed modules.
func New(modules []*model.Module) *Graph {
	g := &Graph{
		modules:      make(map[string]*model.Module),
		byModuleName: make(map[string]*model.Module),
		types:        make(map[string][]*model.Type),
		bySimpleName: make(map[string][]*model.Type),
		functions:    make(map[string]*model.Function),
		live:         make(map[*model.Type]struct{}),
		generations:  make(map[string]uint64),
	}
	for _, mod := range modules {
		g.clock++
		g.add(mod)
		g.generations[mod.Path] = g.clock
	}
	return g
}

// Replace installs a freshly parsed module, dropping whatever was previously
// recorded for the same path, and stamps the file with a new generation.
// It returns the previous module, or nil.
func (g *Graph) Replace(mod *model.Module) *model.Module {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.drop(mod.Path)
	g.add(mod)
	g.clock++
	g.generations[mod.Path] = g.clock
	return prev
}

// Remove forgets a file. Its generation still advances so that anything
// keyed on the old generation stops matching.
func (g *Graph) Remove(path string) *model.Module {
	g.mu.Lock()
	defer g.mu.Unlock()

	prev := g.drop(path)
	g.clock++
	g.generations[path] = g.clock
	return prev
}

func (g *Graph) add(mod *model.Module) {
	g.modules[mod.Path] = mod
	g.byModuleName[mod.Name] = mod
	for _, t := range mod.Types {
		g.types[t.QualifiedName] = append(g.types[t.QualifiedName], t)
		g.bySimpleName[t.Name] = append(g.bySimpleName[t.Name], t)
		g.live[t] = struct{}{}
	}
	for _, f := range mod.Functions {
		g.functions[f.QualifiedName] = f
	}
}

func (g *Graph) drop(path string) *model.Module {
	prev, ok := g.modules[path]
	if !ok {
		return nil
	}
	delete(g.modules, path)
	if g.byModuleName[prev.Name] == prev {
		delete(g.byModuleName, prev.Name)
	}
	for _, t := range prev.Types {
		g.types[t.QualifiedName] = without(g.types[t.QualifiedName], t)
		if len(g.types[t.QualifiedName]) == 0 {
			delete(g.types, t.QualifiedName)
		}
		g.bySimpleName[t.Name] = without(g.bySimpleName[t.Name], t)
		if len(g.bySimpleName[t.Name]) == 0 {
			delete(g.bySimpleName, t.Name)
		}
		delete(g.live, t)
	}
	for _, f := range prev.Functions {
		if g.functions[f.QualifiedName] == f {
			delete(g.functions, f.QualifiedName)
		}
	}
	return prev
}

func without(types []*model.Type, t *model.Type) []*model.Type {
	out := types[:0:0]
	for _, x := range types {
		if x != t {
			out = append(out, x)
		}
	}
	return out
}

// Module returns the module parsed from path, or nil.
func (g *Graph) Module(path string) *model.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.modules[path]
}

// Modules returns all modules sorted by path.
func (g *Graph) Modules() []*model.Module {
	g.mu.RLock()
	defer g.mu.RUnlock()

	mods := make([]*model.Module, 0, len(g.modules))
	for _, m := range g.modules {
		mods = append(mods, m)
	}
	sort.Slice(mods, func(i, j int) bool { return mods[i].Path < mods[j].Path })
	return mods
}

// Resolve returns the types with the given qualified name declared inside
// scope. An empty result means "not found".
func (g *Graph) Resolve(qname string, scope model.Scope) []*model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*model.Type
	for _, t := range g.types[qname] {
		if scope.Contains(t.File) {
			out = append(out, t)
		}
	}
	return out
}

// TypesNamed returns every type whose simple name matches, sorted by file
// then line.
func (g *Graph) TypesNamed(name string) []*model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := append([]*model.Type(nil), g.bySimpleName[name]...)
	sortTypes(out)
	return out
}

// TypesInScope returns every type declared in scope, sorted by file then line.
func (g *Graph) TypesInScope(scope model.Scope) []*model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*model.Type
	for path, mod := range g.modules {
		if !scope.Contains(path) {
			continue
		}
		out = append(out, mod.Types...)
	}
	sortTypes(out)
	return out
}

// TypesInFile returns the types declared in one file.
func (g *Graph) TypesInFile(path string) []*model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	mod := g.modules[path]
	if mod == nil {
		return nil
	}
	return append([]*model.Type(nil), mod.Types...)
}

// FunctionsInScope returns every top-level function declared in scope.
func (g *Graph) FunctionsInScope(scope model.Scope) []*model.Function {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*model.Function
	for path, mod := range g.modules {
		if scope.Contains(path) {
			out = append(out, mod.Functions...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// LambdasInScope returns every lambda recorded in scope.
func (g *Graph) LambdasInScope(scope model.Scope) []*model.Lambda {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*model.Lambda
	for path, mod := range g.modules {
		if scope.Contains(path) {
			out = append(out, mod.Lambdas...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		if out[i].Line != out[j].Line {
			return out[i].Line < out[j].Line
		}
		return out[i].Column < out[j].Column
	})
	return out
}

// Generation returns the modification generation of a file; 0 if the file
// was never seen.
func (g *Graph) Generation(file string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.generations[file]
}

// IsLive reports whether t is still part of the graph. A type stops being
// live once its file is re-parsed or removed.
func (g *Graph) IsLive(t *model.Type) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.live[t]
	return ok
}

// Ancestors returns the resolvable direct bases of t in declaration order.
// Unresolvable bases are skipped; use t.Bases for the raw text.
func (g *Graph) Ancestors(t *model.Type) []*model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []*model.Type
	for _, base := range t.Bases {
		if b := g.resolveName(base, t.Module); b != nil && b != t {
			out = append(out, b)
		}
	}
	return out
}

// ResolveName resolves a type expression as written in module (a class name,
// dotted path or subscripted generic) to a declared type, or nil.
func (g *Graph) ResolveName(expr, module string) *model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolveName(expr, module)
}

func (g *Graph) resolveName(expr, module string) *model.Type {
	name := bareName(expr)
	if name == "" {
		return nil
	}
	mod := g.byModuleName[module]

	if head, rest, dotted := strings.Cut(name, "."); dotted {
		if mod != nil {
			if target, ok := mod.Imports[head]; ok {
				if t := g.first(target + "." + rest); t != nil {
					return t
				}
			}
		}
		if t := g.first(name); t != nil {
			return t
		}
		return g.unique(name[strings.LastIndexByte(name, '.')+1:])
	}

	if t := g.first(model.Qualify(module, name)); t != nil {
		return t
	}
	if mod != nil {
		if target, ok := mod.Imports[name]; ok {
			if t := g.first(target); t != nil {
				return t
			}
		}
	}
	return g.unique(name)
}

func (g *Graph) first(qname string) *model.Type {
	if ts := g.types[qname]; len(ts) > 0 {
		return ts[0]
	}
	return nil
}

func (g *Graph) unique(simple string) *model.Type {
	if ts := g.bySimpleName[simple]; len(ts) == 1 {
		return ts[0]
	}
	return nil
}

func (g *Graph) resolveFunction(expr, module string) *model.Function {
	name := bareName(expr)
	if f, ok := g.functions[model.Qualify(module, name)]; ok {
		return f
	}
	mod := g.byModuleName[module]
	if mod == nil {
		return nil
	}
	head, rest, dotted := strings.Cut(name, ".")
	target, ok := mod.Imports[head]
	if !ok {
		return nil
	}
	if dotted {
		target += "." + rest
	}
	return g.functions[target]
}

// ExpectedType returns the type a lambda is expected to conform to, derived
// from the parameter annotation of the function or constructor it is passed
// to, or from the annotation of the variable it is assigned to.
func (g *Graph) ExpectedType(l *model.Lambda) *model.Type {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch l.Context.Kind {
	case model.AnnotatedAssignment:
		return g.resolveName(unwrapOptional(l.Context.Annotation.Expr), l.Context.Annotation.Module)
	case model.CallArgument:
		params := g.calleeParams(l.Context.Callee, l.Module)
		p := selectParam(params, l.Context)
		if p == nil || p.Type.IsZero() {
			return nil
		}
		return g.resolveName(unwrapOptional(p.Type.Expr), p.Type.Module)
	}
	return nil
}

func (g *Graph) calleeParams(callee, module string) []model.Param {
	if f := g.resolveFunction(callee, module); f != nil {
		return f.Signature.NonReceiver()
	}
	cls := g.resolveName(callee, module)
	if cls == nil {
		return nil
	}
	visited := make(map[*model.Type]struct{})
	for queue := []*model.Type{cls}; len(queue) > 0; queue = queue[1:] {
		t := queue[0]
		if _, seen := visited[t]; seen {
			continue
		}
		visited[t] = struct{}{}
		if m := t.Method("__init__"); m != nil {
			return m.Signature.NonReceiver()
		}
		for _, base := range t.Bases {
			if b := g.resolveName(base, t.Module); b != nil {
				queue = append(queue, b)
			}
		}
	}
	return nil
}

func selectParam(params []model.Param, lc model.LambdaContext) *model.Param {
	if lc.ArgIndex < 0 {
		for i := range params {
			if params[i].Name == lc.Keyword && !params[i].VarKeyword {
				return &params[i]
			}
		}
		return nil
	}
	if lc.ArgIndex >= len(params) {
		return nil
	}
	p := &params[lc.ArgIndex]
	if p.VarPositional || p.VarKeyword {
		return nil
	}
	// Positions past a *args are keyword-only.
	for i := 0; i < lc.ArgIndex; i++ {
		if params[i].VarPositional {
			return nil
		}
	}
	return p
}

// bareName strips string quotes and generic subscripts: "'pkg.Foo[int]'"
// becomes "pkg.Foo".
func bareName(expr string) string {
	name := strings.TrimSpace(expr)
	name = strings.Trim(name, `"'`)
	if idx := strings.IndexByte(name, '['); idx >= 0 {
		name = name[:idx]
	}
	return strings.TrimSpace(name)
}

// unwrapOptional reduces "Optional[X]" and "X | None" to "X".
func unwrapOptional(expr string) string {
	e := strings.Trim(strings.TrimSpace(expr), `"'`)
	for _, prefix := range []string{"Optional[", "typing.Optional["} {
		if strings.HasPrefix(e, prefix) && strings.HasSuffix(e, "]") {
			return strings.TrimSpace(e[len(prefix) : len(e)-1])
		}
	}
	parts := strings.Split(e, "|")
	if len(parts) == 2 {
		a, b := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
		if b == "None" {
			return a
		}
		if a == "None" {
			return b
		}
	}
	return e
}

func sortTypes(types []*model.Type) {
	sort.Slice(types, func(i, j int) bool {
		if types[i].File != types[j].File {
			return types[i].File < types[j].File
		}
		return types[i].Line < types[j].Line
	})
}
