// Package typecheck decides assignability between Python type annotations.
//
// The oracle is deliberately partial: whenever it cannot decide, it answers
// Unknown and callers skip the check rather than reject a candidate.
package typecheck

import (
	"github.com/phobologic/protoscan/internal/model"
)

// Verdict is the three-valued answer of an assignability check.
type Verdict int

const (
	Unknown Verdict = iota
	Yes
	No
)

func (v Verdict) String() string {
	switch v {
	case Yes:
		return "yes"
	case No:
		return "no"
	}
	return "unknown"
}

// Resolver resolves names written in a module to declared classes.
// *graph.Graph implements it.
type Resolver interface {
	ResolveName(expr, module string) *model.Type
	Ancestors(t *model.Type) []*model.Type
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithProtocolCheck sets the predicate used to recognise protocol classes.
// Assignability to a protocol is structural and is never decided here.
// The default only trusts Type.DeclaredProtocol.
func WithProtocolCheck(fn func(*model.Type) bool) Option {
	return func(o *Oracle) {
		if fn != nil {
			o.isProtocol = fn
		}
	}
}

// Oracle answers assignability questions over annotation text.
type Oracle struct {
	resolver   Resolver
	isProtocol func(*model.Type) bool
}

// New creates an Oracle. A nil resolver leaves every user-defined name
// unresolved.
func New(r Resolver, opts ...Option) *Oracle {
	o := &Oracle{
		resolver:   r,
		isProtocol: func(t *model.Type) bool { return t.DeclaredProtocol },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ReturnType returns the declared return annotation of sig, falling back to
// the type inferred from a literal body.
func ReturnType(sig model.Signature) model.TypeRef {
	if !sig.Returns.IsZero() {
		return sig.Returns
	}
	return sig.InferredReturns
}

var numericRank = map[string]int{
	"bool":    0,
	"int":     1,
	"float":   2,
	"complex": 3,
}

var builtins = map[string]struct{}{
	"int": {}, "float": {}, "complex": {}, "bool": {}, "str": {}, "bytes": {},
	"bytearray": {}, "list": {}, "dict": {}, "set": {}, "frozenset": {},
	"tuple": {}, "type": {}, "None": {}, "object": {},
}

// abstractSupers lists the abstract collection types each builtin is known
// to satisfy.
var abstractSupers = map[string]map[string]struct{}{
	"list":      setOf("Sequence", "MutableSequence", "Iterable", "Collection", "Container", "Sized", "Reversible"),
	"tuple":     setOf("Sequence", "Iterable", "Collection", "Container", "Sized", "Reversible", "Hashable"),
	"str":       setOf("Sequence", "Iterable", "Collection", "Container", "Sized", "Hashable"),
	"bytes":     setOf("Sequence", "Iterable", "Collection", "Container", "Sized", "Hashable"),
	"dict":      setOf("Mapping", "MutableMapping", "Iterable", "Collection", "Container", "Sized"),
	"set":       setOf("AbstractSet", "MutableSet", "Iterable", "Collection", "Container", "Sized"),
	"frozenset": setOf("AbstractSet", "Iterable", "Collection", "Container", "Sized", "Hashable"),
	"int":       setOf("Hashable"),
	"float":     setOf("Hashable"),
	"bool":      setOf("Hashable"),
}

var abstractNames = setOf(
	"Sequence", "MutableSequence", "Iterable", "Iterator", "Collection", "Container",
	"Sized", "Reversible", "Hashable", "Mapping", "MutableMapping", "AbstractSet",
	"MutableSet", "Callable", "Awaitable", "Coroutine", "Generator", "AsyncIterator",
	"AsyncIterable",
)

func setOf(names ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(names))
	for _, n := range names {
		m[n] = struct{}{}
	}
	return m
}

// Assignable reports whether a value of type src may be used where dst is
// expected.
func (o *Oracle) Assignable(src, dst model.TypeRef) Verdict {
	if src.IsZero() || dst.IsZero() {
		return Unknown
	}
	s, err := parseExpr(src.Expr)
	if err != nil {
		return Unknown
	}
	d, err := parseExpr(dst.Expr)
	if err != nil {
		return Unknown
	}
	return o.assignable(s, src.Module, d, dst.Module)
}

func (o *Oracle) assignable(s *expr, sm string, d *expr, dm string) Verdict {
	if s.name == "Any" || d.name == "Any" || d.name == "object" {
		return Yes
	}

	if s.isUnion() {
		return allOf(len(s.args), func(i int) Verdict { return o.assignable(s.args[i], sm, d, dm) })
	}
	if d.isUnion() {
		return anyOf(len(d.args), func(i int) Verdict { return o.assignable(s, sm, d.args[i], dm) })
	}

	if s.String() == d.String() && sm == dm {
		return Yes
	}

	if s.name == "None" || d.name == "None" {
		if s.name == d.name {
			return Yes
		}
		other, om := d, dm
		if d.name == "None" {
			other, om = s, sm
		}
		if o.isConcrete(other, om) {
			return No
		}
		return Unknown
	}

	_, sBuiltin := builtins[s.name]
	_, dBuiltin := builtins[d.name]

	switch {
	case sBuiltin && dBuiltin:
		return o.builtinToBuiltin(s, sm, d, dm)
	case sBuiltin:
		if supers, ok := abstractSupers[s.name]; ok {
			if _, ok := supers[d.name]; ok {
				return o.abstractArgs(s, sm, d, dm)
			}
		}
		if t := o.resolve(d.name, dm); t != nil && !o.isProtocol(t) {
			return No
		}
		return Unknown
	case dBuiltin:
		t := o.resolve(s.name, sm)
		if t == nil {
			return Unknown
		}
		return o.classToBuiltin(t, d.name)
	}

	if s.name == d.name {
		if _, ok := abstractNames[s.name]; ok {
			return o.args(s, sm, d, dm)
		}
	}

	st := o.resolve(s.name, sm)
	dt := o.resolve(d.name, dm)
	if st == nil || dt == nil || o.isProtocol(dt) {
		return Unknown
	}
	if st == dt {
		if len(s.args) > 0 && len(d.args) > 0 {
			return o.args(s, sm, d, dm)
		}
		return Yes
	}
	found, complete := o.inherits(st, dt)
	switch {
	case found:
		return Yes
	case complete:
		return No
	}
	return Unknown
}

func (o *Oracle) builtinToBuiltin(s *expr, sm string, d *expr, dm string) Verdict {
	if s.name == d.name {
		return o.args(s, sm, d, dm)
	}
	sr, sNum := numericRank[s.name]
	dr, dNum := numericRank[d.name]
	if sNum && dNum {
		if sr <= dr {
			return Yes
		}
		return No
	}
	return No
}

// abstractArgs compares the element type of a builtin container against an
// abstract collection's first argument.
func (o *Oracle) abstractArgs(s *expr, sm string, d *expr, dm string) Verdict {
	if len(s.args) == 0 || len(d.args) == 0 || s.name == "tuple" {
		return Yes
	}
	return o.assignable(s.args[0], sm, d.args[0], dm)
}

func (o *Oracle) args(s *expr, sm string, d *expr, dm string) Verdict {
	if len(s.args) == 0 || len(d.args) == 0 {
		return Yes
	}
	if s.name == "Callable" {
		return o.callable(s, sm, d, dm)
	}
	if len(s.args) != len(d.args) {
		return Unknown
	}
	return allOf(len(s.args), func(i int) Verdict {
		if s.args[i].name == "..." || d.args[i].name == "..." {
			return Unknown
		}
		return o.assignable(s.args[i], sm, d.args[i], dm)
	})
}

// callable compares Callable[[params], ret]: covariant return,
// contravariant parameters.
func (o *Oracle) callable(s *expr, sm string, d *expr, dm string) Verdict {
	if len(s.args) != 2 || len(d.args) != 2 {
		return Unknown
	}
	ret := o.assignable(s.args[1], sm, d.args[1], dm)
	if ret == No {
		return No
	}
	sp, dp := s.args[0], d.args[0]
	if dp.name == "..." {
		return ret
	}
	if sp.name != "[]" || dp.name != "[]" {
		return Unknown
	}
	if len(sp.args) != len(dp.args) {
		return No
	}
	params := allOf(len(sp.args), func(i int) Verdict {
		return o.assignable(dp.args[i], dm, sp.args[i], sm)
	})
	if params == No {
		return No
	}
	if ret == Yes && params == Yes {
		return Yes
	}
	return Unknown
}

func (o *Oracle) resolve(name, module string) *model.Type {
	if o.resolver == nil {
		return nil
	}
	return o.resolver.ResolveName(name, module)
}

func (o *Oracle) isConcrete(e *expr, module string) bool {
	if _, ok := builtins[e.name]; ok {
		return true
	}
	t := o.resolve(e.name, module)
	return t != nil && !o.isProtocol(t)
}

// classToBuiltin handles user classes subclassing builtins, e.g.
// "class Name(str)".
func (o *Oracle) classToBuiltin(t *model.Type, builtin string) Verdict {
	visited := make(map[*model.Type]struct{})
	complete := true
	var walk func(x *model.Type) bool
	walk = func(x *model.Type) bool {
		if _, seen := visited[x]; seen {
			return false
		}
		visited[x] = struct{}{}
		resolved := o.resolver.Ancestors(x)
		for _, base := range x.Bases {
			b, err := parseExpr(base)
			if err != nil {
				complete = false
				continue
			}
			if b.name == builtin {
				return true
			}
			if rank, ok := numericRank[b.name]; ok {
				if target, ok := numericRank[builtin]; ok && rank <= target {
					return true
				}
			}
		}
		if len(resolved) < countNominalBases(x.Bases) {
			complete = false
		}
		for _, a := range resolved {
			if walk(a) {
				return true
			}
		}
		return false
	}
	if walk(t) {
		return Yes
	}
	if complete {
		return No
	}
	return Unknown
}

// inherits walks the ancestors of st looking for dt. complete is false when
// some base along the way could not be resolved.
func (o *Oracle) inherits(st, dt *model.Type) (found, complete bool) {
	visited := make(map[*model.Type]struct{})
	complete = true
	queue := []*model.Type{st}
	for len(queue) > 0 {
		t := queue[0]
		queue = queue[1:]
		if _, seen := visited[t]; seen {
			continue
		}
		visited[t] = struct{}{}
		if t == dt {
			return true, complete
		}
		resolved := o.resolver.Ancestors(t)
		if len(resolved) < countNominalBases(t.Bases) {
			complete = false
		}
		queue = append(queue, resolved...)
	}
	return false, complete
}

// countNominalBases counts bases that name a class; object, Generic and
// Protocol markers do not.
func countNominalBases(bases []string) int {
	n := 0
	for _, base := range bases {
		e, err := parseExpr(base)
		if err != nil {
			n++
			continue
		}
		switch e.name {
		case "object", "Generic", "Protocol":
			continue
		}
		if _, ok := builtins[e.name]; ok {
			continue
		}
		n++
	}
	return n
}

// allOf combines verdicts conjunctively: any No wins, then any Unknown.
func allOf(n int, f func(int) Verdict) Verdict {
	result := Yes
	for i := 0; i < n; i++ {
		switch f(i) {
		case No:
			return No
		case Unknown:
			result = Unknown
		}
	}
	return result
}

// anyOf combines verdicts disjunctively: any Yes wins, then any Unknown.
func anyOf(n int, f func(int) Verdict) Verdict {
	result := No
	for i := 0; i < n; i++ {
		switch f(i) {
		case Yes:
			return Yes
		case Unknown:
			result = Unknown
		}
	}
	return result
}
