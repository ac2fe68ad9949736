// Package finder is the entry point for protocol implementation queries. It
// combines the cached class search with the callable search and answers
// go-to-implementation requests for individual protocol members.
package finder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/protocol"
)

var (
	// ErrNotFound is returned when a protocol name resolves to nothing.
	ErrNotFound = errors.New("protocol not found")
	// ErrAmbiguous is returned when a simple name matches several classes.
	ErrAmbiguous = errors.New("ambiguous protocol name")
	// ErrNotProtocol is returned when a name resolves to a regular class.
	ErrNotProtocol = errors.New("not a protocol")
	// ErrUnknownMember is returned when a protocol does not declare the
	// requested member.
	ErrUnknownMember = errors.New("protocol does not declare member")
)

// Symbols extends protocol.Symbols with simple-name lookup.
type Symbols interface {
	protocol.Symbols
	TypesNamed(name string) []*model.Type
}

// Cache memoizes class searches. *cache.ResultCache implements it.
type Cache interface {
	GetOrCompute(ctx context.Context, p *model.Type, scope model.Scope) ([]*model.Type, error)
	InvalidateAll()
	InvalidateFor(qname string)
}

// Implementations is everything that structurally satisfies a protocol.
// Functions and Lambdas are only populated for callable-only protocols.
type Implementations struct {
	Types     []*model.Type
	Functions []*model.Function
	Lambdas   []*model.Lambda
}

// Len returns the total number of implementations.
func (i Implementations) Len() int {
	return len(i.Types) + len(i.Functions) + len(i.Lambdas)
}

// MemberImplementation is the definition an implementer provides for one
// protocol member. Exactly one of Method and Attribute is set. Owner is the
// class declaring it, which may be an ancestor of Implementer.
type MemberImplementation struct {
	Implementer *model.Type
	Owner       *model.Type
	Method      *model.Method
	Attribute   *model.Attribute
}

// Line returns the declaration line of the member.
func (m MemberImplementation) Line() int {
	if m.Method != nil {
		return m.Method.Line
	}
	if m.Attribute != nil {
		return m.Attribute.Line
	}
	return 0
}

// Finder answers protocol queries.
type Finder struct {
	symbols  Symbols
	searcher *protocol.Searcher
	cache    Cache
	logger   *slog.Logger
}

// Option configures a Finder.
type Option func(*Finder)

// WithCache puts c in front of class searches.
func WithCache(c Cache) Option {
	return func(f *Finder) {
		f.cache = c
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *Finder) {
		if l != nil {
			f.logger = l
		}
	}
}

// New creates a Finder.
func New(symbols Symbols, searcher *protocol.Searcher, opts ...Option) *Finder {
	f := &Finder{
		symbols:  symbols,
		searcher: searcher,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FindImplementations returns the classes implementing p in scope and, when p
// only declares __call__, the compatible free functions and lambdas.
func (f *Finder) FindImplementations(ctx context.Context, p *model.Type, scope model.Scope) (Implementations, error) {
	var impls Implementations
	types, err := f.searchTypes(ctx, p, scope)
	if err != nil {
		return Implementations{}, err
	}
	impls.Types = types

	if f.searcher.IsCallableOnlyProtocol(p) {
		impls.Functions, impls.Lambdas, err = f.searcher.FindCallables(ctx, p, scope)
		if err != nil {
			return Implementations{}, err
		}
	}
	f.logger.Debug("implementations found",
		"protocol", p.QualifiedName,
		"types", len(impls.Types),
		"functions", len(impls.Functions),
		"lambdas", len(impls.Lambdas))
	return impls, nil
}

func (f *Finder) searchTypes(ctx context.Context, p *model.Type, scope model.Scope) ([]*model.Type, error) {
	if f.cache != nil {
		return f.cache.GetOrCompute(ctx, p, scope)
	}
	return f.searcher.Search(ctx, p, scope)
}

// IsCallableOnlyProtocol reports whether p is a protocol declaring only
// __call__.
func (f *Finder) IsCallableOnlyProtocol(p *model.Type) bool {
	return f.searcher.IsCallableOnlyProtocol(p)
}

// InvalidateAll drops every cached result.
func (f *Finder) InvalidateAll() {
	if f.cache != nil {
		f.cache.InvalidateAll()
	}
}

// InvalidateFor drops the cached results for the protocol named qname.
func (f *Finder) InvalidateFor(qname string) {
	if f.cache != nil {
		f.cache.InvalidateFor(qname)
	}
}

// FindMemberImplementations returns, for every class implementing p, the
// method or attribute it provides for member. Callables are not included:
// a function or lambda has no member to point at.
func (f *Finder) FindMemberImplementations(ctx context.Context, p *model.Type, member string, scope model.Scope) ([]MemberImplementation, error) {
	if !declares(p, member) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMember, p.QualifiedName, member)
	}
	types, err := f.searchTypes(ctx, p, scope)
	if err != nil {
		return nil, err
	}

	var out []MemberImplementation
	for _, t := range types {
		if m, owner := protocol.FindMethod(f.symbols, t, member); m != nil {
			out = append(out, MemberImplementation{Implementer: t, Owner: owner, Method: m})
			continue
		}
		if a, owner := protocol.FindAttribute(f.symbols, t, member); a != nil {
			out = append(out, MemberImplementation{Implementer: t, Owner: owner, Attribute: a})
		}
	}
	return out, nil
}

func declares(p *model.Type, member string) bool {
	for _, name := range protocol.RequiredMembers(p) {
		if name == member {
			return true
		}
	}
	return false
}

// Protocols lists the classes in scope declared as protocols, sorted by file
// then line.
func (f *Finder) Protocols(scope model.Scope) []*model.Type {
	var out []*model.Type
	for _, t := range f.symbols.TypesInScope(scope) {
		if protocol.DeclaresProtocol(t) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].File != out[j].File {
			return out[i].File < out[j].File
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Lookup resolves a protocol by qualified name or, failing that, by a simple
// name that identifies exactly one class.
func (f *Finder) Lookup(name string) (*model.Type, error) {
	candidates := f.symbols.Resolve(name, model.Everything)
	if len(candidates) == 0 && !strings.Contains(name, ".") {
		candidates = f.symbols.TypesNamed(name)
	}
	switch len(candidates) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	case 1:
	default:
		names := make([]string, 0, len(candidates))
		for _, c := range candidates {
			names = append(names, c.QualifiedName+" ("+c.File+")")
		}
		return nil, fmt.Errorf("%w: %s matches %s", ErrAmbiguous, name, strings.Join(names, ", "))
	}
	t := candidates[0]
	if !f.searcher.IsProtocol(t) {
		return nil, fmt.Errorf("%w: %s", ErrNotProtocol, t.QualifiedName)
	}
	return t, nil
}

// SplitMember splits "pkg.Proto.member" into "pkg.Proto" and "member".
func SplitMember(ref string) (proto, member string, err error) {
	i := strings.LastIndexByte(ref, '.')
	if i <= 0 || i == len(ref)-1 {
		return "", "", fmt.Errorf("invalid member reference %q: want Protocol.member", ref)
	}
	return ref[:i], ref[i+1:], nil
}
