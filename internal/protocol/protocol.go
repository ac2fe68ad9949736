// Package protocol finds the structural implementers of Python protocols:
// classes whose shape satisfies a typing.Protocol without inheriting from it
// and, for protocols that only declare __call__, free functions and lambdas.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/typecheck"
)

// ErrCanceled is returned (wrapped together with ctx.Err()) when a search is
// aborted through its context.
var ErrCanceled = errors.New("protocol search canceled")

// CallMember is the member a callable-only protocol declares.
const CallMember = "__call__"

// Ancestry resolves the direct bases of a type.
type Ancestry interface {
	Ancestors(t *model.Type) []*model.Type
}

// Symbols is the read-only view of the code base the search runs over.
// *graph.Graph implements it.
type Symbols interface {
	Ancestry
	Resolve(qname string, scope model.Scope) []*model.Type
	TypesInScope(scope model.Scope) []*model.Type
	TypesInFile(path string) []*model.Type
	FunctionsInScope(scope model.Scope) []*model.Function
	LambdasInScope(scope model.Scope) []*model.Lambda
	ExpectedType(l *model.Lambda) *model.Type
	Generation(file string) uint64
	IsLive(t *model.Type) bool
}

// Oracle decides assignability between annotations.
type Oracle interface {
	Assignable(src, dst model.TypeRef) typecheck.Verdict
}

// MemberIndex narrows the candidate set by member name.
type MemberIndex interface {
	Lookup(name string, scope model.Scope) []string
	Generation() uint64
}

var ignoredMembers = map[string]struct{}{
	"__init__":          {},
	"__new__":           {},
	"__slots__":         {},
	"__class_getitem__": {},
	"__init_subclass__": {},
}

// ShouldIgnoreMember reports whether a protocol member is exempt from
// structural matching: private single-underscore names and the lifecycle
// dunders.
func ShouldIgnoreMember(name string) bool {
	if _, ok := ignoredMembers[name]; ok {
		return true
	}
	return strings.HasPrefix(name, "_") && !isDunder(name)
}

func isDunder(name string) bool {
	return len(name) > 4 && strings.HasPrefix(name, "__") && strings.HasSuffix(name, "__")
}

// RequiredMembers returns the member names p demands: its own methods that
// are not ignored, then its own class attributes not starting with "_".
func RequiredMembers(p *model.Type) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, m := range p.Methods {
		if ShouldIgnoreMember(m.Name) {
			continue
		}
		if _, dup := seen[m.Name]; dup {
			continue
		}
		seen[m.Name] = struct{}{}
		names = append(names, m.Name)
	}
	for _, a := range p.Attributes {
		if a.Instance || strings.HasPrefix(a.Name, "_") {
			continue
		}
		if _, dup := seen[a.Name]; dup {
			continue
		}
		seen[a.Name] = struct{}{}
		names = append(names, a.Name)
	}
	return names
}

// IsProtocol reports whether t is a protocol. The authoritative signal is
// Type.DeclaredProtocol, set when a base resolves to typing.Protocol through
// the imports. Failing that, any ancestor (transitively, including base
// names that do not resolve) literally named Protocol counts. The fallback
// is imprecise: an unrelated class called Protocol also qualifies.
func IsProtocol(a Ancestry, t *model.Type) bool {
	if t == nil {
		return false
	}
	if t.DeclaredProtocol {
		return true
	}
	visited := make(map[*model.Type]struct{})
	queue := []*model.Type{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		for _, base := range cur.Bases {
			if baseName(base) == "Protocol" {
				return true
			}
		}
		for _, anc := range a.Ancestors(cur) {
			if anc.Name == "Protocol" {
				return true
			}
			queue = append(queue, anc)
		}
	}
	return false
}

// DeclaresProtocol reports whether t itself is declared as a protocol, either
// through a resolved typing.Protocol base or a direct base named Protocol.
// Unlike IsProtocol it does not count plain subclasses of protocols.
func DeclaresProtocol(t *model.Type) bool {
	if t.DeclaredProtocol {
		return true
	}
	for _, base := range t.Bases {
		if baseName(base) == "Protocol" {
			return true
		}
	}
	return false
}

// baseName reduces "typing.Protocol[T]" to "Protocol".
func baseName(expr string) string {
	if idx := strings.IndexByte(expr, '['); idx >= 0 {
		expr = expr[:idx]
	}
	expr = strings.TrimSpace(expr)
	if idx := strings.LastIndexByte(expr, '.'); idx >= 0 {
		expr = expr[idx+1:]
	}
	return expr
}

// IsCallableOnly reports whether p is a protocol whose required member set is
// exactly {__call__}.
func IsCallableOnly(a Ancestry, p *model.Type) bool {
	if !IsProtocol(a, p) {
		return false
	}
	req := RequiredMembers(p)
	return len(req) == 1 && req[0] == CallMember
}

// IsNominalSubtype reports whether t lists p among its ancestors.
func IsNominalSubtype(a Ancestry, t, p *model.Type) bool {
	visited := make(map[*model.Type]struct{})
	queue := a.Ancestors(t)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == p || cur.QualifiedName == p.QualifiedName {
			return true
		}
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		queue = append(queue, a.Ancestors(cur)...)
	}
	return false
}

// FindMethod looks a method up on t and its ancestors, returning the method
// and the type declaring it.
func FindMethod(a Ancestry, t *model.Type, name string) (*model.Method, *model.Type) {
	var found *model.Method
	var owner *model.Type
	walk(a, t, func(cur *model.Type) bool {
		if m := cur.Method(name); m != nil {
			found, owner = m, cur
			return true
		}
		return false
	})
	return found, owner
}

// FindAttribute looks a class or instance attribute up on t and its
// ancestors.
func FindAttribute(a Ancestry, t *model.Type, name string) (*model.Attribute, *model.Type) {
	var found *model.Attribute
	var owner *model.Type
	walk(a, t, func(cur *model.Type) bool {
		if attr := cur.Attribute(name); attr != nil {
			found, owner = attr, cur
			return true
		}
		return false
	})
	return found, owner
}

// walk visits t then its ancestors breadth-first, once each, until visit
// returns true.
func walk(a Ancestry, t *model.Type, visit func(*model.Type) bool) {
	visited := make(map[*model.Type]struct{})
	queue := []*model.Type{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		if visit(cur) {
			return
		}
		queue = append(queue, a.Ancestors(cur)...)
	}
}

func canceled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return nil
}
