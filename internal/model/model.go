// Package model defines core data structures for protoscan.
package model

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TypeRef is a type annotation as written in source, together with the module
// it appears in so names can be resolved. The zero value means "no type
// information".
type TypeRef struct {
	Expr   string
	Module string
}

// IsZero reports whether the reference carries no annotation.
func (r TypeRef) IsZero() bool {
	return strings.TrimSpace(r.Expr) == ""
}

func (r TypeRef) String() string {
	return r.Expr
}

// Param is one parameter of a method, function or lambda.
type Param struct {
	Name          string
	Type          TypeRef
	Receiver      bool
	VarPositional bool
	VarKeyword    bool
	HasDefault    bool
}

// Signature is the callable shape shared by methods, functions and lambdas.
type Signature struct {
	Params []Param
	// Returns is the declared return annotation.
	Returns TypeRef
	// InferredReturns is filled only when the return type can be read off a
	// literal body (lambdas).
	InferredReturns TypeRef
}

// NonReceiver returns the parameters without the self/cls receiver.
func (s Signature) NonReceiver() []Param {
	params := make([]Param, 0, len(s.Params))
	for _, p := range s.Params {
		if p.Receiver {
			continue
		}
		params = append(params, p)
	}
	return params
}

// Method is a function declared in a class body.
type Method struct {
	Name       string
	Signature  Signature
	Decorators []string
	Line       int
}

// HasDecorator reports whether the method carries the named decorator, with
// or without a module prefix.
func (m *Method) HasDecorator(name string) bool {
	for _, d := range m.Decorators {
		if d == name || strings.HasSuffix(d, "."+name) {
			return true
		}
	}
	return false
}

// Attribute is a class-level or instance-level attribute.
type Attribute struct {
	Name     string
	Type     TypeRef
	Instance bool
	Line     int
}

// Type is a class declaration. Values are immutable once built; a re-parse
// produces a new *Type.
type Type struct {
	QualifiedName string
	Name          string
	Module        string
	File          string
	Line          int
	Methods       []Method
	Attributes    []Attribute
	// Bases holds the base class expressions as written.
	Bases []string
	// DeclaredProtocol is set when a base resolves to typing.Protocol through
	// the module's imports.
	DeclaredProtocol bool
	Decorators       []string
	Fingerprint      uint64
}

// Method returns the method declared directly on t, or nil.
func (t *Type) Method(name string) *Method {
	for i := range t.Methods {
		if t.Methods[i].Name == name {
			return &t.Methods[i]
		}
	}
	return nil
}

// Attribute returns the class-level attribute declared directly on t, falling
// back to an instance attribute, or nil.
func (t *Type) Attribute(name string) *Attribute {
	var instance *Attribute
	for i := range t.Attributes {
		a := &t.Attributes[i]
		if a.Name != name {
			continue
		}
		if !a.Instance {
			return a
		}
		if instance == nil {
			instance = a
		}
	}
	return instance
}

// ClassAttributes returns only the class-level attributes.
func (t *Type) ClassAttributes() []Attribute {
	var out []Attribute
	for _, a := range t.Attributes {
		if !a.Instance {
			out = append(out, a)
		}
	}
	return out
}

// DeclaresMember reports whether t itself declares a method or class-level
// attribute with the given name.
func (t *Type) DeclaresMember(name string) bool {
	if t.Method(name) != nil {
		return true
	}
	for _, a := range t.Attributes {
		if !a.Instance && a.Name == name {
			return true
		}
	}
	return false
}

// ComputeFingerprint hashes the declaration shape: bases, members and their
// annotations. Line numbers are excluded so moving a class does not count as
// a change.
func (t *Type) ComputeFingerprint() uint64 {
	var b strings.Builder
	b.WriteString(t.QualifiedName)
	b.WriteString("|")
	b.WriteString(strings.Join(t.Bases, ","))
	b.WriteString("|")
	b.WriteString(strconv.FormatBool(t.DeclaredProtocol))
	for _, m := range t.Methods {
		b.WriteString("|m:")
		b.WriteString(m.Name)
		b.WriteString(strings.Join(m.Decorators, ","))
		writeSignature(&b, m.Signature)
	}
	for _, a := range t.Attributes {
		b.WriteString("|a:")
		b.WriteString(a.Name)
		b.WriteString(":")
		b.WriteString(a.Type.Expr)
		b.WriteString(strconv.FormatBool(a.Instance))
	}
	return xxhash.Sum64String(b.String())
}

func writeSignature(b *strings.Builder, sig Signature) {
	b.WriteString("(")
	for _, p := range sig.Params {
		b.WriteString(p.Name)
		b.WriteString(":")
		b.WriteString(p.Type.Expr)
		if p.Receiver {
			b.WriteString("^")
		}
		if p.VarPositional {
			b.WriteString("*")
		}
		if p.VarKeyword {
			b.WriteString("**")
		}
		if p.HasDefault {
			b.WriteString("=")
		}
		b.WriteString(",")
	}
	b.WriteString(")->")
	b.WriteString(sig.Returns.Expr)
}

// Function is a top-level (free) function.
type Function struct {
	QualifiedName string
	Name          string
	Module        string
	File          string
	Line          int
	Signature     Signature
	Decorators    []string
}

// LambdaContextKind says how the expected type of a lambda is derived.
type LambdaContextKind string

const (
	// NoContext means the expected type cannot be derived.
	NoContext LambdaContextKind = ""
	// CallArgument is a lambda passed as a call argument.
	CallArgument LambdaContextKind = "argument"
	// AnnotatedAssignment is a lambda assigned to an annotated target.
	AnnotatedAssignment LambdaContextKind = "assignment"
)

// LambdaContext records the syntactic position of a lambda.
type LambdaContext struct {
	Kind LambdaContextKind
	// Callee is the called expression for CallArgument, as written.
	Callee string
	// ArgIndex is the positional index for CallArgument, -1 for keyword
	// arguments.
	ArgIndex int
	// Keyword is the keyword name for keyword arguments.
	Keyword string
	// Annotation is the target annotation for AnnotatedAssignment.
	Annotation TypeRef
}

// Lambda is a lambda expression.
type Lambda struct {
	Module    string
	File      string
	Line      int
	Column    int
	Text      string
	Signature Signature
	Context   LambdaContext
}

// Module is one parsed Python source file.
type Module struct {
	Path string
	Name string
	// Imports maps a local name to the qualified name it refers to.
	Imports     map[string]string
	Types       []*Type
	Functions   []*Function
	Lambdas     []*Lambda
	ContentHash uint64
}

// ModuleName derives the dotted module name from a repo-relative path:
// "pkg/sub/mod.py" -> "pkg.sub.mod", "pkg/__init__.py" -> "pkg".
func ModuleName(path string) string {
	p := filepath.ToSlash(path)
	p = strings.TrimSuffix(p, ".pyi")
	p = strings.TrimSuffix(p, ".py")
	p = strings.TrimSuffix(p, "/__init__")
	if p == "__init__" {
		return ""
	}
	return strings.ReplaceAll(p, "/", ".")
}

// Qualify joins a module name and a local name.
func Qualify(module, name string) string {
	if module == "" {
		return name
	}
	return module + "." + name
}

// Scope is a set of repo-relative path prefixes. The zero Scope denotes the
// whole workspace.
type Scope struct {
	prefixes string // sorted, NUL-separated; keeps Scope comparable
}

// NewScope builds a scope from path prefixes. Duplicates and ordering do not
// affect equality.
func NewScope(prefixes ...string) Scope {
	seen := make(map[string]struct{}, len(prefixes))
	var cleaned []string
	for _, p := range prefixes {
		p = strings.TrimSpace(filepath.ToSlash(p))
		p = strings.TrimPrefix(p, "./")
		if p == "" || p == "." {
			return Scope{}
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		cleaned = append(cleaned, p)
	}
	sort.Strings(cleaned)
	return Scope{prefixes: strings.Join(cleaned, "\x00")}
}

// Everything is the unrestricted scope.
var Everything = Scope{}

// Prefixes returns the scope's path prefixes, nil for the whole workspace.
func (s Scope) Prefixes() []string {
	if s.prefixes == "" {
		return nil
	}
	return strings.Split(s.prefixes, "\x00")
}

// Contains reports whether a repo-relative file path belongs to the scope.
func (s Scope) Contains(path string) bool {
	if s.prefixes == "" {
		return true
	}
	path = filepath.ToSlash(path)
	for _, p := range s.Prefixes() {
		if path == p || strings.HasPrefix(path, strings.TrimSuffix(p, "/")+"/") {
			return true
		}
	}
	return false
}

// Hash returns a stable hash of the scope.
func (s Scope) Hash() uint64 {
	return xxhash.Sum64String(s.prefixes)
}

func (s Scope) String() string {
	if s.prefixes == "" {
		return "<all>"
	}
	return strings.Join(s.Prefixes(), ",")
}
