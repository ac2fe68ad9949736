package protocol

import (
	"context"
	"log/slog"
	"sort"

	"github.com/phobologic/protoscan/internal/index"
	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/policy"
)

// Searcher enumerates the structural implementers of a protocol.
type Searcher struct {
	symbols   Symbols
	index     MemberIndex
	matcher   *Matcher
	callables *CallableChecker
	policy    policy.Policy
	logger    *slog.Logger
}

// SearcherOption configures a Searcher.
type SearcherOption func(*Searcher)

// WithPolicy sets the exclusion policy. The default excludes nothing.
func WithPolicy(p policy.Policy) SearcherOption {
	return func(s *Searcher) {
		if p != nil {
			s.policy = p
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) SearcherOption {
	return func(s *Searcher) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSearcher creates a Searcher. idx may be nil, in which case every search
// takes the linear path.
func NewSearcher(symbols Symbols, idx MemberIndex, oracle Oracle, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		symbols:   symbols,
		index:     idx,
		matcher:   NewMatcher(symbols, oracle),
		callables: NewCallableChecker(symbols, oracle),
		policy:    policy.None(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsProtocol reports whether t qualifies as a protocol.
func (s *Searcher) IsProtocol(t *model.Type) bool {
	return IsProtocol(s.symbols, t)
}

// IsCallableOnlyProtocol reports whether t is a protocol declaring only
// __call__.
func (s *Searcher) IsCallableOnlyProtocol(t *model.Type) bool {
	return s.callables.IsCallableOnlyProtocol(t)
}

// Search returns the classes in scope that structurally implement protocol,
// sorted by file then line. A non-protocol or a protocol with no required
// members yields an empty result.
func (s *Searcher) Search(ctx context.Context, protocol *model.Type, scope model.Scope) ([]*model.Type, error) {
	if err := canceled(ctx); err != nil {
		return nil, err
	}
	if !s.IsProtocol(protocol) {
		return nil, nil
	}
	required := RequiredMembers(protocol)
	if len(required) == 0 {
		return nil, nil
	}

	candidates, err := s.candidates(ctx, primaryDiscriminator(required), scope)
	if err != nil {
		return nil, err
	}

	seen := make(map[*model.Type]struct{}, len(candidates))
	var out []*model.Type
	for _, c := range candidates {
		if err := canceled(ctx); err != nil {
			return nil, err
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		if c == protocol || c.QualifiedName == protocol.QualifiedName {
			continue
		}
		if IsNominalSubtype(s.symbols, c, protocol) {
			continue
		}
		if s.policy.ExcludeType(c) {
			continue
		}
		if s.matcher.Matches(protocol, c) {
			out = append(out, c)
		}
	}
	sortTypes(out)
	return out, nil
}

// primaryDiscriminator picks the first required member the index can
// answer for, falling back to the first member.
func primaryDiscriminator(required []string) string {
	for _, name := range required {
		if index.Indexable(name) {
			return name
		}
	}
	return required[0]
}

// candidates shortlists the types in scope that may declare member, using
// the index when it knows the name and a linear scan otherwise.
func (s *Searcher) candidates(ctx context.Context, member string, scope model.Scope) ([]*model.Type, error) {
	if s.index != nil {
		if files := s.index.Lookup(member, scope); len(files) > 0 {
			var out []*model.Type
			for _, f := range files {
				if err := canceled(ctx); err != nil {
					return nil, err
				}
				out = append(out, s.symbols.TypesInFile(f)...)
			}
			s.logger.Debug("index shortlist", "member", member, "files", len(files), "candidates", len(out))
			return out, nil
		}
	}

	all := s.symbols.TypesInScope(scope)
	s.logger.Debug("member index fallback", "member", member, "scanned", len(all))
	var out []*model.Type
	for _, t := range all {
		if err := canceled(ctx); err != nil {
			return nil, err
		}
		if t.DeclaresMember(member) {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindCallables returns the free functions and lambdas in scope compatible
// with a callable-only protocol. Other protocols yield nothing.
func (s *Searcher) FindCallables(ctx context.Context, protocol *model.Type, scope model.Scope) ([]*model.Function, []*model.Lambda, error) {
	if err := canceled(ctx); err != nil {
		return nil, nil, err
	}
	if !s.IsCallableOnlyProtocol(protocol) {
		return nil, nil, nil
	}

	var funcs []*model.Function
	for _, f := range s.symbols.FunctionsInScope(scope) {
		if err := canceled(ctx); err != nil {
			return nil, nil, err
		}
		if s.policy.ExcludeFunction(f) {
			continue
		}
		if s.callables.IsCompatible(f.Signature, protocol) {
			funcs = append(funcs, f)
		}
	}

	var lambdas []*model.Lambda
	for _, l := range s.symbols.LambdasInScope(scope) {
		if err := canceled(ctx); err != nil {
			return nil, nil, err
		}
		if s.policy.ExcludeLambda(l) {
			continue
		}
		expected := s.symbols.ExpectedType(l)
		if expected == nil || (expected != protocol && expected.QualifiedName != protocol.QualifiedName) {
			continue
		}
		if s.callables.IsCompatible(l.Signature, protocol) {
			lambdas = append(lambdas, l)
		}
	}
	return funcs, lambdas, nil
}

func sortTypes(types []*model.Type) {
	sort.Slice(types, func(i, j int) bool {
		if types[i].File != types[j].File {
			return types[i].File < types[j].File
		}
		return types[i].Line < types[j].Line
	})
}
