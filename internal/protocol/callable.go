package protocol

import (
	"github.com/phobologic/protoscan/internal/model"
)

// CallableChecker matches free functions and lambdas against callable-only
// protocols. Unlike method matching, arity must be exact: a bare callable
// has no declaration site supplying defaults for extra parameters.
type CallableChecker struct {
	ancestry Ancestry
	matcher  *Matcher
}

// NewCallableChecker creates a CallableChecker.
func NewCallableChecker(a Ancestry, o Oracle) *CallableChecker {
	return &CallableChecker{ancestry: a, matcher: NewMatcher(a, o)}
}

// IsCallableOnlyProtocol reports whether p's required member set is exactly
// {__call__}.
func (c *CallableChecker) IsCallableOnlyProtocol(p *model.Type) bool {
	return IsCallableOnly(c.ancestry, p)
}

// IsCompatible reports whether a callable with signature sig can stand in
// for protocol p.
func (c *CallableChecker) IsCompatible(sig model.Signature, p *model.Type) bool {
	call := p.Method(CallMember)
	if call == nil {
		return false
	}
	if !c.matcher.returnCompatible(call.Signature, sig) {
		return false
	}
	pp, cp := call.Signature.NonReceiver(), sig.NonReceiver()
	if len(cp) != len(pp) {
		return false
	}
	return c.matcher.paramsCompatible(pp, cp)
}
