package protocol

import (
	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/typecheck"
)

// Matcher decides whether a class structurally satisfies a protocol. It
// knows nothing about nominal exclusion: a protocol matches itself.
type Matcher struct {
	ancestry Ancestry
	oracle   Oracle
}

// NewMatcher creates a Matcher.
func NewMatcher(a Ancestry, o Oracle) *Matcher {
	return &Matcher{ancestry: a, oracle: o}
}

// Matches reports whether candidate provides every required member of
// protocol with compatible types.
func (m *Matcher) Matches(protocol, candidate *model.Type) bool {
	for i := range protocol.Methods {
		pm := &protocol.Methods[i]
		if ShouldIgnoreMember(pm.Name) {
			continue
		}
		if cm, _ := FindMethod(m.ancestry, candidate, pm.Name); cm != nil {
			if !m.methodCompatible(pm.Signature, cm.Signature) {
				return false
			}
			continue
		}
		// A callable attribute may stand in for a method.
		if attr, _ := FindAttribute(m.ancestry, candidate, pm.Name); attr == nil {
			return false
		}
	}

	for _, pa := range protocol.ClassAttributes() {
		if len(pa.Name) > 0 && pa.Name[0] == '_' {
			continue
		}
		if !m.attributeCompatible(pa, candidate) {
			return false
		}
	}
	return true
}

func (m *Matcher) methodCompatible(proto, cand model.Signature) bool {
	if !m.returnCompatible(proto, cand) {
		return false
	}
	pp, cp := proto.NonReceiver(), cand.NonReceiver()
	if len(cp) < len(pp) {
		return false
	}
	return m.paramsCompatible(pp, cp)
}

// returnCompatible is covariant: the candidate may return something more
// specific.
func (m *Matcher) returnCompatible(proto, cand model.Signature) bool {
	pr, cr := typecheck.ReturnType(proto), typecheck.ReturnType(cand)
	if pr.IsZero() || cr.IsZero() {
		return true
	}
	return m.oracle.Assignable(cr, pr) != typecheck.No
}

// paramsCompatible is contravariant: each protocol parameter type must be
// assignable to the candidate parameter at the same position.
func (m *Matcher) paramsCompatible(pp, cp []model.Param) bool {
	for i := range pp {
		if pp[i].Type.IsZero() || cp[i].Type.IsZero() {
			continue
		}
		if m.oracle.Assignable(pp[i].Type, cp[i].Type) == typecheck.No {
			return false
		}
	}
	return true
}

// attributeCompatible checks existence, then candidate-to-protocol
// assignability when both sides are annotated. A property on the candidate
// counts as an attribute typed by its return annotation.
func (m *Matcher) attributeCompatible(pa model.Attribute, candidate *model.Type) bool {
	var candType model.TypeRef
	if attr, _ := FindAttribute(m.ancestry, candidate, pa.Name); attr != nil {
		candType = attr.Type
	} else if meth, _ := FindMethod(m.ancestry, candidate, pa.Name); meth != nil && meth.HasDecorator("property") {
		candType = meth.Signature.Returns
	} else {
		return false
	}
	if pa.Type.IsZero() || candType.IsZero() {
		return true
	}
	return m.oracle.Assignable(candType, pa.Type) != typecheck.No
}
