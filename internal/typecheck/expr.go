package typecheck

import (
	"errors"
	"strings"
	"unicode"
)

var errSyntax = errors.New("unsupported annotation syntax")

// expr is a parsed annotation: a dotted name with optional subscript
// arguments. Unions use the name "|"; bracketed argument lists (the first
// argument of Callable) use the name "[]".
type expr struct {
	name string
	args []*expr
}

func (e *expr) isUnion() bool { return e.name == "|" }

func (e *expr) String() string {
	if e.isUnion() {
		parts := make([]string, len(e.args))
		for i, a := range e.args {
			parts[i] = a.String()
		}
		return strings.Join(parts, " | ")
	}
	if e.name == "[]" || len(e.args) > 0 {
		parts := make([]string, len(e.args))
		for i, a := range e.args {
			parts[i] = a.String()
		}
		if e.name == "[]" {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		return e.name + "[" + strings.Join(parts, ", ") + "]"
	}
	return e.name
}

var aliases = map[string]string{
	"List":      "list",
	"Dict":      "dict",
	"Set":       "set",
	"FrozenSet": "frozenset",
	"Tuple":     "tuple",
	"Type":      "type",
	"Text":      "str",
	"NoneType":  "None",
}

var stripPrefixes = []string{
	"typing_extensions.",
	"typing.",
	"builtins.",
	"collections.abc.",
}

// parseExpr parses and normalises annotation text.
func parseExpr(text string) (*expr, error) {
	p := &exprParser{src: strings.TrimSpace(text)}
	e, err := p.union()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, errSyntax
	}
	return normalize(e), nil
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

func (p *exprParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *exprParser) union() (*expr, error) {
	first, err := p.term()
	if err != nil {
		return nil, err
	}
	if p.peek() != '|' {
		return first, nil
	}
	u := &expr{name: "|", args: []*expr{first}}
	for p.peek() == '|' {
		p.pos++
		next, err := p.term()
		if err != nil {
			return nil, err
		}
		u.args = append(u.args, next)
	}
	return u, nil
}

func (p *exprParser) term() (*expr, error) {
	switch c := p.peek(); {
	case c == '"' || c == '\'':
		end := strings.IndexByte(p.src[p.pos+1:], c)
		if end < 0 {
			return nil, errSyntax
		}
		inner := p.src[p.pos+1 : p.pos+1+end]
		p.pos += end + 2
		sub := &exprParser{src: strings.TrimSpace(inner)}
		e, err := sub.union()
		if err != nil {
			return nil, err
		}
		if sub.peek() != 0 {
			return nil, errSyntax
		}
		return e, nil
	case c == '[':
		p.pos++
		args, err := p.list(']')
		if err != nil {
			return nil, err
		}
		return &expr{name: "[]", args: args}, nil
	case c == '.' && strings.HasPrefix(p.src[p.pos:], "..."):
		p.pos += 3
		return &expr{name: "..."}, nil
	case c == '(':
		p.pos++
		e, err := p.union()
		if err != nil {
			return nil, err
		}
		if p.peek() != ')' {
			return nil, errSyntax
		}
		p.pos++
		return e, nil
	}

	start := p.pos
	for p.pos < len(p.src) {
		r := rune(p.src[p.pos])
		if r == '.' || r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) || r >= 0x80 {
			p.pos++
			continue
		}
		break
	}
	if p.pos == start {
		return nil, errSyntax
	}
	e := &expr{name: p.src[start:p.pos]}
	if p.peek() == '[' {
		p.pos++
		args, err := p.list(']')
		if err != nil {
			return nil, err
		}
		e.args = args
	}
	return e, nil
}

func (p *exprParser) list(closing byte) ([]*expr, error) {
	var out []*expr
	if p.peek() == closing {
		p.pos++
		return out, nil
	}
	for {
		e, err := p.union()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		switch p.peek() {
		case ',':
			p.pos++
			if p.peek() == closing {
				p.pos++
				return out, nil
			}
		case closing:
			p.pos++
			return out, nil
		default:
			return nil, errSyntax
		}
	}
}

func normalize(e *expr) *expr {
	for i, a := range e.args {
		e.args[i] = normalize(a)
	}
	if e.name == "|" || e.name == "[]" || e.name == "..." {
		return flattenUnion(e)
	}

	for _, prefix := range stripPrefixes {
		if strings.HasPrefix(e.name, prefix) {
			e.name = strings.TrimPrefix(e.name, prefix)
			break
		}
	}
	if alias, ok := aliases[e.name]; ok {
		e.name = alias
	}

	switch e.name {
	case "Optional":
		if len(e.args) == 1 {
			return flattenUnion(&expr{name: "|", args: []*expr{e.args[0], {name: "None"}}})
		}
	case "Union":
		if len(e.args) == 1 {
			return e.args[0]
		}
		return flattenUnion(&expr{name: "|", args: e.args})
	}
	return e
}

// flattenUnion merges nested unions and drops duplicate members.
func flattenUnion(e *expr) *expr {
	if !e.isUnion() {
		return e
	}
	var members []*expr
	seen := make(map[string]struct{})
	var add func(x *expr)
	add = func(x *expr) {
		if x.isUnion() {
			for _, a := range x.args {
				add(a)
			}
			return
		}
		key := x.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		members = append(members, x)
	}
	add(e)
	if len(members) == 1 {
		return members[0]
	}
	return &expr{name: "|", args: members}
}
