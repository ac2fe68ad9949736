// Package toon implements TOON (Token-Oriented Object Notation) encoding of
// protocol query results.
package toon

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/phobologic/protoscan/internal/finder"
	"github.com/phobologic/protoscan/internal/model"
	"github.com/phobologic/protoscan/internal/protocol"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// EncodeProtocols lists the protocols of a repository.
func EncodeProtocols(repo string, protocols []*model.Type) string {
	var rows [][]string
	for _, p := range protocols {
		rows = append(rows, []string{
			p.QualifiedName,
			p.File,
			strconv.Itoa(p.Line),
			strings.Join(protocol.RequiredMembers(p), " "),
		})
	}
	return strings.Join([]string{
		fmt.Sprintf("repo: %s", encodeValue(repo)),
		formatTabular("protocols", []string{"name", "file", "line", "members"}, rows),
	}, "\n")
}

// EncodeImplementations renders the implementations of p. The functions and
// lambdas tables only appear for callable-only protocols.
func EncodeImplementations(p *model.Type, impls finder.Implementations, callable bool) string {
	parts := []string{
		fmt.Sprintf("protocol: %s", encodeValue(p.QualifiedName)),
		fmt.Sprintf("file: %s", encodeValue(p.File)),
		fmt.Sprintf("callable: %t", callable),
	}

	var typeRows [][]string
	for _, t := range impls.Types {
		typeRows = append(typeRows, []string{t.QualifiedName, t.File, strconv.Itoa(t.Line)})
	}
	parts = append(parts, formatTabular("types", []string{"name", "file", "line"}, typeRows))

	if callable {
		var funcRows [][]string
		for _, f := range impls.Functions {
			funcRows = append(funcRows, []string{f.QualifiedName, f.File, strconv.Itoa(f.Line), formatSignature(f.Signature)})
		}
		parts = append(parts, formatTabular("functions", []string{"name", "file", "line", "signature"}, funcRows))

		var lambdaRows [][]string
		for _, l := range impls.Lambdas {
			lambdaRows = append(lambdaRows, []string{
				l.File,
				strconv.Itoa(l.Line),
				strconv.Itoa(l.Column),
				string(l.Context.Kind),
				l.Text,
			})
		}
		parts = append(parts, formatTabular("lambdas", []string{"file", "line", "column", "context", "text"}, lambdaRows))
	}
	return strings.Join(parts, "\n")
}

// EncodeMembers renders where each implementer defines one protocol member.
func EncodeMembers(p *model.Type, member string, members []finder.MemberImplementation) string {
	var rows [][]string
	for _, m := range members {
		kind, detail := "attribute", ""
		if m.Method != nil {
			kind, detail = "method", formatSignature(m.Method.Signature)
		} else if m.Attribute != nil {
			detail = m.Attribute.Type.Expr
		}
		rows = append(rows, []string{
			m.Implementer.QualifiedName,
			m.Owner.QualifiedName,
			kind,
			m.Owner.File,
			strconv.Itoa(m.Line()),
			detail,
		})
	}
	return strings.Join([]string{
		fmt.Sprintf("protocol: %s", encodeValue(p.QualifiedName)),
		fmt.Sprintf("member: %s", encodeValue(member)),
		formatTabular("implementations", []string{"class", "owner", "kind", "file", "line", "detail"}, rows),
	}, "\n")
}

// formatSignature renders a signature the way it is written in Python,
// without the receiver.
func formatSignature(sig model.Signature) string {
	var params []string
	for _, p := range sig.NonReceiver() {
		var b strings.Builder
		switch {
		case p.VarPositional:
			b.WriteString("*")
		case p.VarKeyword:
			b.WriteString("**")
		}
		b.WriteString(p.Name)
		if !p.Type.IsZero() {
			b.WriteString(": ")
			b.WriteString(p.Type.Expr)
		}
		if p.HasDefault {
			b.WriteString(" = ...")
		}
		params = append(params, b.String())
	}
	out := "(" + strings.Join(params, ", ") + ")"
	if !sig.Returns.IsZero() {
		out += " -> " + sig.Returns.Expr
	}
	return out
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
