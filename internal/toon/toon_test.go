package toon

import (
	"strings"
	"testing"

	"github.com/phobologic/protoscan/internal/finder"
	"github.com/phobologic/protoscan/internal/model"
)

func TestEncodeValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", `""`},
		{"simple", "hello", "hello"},
		{"leading space", " hello", `" hello"`},
		{"trailing space", "hello ", `"hello "`},
		{"newline", "a\nb", `"a\nb"`},
		{"tab", "a\tb", `"a\tb"`},
		{"carriage return", "a\rb", `"a\rb"`},
		{"true keyword", "true", `"true"`},
		{"True keyword", "True", `"True"`},
		{"false keyword", "false", `"false"`},
		{"null keyword", "null", `"null"`},
		{"integer", "42", "42"},
		{"negative integer", "-1", "-1"},
		{"float", "3.14", "3.14"},
		{"zero", "0", "0"},
		{"leading zero invalid", "01", "01"},
		{"comma", "a,b", `"a,b"`},
		{"colon", "a:b", `"a:b"`},
		{"quote", `a"b`, `"a\"b"`},
		{"backslash", `a\b`, `"a\\b"`},
		{"bracket", "a[b", `"a[b"`},
		{"brace", "a{b", `"a{b"`},
		{"dash prefix", "-foo", `"-foo"`},
		{"path", "src/main.py", "src/main.py"},
		{"dotted name", "Foo.__init__", "Foo.__init__"},
		{"signature no special", "run(self) -> None", "run(self) -> None"},
		{"annotated signature", "(event: str) -> None", `"(event: str) -> None"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := encodeValue(tt.in)
			if got != tt.want {
				t.Errorf("encodeValue(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

var (
	handler = &model.Type{
		QualifiedName: "app.events.Handler",
		Name:          "Handler",
		File:          "app/events.py",
		Line:          4,
		Methods: []model.Method{{
			Name: "__call__",
			Signature: model.Signature{
				Params: []model.Param{
					{Name: "self", Receiver: true},
					{Name: "event", Type: model.TypeRef{Expr: "str"}},
				},
				Returns: model.TypeRef{Expr: "None"},
			},
		}},
	}
	sized = &model.Type{
		QualifiedName: "app.Sized",
		Name:          "Sized",
		File:          "app/__init__.py",
		Line:          10,
		Methods:       []model.Method{{Name: "size"}},
		Attributes:    []model.Attribute{{Name: "limit"}},
	}
)

func TestEncodeProtocols(t *testing.T) {
	t.Parallel()

	got := EncodeProtocols("myrepo", []*model.Type{sized, handler})
	lines := strings.Split(got, "\n")
	want := []string{
		"repo: myrepo",
		"protocols[2]{name,file,line,members}:",
		"  app.Sized,app/__init__.py,10,size limit",
		"  app.events.Handler,app/events.py,4,__call__",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestEncodeImplementations(t *testing.T) {
	t.Parallel()

	impls := finder.Implementations{
		Types: []*model.Type{{QualifiedName: "app.Printer", File: "app/print.py", Line: 7}},
		Functions: []*model.Function{{
			QualifiedName: "app.log",
			File:          "app/log.py",
			Line:          3,
			Signature: model.Signature{
				Params: []model.Param{
					{Name: "event", Type: model.TypeRef{Expr: "str"}},
					{Name: "rest", VarPositional: true},
					{Name: "level", Type: model.TypeRef{Expr: "int"}, HasDefault: true},
				},
			},
		}},
		Lambdas: []*model.Lambda{{
			File:    "app/main.py",
			Line:    12,
			Column:  15,
			Text:    "lambda e: None",
			Context: model.LambdaContext{Kind: model.CallArgument},
		}},
	}

	got := EncodeImplementations(handler, impls, true)
	lines := strings.Split(got, "\n")
	want := []string{
		"protocol: app.events.Handler",
		"file: app/events.py",
		"callable: true",
		"types[1]{name,file,line}:",
		"  app.Printer,app/print.py,7",
		"functions[1]{name,file,line,signature}:",
		`  app.log,app/log.py,3,"(event: str, *rest, level: int = ...)"`,
		"lambdas[1]{file,line,column,context,text}:",
		`  app/main.py,12,15,argument,"lambda e: None"`,
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestEncodeImplementationsNotCallable(t *testing.T) {
	t.Parallel()

	got := EncodeImplementations(sized, finder.Implementations{}, false)
	if !strings.Contains(got, "types[0]{name,file,line}:") {
		t.Errorf("expected empty types section, got:\n%s", got)
	}
	if strings.Contains(got, "functions[") || strings.Contains(got, "lambdas[") {
		t.Errorf("unexpected callable sections, got:\n%s", got)
	}
}

func TestEncodeMembers(t *testing.T) {
	t.Parallel()

	base := &model.Type{QualifiedName: "app.Base", File: "app/base.py"}
	child := &model.Type{QualifiedName: "app.Child", File: "app/child.py"}
	box := &model.Type{QualifiedName: "app.Box", File: "app/box.py"}
	members := []finder.MemberImplementation{
		{
			Implementer: child,
			Owner:       base,
			Method: &model.Method{
				Name: "size",
				Line: 5,
				Signature: model.Signature{
					Params:  []model.Param{{Name: "self", Receiver: true}},
					Returns: model.TypeRef{Expr: "int"},
				},
			},
		},
		{
			Implementer: box,
			Owner:       box,
			Attribute:   &model.Attribute{Name: "size", Type: model.TypeRef{Expr: "int"}, Line: 2},
		},
	}

	got := EncodeMembers(sized, "size", members)
	lines := strings.Split(got, "\n")
	want := []string{
		"protocol: app.Sized",
		"member: size",
		"implementations[2]{class,owner,kind,file,line,detail}:",
		"  app.Child,app.Base,method,app/base.py,5,() -> int",
		"  app.Box,app.Box,attribute,app/box.py,2,int",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(want), got)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %q, want %q", i, lines[i], want[i])
		}
	}
}
