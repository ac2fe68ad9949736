package lang

import (
	"context"
	"testing"
)

func TestForExtension(t *testing.T) {
	t.Parallel()

	tests := []struct {
		ext  string
		want string
	}{
		{".py", "python"},
		{".pyi", "python"},
		{".go", ""},
		{".rb", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ext, func(t *testing.T) {
			t.Parallel()
			got := ForExtension(tt.ext)
			if got != tt.want {
				t.Errorf("ForExtension(%q) = %q, want %q", tt.ext, got, tt.want)
			}
		})
	}
}

func TestLanguagesRegistered(t *testing.T) {
	t.Parallel()

	py, ok := Languages["python"]
	if !ok {
		t.Fatal("python language not registered")
	}
	if py.GetLanguage() == nil {
		t.Error("python language is nil")
	}
}

func TestNewParser(t *testing.T) {
	t.Parallel()

	py := Languages["python"]
	p := py.NewParser()
	if p == nil {
		t.Fatal("NewParser returned nil")
	}
}

func TestGetQuery(t *testing.T) {
	t.Parallel()

	py := Languages["python"]
	q, err := py.GetQuery()
	if err != nil {
		t.Fatalf("GetQuery: %v", err)
	}
	if q == nil {
		t.Fatal("query is nil")
	}
}

func TestExtractParams(t *testing.T) {
	t.Parallel()

	py := Languages["python"]
	source := []byte("def f(self, a, b: int, c=1, d: str = 'x', *args, e, **kw): pass\n")
	tree, err := py.NewParser().ParseCtx(context.Background(), nil, source)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defer tree.Close()

	fn := tree.RootNode().NamedChild(0)
	params := py.ExtractParams(fn.ChildByFieldName("parameters"), source, "m")

	want := []struct {
		name   string
		typ    string
		varPos bool
		varKw  bool
		def    bool
	}{
		{"self", "", false, false, false},
		{"a", "", false, false, false},
		{"b", "int", false, false, false},
		{"c", "", false, false, true},
		{"d", "str", false, false, true},
		{"args", "", true, false, false},
		{"e", "", false, false, false},
		{"kw", "", false, true, false},
	}
	if len(params) != len(want) {
		t.Fatalf("got %d params, want %d: %+v", len(params), len(want), params)
	}
	for i, w := range want {
		p := params[i]
		if p.Name != w.name || p.Type.Expr != w.typ || p.VarPositional != w.varPos || p.VarKeyword != w.varKw || p.HasDefault != w.def {
			t.Errorf("param %d = %+v, want %+v", i, p, w)
		}
		if p.Type.Expr != "" && p.Type.Module != "m" {
			t.Errorf("param %d module = %q, want m", i, p.Type.Module)
		}
	}
}

func TestExtractParamsSkipsSeparators(t *testing.T) {
	t.Parallel()

	py := Languages["python"]
	source := []byte("def f(a, /, b, *, c): pass\n")
	tree, err := py.NewParser().ParseCtx(context.Background(), nil, source)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	defer tree.Close()

	fn := tree.RootNode().NamedChild(0)
	params := py.ExtractParams(fn.ChildByFieldName("parameters"), source, "m")
	var names []string
	for _, p := range params {
		names = append(names, p.Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("params = %v, want [a b c]", names)
	}
}

func TestInferLiteralType(t *testing.T) {
	t.Parallel()

	py := Languages["python"]
	tests := []struct {
		expr string
		want string
	}{
		{`"s"`, "str"},
		{`b"s"`, "bytes"},
		{`42`, "int"},
		{`-1`, "int"},
		{`1.5`, "float"},
		{`True`, "bool"},
		{`None`, "None"},
		{`[1]`, "list"},
		{`{"a": 1}`, "dict"},
		{`{1}`, "set"},
		{`(1, 2)`, "tuple"},
		{`x`, ""},
		{`f()`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			source := []byte("v = " + tt.expr + "\n")
			tree, err := py.NewParser().ParseCtx(context.Background(), nil, source)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			defer tree.Close()
			assign := tree.RootNode().NamedChild(0).NamedChild(0)
			got := py.InferLiteralType(assign.ChildByFieldName("right"), source)
			if got != tt.want {
				t.Errorf("InferLiteralType(%s) = %q, want %q", tt.expr, got, tt.want)
			}
		})
	}
}
