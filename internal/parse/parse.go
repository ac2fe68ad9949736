// Package parse builds the Python code model from source files using
// tree-sitter.
package parse

import (
	"context"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/protoscan/internal/lang"
	"github.com/phobologic/protoscan/internal/model"
)

var protocolNames = map[string]struct{}{
	"typing.Protocol":            {},
	"typing_extensions.Protocol": {},
}

// Module parses one source file into a model.Module.
// The parser must be created for the correct language. filePath is the
// repo-relative path and determines the dotted module name. Malformed source
// yields whatever the error-tolerant grammar recovers.
func Module(ctx context.Context, l *lang.Language, parser *sitter.Parser, source []byte, filePath string) *model.Module {
	mod := &model.Module{
		Path:        filePath,
		Name:        model.ModuleName(filePath),
		Imports:     make(map[string]string),
		ContentHash: xxhash.Sum64(source),
	}
	if len(source) == 0 {
		return mod
	}

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return mod
	}
	defer tree.Close()

	p := &moduleParser{
		lang:   l,
		source: source,
		mod:    mod,
		isInit: strings.HasSuffix(filePath, "__init__.py") || strings.HasSuffix(filePath, "__init__.pyi"),
	}
	root := tree.RootNode()
	p.collectImports(root)
	p.walkStatements(root, "")

	for _, t := range mod.Types {
		t.DeclaredProtocol = p.declaresProtocol(t)
		t.Fingerprint = t.ComputeFingerprint()
	}

	if q, err := l.GetQuery(); err == nil {
		mod.Lambdas = p.extractLambdas(q, root)
	}
	return mod
}

type moduleParser struct {
	lang   *lang.Language
	source []byte
	mod    *model.Module
	isInit bool
}

func (p *moduleParser) text(n *sitter.Node) string {
	return lang.NodeText(n, p.source)
}

func (p *moduleParser) typeRef(n *sitter.Node) model.TypeRef {
	if n == nil {
		return model.TypeRef{}
	}
	return model.TypeRef{Expr: lang.CollapseWhitespace(p.text(n)), Module: p.mod.Name}
}

// collectImports records imports at module level and inside top-level
// if/try blocks (TYPE_CHECKING guards, optional dependencies).
func (p *moduleParser) collectImports(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "import_statement":
			p.importStatement(child)
		case "import_from_statement":
			p.importFromStatement(child)
		case "if_statement", "try_statement", "else_clause", "elif_clause",
			"except_clause", "finally_clause", "block":
			p.collectImports(child)
		}
	}
}

func (p *moduleParser) importStatement(node *sitter.Node) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		switch child.Type() {
		case "dotted_name":
			full := p.text(child)
			top := strings.SplitN(full, ".", 2)[0]
			p.mod.Imports[top] = top
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name != nil && alias != nil {
				p.mod.Imports[p.text(alias)] = p.text(name)
			}
		}
	}
}

func (p *moduleParser) importFromStatement(node *sitter.Node) {
	moduleNode := node.ChildByFieldName("module_name")
	if moduleNode == nil {
		return
	}
	from := p.text(moduleNode)
	if moduleNode.Type() == "relative_import" {
		from = p.resolveRelative(from)
	}

	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if sameNode(child, moduleNode) {
			continue
		}
		switch child.Type() {
		case "dotted_name":
			name := p.text(child)
			p.mod.Imports[lastSegment(name)] = model.Qualify(from, name)
		case "aliased_import":
			name := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if name != nil && alias != nil {
				p.mod.Imports[p.text(alias)] = model.Qualify(from, p.text(name))
			}
		}
	}
}

// resolveRelative turns ".sub" or "..pkg" into an absolute module name
// relative to the current module's package.
func (p *moduleParser) resolveRelative(rel string) string {
	dots := len(rel) - len(strings.TrimLeft(rel, "."))
	rest := rel[dots:]

	pkg := strings.Split(p.mod.Name, ".")
	if p.mod.Name == "" {
		pkg = nil
	}
	if !p.isInit && len(pkg) > 0 {
		pkg = pkg[:len(pkg)-1]
	}
	for i := 1; i < dots && len(pkg) > 0; i++ {
		pkg = pkg[:len(pkg)-1]
	}
	base := strings.Join(pkg, ".")
	if rest == "" {
		return base
	}
	return model.Qualify(base, rest)
}

func (p *moduleParser) walkStatements(node *sitter.Node, prefix string) {
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		def, decorators := child, []string(nil)
		if child.Type() == "decorated_definition" {
			def = child.ChildByFieldName("definition")
			decorators = p.lang.ExtractDecorators(child, p.source)
			if def == nil {
				continue
			}
		}
		switch def.Type() {
		case "class_definition":
			p.class(def, prefix, decorators)
		case "function_definition":
			if prefix == "" {
				p.function(def, decorators)
			}
		}
	}
}

func (p *moduleParser) class(node *sitter.Node, prefix string, decorators []string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := p.text(nameNode)
	local := name
	if prefix != "" {
		local = prefix + "." + name
	}

	t := &model.Type{
		QualifiedName: model.Qualify(p.mod.Name, local),
		Name:          name,
		Module:        p.mod.Name,
		File:          p.mod.Path,
		Line:          lang.Line(nameNode),
		Decorators:    decorators,
	}

	if supers := node.ChildByFieldName("superclasses"); supers != nil {
		for i := 0; i < int(supers.NamedChildCount()); i++ {
			base := supers.NamedChild(i)
			switch base.Type() {
			case "keyword_argument", "comment", "list_splat", "dictionary_splat":
				continue
			}
			t.Bases = append(t.Bases, lang.CollapseWhitespace(p.text(base)))
		}
	}

	p.mod.Types = append(p.mod.Types, t)

	body := node.ChildByFieldName("body")
	if body == nil {
		return
	}

	var instance []model.Attribute
	for i := 0; i < int(body.NamedChildCount()); i++ {
		stmt := body.NamedChild(i)
		def, decs := stmt, []string(nil)
		if stmt.Type() == "decorated_definition" {
			def = stmt.ChildByFieldName("definition")
			decs = p.lang.ExtractDecorators(stmt, p.source)
			if def == nil {
				continue
			}
		}
		switch def.Type() {
		case "function_definition":
			m := p.method(def, decs)
			if m == nil {
				continue
			}
			t.Methods = append(t.Methods, *m)
			if receiver := receiverName(m); receiver != "" {
				instance = append(instance, p.instanceAttributes(def.ChildByFieldName("body"), receiver)...)
			}
		case "class_definition":
			p.class(def, local, decs)
		case "expression_statement":
			t.Attributes = append(t.Attributes, p.classAttributes(def)...)
		}
	}

	seen := make(map[string]struct{}, len(t.Attributes))
	for _, a := range t.Attributes {
		seen[a.Name] = struct{}{}
	}
	for _, a := range instance {
		if _, ok := seen[a.Name]; ok {
			continue
		}
		seen[a.Name] = struct{}{}
		t.Attributes = append(t.Attributes, a)
	}
}

func receiverName(m *model.Method) string {
	if m.HasDecorator("classmethod") || m.HasDecorator("staticmethod") {
		return ""
	}
	for _, param := range m.Signature.Params {
		if param.Receiver {
			return param.Name
		}
	}
	return ""
}

func (p *moduleParser) signature(node *sitter.Node) model.Signature {
	return model.Signature{
		Params:  p.lang.ExtractParams(node.ChildByFieldName("parameters"), p.source, p.mod.Name),
		Returns: p.typeRef(node.ChildByFieldName("return_type")),
	}
}

func (p *moduleParser) method(node *sitter.Node, decorators []string) *model.Method {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return nil
	}
	m := &model.Method{
		Name:       p.text(nameNode),
		Signature:  p.signature(node),
		Decorators: decorators,
		Line:       lang.Line(nameNode),
	}
	if !m.HasDecorator("staticmethod") && len(m.Signature.Params) > 0 {
		first := &m.Signature.Params[0]
		if !first.VarPositional && !first.VarKeyword {
			first.Receiver = true
		}
	}
	return m
}

func (p *moduleParser) function(node *sitter.Node, decorators []string) {
	nameNode := node.ChildByFieldName("name")
	if nameNode == nil {
		return
	}
	name := p.text(nameNode)
	p.mod.Functions = append(p.mod.Functions, &model.Function{
		QualifiedName: model.Qualify(p.mod.Name, name),
		Name:          name,
		Module:        p.mod.Name,
		File:          p.mod.Path,
		Line:          lang.Line(nameNode),
		Signature:     p.signature(node),
		Decorators:    decorators,
	})
}

// classAttributes extracts "x = ...", "x: T" and "x: T = ..." from a class
// body statement. Tuple targets yield one untyped attribute per name.
func (p *moduleParser) classAttributes(stmt *sitter.Node) []model.Attribute {
	var attrs []model.Attribute
	for i := 0; i < int(stmt.NamedChildCount()); i++ {
		assign := stmt.NamedChild(i)
		if assign.Type() != "assignment" {
			continue
		}
		left := assign.ChildByFieldName("left")
		if left == nil {
			continue
		}
		typ := p.typeRef(assign.ChildByFieldName("type"))
		switch left.Type() {
		case "identifier":
			attrs = append(attrs, model.Attribute{Name: p.text(left), Type: typ, Line: lang.Line(left)})
		case "pattern_list", "tuple_pattern":
			for j := 0; j < int(left.NamedChildCount()); j++ {
				id := left.NamedChild(j)
				if id.Type() == "identifier" {
					attrs = append(attrs, model.Attribute{Name: p.text(id), Line: lang.Line(id)})
				}
			}
		}
	}
	return attrs
}

// instanceAttributes finds "receiver.x = ..." assignments in a method body,
// without descending into nested functions or classes.
func (p *moduleParser) instanceAttributes(body *sitter.Node, receiver string) []model.Attribute {
	if body == nil {
		return nil
	}
	var attrs []model.Attribute
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			switch child.Type() {
			case "function_definition", "class_definition", "lambda", "decorated_definition":
				continue
			case "assignment", "augmented_assignment":
				if left := child.ChildByFieldName("left"); left != nil && left.Type() == "attribute" {
					obj := left.ChildByFieldName("object")
					attr := left.ChildByFieldName("attribute")
					if obj != nil && attr != nil && obj.Type() == "identifier" && p.text(obj) == receiver {
						attrs = append(attrs, model.Attribute{
							Name:     p.text(attr),
							Type:     p.typeRef(child.ChildByFieldName("type")),
							Instance: true,
							Line:     lang.Line(attr),
						})
					}
				}
			}
			walk(child)
		}
	}
	walk(body)
	return attrs
}

// declaresProtocol reports whether a base of t resolves through the module
// imports to typing.Protocol, optionally subscripted (Protocol[T]).
func (p *moduleParser) declaresProtocol(t *model.Type) bool {
	for _, base := range t.Bases {
		if idx := strings.IndexByte(base, '['); idx >= 0 {
			base = base[:idx]
		}
		base = strings.TrimSpace(base)
		head, rest, _ := strings.Cut(base, ".")
		resolved, ok := p.mod.Imports[head]
		if !ok {
			continue
		}
		if rest != "" {
			resolved += "." + rest
		}
		if _, ok := protocolNames[resolved]; ok {
			return true
		}
	}
	return false
}

func (p *moduleParser) extractLambdas(query *sitter.Query, root *sitter.Node) []*model.Lambda {
	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(query, root)

	seen := make(map[uint32]struct{})
	var lambdas []*model.Lambda

	for {
		match, ok := qc.NextMatch()
		if !ok {
			break
		}
		match = qc.FilterPredicates(match, p.source)

		var lambdaNode, callee, keyword, annotation *sitter.Node
		var kind string
		for _, c := range match.Captures {
			switch name := query.CaptureNameForId(c.Index); name {
			case "lambda.positional", "lambda.keyword", "lambda.assignment":
				lambdaNode = c.Node
				kind = name
			case "callee":
				callee = c.Node
			case "keyword":
				keyword = c.Node
			case "annotation":
				annotation = c.Node
			}
		}
		if lambdaNode == nil {
			continue
		}
		if _, dup := seen[lambdaNode.StartByte()]; dup {
			continue
		}
		seen[lambdaNode.StartByte()] = struct{}{}

		var lc model.LambdaContext
		switch kind {
		case "lambda.positional":
			lc = model.LambdaContext{
				Kind:     model.CallArgument,
				Callee:   lang.CollapseWhitespace(p.text(callee)),
				ArgIndex: positionalIndex(lambdaNode),
			}
		case "lambda.keyword":
			lc = model.LambdaContext{
				Kind:     model.CallArgument,
				Callee:   lang.CollapseWhitespace(p.text(callee)),
				ArgIndex: -1,
				Keyword:  p.text(keyword),
			}
		case "lambda.assignment":
			lc = model.LambdaContext{
				Kind:       model.AnnotatedAssignment,
				Annotation: p.typeRef(annotation),
			}
		}

		lambdas = append(lambdas, p.lambda(lambdaNode, lc))
	}

	sort.Slice(lambdas, func(i, j int) bool {
		if lambdas[i].Line != lambdas[j].Line {
			return lambdas[i].Line < lambdas[j].Line
		}
		return lambdas[i].Column < lambdas[j].Column
	})
	return lambdas
}

func (p *moduleParser) lambda(node *sitter.Node, lc model.LambdaContext) *model.Lambda {
	sig := model.Signature{
		Params: p.lang.ExtractParams(node.ChildByFieldName("parameters"), p.source, p.mod.Name),
	}
	if lit := p.lang.InferLiteralType(node.ChildByFieldName("body"), p.source); lit != "" {
		sig.InferredReturns = model.TypeRef{Expr: lit, Module: p.mod.Name}
	}
	return &model.Lambda{
		Module:    p.mod.Name,
		File:      p.mod.Path,
		Line:      lang.Line(node),
		Column:    int(node.StartPoint().Column) + 1,
		Text:      lang.CollapseWhitespace(p.text(node)),
		Signature: sig,
		Context:   lc,
	}
}

// positionalIndex counts the positional arguments preceding node in its
// argument list.
func positionalIndex(node *sitter.Node) int {
	args := node.Parent()
	if args == nil {
		return 0
	}
	idx := 0
	for i := 0; i < int(args.NamedChildCount()); i++ {
		child := args.NamedChild(i)
		if sameNode(child, node) {
			return idx
		}
		switch child.Type() {
		case "keyword_argument", "comment", "dictionary_splat":
			continue
		}
		idx++
	}
	return idx
}

func lastSegment(dotted string) string {
	if idx := strings.LastIndexByte(dotted, '.'); idx >= 0 {
		return dotted[idx+1:]
	}
	return dotted
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}
