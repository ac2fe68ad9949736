package lang

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/phobologic/protoscan/internal/model"
)

func init() {
	Languages["python"] = &Language{
		Name:               "python",
		Extensions:         []string{".py", ".pyi"},
		lang:               python.GetLanguage(),
		FindEnclosingClass: pythonFindEnclosingClass,
		ExtractParams:      pythonExtractParams,
		ExtractDecorators:  pythonExtractDecorators,
		InferLiteralType:   pythonInferLiteralType,
	}
}

func pythonFindEnclosingClass(funcNode *sitter.Node) *sitter.Node {
	parent := funcNode.Parent()
	if parent == nil {
		return nil
	}

	// Direct: func -> block -> class_definition
	if parent.Type() == "block" && parent.Parent() != nil && parent.Parent().Type() == "class_definition" {
		return parent.Parent()
	}

	// Decorated: func -> decorated_definition -> block -> class_definition
	if parent.Type() == "decorated_definition" {
		gp := parent.Parent()
		if gp != nil && gp.Type() == "block" && gp.Parent() != nil && gp.Parent().Type() == "class_definition" {
			return gp.Parent()
		}
	}

	return nil
}

// pythonExtractParams handles both "parameters" (def) and
// "lambda_parameters" nodes; the grammar uses the same child shapes for both.
func pythonExtractParams(node *sitter.Node, source []byte, module string) []model.Param {
	if node == nil {
		return nil
	}
	var params []model.Param
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if p, ok := pythonParam(child, source, module); ok {
			params = append(params, p)
		}
	}
	return params
}

func pythonParam(node *sitter.Node, source []byte, module string) (model.Param, bool) {
	typeRef := func(n *sitter.Node) model.TypeRef {
		if n == nil {
			return model.TypeRef{}
		}
		return model.TypeRef{Expr: CollapseWhitespace(NodeText(n, source)), Module: module}
	}

	switch node.Type() {
	case "identifier":
		return model.Param{Name: NodeText(node, source)}, true
	case "list_splat_pattern":
		// A bare "*" in older grammars parses as an empty splat.
		id := FirstChildOfType(node, "identifier")
		if id == nil {
			return model.Param{}, false
		}
		return model.Param{Name: NodeText(id, source), VarPositional: true}, true
	case "dictionary_splat_pattern":
		id := FirstChildOfType(node, "identifier")
		if id == nil {
			return model.Param{}, false
		}
		return model.Param{Name: NodeText(id, source), VarKeyword: true}, true
	case "typed_parameter":
		var p model.Param
		for i := 0; i < int(node.NamedChildCount()); i++ {
			inner := node.NamedChild(i)
			if inner.Type() == "type" {
				continue
			}
			if base, ok := pythonParam(inner, source, module); ok {
				p = base
			}
			break
		}
		if p.Name == "" {
			return model.Param{}, false
		}
		p.Type = typeRef(node.ChildByFieldName("type"))
		return p, true
	case "default_parameter":
		name := node.ChildByFieldName("name")
		if name == nil {
			return model.Param{}, false
		}
		return model.Param{Name: NodeText(name, source), HasDefault: true}, true
	case "typed_default_parameter":
		name := node.ChildByFieldName("name")
		if name == nil {
			return model.Param{}, false
		}
		return model.Param{
			Name:       NodeText(name, source),
			Type:       typeRef(node.ChildByFieldName("type")),
			HasDefault: true,
		}, true
	}
	// keyword_separator, positional_separator, comments.
	return model.Param{}, false
}

func pythonExtractDecorators(node *sitter.Node, source []byte) []string {
	if node == nil || node.Type() != "decorated_definition" {
		return nil
	}
	var decorators []string
	for i := 0; i < int(node.NamedChildCount()); i++ {
		child := node.NamedChild(i)
		if child.Type() != "decorator" || child.NamedChildCount() == 0 {
			continue
		}
		expr := child.NamedChild(0)
		if expr.Type() == "call" {
			if fn := expr.ChildByFieldName("function"); fn != nil {
				expr = fn
			}
		}
		decorators = append(decorators, CollapseWhitespace(NodeText(expr, source)))
	}
	return decorators
}

func pythonInferLiteralType(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	switch node.Type() {
	case "string":
		prefix := strings.ToLower(NodeText(node, source))
		if idx := strings.IndexAny(prefix, `"'`); idx > 0 && strings.Contains(prefix[:idx], "b") {
			return "bytes"
		}
		return "str"
	case "concatenated_string":
		if node.NamedChildCount() > 0 {
			return pythonInferLiteralType(node.NamedChild(0), source)
		}
		return "str"
	case "integer":
		return "int"
	case "float":
		return "float"
	case "true", "false", "not_operator", "comparison_operator":
		return "bool"
	case "none":
		return "None"
	case "list", "list_comprehension":
		return "list"
	case "dictionary", "dictionary_comprehension":
		return "dict"
	case "set", "set_comprehension":
		return "set"
	case "tuple":
		return "tuple"
	case "parenthesized_expression":
		if node.NamedChildCount() == 1 {
			return pythonInferLiteralType(node.NamedChild(0), source)
		}
	case "unary_operator":
		if arg := node.ChildByFieldName("argument"); arg != nil {
			switch t := pythonInferLiteralType(arg, source); t {
			case "int", "float":
				return t
			}
		}
	}
	return ""
}
