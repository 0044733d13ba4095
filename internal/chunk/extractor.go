package chunk

import (
	"strings"
)

// LanguageExtractor is the per-language capability set used by the chunker
// to turn an AST node into fragment metadata. One small struct implements
// this per language rather than switching on a language string inside a
// single type, so each language's quirks stay local to its own file.
type LanguageExtractor interface {
	// DefinitionKinds maps AST node-type names this language treats as
	// definitions to the fragment Kind they produce.
	DefinitionKinds() map[string]FragmentKind

	// Name returns the canonical identifier for a definition node, or ""
	// if none can be determined.
	Name(n *Node, source []byte) string

	// Signature returns a single-line, body-free declaration for the node.
	Signature(n *Node, source []byte, kind FragmentKind) string

	// Docstring returns the documentation attached to the node by
	// language convention, with doc markers stripped.
	Docstring(n *Node, source []byte) string

	// Classify refines the Kind for a matched definition node beyond what
	// DefinitionKinds's static table can express (e.g. Go's type_declaration
	// covers Struct, Interface, and TypeAlias alike).
	Classify(n *Node, source []byte, base FragmentKind) FragmentKind

	// Label builds a breadcrumb segment such as "Method: foo" for the node.
	Label(n *Node, source []byte, kind FragmentKind, name string) string
}

// extractorsByLanguage holds one LanguageExtractor per supported language,
// registered alongside the grammar registry.
var extractorsByLanguage = map[string]LanguageExtractor{
	"go":         goExtractor{},
	"typescript": tsExtractor{},
	"tsx":        tsExtractor{},
	"javascript": jsExtractor{},
	"jsx":        jsExtractor{},
	"python":     pyExtractor{},
}

// GetExtractor returns the LanguageExtractor registered for a language.
func GetExtractor(language string) (LanguageExtractor, bool) {
	e, ok := extractorsByLanguage[language]
	return e, ok
}

// precedingCommentLines walks backward from the line containing byte offset
// start, collecting contiguous single-line comments matching prefix. It is
// shared by every language extractor that documents definitions with
// line-comment blocks immediately above them.
func precedingCommentLines(source []byte, start int, prefix string) string {
	lineStart := start
	for lineStart > 0 && source[lineStart-1] != '\n' {
		lineStart--
	}
	if lineStart <= 1 {
		return ""
	}

	var lines []string
	pos := lineStart - 1
	for pos > 0 {
		end := pos
		pos--
		for pos > 0 && source[pos] != '\n' {
			pos--
		}
		lineFrom := pos
		if pos > 0 {
			lineFrom++
		}
		line := strings.TrimSpace(string(source[lineFrom:end]))
		if strings.HasPrefix(line, prefix) {
			lines = append([]string{strings.TrimSpace(strings.TrimPrefix(line, prefix))}, lines...)
			continue
		}
		break
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// firstLineSignature trims a node's content to its first line, stopping at
// an opening brace when present. It is the shared shape every brace-based
// language (Go, JS, TS) uses for signature extraction.
func firstLineSignature(content string) string {
	firstLine := strings.SplitN(content, "\n", 2)[0]
	firstLine = strings.TrimSpace(firstLine)
	if idx := strings.Index(firstLine, "{"); idx != -1 {
		return strings.TrimSpace(firstLine[:idx])
	}
	return firstLine
}

func firstChildOfType(n *Node, nodeType string) *Node {
	for _, c := range n.Children {
		if c.Type == nodeType {
			return c
		}
	}
	return nil
}

// ---------------------------------------------------------------------
// Go
// ---------------------------------------------------------------------

type goExtractor struct{}

func (goExtractor) DefinitionKinds() map[string]FragmentKind {
	return map[string]FragmentKind{
		"function_declaration": KindFunction,
		"method_declaration":   KindMethod,
		"type_declaration":     KindStruct, // refined by Classify
		"const_declaration":    KindConst,
		"var_declaration":      KindStatic,
	}
}

func (goExtractor) Name(n *Node, source []byte) string {
	switch n.Type {
	case "function_declaration":
		if id := firstChildOfType(n, "identifier"); id != nil {
			return id.GetContent(source)
		}
	case "method_declaration":
		if id := firstChildOfType(n, "field_identifier"); id != nil {
			return id.GetContent(source)
		}
	case "type_declaration":
		if spec := firstChildOfType(n, "type_spec"); spec != nil {
			if id := firstChildOfType(spec, "type_identifier"); id != nil {
				return id.GetContent(source)
			}
		}
	case "const_declaration":
		if spec := firstChildOfType(n, "const_spec"); spec != nil {
			if id := firstChildOfType(spec, "identifier"); id != nil {
				return id.GetContent(source)
			}
		}
	case "var_declaration":
		if spec := firstChildOfType(n, "var_spec"); spec != nil {
			if id := firstChildOfType(spec, "identifier"); id != nil {
				return id.GetContent(source)
			}
		}
	}
	return ""
}

func (goExtractor) Signature(n *Node, source []byte, kind FragmentKind) string {
	return firstLineSignature(n.GetContent(source))
}

func (goExtractor) Docstring(n *Node, source []byte) string {
	return precedingCommentLines(source, int(n.StartByte), "//")
}

func (goExtractor) Classify(n *Node, source []byte, base FragmentKind) FragmentKind {
	if n.Type != "type_declaration" {
		return base
	}
	spec := firstChildOfType(n, "type_spec")
	if spec == nil {
		return base
	}
	if firstChildOfType(spec, "struct_type") != nil {
		return KindStruct
	}
	if firstChildOfType(spec, "interface_type") != nil {
		return KindInterface
	}
	return KindTypeAlias
}

func (e goExtractor) Label(n *Node, source []byte, kind FragmentKind, name string) string {
	if name == "" {
		return ""
	}
	switch kind {
	case KindMethod:
		// Go methods carry their receiver type as the lexical parent;
		// surface it so "Impl: Point" style breadcrumbs read naturally.
		if recv := firstChildOfType(n, "parameter_list"); recv != nil {
			if t := receiverTypeName(recv, source); t != "" {
				return "Impl: " + t
			}
		}
		return "Method: " + name
	case KindFunction:
		return "Function: " + name
	case KindStruct:
		return "Struct: " + name
	case KindInterface:
		return "Interface: " + name
	case KindTypeAlias:
		return "TypeAlias: " + name
	case KindConst:
		return "Const: " + name
	case KindStatic:
		return "Static: " + name
	default:
		return string(kind) + ": " + name
	}
}

func receiverTypeName(paramList *Node, source []byte) string {
	var walk func(n *Node) string
	walk = func(n *Node) string {
		if n.Type == "type_identifier" {
			return n.GetContent(source)
		}
		for _, c := range n.Children {
			if s := walk(c); s != "" {
				return s
			}
		}
		return ""
	}
	return walk(paramList)
}

// ---------------------------------------------------------------------
// TypeScript / TSX
// ---------------------------------------------------------------------

type tsExtractor struct{}

func (tsExtractor) DefinitionKinds() map[string]FragmentKind {
	return map[string]FragmentKind{
		"function_declaration":   KindFunction,
		"method_definition":      KindMethod,
		"class_declaration":      KindClass,
		"interface_declaration":  KindInterface,
		"type_alias_declaration": KindTypeAlias,
		"lexical_declaration":    KindConst,
		"variable_declaration":   KindStatic,
	}
}

func (tsExtractor) Name(n *Node, source []byte) string {
	return jsLikeName(n, source)
}

func (tsExtractor) Signature(n *Node, source []byte, kind FragmentKind) string {
	return firstLineSignature(n.GetContent(source))
}

func (tsExtractor) Docstring(n *Node, source []byte) string {
	return precedingCommentLines(source, int(n.StartByte), "//")
}

func (tsExtractor) Classify(n *Node, source []byte, base FragmentKind) FragmentKind {
	if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
		if declaratorHasFunction(n) {
			return KindFunction
		}
	}
	return base
}

func (tsExtractor) Label(n *Node, source []byte, kind FragmentKind, name string) string {
	return jsLikeLabel(kind, name)
}

// ---------------------------------------------------------------------
// JavaScript / JSX
// ---------------------------------------------------------------------

type jsExtractor struct{}

func (jsExtractor) DefinitionKinds() map[string]FragmentKind {
	return map[string]FragmentKind{
		"function_declaration": KindFunction,
		"function":             KindFunction,
		"method_definition":    KindMethod,
		"class_declaration":    KindClass,
		"lexical_declaration":  KindConst,
		"variable_declaration": KindStatic,
	}
}

func (jsExtractor) Name(n *Node, source []byte) string {
	return jsLikeName(n, source)
}

func (jsExtractor) Signature(n *Node, source []byte, kind FragmentKind) string {
	content := n.GetContent(source)
	sig := firstLineSignature(content)
	if sig == "" {
		return sig
	}
	if strings.Contains(content, "=>") && !strings.Contains(sig, "{") {
		// Arrow functions without a brace on the first line still count.
		return sig
	}
	return sig
}

func (jsExtractor) Docstring(n *Node, source []byte) string {
	return precedingCommentLines(source, int(n.StartByte), "//")
}

func (jsExtractor) Classify(n *Node, source []byte, base FragmentKind) FragmentKind {
	if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
		if declaratorHasFunction(n) {
			return KindFunction
		}
	}
	return base
}

func (jsExtractor) Label(n *Node, source []byte, kind FragmentKind, name string) string {
	return jsLikeLabel(kind, name)
}

func jsLikeName(n *Node, source []byte) string {
	if n.Type == "lexical_declaration" || n.Type == "variable_declaration" {
		if d := firstChildOfType(n, "variable_declarator"); d != nil {
			if id := firstChildOfType(d, "identifier"); id != nil {
				return id.GetContent(source)
			}
		}
		return ""
	}
	if id := firstChildOfType(n, "identifier"); id != nil {
		return id.GetContent(source)
	}
	if id := firstChildOfType(n, "type_identifier"); id != nil {
		return id.GetContent(source)
	}
	if id := firstChildOfType(n, "property_identifier"); id != nil {
		return id.GetContent(source)
	}
	return ""
}

func jsLikeLabel(kind FragmentKind, name string) string {
	if name == "" {
		return ""
	}
	return string(kind) + ": " + name
}

func declaratorHasFunction(n *Node) bool {
	d := firstChildOfType(n, "variable_declarator")
	if d == nil {
		return false
	}
	for _, c := range d.Children {
		if c.Type == "arrow_function" || c.Type == "function" || c.Type == "function_expression" {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------
// Python
// ---------------------------------------------------------------------

type pyExtractor struct{}

func (pyExtractor) DefinitionKinds() map[string]FragmentKind {
	return map[string]FragmentKind{
		"function_definition": KindFunction, // refined to Method by the chunker inside a class
		"class_definition":    KindClass,
		"assignment":          KindStatic,
	}
}

func (pyExtractor) Name(n *Node, source []byte) string {
	if id := firstChildOfType(n, "identifier"); id != nil {
		return id.GetContent(source)
	}
	return ""
}

func (pyExtractor) Signature(n *Node, source []byte, kind FragmentKind) string {
	return strings.TrimSpace(strings.SplitN(n.GetContent(source), "\n", 2)[0])
}

// Docstring returns a function/class's leading string-expression docstring,
// Python convention (as opposed to preceding comments, which the
// brace-language extractors use instead).
func (pyExtractor) Docstring(n *Node, source []byte) string {
	body := firstChildOfType(n, "block")
	if body == nil {
		return ""
	}
	for _, stmt := range body.Children {
		if stmt.Type != "expression_statement" {
			continue
		}
		for _, expr := range stmt.Children {
			if expr.Type == "string" {
				raw := expr.GetContent(source)
				raw = strings.Trim(raw, "\"'")
				raw = strings.TrimPrefix(raw, "\"\"")
				raw = strings.TrimSuffix(raw, "\"\"")
				return strings.TrimSpace(raw)
			}
		}
		break
	}
	return ""
}

func (pyExtractor) Classify(n *Node, source []byte, base FragmentKind) FragmentKind {
	if n.Type != "function_definition" {
		return base
	}
	// A function_definition whose lexical parent is a class body is a method.
	// The parser package doesn't track parent pointers, so Classify returns
	// base unchanged; the chunker turns the result into KindMethod itself
	// when the enclosing definition it is walking is a class.
	return base
}

func (pyExtractor) Label(n *Node, source []byte, kind FragmentKind, name string) string {
	if name == "" {
		return ""
	}
	return string(kind) + ": " + name
}
