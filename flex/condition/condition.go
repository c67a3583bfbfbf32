// Package condition implements the expression engine used wherever the
// orchestrator evaluates a predicate: capability post-conditions, runtime
// policy triggers, routing-node routes, and run goal conditions.
//
// Conditions are authored in a small infix DSL ("facets.score >= 0.8 &&
// status == 'ready'"), compiled to a JSON-Logic document for storage and
// transport, and evaluated against a JSON payload at runtime. The engine
// always produces a deterministic canonical rendering of the expression so
// two syntactically different but equivalent authorings compare equal.
//
// The evaluator implements exactly the twelve JSON-Logic operators the
// orchestrator emits (and, or, !, var, ==, !=, >, >=, <, <=, plus literal
// passthrough) rather than delegating to a general JSON-Logic library.
// This keeps evaluation semantics deterministic and fully testable.
package condition

import (
	"fmt"
	"strings"
)

type (
	// Spec carries a condition in all its representations: the authored DSL
	// (when present), the canonical rendering produced by the engine, the
	// compiled JSON-Logic document, and any validation side-channel data.
	// JSONLogic is authoritative at evaluation time; DSL is authoritative at
	// normalization time when both are present.
	Spec struct {
		// DSL is the caller-authored expression. Optional; when set it must
		// parse cleanly against the active variable catalog.
		DSL string `json:"dsl,omitempty"`
		// CanonicalDSL is the deterministic rendering of the expression.
		CanonicalDSL string `json:"canonicalDsl,omitempty"`
		// JSONLogic is the compiled predicate evaluated at runtime.
		JSONLogic map[string]any `json:"jsonLogic,omitempty"`
		// Warnings lists non-fatal findings from parsing or validation.
		Warnings []string `json:"warnings,omitempty"`
		// Variables lists the identifier paths referenced by the expression.
		Variables []string `json:"variables,omitempty"`
	}

	// FacetCondition binds a condition to a facet and a JSON-pointer path
	// within that facet's value. Post-conditions and goal conditions are
	// expressed this way: the path locates the payload snippet the condition
	// is evaluated against.
	FacetCondition struct {
		// Facet names the facet the condition inspects.
		Facet string `json:"facet"`
		// Path is a JSON pointer into the facet value ("/status", "/score").
		// An empty path targets the facet value itself.
		Path string `json:"path"`
		// Condition is the predicate to evaluate.
		Condition Spec `json:"condition"`
	}

	// VarType enumerates the value types a catalog variable may declare.
	VarType string

	// Variable describes one identifier path known to a catalog, its value
	// type, and the comparison operators callers may apply to it.
	Variable struct {
		// Path is the dotted identifier path ("facets.score.value").
		Path string `json:"path"`
		// Type is the declared value type of the variable.
		Type VarType `json:"type"`
		// AllowedOperators restricts which binary operators may be applied.
		// Empty means all operators are allowed.
		AllowedOperators []string `json:"allowedOperators,omitempty"`
	}

	// Catalog indexes variables by path for validation during parsing.
	// A nil Catalog disables variable validation entirely.
	Catalog struct {
		vars map[string]Variable
	}

	// ParseResult is the outcome of a successful ParseDSL call.
	ParseResult struct {
		// JSONLogic is the compiled predicate.
		JSONLogic map[string]any
		// Canonical is the deterministic rendering of the expression.
		Canonical string
		// Variables lists referenced identifier paths in first-use order.
		Variables []string
		// Warnings lists non-fatal findings.
		Warnings []string

		ast node
	}

	// EvalResult is the outcome of evaluating a compiled condition.
	EvalResult struct {
		// Result is the boolean value of the predicate.
		Result bool
		// ResolvedVariables maps each referenced path to the value it
		// resolved to in the payload (nil for missing paths).
		ResolvedVariables map[string]any
	}

	// IssueCode classifies a parse or validation failure.
	IssueCode string

	// Issue describes a single parse or validation failure with its source
	// range in the original expression.
	Issue struct {
		// Code classifies the failure.
		Code IssueCode `json:"code"`
		// Message is a human-readable description.
		Message string `json:"message"`
		// Start and End delimit the offending source range (byte offsets).
		Start int `json:"start"`
		End   int `json:"end"`
	}

	// ParseError aggregates every issue found while parsing or validating
	// an expression. The engine reports all issues rather than stopping at
	// the first so authors can fix a condition in one pass.
	ParseError struct {
		// Expression is the original source text.
		Expression string
		// Issues lists the failures in source order.
		Issues []Issue
	}
)

const (
	// TypeNumber declares a numeric variable.
	TypeNumber VarType = "number"
	// TypeBoolean declares a boolean variable.
	TypeBoolean VarType = "boolean"
	// TypeString declares a string variable.
	TypeString VarType = "string"
	// TypeArray declares an array variable.
	TypeArray VarType = "array"
)

const (
	// CodeEmptyExpression reports a blank or whitespace-only expression.
	CodeEmptyExpression IssueCode = "empty_expression"
	// CodeSyntaxError reports a lexical or grammatical failure.
	CodeSyntaxError IssueCode = "syntax_error"
	// CodeUnknownVariable reports an identifier absent from the catalog.
	CodeUnknownVariable IssueCode = "unknown_variable"
	// CodeOperatorNotAllowed reports a comparison operator outside the
	// variable's allow-list.
	CodeOperatorNotAllowed IssueCode = "operator_not_allowed"
	// CodeTypeMismatch reports a comparison between incompatible types.
	CodeTypeMismatch IssueCode = "type_mismatch"
)

// NewCatalog builds a catalog from the given variables. Later duplicates of
// the same path replace earlier ones.
func NewCatalog(vars ...Variable) *Catalog {
	c := &Catalog{vars: make(map[string]Variable, len(vars))}
	for _, v := range vars {
		c.vars[v.Path] = v
	}
	return c
}

// Lookup returns the variable declared for path and whether it exists.
func (c *Catalog) Lookup(path string) (Variable, bool) {
	if c == nil || c.vars == nil {
		return Variable{}, false
	}
	v, ok := c.vars[path]
	return v, ok
}

// Variables returns every declared variable. Order is unspecified.
func (c *Catalog) Variables() []Variable {
	if c == nil {
		return nil
	}
	out := make([]Variable, 0, len(c.vars))
	for _, v := range c.vars {
		out = append(out, v)
	}
	return out
}

// Error implements the error interface, joining all issue messages.
func (e *ParseError) Error() string {
	if len(e.Issues) == 0 {
		return "condition: invalid expression"
	}
	msgs := make([]string, len(e.Issues))
	for i, iss := range e.Issues {
		msgs[i] = fmt.Sprintf("%s: %s", iss.Code, iss.Message)
	}
	return "condition: " + strings.Join(msgs, "; ")
}

// ParseDSL parses expr, validates it against the catalog (when non-nil),
// and returns the compiled result. On failure the returned error is a
// *ParseError listing every issue found.
func ParseDSL(expr string, cat *Catalog) (*ParseResult, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, &ParseError{Expression: expr, Issues: []Issue{{
			Code:    CodeEmptyExpression,
			Message: "expression is empty",
		}}}
	}
	p := newParser(expr)
	ast := p.parseExpression()
	if len(p.issues) > 0 {
		return nil, &ParseError{Expression: expr, Issues: p.issues}
	}
	res := &ParseResult{ast: ast}
	res.Canonical = render(ast)
	res.JSONLogic = toLogic(ast)
	res.Variables = collectVars(ast)
	res.Warnings = p.warnings
	if cat != nil {
		if issues := validateAST(ast, cat); len(issues) > 0 {
			return nil, &ParseError{Expression: expr, Issues: issues}
		}
	}
	return res, nil
}

// ToDSL converts a compiled JSON-Logic document back to its canonical DSL
// rendering. The catalog is consulted only when non-nil, applying the same
// variable validation as ParseDSL.
func ToDSL(logic map[string]any, cat *Catalog) (string, error) {
	ast, err := fromLogic(logic)
	if err != nil {
		return "", err
	}
	if cat != nil {
		if issues := validateAST(ast, cat); len(issues) > 0 {
			return "", &ParseError{Issues: issues}
		}
	}
	return render(ast), nil
}

// Evaluate runs a compiled JSON-Logic predicate against payload and returns
// the boolean outcome plus the values each variable resolved to.
func Evaluate(logic map[string]any, payload map[string]any) (*EvalResult, error) {
	ev := &evaluator{payload: payload, resolved: make(map[string]any)}
	v, err := ev.eval(logic)
	if err != nil {
		return nil, err
	}
	return &EvalResult{Result: truthy(v), ResolvedVariables: ev.resolved}, nil
}

// MustParse parses expr without a catalog and panics on failure. Intended
// for tests and static policy definitions.
func MustParse(expr string) *ParseResult {
	res, err := ParseDSL(expr, nil)
	if err != nil {
		panic(err)
	}
	return res
}
