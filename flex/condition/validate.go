package condition

import "fmt"

// validateAST checks every variable reference and comparison against the
// catalog, collecting all issues rather than stopping at the first.
func validateAST(n node, cat *Catalog) []Issue {
	v := &validator{cat: cat}
	v.walk(n)
	return v.issues
}

type validator struct {
	cat    *Catalog
	issues []Issue
}

func (v *validator) addIssue(code IssueCode, n node, format string, args ...any) {
	start, end := nodeSpan(n)
	v.issues = append(v.issues, Issue{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Start:   start,
		End:     end,
	})
}

func (v *validator) walk(n node) {
	switch t := n.(type) {
	case *varNode:
		if _, ok := v.cat.Lookup(t.path); !ok {
			v.addIssue(CodeUnknownVariable, t, "unknown variable %q", t.path)
		}
	case *unaryNode:
		v.walk(t.operand)
	case *binaryNode:
		for _, op := range t.operands {
			v.walk(op)
		}
		if isComparisonOp(t.op) && len(t.operands) == 2 {
			v.checkComparison(t)
		}
	}
}

func (v *validator) checkComparison(n *binaryNode) {
	left, right := n.operands[0], n.operands[1]
	lv, lok := v.variable(left)
	rv, rok := v.variable(right)
	if lok {
		v.checkOperator(n, lv)
	}
	if rok {
		v.checkOperator(n, rv)
	}
	isEq := n.op == "==" || n.op == "!="
	switch {
	case lok && rok:
		if lv.Type != rv.Type {
			v.addIssue(CodeTypeMismatch, n,
				"cannot compare %s variable %q with %s variable %q",
				lv.Type, lv.Path, rv.Type, rv.Path)
		}
	case lok:
		v.checkLiteral(n, lv, right, isEq)
	case rok:
		v.checkLiteral(n, rv, left, isEq)
	}
}

// variable resolves an operand to its catalog entry when the operand is a
// known variable reference.
func (v *validator) variable(n node) (Variable, bool) {
	ref, ok := n.(*varNode)
	if !ok {
		return Variable{}, false
	}
	return v.cat.Lookup(ref.path)
}

func (v *validator) checkOperator(n *binaryNode, decl Variable) {
	if len(decl.AllowedOperators) == 0 {
		return
	}
	for _, op := range decl.AllowedOperators {
		if op == n.op {
			return
		}
	}
	v.addIssue(CodeOperatorNotAllowed, n,
		"operator %q is not allowed for variable %q", n.op, decl.Path)
}

func (v *validator) checkLiteral(n *binaryNode, decl Variable, lit node, isEq bool) {
	l, ok := lit.(*litNode)
	if !ok {
		return
	}
	if l.value == nil {
		// Equality against null is always legal; ordering against null is not.
		if !isEq {
			v.addIssue(CodeTypeMismatch, n,
				"cannot order %s variable %q against null", decl.Type, decl.Path)
		}
		return
	}
	if lt := literalType(l.value); lt != decl.Type {
		v.addIssue(CodeTypeMismatch, n,
			"cannot compare %s variable %q with %s literal", decl.Type, decl.Path, lt)
	}
}

func literalType(v any) VarType {
	switch v.(type) {
	case bool:
		return TypeBoolean
	case string:
		return TypeString
	case float64, int:
		return TypeNumber
	}
	return TypeString
}
