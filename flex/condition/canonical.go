package condition

import (
	"strconv"
	"strings"
)

// Operator precedence, low to high. Parentheses in the canonical rendering
// appear exactly where precedence or associativity requires them.
const (
	precOr = iota + 1
	precAnd
	precEquality
	precComparison
	precUnary
	precPrimary
)

func opPrecedence(op string) int {
	switch op {
	case "||":
		return precOr
	case "&&":
		return precAnd
	case "==", "!=":
		return precEquality
	case "<", "<=", ">", ">=":
		return precComparison
	}
	return precPrimary
}

// render produces the deterministic canonical form: single spaces around
// binary operators, no space after unary !, parentheses only where needed.
func render(n node) string {
	var b strings.Builder
	renderNode(&b, n, 0, false)
	return b.String()
}

func renderNode(b *strings.Builder, n node, parentPrec int, rightOfBinary bool) {
	switch t := n.(type) {
	case *litNode:
		b.WriteString(renderLiteral(t.value))
	case *varNode:
		b.WriteString(t.path)
	case *unaryNode:
		b.WriteByte('!')
		renderNode(b, t.operand, precUnary, false)
	case *binaryNode:
		prec := opPrecedence(t.op)
		need := prec < parentPrec || (prec == parentPrec && rightOfBinary)
		if need {
			b.WriteByte('(')
		}
		for i, op := range t.operands {
			if i > 0 {
				b.WriteByte(' ')
				b.WriteString(t.op)
				b.WriteByte(' ')
			}
			renderNode(b, op, prec, i > 0)
		}
		if need {
			b.WriteByte(')')
		}
	}
}

func renderLiteral(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case string:
		return renderString(t)
	}
	return "null"
}

func renderString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
