package condition

// The grammar, lowest precedence first:
//
//	expr       = or
//	or         = and { "||" and }
//	and        = equality { "&&" equality }
//	equality   = comparison { ("==" | "!=") comparison }
//	comparison = unary { ("<" | "<=" | ">" | ">=") unary }
//	unary      = "!" unary | primary
//	primary    = literal | identifier-path | "(" expr ")"
//
// || and && are left-associative and associative; the printer flattens
// them. Equality and comparison are left-associative.

type node interface {
	span() (start, end int)
}

type (
	// binaryNode is a binary operator application. For || and && the
	// operands slice may hold more than two children (flattened form).
	binaryNode struct {
		op       string
		operands []node
		start    int
		end      int
	}

	// unaryNode is a unary ! application.
	unaryNode struct {
		operand node
		start   int
		end     int
	}

	// varNode references a dotted identifier path in the payload.
	varNode struct {
		path  string
		start int
		end   int
	}

	// litNode holds a literal: float64, string, bool, or nil for null.
	litNode struct {
		value any
		start int
		end   int
	}
)

func (n *binaryNode) span() (int, int) { return n.start, n.end }
func (n *unaryNode) span() (int, int)  { return n.start, n.end }
func (n *varNode) span() (int, int)    { return n.start, n.end }
func (n *litNode) span() (int, int)    { return n.start, n.end }

type parser struct {
	lex      *lexer
	tok      token
	issues   []Issue
	warnings []string
}

func newParser(src string) *parser {
	p := &parser{lex: newLexer(src)}
	p.advance()
	return p
}

func (p *parser) advance() {
	p.tok = p.lex.next()
	if p.tok.kind == tokError {
		p.issues = append(p.issues, p.lex.issues...)
		p.lex.issues = nil
	}
}

func (p *parser) errorf(t token, msg string) {
	p.issues = append(p.issues, Issue{
		Code:    CodeSyntaxError,
		Message: msg,
		Start:   t.start,
		End:     t.end,
	})
}

// parseExpression parses a full expression and requires EOF afterwards.
func (p *parser) parseExpression() node {
	n := p.parseOr()
	if p.tok.kind != tokEOF && len(p.issues) == 0 {
		p.errorf(p.tok, "unexpected trailing input")
	}
	return n
}

func (p *parser) parseOr() node {
	left := p.parseAnd()
	for p.tok.kind == tokOp && p.tok.text == "||" {
		p.advance()
		right := p.parseAnd()
		left = joinAssociative("||", left, right)
	}
	return left
}

func (p *parser) parseAnd() node {
	left := p.parseEquality()
	for p.tok.kind == tokOp && p.tok.text == "&&" {
		p.advance()
		right := p.parseEquality()
		left = joinAssociative("&&", left, right)
	}
	return left
}

func (p *parser) parseEquality() node {
	left := p.parseComparison()
	for p.tok.kind == tokOp && (p.tok.text == "==" || p.tok.text == "!=") {
		op := p.tok.text
		p.advance()
		right := p.parseComparison()
		left = binary(op, left, right)
	}
	return left
}

func (p *parser) parseComparison() node {
	left := p.parseUnary()
	for p.tok.kind == tokOp && isOrderingOp(p.tok.text) {
		op := p.tok.text
		p.advance()
		right := p.parseUnary()
		left = binary(op, left, right)
	}
	return left
}

func (p *parser) parseUnary() node {
	if p.tok.kind == tokOp && p.tok.text == "!" {
		start := p.tok.start
		p.advance()
		operand := p.parseUnary()
		_, end := nodeSpan(operand)
		return &unaryNode{operand: operand, start: start, end: end}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() node {
	t := p.tok
	switch t.kind {
	case tokNumber:
		p.advance()
		return &litNode{value: t.num, start: t.start, end: t.end}
	case tokString:
		p.advance()
		return &litNode{value: t.str, start: t.start, end: t.end}
	case tokBool:
		p.advance()
		return &litNode{value: t.boolv, start: t.start, end: t.end}
	case tokNull:
		p.advance()
		return &litNode{value: nil, start: t.start, end: t.end}
	case tokIdent:
		p.advance()
		return &varNode{path: t.text, start: t.start, end: t.end}
	case tokLParen:
		p.advance()
		inner := p.parseOr()
		if p.tok.kind != tokRParen {
			p.errorf(p.tok, "expected closing parenthesis")
		} else {
			p.advance()
		}
		return inner
	case tokEOF:
		p.errorf(t, "unexpected end of expression")
	case tokError:
		p.advance()
	default:
		p.errorf(t, "unexpected token")
		p.advance()
	}
	return &litNode{value: nil, start: t.start, end: t.end}
}

// joinAssociative flattens nested || / && chains into a single n-ary node.
func joinAssociative(op string, left, right node) node {
	start, _ := nodeSpan(left)
	_, end := nodeSpan(right)
	operands := make([]node, 0, 2)
	if b, ok := left.(*binaryNode); ok && b.op == op {
		operands = append(operands, b.operands...)
	} else {
		operands = append(operands, left)
	}
	if b, ok := right.(*binaryNode); ok && b.op == op {
		operands = append(operands, b.operands...)
	} else {
		operands = append(operands, right)
	}
	return &binaryNode{op: op, operands: operands, start: start, end: end}
}

func binary(op string, left, right node) node {
	start, _ := nodeSpan(left)
	_, end := nodeSpan(right)
	return &binaryNode{op: op, operands: []node{left, right}, start: start, end: end}
}

func nodeSpan(n node) (int, int) {
	if n == nil {
		return 0, 0
	}
	return n.span()
}

func isOrderingOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=":
		return true
	}
	return false
}

func isComparisonOp(op string) bool {
	switch op {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

// collectVars walks the AST and returns referenced paths in first-use order.
func collectVars(n node) []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(node)
	walk = func(n node) {
		switch t := n.(type) {
		case *varNode:
			if !seen[t.path] {
				seen[t.path] = true
				out = append(out, t.path)
			}
		case *unaryNode:
			walk(t.operand)
		case *binaryNode:
			for _, op := range t.operands {
				walk(op)
			}
		}
	}
	walk(n)
	return out
}
