package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokBool
	tokNull
	tokOp     // || && == != < <= > >= !
	tokLParen
	tokRParen
	tokError
)

type token struct {
	kind  tokenKind
	text  string // operator text or identifier path
	num   float64
	str   string
	boolv bool
	start int
	end   int
}

type lexer struct {
	src    string
	pos    int
	issues []Issue
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) errorf(start, end int, format string, args ...any) token {
	iss := Issue{
		Code:    CodeSyntaxError,
		Message: fmt.Sprintf(format, args...),
		Start:   start,
		End:     end,
	}
	l.issues = append(l.issues, iss)
	return token{kind: tokError, start: start, end: end}
}

func (l *lexer) next() token {
	for l.pos < len(l.src) {
		r, w := utf8.DecodeRuneInString(l.src[l.pos:])
		if !unicode.IsSpace(r) {
			break
		}
		l.pos += w
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, start: l.pos, end: l.pos}
	}
	start := l.pos
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "(", start: start, end: l.pos}
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")", start: start, end: l.pos}
	case c == '|':
		if strings.HasPrefix(l.src[l.pos:], "||") {
			l.pos += 2
			return token{kind: tokOp, text: "||", start: start, end: l.pos}
		}
		l.pos++
		return l.errorf(start, l.pos, "unexpected character %q (did you mean ||?)", c)
	case c == '&':
		if strings.HasPrefix(l.src[l.pos:], "&&") {
			l.pos += 2
			return token{kind: tokOp, text: "&&", start: start, end: l.pos}
		}
		l.pos++
		return l.errorf(start, l.pos, "unexpected character %q (did you mean &&?)", c)
	case c == '=':
		if strings.HasPrefix(l.src[l.pos:], "==") {
			l.pos += 2
			return token{kind: tokOp, text: "==", start: start, end: l.pos}
		}
		l.pos++
		return l.errorf(start, l.pos, "unexpected character %q (did you mean ==?)", c)
	case c == '!':
		if strings.HasPrefix(l.src[l.pos:], "!=") {
			l.pos += 2
			return token{kind: tokOp, text: "!=", start: start, end: l.pos}
		}
		l.pos++
		return token{kind: tokOp, text: "!", start: start, end: l.pos}
	case c == '<':
		if strings.HasPrefix(l.src[l.pos:], "<=") {
			l.pos += 2
			return token{kind: tokOp, text: "<=", start: start, end: l.pos}
		}
		l.pos++
		return token{kind: tokOp, text: "<", start: start, end: l.pos}
	case c == '>':
		if strings.HasPrefix(l.src[l.pos:], ">=") {
			l.pos += 2
			return token{kind: tokOp, text: ">=", start: start, end: l.pos}
		}
		l.pos++
		return token{kind: tokOp, text: ">", start: start, end: l.pos}
	case c == '"' || c == '\'':
		return l.lexString()
	case c >= '0' && c <= '9' || (c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9'):
		return l.lexNumber()
	case isIdentStart(rune(c)):
		return l.lexIdent()
	}
	l.pos++
	return l.errorf(start, l.pos, "unexpected character %q", c)
}

func (l *lexer) lexString() token {
	start := l.pos
	quote := l.src[l.pos]
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch c {
		case quote:
			l.pos++
			return token{kind: tokString, str: b.String(), start: start, end: l.pos}
		case '\\':
			l.pos++
			if l.pos >= len(l.src) {
				return l.errorf(start, l.pos, "unterminated string literal")
			}
			esc := l.src[l.pos]
			l.pos++
			switch esc {
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case '"', '\'', '\\':
				b.WriteByte(esc)
			default:
				return l.errorf(l.pos-2, l.pos, "invalid escape sequence \\%c", esc)
			}
		default:
			b.WriteByte(c)
			l.pos++
		}
	}
	return l.errorf(start, l.pos, "unterminated string literal")
}

func (l *lexer) lexNumber() token {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	seenDot := false
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '.' && !seenDot && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9' {
			seenDot = true
			l.pos++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return l.errorf(start, l.pos, "invalid number %q", text)
	}
	return token{kind: tokNumber, num: n, text: text, start: start, end: l.pos}
}

func (l *lexer) lexIdent() token {
	start := l.pos
	for l.pos < len(l.src) {
		r, w := utf8.DecodeRuneInString(l.src[l.pos:])
		if !isIdentPart(r) {
			break
		}
		l.pos += w
	}
	text := l.src[start:l.pos]
	switch text {
	case "true":
		return token{kind: tokBool, boolv: true, start: start, end: l.pos}
	case "false":
		return token{kind: tokBool, boolv: false, start: start, end: l.pos}
	case "null":
		return token{kind: tokNull, start: start, end: l.pos}
	}
	if strings.HasSuffix(text, ".") || strings.Contains(text, "..") {
		return l.errorf(start, l.pos, "malformed identifier path %q", text)
	}
	return token{kind: tokIdent, text: text, start: start, end: l.pos}
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
