package condition

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// toLogic compiles the AST to its JSON-Logic document form. Logical
// connectives map to "and"/"or", unary negation to "!", identifier paths to
// {"var": path}, and literals pass through untouched.
func toLogic(n node) map[string]any {
	v := toLogicValue(n)
	if m, ok := v.(map[string]any); ok {
		return m
	}
	// A bare literal expression still needs an operator wrapper so callers
	// always hold a map. Double negation preserves truthiness.
	return map[string]any{"!": []any{map[string]any{"!": []any{v}}}}
}

func toLogicValue(n node) any {
	switch t := n.(type) {
	case *litNode:
		return t.value
	case *varNode:
		return map[string]any{"var": t.path}
	case *unaryNode:
		return map[string]any{"!": []any{toLogicValue(t.operand)}}
	case *binaryNode:
		args := make([]any, len(t.operands))
		for i, op := range t.operands {
			args[i] = toLogicValue(op)
		}
		key := t.op
		switch t.op {
		case "&&":
			key = "and"
		case "||":
			key = "or"
		}
		return map[string]any{key: args}
	}
	return nil
}

// fromLogic rebuilds an AST from a JSON-Logic document so it can be
// rendered canonically. Only the operators the engine emits are accepted.
func fromLogic(logic map[string]any) (node, error) {
	return nodeFromLogic(logic)
}

func nodeFromLogic(v any) (node, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return literalFromLogic(v)
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("condition: json-logic node must have exactly one operator, got %d", len(m))
	}
	var op string
	var raw any
	for k, val := range m {
		op, raw = k, val
	}
	switch op {
	case "var":
		path, ok := raw.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("condition: var operand must be a non-empty string")
		}
		return &varNode{path: path}, nil
	case "!":
		operand, err := singleOperand(raw)
		if err != nil {
			return nil, err
		}
		child, err := nodeFromLogic(operand)
		if err != nil {
			return nil, err
		}
		// Collapse the double-negation wrapper emitted for bare literals.
		if inner, ok := child.(*unaryNode); ok {
			if lit, ok := inner.operand.(*litNode); ok {
				return lit, nil
			}
		}
		return &unaryNode{operand: child}, nil
	case "and", "or":
		args, ok := raw.([]any)
		if !ok || len(args) == 0 {
			return nil, fmt.Errorf("condition: %s requires a non-empty operand list", op)
		}
		operands := make([]node, len(args))
		for i, a := range args {
			child, err := nodeFromLogic(a)
			if err != nil {
				return nil, err
			}
			operands[i] = child
		}
		text := "&&"
		if op == "or" {
			text = "||"
		}
		if len(operands) == 1 {
			return operands[0], nil
		}
		return &binaryNode{op: text, operands: operands}, nil
	case "==", "!=", "<", "<=", ">", ">=":
		args, ok := raw.([]any)
		if !ok || len(args) != 2 {
			return nil, fmt.Errorf("condition: %s requires exactly two operands", op)
		}
		left, err := nodeFromLogic(args[0])
		if err != nil {
			return nil, err
		}
		right, err := nodeFromLogic(args[1])
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, operands: []node{left, right}}, nil
	}
	return nil, fmt.Errorf("condition: unsupported json-logic operator %q", op)
}

func literalFromLogic(v any) (node, error) {
	switch t := v.(type) {
	case nil, bool, string:
		return &litNode{value: t}, nil
	case float64:
		return &litNode{value: t}, nil
	case int:
		return &litNode{value: float64(t)}, nil
	case int64:
		return &litNode{value: float64(t)}, nil
	}
	return nil, fmt.Errorf("condition: unsupported literal %T", v)
}

func singleOperand(raw any) (any, error) {
	if args, ok := raw.([]any); ok {
		if len(args) != 1 {
			return nil, fmt.Errorf("condition: ! requires exactly one operand")
		}
		return args[0], nil
	}
	return raw, nil
}

// evaluator runs a JSON-Logic document against a payload, recording the
// value every referenced variable resolved to.
type evaluator struct {
	payload  map[string]any
	resolved map[string]any
}

func (e *evaluator) eval(v any) (any, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	if len(m) != 1 {
		return nil, fmt.Errorf("condition: json-logic node must have exactly one operator, got %d", len(m))
	}
	var op string
	var raw any
	for k, val := range m {
		op, raw = k, val
	}
	switch op {
	case "var":
		path, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("condition: var operand must be a string")
		}
		val := resolvePath(e.payload, path)
		e.resolved[path] = val
		return val, nil
	case "!":
		operand, err := singleOperand(raw)
		if err != nil {
			return nil, err
		}
		val, err := e.eval(operand)
		if err != nil {
			return nil, err
		}
		return !truthy(val), nil
	case "and":
		args, err := operandList(op, raw)
		if err != nil {
			return nil, err
		}
		var last any = true
		for _, a := range args {
			val, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			if !truthy(val) {
				return val, nil
			}
			last = val
		}
		return last, nil
	case "or":
		args, err := operandList(op, raw)
		if err != nil {
			return nil, err
		}
		var last any = false
		for _, a := range args {
			val, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			if truthy(val) {
				return val, nil
			}
			last = val
		}
		return last, nil
	case "==", "!=", "<", "<=", ">", ">=":
		args, err := operandList(op, raw)
		if err != nil {
			return nil, err
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("condition: %s requires exactly two operands", op)
		}
		left, err := e.eval(args[0])
		if err != nil {
			return nil, err
		}
		right, err := e.eval(args[1])
		if err != nil {
			return nil, err
		}
		return applyComparison(op, left, right)
	}
	return nil, fmt.Errorf("condition: unsupported json-logic operator %q", op)
}

func operandList(op string, raw any) ([]any, error) {
	args, ok := raw.([]any)
	if !ok || len(args) == 0 {
		return nil, fmt.Errorf("condition: %s requires a non-empty operand list", op)
	}
	return args, nil
}

func applyComparison(op string, left, right any) (any, error) {
	switch op {
	case "==":
		return equalStrict(left, right), nil
	case "!=":
		return !equalStrict(left, right), nil
	}
	l, r := toNumber(left), toNumber(right)
	if math.IsNaN(l) || math.IsNaN(r) {
		return false, nil
	}
	switch op {
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	}
	return nil, fmt.Errorf("condition: unsupported comparison operator %q", op)
}

// equalStrict compares values without cross-type coercion. Numeric values
// of differing Go widths compare as float64.
func equalStrict(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aok := numericValue(a)
	bn, bok := numericValue(b)
	if aok || bok {
		return aok && bok && an == bn
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func numericValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}

// toNumber mirrors JavaScript Number() coercion for ordering comparisons.
func toNumber(v any) float64 {
	if n, ok := numericValue(v); ok {
		return n
	}
	switch t := v.(type) {
	case nil:
		return 0
	case bool:
		if t {
			return 1
		}
		return 0
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return n
	}
	return math.NaN()
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return true
	}
	if n, ok := numericValue(v); ok {
		return n != 0
	}
	return true
}

// resolvePath walks a dotted path through nested maps. Missing segments
// yield nil (the DSL's undefined).
func resolvePath(payload map[string]any, path string) any {
	if payload == nil || path == "" {
		return nil
	}
	var current any = payload
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}
