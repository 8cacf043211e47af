// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// maxDepth bounds nesting of parentheses and negations so a hostile
// filter cannot exhaust the stack.
const maxDepth = 100

// ValueType is the static type of a filter operand.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInteger
	TypeRegexp
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeRegexp:
		return "regular expression"
	default:
		return fmt.Sprintf("ValueType(%d)", int(t))
	}
}

// Field names a context attribute readable from a filter.
type Field int

const (
	FieldURI Field = iota
	FieldController
	FieldResponseTime
	FieldResponseTimeWithoutGC
	FieldStatus
	FieldStatusCode
	FieldGCTime
)

var fields = map[string]struct {
	field     Field
	valueType ValueType
}{
	"uri":                      {FieldURI, TypeString},
	"controller":               {FieldController, TypeString},
	"response_time":            {FieldResponseTime, TypeInteger},
	"response_time_without_gc": {FieldResponseTimeWithoutGC, TypeInteger},
	"status":                   {FieldStatus, TypeString},
	"status_code":              {FieldStatusCode, TypeInteger},
	"gc_time":                  {FieldGCTime, TypeInteger},
}

// value is a literal or a field reference.
type value struct {
	valueType ValueType
	isField   bool
	field     Field
	text      string
	integer   int64
	regexp    *regexp.Regexp
}

func (v value) stringValue(ctx Context) string {
	if !v.isField {
		if v.valueType == TypeInteger {
			return strconv.FormatInt(v.integer, 10)
		}
		return v.text
	}
	switch v.field {
	case FieldURI:
		return ctx.URI()
	case FieldController:
		return ctx.Controller()
	case FieldStatus:
		return ctx.Status()
	default:
		return strconv.FormatInt(v.integerValue(ctx), 10)
	}
}

func (v value) integerValue(ctx Context) int64 {
	if !v.isField {
		if v.valueType == TypeInteger {
			return v.integer
		}
		parsed, _ := strconv.ParseInt(v.text, 10, 64)
		return parsed
	}
	switch v.field {
	case FieldResponseTime:
		return ctx.ResponseTime()
	case FieldResponseTimeWithoutGC:
		return ctx.ResponseTime() - ctx.GCTime()
	case FieldStatusCode:
		return int64(ctx.StatusCode())
	case FieldGCTime:
		return ctx.GCTime()
	default:
		parsed, _ := strconv.ParseInt(v.stringValue(ctx), 10, 64)
		return parsed
	}
}

// node is one of *logical, *negation, *comparison or *functionCall.
type node interface{ isNode() }

type logicalOperator int

const (
	operatorAnd logicalOperator = iota
	operatorOr
)

// logical is a left-associative chain: first, then each rest element
// combined with the running result in order.
type logical struct {
	first node
	rest  []logicalTerm
}

type logicalTerm struct {
	operator logicalOperator
	operand  node
}

type negation struct{ operand node }

type comparison struct {
	operator tokenType
	left     value
	right    value
}

type function int

const (
	functionStartsWith function = iota
	functionHasHint
)

type functionCall struct {
	function  function
	arguments []value
}

func (*logical) isNode()      {}
func (*negation) isNode()     {}
func (*comparison) isNode()   {}
func (*functionCall) isNode() {}

// Filter is a compiled filter expression. It is immutable and safe for
// concurrent use.
type Filter struct {
	source string
	root   node
}

// Compile parses source. Errors are always *SyntaxError.
func Compile(source string) (*Filter, error) {
	p := &parser{tokenizer: tokenizer{source: source}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.expression(0)
	if err != nil {
		return nil, err
	}
	if p.current.kind != tokenEnd {
		return nil, p.unexpected("end of filter")
	}
	return &Filter{source: source, root: root}, nil
}

// MustCompile is Compile that panics on error, for filters known at
// build time.
func MustCompile(source string) *Filter {
	f, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return f
}

// Source returns the text the filter was compiled from.
func (f *Filter) Source() string { return f.source }

// Run evaluates the filter against ctx.
func (f *Filter) Run(ctx Context) bool {
	return evaluate(f.root, ctx)
}

func evaluate(n node, ctx Context) bool {
	switch n := n.(type) {
	case *logical:
		result := evaluate(n.first, ctx)
		for _, term := range n.rest {
			if term.operator == operatorAnd {
				result = result && evaluate(term.operand, ctx)
			} else {
				result = result || evaluate(term.operand, ctx)
			}
		}
		return result
	case *negation:
		return !evaluate(n.operand, ctx)
	case *comparison:
		return evaluateComparison(n, ctx)
	case *functionCall:
		switch n.function {
		case functionStartsWith:
			return strings.HasPrefix(n.arguments[0].stringValue(ctx), n.arguments[1].stringValue(ctx))
		case functionHasHint:
			return ctx.HasHint(n.arguments[0].stringValue(ctx))
		}
	}
	panic(fmt.Sprintf("filter: unknown node %T", n))
}

func evaluateComparison(c *comparison, ctx Context) bool {
	switch c.operator {
	case tokenMatches:
		return c.right.regexp.MatchString(c.left.stringValue(ctx))
	case tokenNotMatches:
		return !c.right.regexp.MatchString(c.left.stringValue(ctx))
	case tokenEquals, tokenNotEquals:
		var equal bool
		if c.left.valueType == TypeInteger {
			equal = c.left.integerValue(ctx) == c.right.integerValue(ctx)
		} else {
			equal = c.left.stringValue(ctx) == c.right.stringValue(ctx)
		}
		return equal == (c.operator == tokenEquals)
	}

	left, right := c.left.integerValue(ctx), c.right.integerValue(ctx)
	switch c.operator {
	case tokenGreaterThan:
		return left > right
	case tokenGreaterThanOrEquals:
		return left >= right
	case tokenLessThan:
		return left < right
	case tokenLessThanOrEquals:
		return left <= right
	}
	panic(fmt.Sprintf("filter: unknown comparator %v", c.operator))
}

type parser struct {
	tokenizer tokenizer
	current   token
}

func (p *parser) advance() error {
	next, err := p.tokenizer.next()
	if err != nil {
		return err
	}
	p.current = next
	return nil
}

func (p *parser) errorAt(position int, format string, args ...any) error {
	return p.tokenizer.errorf(position, format, args...)
}

func (p *parser) unexpected(expected string) error {
	return p.errorAt(p.current.position, "expected %s, but found %s", expected, p.current.kind)
}

func (p *parser) expression(depth int) (node, error) {
	if depth > maxDepth {
		return nil, p.errorAt(p.current.position, "expression nested too deeply")
	}
	first, err := p.unary(depth)
	if err != nil {
		return nil, err
	}
	if p.current.kind != tokenAnd && p.current.kind != tokenOr {
		return first, nil
	}
	chain := &logical{first: first}
	for p.current.kind == tokenAnd || p.current.kind == tokenOr {
		operator := operatorAnd
		if p.current.kind == tokenOr {
			operator = operatorOr
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.unary(depth)
		if err != nil {
			return nil, err
		}
		chain.rest = append(chain.rest, logicalTerm{operator: operator, operand: operand})
	}
	return chain, nil
}

func (p *parser) unary(depth int) (node, error) {
	if depth > maxDepth {
		return nil, p.errorAt(p.current.position, "expression nested too deeply")
	}
	switch p.current.kind {
	case tokenNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.unary(depth + 1)
		if err != nil {
			return nil, err
		}
		return &negation{operand: operand}, nil
	case tokenLeftParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.expression(depth + 1)
		if err != nil {
			return nil, err
		}
		if p.current.kind != tokenRightParen {
			return nil, p.unexpected("')'")
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil
	case tokenIdentifier:
		start := p.current
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.current.kind == tokenLeftParen {
			return p.functionCall(start)
		}
		left, err := p.fieldValue(start)
		if err != nil {
			return nil, err
		}
		return p.comparison(left, start.position)
	case tokenString, tokenInteger, tokenRegexp:
		start := p.current
		left, err := p.literal(start)
		if err != nil {
			return nil, err
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.comparison(left, start.position)
	}
	return nil, p.unexpected("a comparison, function call, '!' or '('")
}

func (p *parser) comparison(left value, position int) (node, error) {
	operator := p.current.kind
	switch operator {
	case tokenMatches, tokenNotMatches, tokenEquals, tokenNotEquals,
		tokenGreaterThan, tokenGreaterThanOrEquals, tokenLessThan, tokenLessThanOrEquals:
	default:
		return nil, p.unexpected("a comparison operator")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.operand()
	if err != nil {
		return nil, err
	}
	if !comparatorAccepts(operator, left.valueType, right.valueType) {
		return nil, p.errorAt(position, "the comparator %s cannot be used on a %s and a %s",
			operator, left.valueType, right.valueType)
	}
	return &comparison{operator: operator, left: left, right: right}, nil
}

func comparatorAccepts(operator tokenType, left, right ValueType) bool {
	switch operator {
	case tokenMatches, tokenNotMatches:
		return left == TypeString && right == TypeRegexp
	case tokenEquals, tokenNotEquals:
		return left == right && (left == TypeString || left == TypeInteger)
	default:
		return left == TypeInteger && right == TypeInteger
	}
}

// operand reads a literal or field and consumes it.
func (p *parser) operand() (value, error) {
	start := p.current
	var (
		result value
		err    error
	)
	switch start.kind {
	case tokenIdentifier:
		result, err = p.fieldValue(start)
	case tokenString, tokenInteger, tokenRegexp:
		result, err = p.literal(start)
	default:
		return value{}, p.unexpected("a value")
	}
	if err != nil {
		return value{}, err
	}
	if err := p.advance(); err != nil {
		return value{}, err
	}
	return result, nil
}

func (p *parser) fieldValue(t token) (value, error) {
	known, ok := fields[t.text]
	if !ok {
		return value{}, p.errorAt(t.position, "unknown field '%s'", t.text)
	}
	return value{valueType: known.valueType, isField: true, field: known.field}, nil
}

func (p *parser) literal(t token) (value, error) {
	switch t.kind {
	case tokenString:
		return value{valueType: TypeString, text: t.text}, nil
	case tokenInteger:
		parsed, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return value{}, p.errorAt(t.position, "integer %s out of range", t.text)
		}
		return value{valueType: TypeInteger, integer: parsed}, nil
	case tokenRegexp:
		pattern := t.text
		if t.caseInsensitive {
			pattern = "(?i)" + pattern
		}
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return value{}, p.errorAt(t.position, "invalid regular expression: %v", err)
		}
		compiled.Longest()
		return value{valueType: TypeRegexp, text: t.text, regexp: compiled}, nil
	}
	return value{}, p.errorAt(t.position, "expected a value, but found %s", t.kind)
}

func (p *parser) functionCall(name token) (node, error) {
	var (
		kind  function
		arity int
	)
	switch name.text {
	case "starts_with":
		kind, arity = functionStartsWith, 2
	case "has_hint":
		kind, arity = functionHasHint, 1
	default:
		return nil, p.errorAt(name.position, "unknown function '%s'", name.text)
	}

	// Current token is '('.
	if err := p.advance(); err != nil {
		return nil, err
	}
	var arguments []value
	if p.current.kind != tokenRightParen {
		for {
			argument, err := p.operand()
			if err != nil {
				return nil, err
			}
			if argument.valueType == TypeRegexp {
				return nil, p.errorAt(name.position, "%s() does not accept regular expression arguments", name.text)
			}
			arguments = append(arguments, argument)
			if p.current.kind != tokenComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
	}
	if p.current.kind != tokenRightParen {
		return nil, p.unexpected("')'")
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if len(arguments) != arity {
		plural := "s"
		if arity == 1 {
			plural = ""
		}
		return nil, p.errorAt(name.position, "you passed %d argument(s) to %s(), but it accepts exactly %d argument%s",
			len(arguments), name.text, arity, plural)
	}
	return &functionCall{function: kind, arguments: arguments}, nil
}
