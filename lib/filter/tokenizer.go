// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filter

import "fmt"

type tokenType int

const (
	tokenNone tokenType = iota
	tokenNot
	tokenAnd
	tokenOr
	tokenMatches
	tokenNotMatches
	tokenEquals
	tokenNotEquals
	tokenGreaterThan
	tokenGreaterThanOrEquals
	tokenLessThan
	tokenLessThanOrEquals
	tokenLeftParen
	tokenRightParen
	tokenComma
	tokenRegexp
	tokenString
	tokenInteger
	tokenIdentifier
	tokenEnd
)

var tokenNames = [...]string{
	tokenNone:                "nothing",
	tokenNot:                 "'!'",
	tokenAnd:                 "'&&'",
	tokenOr:                  "'||'",
	tokenMatches:             "'=~'",
	tokenNotMatches:          "'!~'",
	tokenEquals:              "'=='",
	tokenNotEquals:           "'!='",
	tokenGreaterThan:         "'>'",
	tokenGreaterThanOrEquals: "'>='",
	tokenLessThan:            "'<'",
	tokenLessThanOrEquals:    "'<='",
	tokenLeftParen:           "'('",
	tokenRightParen:          "')'",
	tokenComma:               "','",
	tokenRegexp:              "regular expression",
	tokenString:              "string",
	tokenInteger:             "integer",
	tokenIdentifier:          "identifier",
	tokenEnd:                 "end of filter",
}

func (t tokenType) String() string { return tokenNames[t] }

type token struct {
	kind tokenType
	// position is the zero-based byte offset of the token.
	position int
	// text is the raw source of identifiers and integers, the decoded
	// content of strings, and the pattern of regular expressions.
	text            string
	caseInsensitive bool
}

// SyntaxError reports a filter that does not compile.
type SyntaxError struct {
	// Position is the one-based character where the problem was found,
	// or 0 when it concerns the filter as a whole.
	Position int
	Message  string
}

func (e *SyntaxError) Error() string {
	if e.Position > 0 {
		return fmt.Sprintf("filter syntax error at character %d: %s", e.Position, e.Message)
	}
	return "filter syntax error: " + e.Message
}

type tokenizer struct {
	source   string
	position int
}

func isWhitespace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }
func isDigit(c byte) bool      { return c >= '0' && c <= '9' }
func isIdentifierStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}
func isIdentifierChar(c byte) bool { return isIdentifierStart(c) || isDigit(c) }

func (t *tokenizer) errorf(position int, format string, args ...any) error {
	return &SyntaxError{Position: position + 1, Message: fmt.Sprintf(format, args...)}
}

func (t *tokenizer) peekByte(offset int) (byte, bool) {
	if t.position+offset >= len(t.source) {
		return 0, false
	}
	return t.source[t.position+offset], true
}

func (t *tokenizer) emit(kind tokenType, size int) token {
	start := t.position
	t.position += size
	return token{kind: kind, position: start, text: t.source[start:t.position]}
}

func (t *tokenizer) next() (token, error) {
	for t.position < len(t.source) && isWhitespace(t.source[t.position]) {
		t.position++
	}
	if t.position >= len(t.source) {
		return token{kind: tokenEnd, position: len(t.source)}, nil
	}

	current := t.source[t.position]
	following, _ := t.peekByte(1)
	switch current {
	case '!':
		switch following {
		case '~':
			return t.emit(tokenNotMatches, 2), nil
		case '=':
			return t.emit(tokenNotEquals, 2), nil
		}
		return t.emit(tokenNot, 1), nil
	case '&':
		if following != '&' {
			return token{}, t.errorf(t.position, "expected '&&'")
		}
		return t.emit(tokenAnd, 2), nil
	case '|':
		if following != '|' {
			return token{}, t.errorf(t.position, "expected '||'")
		}
		return t.emit(tokenOr, 2), nil
	case '=':
		switch following {
		case '~':
			return t.emit(tokenMatches, 2), nil
		case '=':
			return t.emit(tokenEquals, 2), nil
		}
		return token{}, t.errorf(t.position, "unrecognized operator '=%c'", following)
	case '>':
		if following == '=' {
			return t.emit(tokenGreaterThanOrEquals, 2), nil
		}
		return t.emit(tokenGreaterThan, 1), nil
	case '<':
		if following == '=' {
			return t.emit(tokenLessThanOrEquals, 2), nil
		}
		return t.emit(tokenLessThan, 1), nil
	case '(':
		return t.emit(tokenLeftParen, 1), nil
	case ')':
		return t.emit(tokenRightParen, 1), nil
	case ',':
		return t.emit(tokenComma, 1), nil
	case '/':
		return t.regexp(1, '/')
	case '%':
		if following != 'r' {
			return token{}, t.errorf(t.position, "expected '%%r{'")
		}
		if brace, _ := t.peekByte(2); brace != '{' {
			return token{}, t.errorf(t.position, "expected '%%r{'")
		}
		return t.regexp(3, '}')
	case '"', '\'':
		return t.quotedString(current)
	case '-':
		if !isDigit(following) {
			return token{}, t.errorf(t.position, "expected a digit after '-'")
		}
		return t.integer()
	}
	if isDigit(current) {
		return t.integer()
	}
	if isIdentifierStart(current) {
		start := t.position
		end := start + 1
		for end < len(t.source) && isIdentifierChar(t.source[end]) {
			end++
		}
		return t.emit(tokenIdentifier, end-start), nil
	}
	return token{}, t.errorf(t.position, "unexpected character '%c'", current)
}

func (t *tokenizer) integer() (token, error) {
	end := t.position + 1
	for end < len(t.source) && isDigit(t.source[end]) {
		end++
	}
	return t.emit(tokenInteger, end-t.position), nil
}

// regexp reads a pattern that starts prefixLength bytes into the token
// and ends at an unescaped terminator, followed by optional 'i' flags.
func (t *tokenizer) regexp(prefixLength int, terminator byte) (token, error) {
	start := t.position
	position := start + prefixLength
	var pattern []byte
	for {
		if position >= len(t.source) {
			return token{}, t.errorf(start, "unterminated regular expression")
		}
		c := t.source[position]
		if c == '\\' && position+1 < len(t.source) && t.source[position+1] == terminator {
			pattern = append(pattern, terminator)
			position += 2
			continue
		}
		if c == '\\' && position+1 < len(t.source) {
			pattern = append(pattern, c, t.source[position+1])
			position += 2
			continue
		}
		position++
		if c == terminator {
			break
		}
		pattern = append(pattern, c)
	}

	result := token{kind: tokenRegexp, position: start, text: string(pattern)}
	for position < len(t.source) && t.source[position] == 'i' {
		result.caseInsensitive = true
		position++
	}
	t.position = position
	return result, nil
}

func (t *tokenizer) quotedString(quote byte) (token, error) {
	start := t.position
	position := start + 1
	var decoded []byte
	for {
		if position >= len(t.source) {
			return token{}, t.errorf(start, "unterminated string")
		}
		c := t.source[position]
		position++
		if c == quote {
			break
		}
		if c != '\\' {
			decoded = append(decoded, c)
			continue
		}
		if position >= len(t.source) {
			return token{}, t.errorf(start, "unterminated string")
		}
		escaped := t.source[position]
		position++
		switch escaped {
		case 'r':
			decoded = append(decoded, '\r')
		case 'n':
			decoded = append(decoded, '\n')
		case 't':
			decoded = append(decoded, '\t')
		default:
			decoded = append(decoded, escaped)
		}
	}
	t.position = position
	return token{kind: tokenString, position: start, text: string(decoded)}, nil
}
