// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scgi

import (
	"bytes"
	"fmt"
)

// DefaultMaxSize bounds the header block read by the request server.
const DefaultMaxSize = 128 * 1024

// maxLengthDigits is the longest length string accepted without a bound;
// ten digits hold any 32-bit size.
const maxLengthDigits = 10

// State is the parser's position in the frame.
type State int

const (
	ReadingLengthString State = iota
	ReadingHeaderData
	ExpectingComma
	Done
	Error
)

func (s State) String() string {
	switch s {
	case ReadingLengthString:
		return "reading-length"
	case ReadingHeaderData:
		return "reading-header-data"
	case ExpectingComma:
		return "expecting-comma"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ErrorReason says why the parser entered the Error state.
type ErrorReason int

const (
	NoError ErrorReason = iota
	// EmptyHeader: the length string was "0".
	EmptyHeader
	// LengthStringTooLarge: more than ten digits with no size bound.
	LengthStringTooLarge
	// LimitReached: the announced length exceeds the bound.
	LimitReached
	// InvalidLengthString: empty or non-digit length.
	InvalidLengthString
	// HeaderTerminatorExpected: the byte after the header data is not ','.
	HeaderTerminatorExpected
	// InvalidHeaderData: fields are not NUL-terminated key/value pairs.
	InvalidHeaderData
)

var reasonNames = [...]string{
	NoError:                  "NONE",
	EmptyHeader:              "EMPTY_HEADER",
	LengthStringTooLarge:     "LENGTH_STRING_TOO_LARGE",
	LimitReached:             "LIMIT_REACHED",
	InvalidLengthString:      "INVALID_LENGTH_STRING",
	HeaderTerminatorExpected: "HEADER_TERMINATOR_EXPECTED",
	InvalidHeaderData:        "INVALID_HEADER_DATA",
}

func (r ErrorReason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return fmt.Sprintf("ErrorReason(%d)", int(r))
}

// ParseError reports a malformed header block.
type ParseError struct {
	Reason ErrorReason
}

func (e *ParseError) Error() string {
	return "scgi: malformed header block: " + e.Reason.String()
}

// Parser is a resumable SCGI header parser. The zero value is not usable;
// call NewParser.
type Parser struct {
	maxSize int

	state        State
	reason       ErrorReason
	lengthDigits int
	headerSize   int
	headerData   []byte
	headers      *Headers
}

// NewParser returns a parser that rejects header blocks larger than
// maxSize bytes. Zero means unbounded.
func NewParser(maxSize int) *Parser {
	parser := &Parser{maxSize: maxSize}
	parser.Reset()
	return parser
}

// Reset returns the parser to its initial state.
func (p *Parser) Reset() {
	p.state = ReadingLengthString
	p.reason = NoError
	p.lengthDigits = 0
	p.headerSize = 0
	p.headerData = nil
	p.headers = nil
}

// Feed consumes as much of data as belongs to the header block and
// returns the number of bytes consumed. Once the parser is Done, the
// bytes after the returned count are request body.
func (p *Parser) Feed(data []byte) int {
	consumed := 0
	for p.AcceptingInput() && consumed < len(data) {
		switch p.state {
		case ReadingLengthString:
			consumed += p.feedLength(data[consumed:])

		case ReadingHeaderData:
			want := p.headerSize - len(p.headerData)
			chunk := data[consumed:]
			if len(chunk) > want {
				chunk = chunk[:want]
			}
			if p.headerData == nil {
				p.headerData = make([]byte, 0, p.headerSize)
			}
			p.headerData = append(p.headerData, chunk...)
			consumed += len(chunk)
			if len(p.headerData) == p.headerSize {
				p.state = ExpectingComma
			}

		case ExpectingComma:
			if data[consumed] != ',' {
				p.fail(HeaderTerminatorExpected)
				break
			}
			consumed++
			headers, ok := parseHeaderData(p.headerData)
			if !ok {
				p.fail(InvalidHeaderData)
				break
			}
			p.headers = headers
			p.state = Done
		}
	}
	return consumed
}

func (p *Parser) feedLength(data []byte) int {
	consumed := 0
	for consumed < len(data) && isDigit(data[consumed]) {
		p.headerSize = p.headerSize*10 + int(data[consumed]-'0')
		p.lengthDigits++
		consumed++
		if p.maxSize > 0 && p.headerSize > p.maxSize {
			p.fail(LimitReached)
			return consumed
		}
		if p.maxSize == 0 && p.lengthDigits > maxLengthDigits {
			p.fail(LengthStringTooLarge)
			return consumed
		}
	}
	if consumed == len(data) {
		return consumed
	}

	if data[consumed] != ':' || p.lengthDigits == 0 {
		p.fail(InvalidLengthString)
		return consumed
	}
	consumed++
	if p.headerSize == 0 {
		p.fail(EmptyHeader)
	} else {
		p.state = ReadingHeaderData
	}
	return consumed
}

func (p *Parser) fail(reason ErrorReason) {
	p.state = Error
	p.reason = reason
}

// State returns the current state.
func (p *Parser) State() State { return p.state }

// ErrorReason returns why the parser failed, or NoError.
func (p *Parser) ErrorReason() ErrorReason { return p.reason }

// Err returns a *ParseError in the Error state and nil otherwise.
func (p *Parser) Err() error {
	if p.state != Error {
		return nil
	}
	return &ParseError{Reason: p.reason}
}

// AcceptingInput reports whether Feed would consume more bytes.
func (p *Parser) AcceptingInput() bool {
	return p.state != Done && p.state != Error
}

// Headers returns the parsed headers once Done, nil before.
func (p *Parser) Headers() *Headers { return p.headers }

// HeaderData returns the raw header block (without length and comma)
// once Done.
func (p *Parser) HeaderData() []byte {
	if p.state != Done {
		return nil
	}
	return p.headerData
}

// Header returns the value of name, or "" when absent.
func (p *Parser) Header(name string) string {
	if p.headers == nil {
		return ""
	}
	return p.headers.Get(name)
}

// HasHeader reports whether name was sent.
func (p *Parser) HasHeader(name string) bool {
	return p.headers != nil && p.headers.Has(name)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func parseHeaderData(data []byte) (*Headers, bool) {
	headers := NewHeaders()
	for len(data) > 0 {
		keyEnd := bytes.IndexByte(data, 0)
		if keyEnd <= 0 {
			return nil, false
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]
		if len(data) == 0 {
			return nil, false
		}
		valueEnd := bytes.IndexByte(data, 0)
		if valueEnd < 0 {
			return nil, false
		}
		headers.Set(key, string(data[:valueEnd]))
		data = data[valueEnd+1:]
	}
	return headers, true
}
