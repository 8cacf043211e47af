// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package scgi

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestHappyPath(t *testing.T) {
	parser := NewParser(DefaultMaxSize)
	input := []byte("12:hello\x00world\x00,body")

	consumed := parser.Feed(input)
	if consumed != 16 {
		t.Errorf("Feed consumed %d bytes, want 16", consumed)
	}
	if parser.State() != Done {
		t.Fatalf("State = %v, want done", parser.State())
	}
	if got := parser.Header("hello"); got != "world" {
		t.Errorf("Header(hello) = %q, want world", got)
	}
	if parser.Headers().Len() != 1 {
		t.Errorf("Len = %d, want 1", parser.Headers().Len())
	}
	if string(input[consumed:]) != "body" {
		t.Errorf("body = %q, want body", input[consumed:])
	}
	if parser.Err() != nil {
		t.Errorf("Err = %v, want nil", parser.Err())
	}
}

func TestOverlongLengthHitsLimit(t *testing.T) {
	parser := NewParser(DefaultMaxSize)
	parser.Feed([]byte("999999999999999999999"))
	if parser.State() != Error {
		t.Fatalf("State = %v, want error", parser.State())
	}
	if parser.ErrorReason() != LimitReached {
		t.Errorf("ErrorReason = %v, want LIMIT_REACHED", parser.ErrorReason())
	}
	var parseErr *ParseError
	if !errors.As(parser.Err(), &parseErr) || parseErr.Reason != LimitReached {
		t.Errorf("Err = %v, want *ParseError{LIMIT_REACHED}", parser.Err())
	}
}

func TestErrorReasons(t *testing.T) {
	tests := []struct {
		name    string
		maxSize int
		input   string
		reason  ErrorReason
	}{
		{"empty header", 0, "0:,", EmptyHeader},
		{"unbounded length string too large", 0, "12345678901:", LengthStringTooLarge},
		{"announced size over limit", 10, "11:", LimitReached},
		{"colon without digits", 0, ":", InvalidLengthString},
		{"letter in length", 0, "1a:", InvalidLengthString},
		{"missing comma", 0, "4:a\x00b\x00;", HeaderTerminatorExpected},
		{"odd field count", 0, "2:a\x00,", InvalidHeaderData},
		{"unterminated value", 0, "3:a\x00b,", InvalidHeaderData},
		{"empty key", 0, "3:\x00b\x00,", InvalidHeaderData},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			parser := NewParser(test.maxSize)
			parser.Feed([]byte(test.input))
			if parser.State() != Error {
				t.Fatalf("State = %v, want error", parser.State())
			}
			if parser.ErrorReason() != test.reason {
				t.Errorf("ErrorReason = %v, want %v", parser.ErrorReason(), test.reason)
			}
		})
	}
}

func TestErrorIsPermanent(t *testing.T) {
	parser := NewParser(0)
	parser.Feed([]byte("x"))
	if consumed := parser.Feed([]byte("5:a\x00b\x00,")); consumed != 0 {
		t.Errorf("Feed after error consumed %d, want 0", consumed)
	}
	parser.Reset()
	parser.Feed([]byte("4:a\x00b\x00,"))
	if parser.State() != Done {
		t.Errorf("State after Reset = %v, want done", parser.State())
	}
}

func TestByteAtATimeMatchesWhole(t *testing.T) {
	inputs := []string{
		"12:hello\x00world\x00,body",
		"22:CONTENT_LENGTH\x0012\x00a\x00b\x00,xyz",
		"6:k\x00\x00v\x00\x00,",
		string(Frame(sampleHeaders())) + "trailing body",
	}
	for _, input := range inputs {
		whole := NewParser(DefaultMaxSize)
		wholeConsumed := whole.Feed([]byte(input))

		incremental := NewParser(DefaultMaxSize)
		incrementalConsumed := 0
		for i := 0; i < len(input) && incremental.AcceptingInput(); i++ {
			incrementalConsumed += incremental.Feed([]byte{input[i]})
		}

		if whole.State() != incremental.State() {
			t.Errorf("%q: states differ: %v vs %v", input, whole.State(), incremental.State())
			continue
		}
		if wholeConsumed != incrementalConsumed {
			t.Errorf("%q: consumed %d whole vs %d incrementally", input, wholeConsumed, incrementalConsumed)
		}
		if whole.State() == Done && !reflect.DeepEqual(whole.Headers().Pairs(), incremental.Headers().Pairs()) {
			t.Errorf("%q: headers differ", input)
		}
	}
}

func TestHeaderDataBoundedByLimit(t *testing.T) {
	parser := NewParser(64)
	parser.Feed([]byte("64:"))
	if consumed := parser.Feed([]byte(strings.Repeat("a", 1000))); consumed != 64 {
		t.Fatalf("consumed %d, want 64", consumed)
	}
	if parser.State() != Error || parser.ErrorReason() != HeaderTerminatorExpected {
		t.Fatalf("State = %v (%v), want HEADER_TERMINATOR_EXPECTED", parser.State(), parser.ErrorReason())
	}
	if cap(parser.headerData) > 64 {
		t.Errorf("header buffer capacity = %d, exceeds the 64-byte bound", cap(parser.headerData))
	}
}

func TestDuplicateKeyKeepsPosition(t *testing.T) {
	parser := NewParser(0)
	parser.Feed([]byte("12:a\x001\x00b\x002\x00a\x003\x00,"))
	if parser.State() != Done {
		t.Fatalf("State = %v, want done", parser.State())
	}
	want := []string{"a", "3", "b", "2"}
	if got := parser.Headers().Pairs(); !reflect.DeepEqual(got, want) {
		t.Errorf("Pairs = %q, want %q", got, want)
	}
}

func TestHeaderLookupIsCaseSensitive(t *testing.T) {
	parser := NewParser(0)
	parser.Feed(Frame(sampleHeaders()))
	if !parser.HasHeader("DOCUMENT_ROOT") {
		t.Error("HasHeader(DOCUMENT_ROOT) = false")
	}
	if parser.HasHeader("document_root") {
		t.Error("HasHeader(document_root) = true")
	}
}

func sampleHeaders() *Headers {
	headers := NewHeaders()
	headers.Set("CONTENT_LENGTH", "4")
	headers.Set("DOCUMENT_ROOT", "/srv/app/public")
	headers.Set("REQUEST_URI", "/foo?bar=1")
	return headers
}
