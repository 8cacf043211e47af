// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"errors"
	"math"
	"testing"
)

func TestEncodeBase32(t *testing.T) {
	tests := []struct {
		value uint64
		want  string
	}{
		{0, "0"},
		{9, "9"},
		{10, "a"},
		{31, "v"},
		{32, "10"},
		{1023, "vv"},
		{1024, "100"},
		{math.MaxUint64, "fvvvvvvvvvvvv"},
	}
	for _, test := range tests {
		got := EncodeBase32(test.value)
		if got != test.want {
			t.Errorf("EncodeBase32(%d) = %q, want %q", test.value, got, test.want)
		}
		decoded, err := DecodeBase32(got)
		if err != nil {
			t.Errorf("DecodeBase32(%q): %v", got, err)
			continue
		}
		if decoded != test.value {
			t.Errorf("DecodeBase32(%q) = %d, want %d", got, decoded, test.value)
		}
	}
}

func TestDecodeBase32Invalid(t *testing.T) {
	for _, text := range []string{"", "w", "1-2", " 1", "g000000000000", "vvvvvvvvvvvvvv"} {
		if _, err := DecodeBase32(text); !errors.Is(err, ErrInvalidBase32) {
			t.Errorf("DecodeBase32(%q) error = %v, want ErrInvalidBase32", text, err)
		}
	}
}

func TestDecodeBase32UpperCase(t *testing.T) {
	got, err := DecodeBase32("V")
	if err != nil {
		t.Fatalf("DecodeBase32: %v", err)
	}
	if got != 31 {
		t.Errorf("DecodeBase32(\"V\") = %d, want 31", got)
	}
}
