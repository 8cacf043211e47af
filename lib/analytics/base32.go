// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package analytics

import (
	"errors"
	"fmt"
	"math/bits"
)

const base32Digits = "0123456789abcdefghijklmnopqrstuv"

// ErrInvalidBase32 is returned by DecodeBase32 for empty input, digits
// outside 0-9a-v, or values that overflow 64 bits.
var ErrInvalidBase32 = errors.New("analytics: invalid base-32 number")

// EncodeBase32 writes value most significant digit first using the
// alphabet 0-9a-v. Zero encodes as "0".
func EncodeBase32(value uint64) string {
	if value == 0 {
		return "0"
	}
	var buffer [13]byte
	position := len(buffer)
	for value > 0 {
		position--
		buffer[position] = base32Digits[value&31]
		value >>= 5
	}
	return string(buffer[position:])
}

// DecodeBase32 parses the output of EncodeBase32. Upper-case digits are
// accepted.
func DecodeBase32(text string) (uint64, error) {
	if text == "" {
		return 0, ErrInvalidBase32
	}
	var value uint64
	for i := 0; i < len(text); i++ {
		c := text[i]
		var digit uint64
		switch {
		case c >= '0' && c <= '9':
			digit = uint64(c - '0')
		case c >= 'a' && c <= 'v':
			digit = uint64(c-'a') + 10
		case c >= 'A' && c <= 'V':
			digit = uint64(c-'A') + 10
		default:
			return 0, fmt.Errorf("%w: %q", ErrInvalidBase32, text)
		}
		if bits.LeadingZeros64(value) < 5 {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalidBase32, text)
		}
		value = value<<5 | digit
	}
	return value, nil
}
