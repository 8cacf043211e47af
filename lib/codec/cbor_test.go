// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"strings"
	"testing"
)

type workerSample struct {
	PID       int    `cbor:"pid"`
	Sessions  int    `cbor:"sessions"`
	Processed uint64 `cbor:"processed"`
	Password  string `cbor:"password,omitempty"`
}

type groupSample struct {
	Name    string `json:"name"`
	Workers int    `json:"workers"`
}

func TestRoundtrip(t *testing.T) {
	original := workerSample{PID: 4312, Sessions: 1, Processed: 88}
	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded workerSample
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("decoded = %+v, want %+v", decoded, original)
	}
}

func TestDeterministicMapOrder(t *testing.T) {
	first, err := Marshal(map[string]int{"zeta": 1, "alpha": 2, "mid": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, err := Marshal(map[string]int{"mid": 3, "alpha": 2, "zeta": 1})
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding differs on iteration %d", i)
		}
	}
}

func TestOmitemptyDropsPassword(t *testing.T) {
	data, err := Marshal(workerSample{PID: 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	notation, err := Diagnose(data)
	if err != nil {
		t.Fatalf("Diagnose: %v", err)
	}
	if strings.Contains(notation, "password") {
		t.Errorf("empty password was encoded: %s", notation)
	}
}

func TestJSONTagFallback(t *testing.T) {
	data, err := Marshal(groupSample{Name: "/srv/app", Workers: 2})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var generic map[string]any
	if err := Unmarshal(data, &generic); err != nil {
		t.Fatalf("Unmarshal into map: %v", err)
	}
	if generic["name"] != "/srv/app" {
		t.Errorf("name = %v, want /srv/app", generic["name"])
	}
}

func TestUnmarshalGarbage(t *testing.T) {
	var decoded workerSample
	if err := Unmarshal([]byte{0xff, 0xfe, 0x00}, &decoded); err == nil {
		t.Fatal("expected error for invalid CBOR")
	}
}
