// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestMajorMinor(t *testing.T) {
	tests := []struct {
		input        string
		major, minor int
		wantErr      bool
	}{
		{"3.0.2", 3, 0, false},
		{"4.12", 4, 12, false},
		{"5.1.0-beta", 5, 1, false},
		{"3", 0, 0, true},
		{"x.1", 0, 0, true},
	}
	for _, test := range tests {
		major, minor, err := MajorMinor(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("MajorMinor(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if major != test.major || minor != test.minor {
			t.Errorf("MajorMinor(%q) = %d.%d, want %d.%d", test.input, major, minor, test.major, test.minor)
		}
	}
}

func TestInfoMarksDirty(t *testing.T) {
	saved := GitDirty
	defer func() { GitDirty = saved }()

	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "-dirty") {
		t.Errorf("Info() = %q, want -dirty marker", got)
	}
}

