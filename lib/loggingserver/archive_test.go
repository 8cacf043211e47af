// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loggingserver

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/passenger/lib/testutil"
)

func TestLogFilePath(t *testing.T) {
	createdAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	got := LogFilePath("/var/log/passenger", "group", "node", "requests", createdAt)
	want := filepath.Join("/var/log/passenger", "1",
		md5Hex("group"), md5Hex("node"), "requests",
		"2026", "01", "02", "02", "log.txt")
	if got != want {
		t.Errorf("LogFilePath = %q, want %q", got, want)
	}
	if md5Hex("") != "d41d8cd98f00b204e9800998ecf8427e" {
		t.Errorf("md5Hex(\"\") = %q", md5Hex(""))
	}
}

func TestParseCompression(t *testing.T) {
	tests := []struct {
		input string
		want  Compression
	}{
		{"", CompressionNone},
		{"none", CompressionNone},
		{"zstd", CompressionZstd},
		{"lz4", CompressionLZ4},
	}
	for _, test := range tests {
		got, err := ParseCompression(test.input)
		if err != nil {
			t.Errorf("ParseCompression(%q): %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseCompression(%q) = %v, want %v", test.input, got, test.want)
		}
		if test.input != "" && got.String() != test.input {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), test.input)
		}
	}
	if _, err := ParseCompression("gzip"); err == nil {
		t.Error("ParseCompression(gzip) succeeded, want error")
	}
}

func TestArchiveRoundTrip(t *testing.T) {
	for _, compression := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(compression.String(), func(t *testing.T) {
			dir := t.TempDir()
			bucket := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
			path := LogFilePath(dir, "g", "n", "requests", bucket)
			content := strings.Repeat("txn 1 0 URI: /foo\n", 100)
			testutil.WriteFile(t, path, content)

			root := filepath.Join(dir, storageVersion)
			due, err := archiveDue(root, bucket.Add(90*time.Minute), time.Hour, nil)
			if err != nil {
				t.Fatalf("archiveDue: %v", err)
			}
			if len(due) != 0 {
				t.Fatalf("archiveDue before deadline = %v, want none", due)
			}
			due, err = archiveDue(root, bucket.Add(2*time.Hour), time.Hour, nil)
			if err != nil {
				t.Fatalf("archiveDue: %v", err)
			}
			if len(due) != 1 || due[0] != path {
				t.Fatalf("archiveDue = %v, want [%s]", due, path)
			}

			if err := compressFile(path, compression); err != nil {
				t.Fatalf("compressFile: %v", err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Errorf("source still present after archiving (err=%v)", err)
			}

			reader, err := OpenArchive(path + compression.Extension())
			if err != nil {
				t.Fatalf("OpenArchive: %v", err)
			}
			defer reader.Close()
			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != content {
				t.Errorf("archive content differs: got %d bytes, want %d", len(got), len(content))
			}
		})
	}
}

func TestArchiveDueSkipsOpenSinks(t *testing.T) {
	dir := t.TempDir()
	bucket := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	path := LogFilePath(dir, "g", "n", "requests", bucket)
	testutil.WriteFile(t, path, "x\n")

	due, err := archiveDue(filepath.Join(dir, storageVersion), bucket.Add(3*time.Hour), time.Hour,
		map[string]*sink{path: {path: path}})
	if err != nil {
		t.Fatalf("archiveDue: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("archiveDue = %v, want open sink skipped", due)
	}
}

func TestArchiveMissingRoot(t *testing.T) {
	due, err := archiveDue(filepath.Join(t.TempDir(), "absent"), time.Now(), time.Hour, nil)
	if err != nil || len(due) != 0 {
		t.Errorf("archiveDue on missing root = %v, %v; want none, nil", due, err)
	}
}
