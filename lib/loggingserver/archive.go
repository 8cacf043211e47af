// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loggingserver

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how the archiver compresses closed log files.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", c)
	}
}

// Extension is the file name suffix of archives in this format.
func (c Compression) Extension() string {
	switch c {
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// ParseCompression parses the configuration name of a compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown archive compression %q", name)
	}
}

// bucketTime recovers the hour bucket of a log file from its
// .../<yyyy>/<mm>/<dd>/<hh>/log.txt path.
func bucketTime(path string) (time.Time, bool) {
	parts := strings.Split(filepath.ToSlash(filepath.Dir(path)), "/")
	if len(parts) < 4 {
		return time.Time{}, false
	}
	var values [4]int
	for i, part := range parts[len(parts)-4:] {
		value, err := strconv.Atoi(part)
		if err != nil {
			return time.Time{}, false
		}
		values[i] = value
	}
	return time.Date(values[0], time.Month(values[1]), values[2], values[3], 0, 0, 0, time.UTC), true
}

// archiveDue returns the log files under root whose hour bucket ended at
// least after ago, excluding those in skip.
func archiveDue(root string, now time.Time, after time.Duration, skip map[string]*sink) ([]string, error) {
	var due []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || entry.Name() != logFileName {
			return nil
		}
		if _, open := skip[path]; open {
			return nil
		}
		bucket, ok := bucketTime(path)
		if !ok {
			return nil
		}
		if !now.Before(bucket.Add(time.Hour + after)) {
			due = append(due, path)
		}
		return nil
	})
	return due, err
}

// compressFile appends path, compressed, to path+extension and removes
// path. Appending keeps earlier archives valid: both formats allow
// concatenated frames.
func compressFile(path string, compression Compression) error {
	if compression == CompressionNone {
		return nil
	}
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	destinationPath := path + compression.Extension()
	destination, err := os.OpenFile(destinationPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}

	var encoder io.WriteCloser
	switch compression {
	case CompressionZstd:
		encoder, err = zstd.NewWriter(destination, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			destination.Close()
			return fmt.Errorf("zstd encoder: %w", err)
		}
	case CompressionLZ4:
		encoder = lz4.NewWriter(destination)
	default:
		destination.Close()
		return fmt.Errorf("unsupported compression %v", compression)
	}

	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		destination.Close()
		return fmt.Errorf("compressing %s: %w", path, err)
	}
	if err := encoder.Close(); err != nil {
		destination.Close()
		return fmt.Errorf("finishing %s: %w", destinationPath, err)
	}
	if err := destination.Sync(); err != nil {
		destination.Close()
		return err
	}
	if err := destination.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// OpenArchive returns a reader over the decompressed content of an
// archive written by compressFile.
func OpenArchive(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	switch {
	case strings.HasSuffix(path, CompressionZstd.Extension()):
		decoder, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, err
		}
		return &archiveReader{Reader: decoder, close: func() error {
			decoder.Close()
			return file.Close()
		}}, nil
	case strings.HasSuffix(path, CompressionLZ4.Extension()):
		return &archiveReader{Reader: lz4.NewReader(file), close: file.Close}, nil
	}
	return file, nil
}

type archiveReader struct {
	io.Reader
	close func() error
}

func (r *archiveReader) Close() error { return r.close() }
