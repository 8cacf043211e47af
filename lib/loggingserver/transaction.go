// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package loggingserver

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/passenger/lib/analytics"
)

const (
	logFileName = "log.txt"

	// storageVersion is the first path component under the dump
	// directory. It changes when the layout below it changes.
	storageVersion = "1"
)

var supportedCategories = map[string]bool{
	"requests":       true,
	"processes":      true,
	"exceptions":     true,
	"system_metrics": true,
}

// transaction buffers one transaction's lines until the last attached
// connection detaches.
type transaction struct {
	id           string
	groupName    string
	nodeName     string
	category     string
	key          string
	filters      string
	createdAt    time.Time
	crashProtect bool
	discarded    bool
	refcount     int
	writeCount   uint64
	data         bytes.Buffer
}

func (t *transaction) discard() {
	t.data.Reset()
	t.discarded = true
}

// appendEntry adds "<id> <timestamp> <writeCount> <text>\n".
func (t *transaction) appendEntry(timestamp, text string) {
	if t.discarded {
		return
	}
	t.data.WriteString(t.id)
	t.data.WriteByte(' ')
	t.data.WriteString(timestamp)
	t.data.WriteByte(' ')
	t.data.WriteString(analytics.EncodeBase32(t.writeCount))
	t.data.WriteByte(' ')
	t.data.WriteString(text)
	t.data.WriteByte('\n')
	t.writeCount++
}

// LogFilePath returns where a transaction of groupName, nodeName and
// category created at createdAt is stored under dir.
func LogFilePath(dir, groupName, nodeName, category string, createdAt time.Time) string {
	createdAt = createdAt.UTC()
	return filepath.Join(dir, storageVersion,
		md5Hex(groupName), md5Hex(nodeName), category,
		fmt.Sprintf("%04d", createdAt.Year()),
		fmt.Sprintf("%02d", int(createdAt.Month())),
		fmt.Sprintf("%02d", createdAt.Day()),
		fmt.Sprintf("%02d", createdAt.Hour()),
		logFileName)
}

func md5Hex(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// validLogContent rejects line breaks, which would split an entry.
func validLogContent(data []byte) bool {
	return bytes.IndexByte(data, '\n') < 0 && bytes.IndexByte(data, '\r') < 0
}
