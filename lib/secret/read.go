// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
)

// ReadFromPath reads a secret from path, or one line from stdin when path
// is "-". Surrounding whitespace is trimmed; an empty result is an error.
func ReadFromPath(path string) (*Buffer, error) {
	var data []byte
	if path == "-" {
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading stdin: %w", err)
			}
			return nil, errors.New("stdin is empty")
		}
		data = bytes.Clone(scanner.Bytes())
	} else {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	defer Zero(data)

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("secret in %s is empty", path)
	}
	return NewFromBytes(trimmed)
}

// DecodeBase64 decodes a standard base64 secret, as written in the agent
// configuration, into a Buffer.
func DecodeBase64(encoded string) (*Buffer, error) {
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding base64 secret: %w", err)
	}
	return NewFromBytes(decoded)
}
