// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/passenger/lib/sealed"
	"github.com/bureau-foundation/passenger/lib/secret"
)

// sealedFile is the plaintext of an accounts file:
//
//	accounts:
//	  - username: ops
//	    password: correct-horse
//	    rights: inspect_basic_info,clear
type sealedFile struct {
	Accounts []struct {
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		Rights   string `yaml:"rights"`
	} `yaml:"accounts"`
}

// LoadSealedFile decrypts the age-sealed accounts file at path with the
// identity in identityPath and adds its accounts to d. It returns the
// number of accounts added.
func LoadSealedFile(d *Database, path, identityPath string) (int, error) {
	identity, err := secret.ReadFromPath(identityPath)
	if err != nil {
		return 0, fmt.Errorf("reading accounts identity: %w", err)
	}
	defer identity.Close()

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading accounts file: %w", err)
	}
	plaintext, err := sealed.Decrypt(ciphertext, identity)
	if err != nil {
		return 0, fmt.Errorf("opening accounts file %s: %w", path, err)
	}
	defer plaintext.Close()

	var file sealedFile
	if err := yaml.Unmarshal(plaintext.Bytes(), &file); err != nil {
		return 0, fmt.Errorf("parsing accounts file %s: %w", path, err)
	}

	added := 0
	for index, entry := range file.Accounts {
		rights, err := ParseRights(entry.Rights, None)
		if err != nil {
			return added, fmt.Errorf("accounts[%d] (%s): %w", index, entry.Username, err)
		}
		password := []byte(entry.Password)
		_, err = d.Add(entry.Username, password, rights)
		secret.Zero(password)
		if err != nil {
			return added, fmt.Errorf("accounts[%d]: %w", index, err)
		}
		added++
	}
	return added, nil
}
