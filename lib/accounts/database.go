// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package accounts is the in-memory credential store consulted by the
// message server. Each account has a salted password hash and a Rights
// set; handlers check rights per command.
//
// Passwords are hashed with BLAKE3 in keyed mode, the key being a random
// per-account salt, and compared in constant time.
package accounts

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zeebo/blake3"
)

// ErrDuplicate is returned when adding an existing username.
var ErrDuplicate = errors.New("accounts: username already exists")

// Account is an authenticated principal.
type Account struct {
	Username string
	Rights   Rights

	salt [32]byte
	hash [32]byte
}

// HasRights reports whether the account holds want.
func (a *Account) HasRights(want Rights) bool {
	return a.Rights.Has(want)
}

func (a *Account) matches(password []byte) bool {
	digest := hashPassword(a.salt, password)
	return subtle.ConstantTimeCompare(digest[:], a.hash[:]) == 1
}

// Database maps usernames to accounts. It is safe for concurrent use.
type Database struct {
	mu       sync.RWMutex
	accounts map[string]*Account
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{accounts: make(map[string]*Account)}
}

// Add creates an account. The password bytes are hashed immediately; the
// caller keeps ownership of the slice.
func (d *Database) Add(username string, password []byte, rights Rights) (*Account, error) {
	if username == "" {
		return nil, errors.New("accounts: empty username")
	}
	account := &Account{Username: username, Rights: rights}
	if _, err := rand.Read(account.salt[:]); err != nil {
		return nil, fmt.Errorf("accounts: generating salt: %w", err)
	}
	account.hash = hashPassword(account.salt, password)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.accounts[username]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, username)
	}
	d.accounts[username] = account
	return account, nil
}

// Authenticate returns the account for username if password matches,
// nil otherwise. Unknown usernames cost the same hash as known ones.
func (d *Database) Authenticate(username string, password []byte) *Account {
	d.mu.RLock()
	account, ok := d.accounts[username]
	d.mu.RUnlock()

	if !ok {
		var decoy [32]byte
		hashPassword(decoy, password)
		return nil
	}
	if !account.matches(password) {
		return nil
	}
	return account
}

// Remove deletes username, reporting whether it existed.
func (d *Database) Remove(username string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.accounts[username]
	delete(d.accounts, username)
	return ok
}

// Usernames lists all usernames in sorted order.
func (d *Database) Usernames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.accounts))
	for name := range d.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Size returns the number of accounts.
func (d *Database) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.accounts)
}

func hashPassword(salt [32]byte, password []byte) [32]byte {
	hasher, err := blake3.NewKeyed(salt[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic("accounts: " + err.Error())
	}
	hasher.Write(password)
	var digest [32]byte
	copy(digest[:], hasher.Sum(nil))
	return digest
}
