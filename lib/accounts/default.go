// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"github.com/bureau-foundation/passenger/lib/statefile"
)

// StatusUsername is the account passenger-status logs in with.
const StatusUsername = "_passenger-status"

// StatusPasswordFile is the file in the generation directory holding the
// status account's password.
const StatusPasswordFile = "passenger-status-password.txt"

// DefaultOptions controls CreateDefault.
type DefaultOptions struct {
	// UserSwitching is true when workers run as their application's
	// owner. When false and the agent runs as root, the password file is
	// handed to DefaultUser so unprivileged tooling can read it.
	UserSwitching bool
	DefaultUser   string
	DefaultGroup  string
}

// CreateDefault builds the database for a generation: it creates the
// status account with a fresh random password and writes that password
// to the generation directory.
func CreateDefault(generationPath string, options DefaultOptions) (*Database, error) {
	database := NewDatabase()

	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("generating status password: %w", err)
	}
	password := []byte(hex.EncodeToString(raw[:]))

	if _, err := database.Add(StatusUsername, password, InspectBasicInfo|InspectSensitiveInfo); err != nil {
		return nil, err
	}

	path := filepath.Join(generationPath, StatusPasswordFile)
	if err := statefile.WriteFile(path, password, 0o600); err != nil {
		return nil, err
	}
	if os.Geteuid() == 0 && !options.UserSwitching && options.DefaultUser != "" {
		uid, gid, err := LookupIDs(options.DefaultUser, options.DefaultGroup)
		if err != nil {
			return nil, err
		}
		if err := os.Chown(path, uid, gid); err != nil {
			return nil, fmt.Errorf("chown %s: %w", path, err)
		}
	}
	return database, nil
}

// ReadStatusPassword reads the status password of a generation.
func ReadStatusPassword(generationPath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(generationPath, StatusPasswordFile))
}

// LookupIDs resolves a user and group name. An empty group selects the
// user's primary group.
func LookupIDs(username, groupname string) (uid, gid int, err error) {
	account, err := user.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("looking up user %q: %w", username, err)
	}
	uid, _ = strconv.Atoi(account.Uid)
	gid, _ = strconv.Atoi(account.Gid)
	if groupname != "" {
		group, err := user.LookupGroup(groupname)
		if err != nil {
			return 0, 0, fmt.Errorf("looking up group %q: %w", groupname, err)
		}
		gid, _ = strconv.Atoi(group.Gid)
	}
	return uid, gid, nil
}
