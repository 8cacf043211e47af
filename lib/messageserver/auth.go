// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messageserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/messagechannel"
	"github.com/bureau-foundation/passenger/lib/secret"
)

const (
	// LoginTimeout bounds the whole login exchange.
	LoginTimeout = 2 * time.Second

	MaxUsernameSize = 50
	MaxPasswordSize = 100
)

// Login replies sent to the client.
const (
	ReplyOK              = "ok"
	ReplyUsernameTooLong = "The supplied username is too long."
	ReplyPasswordTooLong = "The supplied password is too long."
	ReplyInvalidLogin    = "Invalid username or password."
)

// ErrAuthentication reports a failed login. The client has already been
// told why.
var ErrAuthentication = errors.New("messageserver: authentication failed")

// Authenticate runs the server side of the login exchange on channel
// and returns the authenticated account.
func Authenticate(channel *messagechannel.Channel, database *accounts.Database) (*accounts.Account, error) {
	channel = channel.WithTimeout(messagechannel.NewTimeout(LoginTimeout))

	username, err := channel.ReadScalar(MaxUsernameSize)
	if errors.Is(err, messagechannel.ErrSecurity) {
		channel.Write(ReplyUsernameTooLong)
		return nil, fmt.Errorf("%w: username too long", ErrAuthentication)
	}
	if err != nil {
		return nil, fmt.Errorf("reading username: %w", err)
	}

	password, err := channel.ReadScalar(MaxPasswordSize)
	if errors.Is(err, messagechannel.ErrSecurity) {
		channel.Write(ReplyPasswordTooLong)
		return nil, fmt.Errorf("%w: password too long", ErrAuthentication)
	}
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	defer secret.Zero(password)

	account := database.Authenticate(string(username), password)
	if account == nil {
		channel.Write(ReplyInvalidLogin)
		return nil, fmt.Errorf("%w: invalid credentials for %q", ErrAuthentication, username)
	}
	if err := channel.Write(ReplyOK); err != nil {
		return nil, err
	}
	return account, nil
}

// Login runs the client side of the login exchange.
func Login(channel *messagechannel.Channel, username string, password []byte) error {
	channel = channel.WithTimeout(messagechannel.NewTimeout(LoginTimeout))
	if err := channel.WriteScalar([]byte(username)); err != nil {
		return err
	}
	if err := channel.WriteScalar(password); err != nil {
		return err
	}
	reply, err := channel.Read()
	if err != nil {
		return fmt.Errorf("reading login reply: %w", err)
	}
	if len(reply) != 1 || reply[0] != ReplyOK {
		return fmt.Errorf("%w: %q", ErrAuthentication, reply)
	}
	return nil
}
