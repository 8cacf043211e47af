// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/bureau-foundation/passenger/lib/secret"
)

// RequestPassword returns the request socket password, or nil when none
// is configured.
func (w WebServerConfig) RequestPassword() (*secret.Buffer, error) {
	return readSecret(w.RequestSocketPassword, w.RequestSocketPasswordFile)
}

// MessagePassword returns the message socket password of the web server
// account, or nil when none is configured.
func (w WebServerConfig) MessagePassword() (*secret.Buffer, error) {
	return readSecret(w.MessageSocketPassword, w.MessageSocketPasswordFile)
}

// LoadPassword returns the logging agent password, or nil when none is
// configured. Inline analytics passwords are plain text.
func (a AnalyticsConfig) LoadPassword() (*secret.Buffer, error) {
	if a.Password != "" {
		return secret.NewFromBytes([]byte(a.Password))
	}
	if a.PasswordFile != "" {
		return secret.ReadFromPath(a.PasswordFile)
	}
	return nil, nil
}

func readSecret(encoded, path string) (*secret.Buffer, error) {
	switch {
	case encoded != "":
		return secret.DecodeBase64(encoded)
	case path != "":
		return secret.ReadFromPath(path)
	}
	return nil, nil
}
