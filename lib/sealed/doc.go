// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts and decrypts the agent's sealed accounts file
// with age (filippo.io/age).
//
// Operators keep extra message server accounts in an ASCII-armored age
// file encrypted to the host's x25519 key. The agent decrypts it at
// startup with the identity named in the configuration; plaintext and
// identities are held in secret.Buffer values.
package sealed
