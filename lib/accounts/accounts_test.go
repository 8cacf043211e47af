// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/bureau-foundation/passenger/lib/sealed"
)

func TestParseRights(t *testing.T) {
	tests := []struct {
		input   string
		want    Rights
		wantErr bool
	}{
		{"", DefaultWorkerRights, false},
		{"none", None, false},
		{"all", All, false},
		{"exit", Exit, false},
		{"clear, inspect_basic_info", Clear | InspectBasicInfo, false},
		{"set_parameters,get_parameters,", SetParameters | GetParameters, false},
		{"fly", None, true},
	}
	for _, test := range tests {
		got, err := ParseRights(test.input, DefaultWorkerRights)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseRights(%q) error = %v", test.input, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseRights(%q) = %v, want %v", test.input, got, test.want)
		}
	}
}

func TestRightsString(t *testing.T) {
	if got := (Clear | Exit).String(); got != "clear,exit" {
		t.Errorf("String() = %q, want clear,exit", got)
	}
	if All.String() != "all" || None.String() != "none" {
		t.Errorf("All/None String() = %q/%q", All.String(), None.String())
	}
}

func TestAuthenticate(t *testing.T) {
	database := NewDatabase()
	if _, err := database.Add("_web_server", []byte("webpass"), Exit); err != nil {
		t.Fatalf("Add: %v", err)
	}

	account := database.Authenticate("_web_server", []byte("webpass"))
	if account == nil {
		t.Fatal("Authenticate with the right password returned nil")
	}
	if !account.HasRights(Exit) || account.HasRights(Clear) {
		t.Errorf("Rights = %v, want exit only", account.Rights)
	}
	if database.Authenticate("_web_server", []byte("wrong")) != nil {
		t.Error("Authenticate accepted a wrong password")
	}
	if database.Authenticate("nobody", []byte("webpass")) != nil {
		t.Error("Authenticate accepted an unknown user")
	}
}

func TestSaltsDiffer(t *testing.T) {
	database := NewDatabase()
	first, _ := database.Add("a", []byte("same"), None)
	second, _ := database.Add("b", []byte("same"), None)
	if first.hash == second.hash {
		t.Error("identical passwords produced identical hashes")
	}
}

func TestAddDuplicate(t *testing.T) {
	database := NewDatabase()
	database.Add("ops", []byte("x"), None)
	if _, err := database.Add("ops", []byte("y"), All); !errors.Is(err, ErrDuplicate) {
		t.Errorf("Add duplicate = %v, want ErrDuplicate", err)
	}
	if _, err := database.Add("", []byte("y"), All); err == nil {
		t.Error("Add with empty username succeeded")
	}
}

func TestUsernamesAndSize(t *testing.T) {
	database := NewDatabase()
	database.Add("zed", []byte("1"), None)
	database.Add("amy", []byte("2"), None)
	if database.Size() != 2 {
		t.Errorf("Size = %d, want 2", database.Size())
	}
	if got := database.Usernames(); !reflect.DeepEqual(got, []string{"amy", "zed"}) {
		t.Errorf("Usernames = %q", got)
	}
	if !database.Remove("amy") || database.Remove("amy") {
		t.Error("Remove did not report existence correctly")
	}
}

func TestCreateDefault(t *testing.T) {
	generation := t.TempDir()
	database, err := CreateDefault(generation, DefaultOptions{UserSwitching: true})
	if err != nil {
		t.Fatalf("CreateDefault: %v", err)
	}
	password, err := ReadStatusPassword(generation)
	if err != nil {
		t.Fatalf("ReadStatusPassword: %v", err)
	}
	account := database.Authenticate(StatusUsername, password)
	if account == nil {
		t.Fatal("status account does not accept the written password")
	}
	if !account.HasRights(InspectBasicInfo | InspectSensitiveInfo) {
		t.Errorf("status account rights = %v", account.Rights)
	}
	if account.HasRights(Exit) {
		t.Error("status account can exit the agent")
	}
	info, err := os.Stat(filepath.Join(generation, StatusPasswordFile))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("password file mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestLoadSealedFile(t *testing.T) {
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	directory := t.TempDir()
	identityPath := filepath.Join(directory, "identity")
	if err := os.WriteFile(identityPath, []byte(keypair.PrivateKey.String()+"\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	plaintext := []byte("accounts:\n" +
		"  - username: ops\n    password: s3cret\n    rights: inspect_basic_info,clear\n" +
		"  - username: deploy\n    password: hunter2\n    rights: exit\n")
	ciphertext, err := sealed.Encrypt(plaintext, []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	accountsPath := filepath.Join(directory, "accounts.age")
	if err := os.WriteFile(accountsPath, ciphertext, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	database := NewDatabase()
	added, err := LoadSealedFile(database, accountsPath, identityPath)
	if err != nil {
		t.Fatalf("LoadSealedFile: %v", err)
	}
	if added != 2 {
		t.Errorf("added = %d, want 2", added)
	}
	ops := database.Authenticate("ops", []byte("s3cret"))
	if ops == nil || !ops.HasRights(Clear|InspectBasicInfo) || ops.HasRights(Exit) {
		t.Errorf("ops account = %+v", ops)
	}
	if database.Authenticate("deploy", []byte("hunter2")) == nil {
		t.Error("deploy account not loaded")
	}
}
