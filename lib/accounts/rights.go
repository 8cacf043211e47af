// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package accounts

import (
	"fmt"
	"strings"
)

// Rights is a set of capabilities held by an account.
type Rights uint32

const (
	Clear Rights = 1 << iota
	Detach
	GetParameters
	SetParameters
	InspectBasicInfo
	InspectSensitiveInfo

	Exit Rights = 1 << 31

	None Rights = 0
	All  Rights = ^Rights(0)
)

// DefaultWorkerRights is granted to worker accounts when the request
// does not send PASSENGER_APP_RIGHTS.
const DefaultWorkerRights = Detach

var rightNames = []struct {
	name  string
	right Rights
}{
	{"clear", Clear},
	{"detach", Detach},
	{"get_parameters", GetParameters},
	{"set_parameters", SetParameters},
	{"inspect_basic_info", InspectBasicInfo},
	{"inspect_sensitive_info", InspectSensitiveInfo},
	{"exit", Exit},
}

// Has reports whether r includes every bit of want.
func (r Rights) Has(want Rights) bool { return r&want == want }

func (r Rights) String() string {
	switch r {
	case None:
		return "none"
	case All:
		return "all"
	}
	var names []string
	for _, entry := range rightNames {
		if r.Has(entry.right) {
			names = append(names, entry.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseRights parses a comma-separated rights list such as
// "inspect_basic_info,exit", or "all" / "none". An empty string yields
// fallback.
func ParseRights(text string, fallback Rights) (Rights, error) {
	if strings.TrimSpace(text) == "" {
		return fallback, nil
	}
	var rights Rights
	for _, field := range strings.Split(text, ",") {
		name := strings.TrimSpace(field)
		switch name {
		case "":
			continue
		case "all":
			rights = All
			continue
		case "none":
			continue
		}
		found := false
		for _, entry := range rightNames {
			if entry.name == name {
				rights |= entry.right
				found = true
				break
			}
		}
		if !found {
			return None, fmt.Errorf("unknown right %q", name)
		}
	}
	return rights, nil
}
