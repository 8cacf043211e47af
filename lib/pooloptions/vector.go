// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package pooloptions

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/bureau-foundation/passenger/lib/accounts"
)

// ToVector serializes o as alternating keys and values in a fixed order.
// The analytics keys are adjacent so consumers can read them as a unit.
func (o Options) ToVector() []string {
	vector := make([]string, 0, 44)
	add := func(key, value string) { vector = append(vector, key, value) }

	add("app_root", o.AppRoot)
	add("app_group_name", o.AppGroupName)
	add("app_type", o.AppType)
	add("environment", o.Environment)
	add("spawn_method", o.SpawnMethod)
	add("user", o.User)
	add("group", o.Group)
	add("framework_spawner_timeout", strconv.FormatInt(o.FrameworkSpawnerTimeout, 10))
	add("app_spawner_timeout", strconv.FormatInt(o.AppSpawnerTimeout, 10))
	add("base_uri", o.BaseURI)
	add("max_requests", strconv.FormatUint(o.MaxRequests, 10))
	add("min_processes", strconv.FormatUint(o.MinProcesses, 10))
	add("use_global_queue", strconv.FormatBool(o.UseGlobalQueue))
	add("stat_throttle_rate", strconv.FormatUint(o.StatThrottleRate, 10))
	add("restart_dir", o.RestartDir)
	add("start_timeout", strconv.FormatUint(o.StartTimeoutSecs, 10))
	add("rights", strconv.FormatUint(uint64(o.Rights), 10))
	add("debugger", strconv.FormatBool(o.Debugger))
	add("analytics", strconv.FormatBool(o.Analytics))
	add("union_station_key", o.UnionStationKey)
	if env := o.EnvironmentVariables(); len(env) > 0 {
		add("environment_variables", encodeEnvironment(env))
	}
	return vector
}

// FromVector parses a list produced by ToVector. Unknown keys are
// ignored and missing keys keep their defaults.
func FromVector(vector []string) (Options, error) {
	if len(vector)%2 != 0 {
		return Options{}, fmt.Errorf("options vector has odd length %d", len(vector))
	}
	options := New("")
	for i := 0; i < len(vector); i += 2 {
		if err := options.set(vector[i], vector[i+1]); err != nil {
			return Options{}, fmt.Errorf("option %s: %w", vector[i], err)
		}
	}
	return options, nil
}

func (o *Options) set(key, value string) error {
	var err error
	switch key {
	case "app_root":
		o.AppRoot = value
	case "app_group_name":
		o.AppGroupName = value
	case "app_type":
		o.AppType = value
	case "environment":
		o.Environment = value
	case "spawn_method":
		o.SpawnMethod = value
	case "user":
		o.User = value
	case "group":
		o.Group = value
	case "framework_spawner_timeout":
		o.FrameworkSpawnerTimeout, err = strconv.ParseInt(value, 10, 64)
	case "app_spawner_timeout":
		o.AppSpawnerTimeout, err = strconv.ParseInt(value, 10, 64)
	case "base_uri":
		o.BaseURI = value
	case "max_requests":
		o.MaxRequests, err = strconv.ParseUint(value, 10, 64)
	case "min_processes":
		o.MinProcesses, err = strconv.ParseUint(value, 10, 64)
	case "use_global_queue":
		o.UseGlobalQueue = value == "true"
	case "stat_throttle_rate":
		o.StatThrottleRate, err = strconv.ParseUint(value, 10, 64)
	case "restart_dir":
		o.RestartDir = value
	case "start_timeout":
		o.StartTimeoutSecs, err = strconv.ParseUint(value, 10, 64)
	case "rights":
		var rights uint64
		rights, err = strconv.ParseUint(value, 10, 32)
		o.Rights = accounts.Rights(rights)
	case "debugger":
		o.Debugger = value == "true"
	case "analytics":
		o.Analytics = value == "true"
	case "union_station_key":
		o.UnionStationKey = value
	case "environment_variables":
		var env []string
		env, err = decodeEnvironment(value)
		*o = o.WithEnvironment(StaticEnvironment(env))
	}
	return err
}

// The environment travels as base64 of NUL-terminated names and values.
func encodeEnvironment(env []string) string {
	var builder strings.Builder
	for _, field := range env {
		builder.WriteString(field)
		builder.WriteByte(0)
	}
	return base64.StdEncoding.EncodeToString([]byte(builder.String()))
}

func decodeEnvironment(encoded string) ([]string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	fields := strings.Split(strings.TrimSuffix(string(raw), "\x00"), "\x00")
	if len(fields)%2 != 0 {
		return nil, fmt.Errorf("environment has odd field count %d", len(fields))
	}
	return fields, nil
}
