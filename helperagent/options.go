// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package helperagent

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
	"github.com/bureau-foundation/passenger/lib/scgi"
)

// optionsFromHeaders derives the pool options of a request. The
// application root is PASSENGER_APP_ROOT when sent, else the parent of
// DOCUMENT_ROOT, resolved through symlinks when the application is
// mounted under a SCRIPT_NAME. Every header becomes an environment
// variable of the worker.
func optionsFromHeaders(headers *scgi.Headers) (pooloptions.Options, error) {
	documentRoot := headers.Get("DOCUMENT_ROOT")
	if documentRoot == "" {
		return pooloptions.Options{}, errors.New("DOCUMENT_ROOT header is missing")
	}
	scriptName := headers.Get("SCRIPT_NAME")

	appRoot := headers.Get("PASSENGER_APP_ROOT")
	if appRoot == "" {
		root := documentRoot
		if scriptName != "" {
			resolved, err := filepath.EvalSymlinks(documentRoot)
			if err != nil {
				return pooloptions.Options{}, fmt.Errorf("resolving document root: %w", err)
			}
			root = resolved
		}
		appRoot = filepath.Dir(filepath.Clean(root))
	}

	options := pooloptions.New(appRoot)
	if scriptName != "" {
		options.BaseURI = scriptName
	}
	options.AppGroupName = headers.Get("PASSENGER_APP_GROUP_NAME")
	setString(&options.AppType, headers, "PASSENGER_APP_TYPE")
	setString(&options.Environment, headers, "PASSENGER_ENVIRONMENT")
	setString(&options.SpawnMethod, headers, "PASSENGER_SPAWN_METHOD")
	options.User = headers.Get("PASSENGER_USER")
	options.Group = headers.Get("PASSENGER_GROUP")
	options.RestartDir = headers.Get("PASSENGER_RESTART_DIR")
	options.UseGlobalQueue = headers.Get("PASSENGER_USE_GLOBAL_QUEUE") == "true"
	options.Debugger = headers.Get("PASSENGER_DEBUGGER") == "true"
	options.Analytics = headers.Get("PASSENGER_ANALYTICS") == "true"
	options.UnionStationKey = headers.Get("PASSENGER_UNION_STATION_KEY")

	var problems []error
	rights, err := accounts.ParseRights(headers.Get("PASSENGER_APP_RIGHTS"), accounts.DefaultWorkerRights)
	if err != nil {
		problems = append(problems, err)
	}
	options.Rights = rights
	problems = append(problems,
		setUint(&options.MinProcesses, headers, "PASSENGER_MIN_INSTANCES"),
		setUint(&options.MaxRequests, headers, "PASSENGER_MAX_REQUESTS"),
		setUint(&options.StatThrottleRate, headers, "PASSENGER_STAT_THROTTLE_RATE"),
		setUint(&options.StartTimeoutSecs, headers, "PASSENGER_START_TIMEOUT"),
		setInt(&options.FrameworkSpawnerTimeout, headers, "PASSENGER_FRAMEWORK_SPAWNER_IDLE_TIME"),
		setInt(&options.AppSpawnerTimeout, headers, "PASSENGER_APP_SPAWNER_IDLE_TIME"),
	)
	if err := errors.Join(problems...); err != nil {
		return pooloptions.Options{}, err
	}

	return options.WithEnvironment(pooloptions.EnvironmentFunc(headers.Pairs)), nil
}

func setString(field *string, headers *scgi.Headers, name string) {
	if value := headers.Get(name); value != "" {
		*field = value
	}
}

func setUint(field *uint64, headers *scgi.Headers, name string) error {
	value := headers.Get(name)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return fmt.Errorf("header %s: invalid number %q", name, value)
	}
	*field = parsed
	return nil
}

func setInt(field *int64, headers *scgi.Headers, name string) error {
	value := headers.Get(name)
	if value == "" {
		return nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fmt.Errorf("header %s: invalid number %q", name, value)
	}
	*field = parsed
	return nil
}
