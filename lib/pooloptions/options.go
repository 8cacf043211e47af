// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package pooloptions holds the per-request settings that tell the
// application pool which application to serve and how to spawn it.
//
// Options is a value type. The request server derives one from the SCGI
// headers of each request; the pool, the spawner and the message server
// read it. ToVector and FromVector convert it to and from the flat
// name/value list used on the wire and in worker environments.
package pooloptions

import (
	"errors"
	"slices"
	"sync"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/analytics"
)

// Defaults applied by New and by FromVector for missing keys.
const (
	DefaultAppType          = "rack"
	DefaultEnvironment      = "production"
	DefaultSpawnMethod      = "smart-lv2"
	DefaultBaseURI          = "/"
	DefaultMinProcesses     = 1
	DefaultSpawnerTimeout   = -1
	DefaultStartTimeoutSecs = 90
)

// EnvironmentProvider yields extra environment variables for a worker as
// an alternating name, value list.
type EnvironmentProvider interface {
	EnvironmentVariables() []string
}

// EnvironmentFunc adapts a function to EnvironmentProvider.
type EnvironmentFunc func() []string

func (f EnvironmentFunc) EnvironmentVariables() []string { return f() }

// StaticEnvironment is a fixed variable list.
type StaticEnvironment []string

func (s StaticEnvironment) EnvironmentVariables() []string { return s }

// Options configures one checkout.
type Options struct {
	// AppRoot is the application's root directory.
	AppRoot string
	// AppGroupName groups workers; empty means AppRoot.
	AppGroupName string
	AppType      string
	Environment  string
	SpawnMethod  string

	// User and Group override the account workers run as.
	User  string
	Group string

	// Spawner idle timeouts in seconds; -1 selects the spawner's default
	// and 0 disables the timeout.
	FrameworkSpawnerTimeout int64
	AppSpawnerTimeout       int64

	BaseURI string

	// MaxRequests retires a worker after that many checkouts; 0 is
	// unlimited.
	MaxRequests  uint64
	MinProcesses uint64

	UseGlobalQueue bool

	// StatThrottleRate limits restart.txt checks to once per that many
	// seconds.
	StatThrottleRate uint64
	RestartDir       string

	// StartTimeoutSecs bounds the time a new worker gets to come up.
	StartTimeoutSecs uint64

	Rights   accounts.Rights
	Debugger bool

	Analytics       bool
	UnionStationKey string

	// Transaction is the request's analytics transaction. It is borrowed
	// and never serialized.
	Transaction *analytics.Transaction

	environment *lazyEnvironment
}

type lazyEnvironment struct {
	once     sync.Once
	provider EnvironmentProvider
	values   []string
}

// New returns Options for appRoot with every other field at its default.
func New(appRoot string) Options {
	return Options{
		AppRoot:                 appRoot,
		AppType:                 DefaultAppType,
		Environment:             DefaultEnvironment,
		SpawnMethod:             DefaultSpawnMethod,
		FrameworkSpawnerTimeout: DefaultSpawnerTimeout,
		AppSpawnerTimeout:       DefaultSpawnerTimeout,
		BaseURI:                 DefaultBaseURI,
		MinProcesses:            DefaultMinProcesses,
		StartTimeoutSecs:        DefaultStartTimeoutSecs,
		Rights:                  accounts.DefaultWorkerRights,
	}
}

// WithEnvironment returns a copy that takes its environment variables
// from provider. The provider is called at most once, on first use.
func (o Options) WithEnvironment(provider EnvironmentProvider) Options {
	if provider == nil {
		o.environment = nil
		return o
	}
	o.environment = &lazyEnvironment{provider: provider}
	return o
}

// EnvironmentVariables returns the worker's extra environment as an
// alternating name, value list. A provider returning an odd-length list
// loses its trailing name.
func (o Options) EnvironmentVariables() []string {
	if o.environment == nil {
		return nil
	}
	o.environment.once.Do(func() {
		values := o.environment.provider.EnvironmentVariables()
		if len(values)%2 != 0 {
			values = values[:len(values)-1]
		}
		o.environment.values = values
	})
	return o.environment.values
}

// EffectiveGroupName is the key of the worker group serving these options.
func (o Options) EffectiveGroupName() string {
	if o.AppGroupName != "" {
		return o.AppGroupName
	}
	return o.AppRoot
}

// Own returns a copy safe to keep beyond the request: the transaction is
// cleared and the environment is materialized.
func (o Options) Own() Options {
	owned := o
	owned.Transaction = nil
	if o.environment != nil {
		owned = owned.WithEnvironment(StaticEnvironment(slices.Clone(o.EnvironmentVariables())))
	}
	return owned
}

// Validate checks the invariants the pool relies on.
func (o Options) Validate() error {
	var problems []error
	if o.AppRoot == "" {
		problems = append(problems, errors.New("application root is empty"))
	}
	if o.BaseURI == "" {
		problems = append(problems, errors.New("base URI is empty"))
	}
	return errors.Join(problems...)
}

// Equal compares every serialized field and the environment.
func (o Options) Equal(other Options) bool {
	return slices.Equal(o.ToVector(), other.ToVector())
}
