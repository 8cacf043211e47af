// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package spawn starts application workers as child processes.
//
// An [ExecSpawner] runs the configured spawn command in the application
// root, in its own process group, and waits until the worker accepts
// connections on the Unix socket named by PASSENGER_SOCKET. Output the
// worker writes before it is ready becomes the error page of the
// [apppool.SpawnError] returned when startup fails. Worker environment:
//
//	PASSENGER_SOCKET            socket the worker must listen on
//	PASSENGER_CONNECT_PASSWORD  password expected in every request
//	PASSENGER_GUPID             globally unique process id
//	PASSENGER_APP_ROOT          application root
//	PASSENGER_APP_TYPE          rack, wsgi, ...
//	PASSENGER_BASE_URI          URI prefix the application is mounted at
//	RAILS_ENV, RACK_ENV         the application environment
//
// followed by the request's own environment variables.
package spawn
