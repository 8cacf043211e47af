// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Passenger-helper-agent is the request-handling side car of a web
// server. The web server forwards each request to the agent's request
// socket as SCGI; the agent checks out an application worker from its
// pool, spawning one when needed, and relays the response. A second
// socket accepts authenticated control commands (passenger-status uses
// it).
//
// The agent is normally started by a watchdog that passes one end of a
// socket pair as --feedback-fd. Startup success or failure is reported
// on that descriptor, and the agent kills its process group when the
// watchdog closes its end.
//
// Configuration is read from --config or PASSENGER_AGENT_CONFIG; see
// lib/config. SIGINT and SIGTERM stop the agent immediately; the exit
// control command offers the graceful modes.
package main
