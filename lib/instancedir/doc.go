// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package instancedir manages the on-disk rendezvous directory shared by
// a web server and its helper agent:
//
//	passenger.<major>.<minor>.<pid>/
//	  structure_version.txt
//	  generation-<N>/
//	    socket               control channel
//	    request.socket       request channel
//	    logging.socket       logging agent
//	    logs/                analytics dump directory
//	    backends/            worker sockets
//	    web_server.txt
//	    config_files.txt
//	    control_process.pid
//
// A web server restart creates a new generation so that old and new
// agents never share sockets. Removal on Close only happens for the
// owning handle.
package instancedir
