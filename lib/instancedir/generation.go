// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package instancedir

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bureau-foundation/passenger/lib/statefile"
)

// File and socket names inside a generation.
const (
	MessageSocketName  = "socket"
	RequestSocketName  = "request.socket"
	LoggingSocketName  = "logging.socket"
	LogsDirName        = "logs"
	BackendsDirName    = "backends"
	webServerFile      = "web_server.txt"
	configFilesFile    = "config_files.txt"
	controlProcessFile = "control_process.pid"
)

// GenerationOptions controls ownership of a new generation's
// directories.
type GenerationOptions struct {
	// UserSwitching makes backends/ world writable (sticky) so workers
	// running as arbitrary users can create their sockets.
	UserSwitching bool

	// WorkerUID and WorkerGID own backends/ when UserSwitching is off.
	// Negative values leave ownership unchanged.
	WorkerUID int
	WorkerGID int
}

// Generation is one numbered generation directory.
type Generation struct {
	number int
	path   string
	owner  bool
}

func (g *Generation) prepare(options GenerationOptions) error {
	backends := g.BackendsDir()
	if err := os.Mkdir(backends, 0o700); err != nil {
		return fmt.Errorf("creating backends directory: %w", err)
	}
	if options.UserSwitching {
		if err := os.Chmod(backends, os.ModeSticky|0o777); err != nil {
			return fmt.Errorf("chmod backends directory: %w", err)
		}
	} else if options.WorkerUID >= 0 && options.WorkerUID != os.Geteuid() {
		if err := os.Chown(backends, options.WorkerUID, options.WorkerGID); err != nil {
			return fmt.Errorf("chown backends directory: %w", err)
		}
	}
	if err := os.Mkdir(g.LogsDir(), 0o700); err != nil {
		return fmt.Errorf("creating logs directory: %w", err)
	}
	return nil
}

// Number returns the generation number.
func (g *Generation) Number() int { return g.number }

// Path returns the generation directory.
func (g *Generation) Path() string { return g.path }

func (g *Generation) MessageSocketPath() string { return filepath.Join(g.path, MessageSocketName) }
func (g *Generation) RequestSocketPath() string { return filepath.Join(g.path, RequestSocketName) }
func (g *Generation) LoggingSocketPath() string { return filepath.Join(g.path, LoggingSocketName) }
func (g *Generation) LogsDir() string           { return filepath.Join(g.path, LogsDirName) }
func (g *Generation) BackendsDir() string       { return filepath.Join(g.path, BackendsDirName) }

// WebServerInfo identifies the web server that owns a generation.
type WebServerInfo struct {
	// Description is the web server's identifying string, e.g.
	// "Apache/2.2.16".
	Description string
	ConfigFile  string

	// ControlProcessPID is the web server's control process, written
	// after it has daemonized. Zero omits the file.
	ControlProcessPID int
}

// WriteWebServerInfo writes web_server.txt, config_files.txt and,
// when known, control_process.pid.
func (g *Generation) WriteWebServerInfo(info WebServerInfo) error {
	if err := statefile.WriteFile(filepath.Join(g.path, webServerFile), []byte(info.Description), 0o644); err != nil {
		return err
	}
	if err := statefile.WriteFile(filepath.Join(g.path, configFilesFile), []byte(info.ConfigFile), 0o644); err != nil {
		return err
	}
	if info.ControlProcessPID > 0 {
		pid := []byte(strconv.Itoa(info.ControlProcessPID))
		if err := statefile.WriteFile(filepath.Join(g.path, controlProcessFile), pid, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ReadWebServerInfo reads what WriteWebServerInfo wrote. Missing files
// leave their fields empty.
func (g *Generation) ReadWebServerInfo() (WebServerInfo, error) {
	var info WebServerInfo
	read := func(name string) (string, error) {
		data, err := os.ReadFile(filepath.Join(g.path, name))
		if os.IsNotExist(err) {
			return "", nil
		}
		return strings.TrimSpace(string(data)), err
	}
	var err error
	if info.Description, err = read(webServerFile); err != nil {
		return info, err
	}
	if info.ConfigFile, err = read(configFilesFile); err != nil {
		return info, err
	}
	pid, err := read(controlProcessFile)
	if err != nil {
		return info, err
	}
	if pid != "" {
		if info.ControlProcessPID, err = strconv.Atoi(pid); err != nil {
			return info, fmt.Errorf("parsing %s: %w", controlProcessFile, err)
		}
	}
	return info, nil
}

// IsOwner reports whether Close removes the generation.
func (g *Generation) IsOwner() bool { return g.owner }

// Detach turns the handle into a non-owning one.
func (g *Generation) Detach() { g.owner = false }

// Close removes the generation directory if this handle owns it.
func (g *Generation) Close() error {
	if !g.owner {
		return nil
	}
	if err := os.RemoveAll(g.path); err != nil {
		return fmt.Errorf("removing generation %d: %w", g.number, err)
	}
	return nil
}
