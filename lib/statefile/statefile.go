// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package statefile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bureau-foundation/passenger/lib/codec"
)

// AgentState describes a running helper agent. It is written to the
// generation directory once the sockets are listening.
type AgentState struct {
	PID           int       `cbor:"pid"`
	Version       string    `cbor:"version"`
	RequestSocket string    `cbor:"request_socket"`
	MessageSocket string    `cbor:"message_socket"`
	LoggingSocket string    `cbor:"logging_socket,omitempty"`
	StartedAt     time.Time `cbor:"started_at"`
}

// AgentStateName is the file name of AgentState inside a generation.
const AgentStateName = "helper_agent.state"

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	directory := filepath.Dir(path)
	file, err := os.CreateTemp(directory, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	fail := func(step string, err error) error {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%s %s: %w", step, path, err)
	}
	if _, err := file.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := file.Chmod(perm); err != nil {
		return fail("chmod", err)
	}
	if err := file.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// WriteAgentState writes state into the generation directory.
func WriteAgentState(generationPath string, state AgentState) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding agent state: %w", err)
	}
	return WriteFile(filepath.Join(generationPath, AgentStateName), data, 0o644)
}

// ReadAgentState reads the state written by WriteAgentState. A missing
// file wraps os.ErrNotExist.
func ReadAgentState(generationPath string) (AgentState, error) {
	path := filepath.Join(generationPath, AgentStateName)
	data, err := os.ReadFile(path)
	if err != nil {
		return AgentState{}, err
	}
	var state AgentState
	if err := codec.Unmarshal(data, &state); err != nil {
		return AgentState{}, fmt.Errorf("parsing %s: %w", path, err)
	}
	return state, nil
}

// Clear removes path, ignoring a missing file.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}
