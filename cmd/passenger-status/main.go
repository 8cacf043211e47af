// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/codec"
	"github.com/bureau-foundation/passenger/lib/instancedir"
	"github.com/bureau-foundation/passenger/lib/messageserver"
	"github.com/bureau-foundation/passenger/lib/secret"
	"github.com/bureau-foundation/passenger/lib/statefile"
	"github.com/bureau-foundation/passenger/lib/version"
)

const (
	connectTimeout = 5 * time.Second
	maxReplySize   = 64 << 20
)

// errNoInstance reports that no helper agent instance could be found.
var errNoInstance = errors.New("no Phusion Passenger instance is running")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	tempDir      string
	show         string
	username     string
	passwordFile string
	askPassword  bool
	pid          int
}

func run(args []string, stdout io.Writer) error {
	var opts options
	var showVersion bool
	flagSet := pflag.NewFlagSet("passenger-status", pflag.ContinueOnError)
	flagSet.StringVar(&opts.tempDir, "temp-dir", defaultTempDir(), "directory holding the instance directories")
	flagSet.StringVar(&opts.show, "show", "pool", "report to print: pool, inspect, xml or backtraces")
	flagSet.StringVar(&opts.username, "user", accounts.StatusUsername, "control account to log in with")
	flagSet.StringVar(&opts.passwordFile, "password-file", "", "read the password from this file, or - for stdin")
	flagSet.BoolVar(&opts.askPassword, "ask-password", false, "prompt for the password on the terminal")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Fprintf(stdout, "passenger-status %s\n", version.Info())
		return nil
	}
	switch rest := flagSet.Args(); len(rest) {
	case 0:
	case 1:
		pid, err := strconv.Atoi(rest[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid web server PID %q", rest[0])
		}
		opts.pid = pid
	default:
		return fmt.Errorf("unexpected argument: %s", rest[1])
	}

	command, err := commandFor(opts.show)
	if err != nil {
		return err
	}

	generation, err := findGeneration(opts.tempDir, opts.pid)
	if err != nil {
		return err
	}
	password, err := loginPassword(opts, generation.Path())
	if err != nil {
		return err
	}
	defer password.Close()

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	conn, err := messageserver.Connect(ctx, messageSocket(generation), opts.username, password.Bytes())
	if err != nil {
		return fmt.Errorf("connecting to the helper agent: %w", err)
	}
	defer conn.Close()

	if err := conn.Command(command...); err != nil {
		if errors.Is(err, messageserver.ErrInsufficientRights) {
			return fmt.Errorf("account %q may not run %s", opts.username, command[0])
		}
		return err
	}
	reply, err := conn.ReadScalar(maxReplySize)
	if err != nil {
		return fmt.Errorf("reading %s reply: %w", command[0], err)
	}

	if opts.show != "pool" {
		_, err := stdout.Write(reply)
		return err
	}
	var snapshot apppool.Snapshot
	if err := codec.Unmarshal(reply, &snapshot); err != nil {
		return fmt.Errorf("decoding pool status: %w", err)
	}
	_, err = io.WriteString(stdout, renderSnapshot(snapshot, time.Now()))
	return err
}

func commandFor(show string) ([]string, error) {
	switch show {
	case "pool":
		return []string{"status"}, nil
	case "inspect":
		return []string{"inspect"}, nil
	case "xml":
		return []string{"toXml", "true"}, nil
	case "backtraces":
		return []string{"backtraces"}, nil
	}
	return nil, fmt.Errorf("unknown report %q (want pool, inspect, xml or backtraces)", show)
}

func defaultTempDir() string {
	if dir := os.Getenv("PASSENGER_TEMP_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// findGeneration locates the newest generation of the instance for pid,
// or of the only instance under tempDir when pid is zero.
func findGeneration(tempDir string, pid int) (*instancedir.Generation, error) {
	var path string
	if pid > 0 {
		path = filepath.Join(tempDir, instancedir.Name(pid))
	} else {
		matches, err := filepath.Glob(filepath.Join(tempDir, "passenger.*"))
		if err != nil {
			return nil, err
		}
		var instances []string
		for _, match := range matches {
			if _, err := instancedir.Open(match); err == nil {
				instances = append(instances, match)
			}
		}
		switch len(instances) {
		case 0:
			return nil, errNoInstance
		case 1:
			path = instances[0]
		default:
			var names strings.Builder
			for _, instance := range instances {
				fmt.Fprintf(&names, "\n  %s", filepath.Base(instance))
			}
			return nil, fmt.Errorf("several Phusion Passenger instances are running; pass the web server PID:%s", names.String())
		}
	}

	dir, err := instancedir.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", errNoInstance, path)
		}
		return nil, err
	}
	return dir.NewestGeneration()
}

// messageSocket prefers the socket recorded by the running agent.
func messageSocket(generation *instancedir.Generation) string {
	if state, err := statefile.ReadAgentState(generation.Path()); err == nil && state.MessageSocket != "" {
		return state.MessageSocket
	}
	return generation.MessageSocketPath()
}

func loginPassword(opts options, generationPath string) (*secret.Buffer, error) {
	switch {
	case opts.passwordFile != "":
		return secret.ReadFromPath(opts.passwordFile)
	case opts.askPassword:
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, errors.New("no terminal available for the password prompt (use --password-file)")
		}
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading password: %w", err)
		}
		buffer, err := secret.NewFromBytes(password)
		if err != nil {
			secret.Zero(password)
			return nil, err
		}
		return buffer, nil
	case opts.username == accounts.StatusUsername:
		password, err := accounts.ReadStatusPassword(generationPath)
		if err != nil {
			return nil, fmt.Errorf("reading the status password (run as the web server's user or root): %w", err)
		}
		return secret.NewFromBytes(password)
	}
	return nil, fmt.Errorf("account %q needs --password-file or --ask-password", opts.username)
}
