// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package spawn

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/passenger/lib/accounts"
	"github.com/bureau-foundation/passenger/lib/apppool"
	"github.com/bureau-foundation/passenger/lib/clock"
	"github.com/bureau-foundation/passenger/lib/pooloptions"
)

const (
	DefaultStartTimeout    = 90 * time.Second
	DefaultStopGracePeriod = 5 * time.Second

	// maxStartupOutput bounds the output kept for error pages.
	maxStartupOutput = 64 * 1024

	pollInterval = 20 * time.Millisecond
)

// Config configures an ExecSpawner.
type Config struct {
	// Command is the worker command line. It runs in the application
	// root.
	Command []string

	// SocketDir holds the workers' sockets; usually the generation's
	// backends directory.
	SocketDir string

	// StartTimeout applies when the options carry no start timeout.
	StartTimeout time.Duration

	// StopGracePeriod is the time between SIGTERM and SIGKILL when a
	// worker is stopped.
	StopGracePeriod time.Duration

	// UserSwitching runs workers as the application's owner when the
	// agent runs as root. DefaultUser and DefaultGroup are used for
	// applications owned by root.
	UserSwitching bool
	DefaultUser   string
	DefaultGroup  string

	// Output receives worker output once the worker is up. Nil
	// discards it.
	Output io.Writer

	Clock  clock.Clock
	Logger *slog.Logger
}

// ExecSpawner starts workers by running Config.Command.
type ExecSpawner struct {
	config   Config
	sequence atomic.Uint64
}

// New returns a spawner for config.
func New(config Config) (*ExecSpawner, error) {
	if len(config.Command) == 0 {
		return nil, errors.New("spawn: command is required")
	}
	if config.SocketDir == "" {
		return nil, errors.New("spawn: socket directory is required")
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = DefaultStartTimeout
	}
	if config.StopGracePeriod <= 0 {
		config.StopGracePeriod = DefaultStopGracePeriod
	}
	if config.Output == nil {
		config.Output = io.Discard
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &ExecSpawner{config: config}, nil
}

// Spawn starts a worker for options and waits until it listens on its
// socket. A worker that exits or does not come up within the start
// timeout yields an *apppool.SpawnError carrying its output as the error
// page.
func (s *ExecSpawner) Spawn(ctx context.Context, options pooloptions.Options) (*apppool.Process, error) {
	socketPath := filepath.Join(s.config.SocketDir, fmt.Sprintf("w%d.sock", s.sequence.Add(1)))
	os.Remove(socketPath)

	gupid := uuid.NewString()
	password := rand.Text()

	cmd := exec.Command(s.config.Command[0], s.config.Command[1:]...)
	cmd.Dir = options.AppRoot
	cmd.Env = workerEnvironment(options, socketPath, gupid, password)
	// The worker gets its own process group so Stop reaches its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.config.UserSwitching && os.Geteuid() == 0 {
		credential, err := s.credential(options)
		if err != nil {
			return nil, &apppool.SpawnError{Message: "cannot determine the user to run the application as", Err: err}
		}
		cmd.SysProcAttr.Credential = credential
	}
	output := &startupOutput{after: s.config.Output}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, &apppool.SpawnError{Message: fmt.Sprintf("cannot start %s", s.config.Command[0]), Err: err}
	}
	exited := make(chan struct{})
	var waitErr error
	go func() {
		waitErr = cmd.Wait()
		close(exited)
	}()

	pid := cmd.Process.Pid
	logger := s.config.Logger.With("app_root", options.AppRoot, "pid", pid)
	stopper := &stopper{
		pid:         pid,
		socketPath:  socketPath,
		exited:      exited,
		gracePeriod: s.config.StopGracePeriod,
		clock:       s.config.Clock,
		logger:      logger,
	}

	timeout := s.config.StartTimeout
	if options.StartTimeoutSecs > 0 {
		timeout = time.Duration(options.StartTimeoutSecs) * time.Second
	}
	if err := s.awaitSocket(ctx, socketPath, exited, timeout); err != nil {
		stopper.Stop()
		if errors.Is(err, errExited) {
			err = fmt.Errorf("%w: %v", errExited, waitErr)
		}
		return nil, &apppool.SpawnError{
			Message:   err.Error(),
			ErrorPage: errorPage(output.captured()),
			Err:       err,
		}
	}
	output.ready()
	logger.Debug("worker started", "socket", socketPath, "gupid", gupid)

	return &apppool.Process{
		PID:             pid,
		GUPID:           gupid,
		ConnectPassword: password,
		DetachKey:       uuid.NewString(),
		Sockets: []apppool.SocketInfo{
			{Name: apppool.MainSocketName, Address: "unix:" + socketPath, Type: "unix"},
		},
		Stop: stopper.Stop,
	}, nil
}

var errExited = errors.New("the application exited during startup")

// awaitSocket polls socketPath until a connection succeeds.
func (s *ExecSpawner) awaitSocket(ctx context.Context, socketPath string, exited <-chan struct{}, timeout time.Duration) error {
	deadline := s.config.Clock.After(timeout)
	ticker := s.config.Clock.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("unix", socketPath, time.Second)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-exited:
			return errExited
		case <-deadline:
			return fmt.Errorf("the application did not start within %s", timeout)
		case <-ticker.C:
		}
	}
}

// credential picks the account a worker runs as: the configured user,
// else the owner of the application root, else the default user when
// the root is owned by root.
func (s *ExecSpawner) credential(options pooloptions.Options) (*syscall.Credential, error) {
	username, group := options.User, options.Group
	if username == "" {
		info, err := os.Stat(options.AppRoot)
		if err != nil {
			return nil, err
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if ok && stat.Uid != 0 {
			gid := stat.Gid
			if group != "" {
				entry, err := user.LookupGroup(group)
				if err != nil {
					return nil, err
				}
				parsed, err := strconv.ParseUint(entry.Gid, 10, 32)
				if err != nil {
					return nil, fmt.Errorf("group %q has a non-numeric id %q", group, entry.Gid)
				}
				gid = uint32(parsed)
			}
			return &syscall.Credential{Uid: stat.Uid, Gid: gid}, nil
		}
		username = s.config.DefaultUser
		if group == "" {
			group = s.config.DefaultGroup
		}
	}
	uid, gid, err := accounts.LookupIDs(username, group)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

func workerEnvironment(options pooloptions.Options, socketPath, gupid, password string) []string {
	env := os.Environ()
	env = append(env,
		"PASSENGER_SOCKET="+socketPath,
		"PASSENGER_CONNECT_PASSWORD="+password,
		"PASSENGER_GUPID="+gupid,
		"PASSENGER_APP_ROOT="+options.AppRoot,
		"PASSENGER_APP_TYPE="+options.AppType,
		"PASSENGER_BASE_URI="+options.BaseURI,
		"PASSENGER_SPAWN_METHOD="+options.SpawnMethod,
		"RAILS_ENV="+options.Environment,
		"RACK_ENV="+options.Environment,
	)
	if options.Debugger {
		env = append(env, "PASSENGER_DEBUGGER=true")
	}
	variables := options.EnvironmentVariables()
	for i := 0; i+1 < len(variables); i += 2 {
		if variables[i] == "" || strings.ContainsRune(variables[i], '=') {
			continue
		}
		env = append(env, variables[i]+"="+variables[i+1])
	}
	return env
}

// errorPage turns startup output into an HTML page. Output that already
// is HTML is used as is.
func errorPage(output []byte) string {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return ""
	}
	if strings.HasPrefix(text, "<") {
		return text
	}
	return "<html><head><title>Application could not be started</title></head><body>" +
		"<h1>Application could not be started</h1><pre>" + html.EscapeString(text) +
		"</pre></body></html>"
}

// startupOutput captures worker output until the worker is ready, then
// forwards it.
type startupOutput struct {
	mu      sync.Mutex
	buffer  bytes.Buffer
	started bool
	after   io.Writer
}

func (o *startupOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return o.after.Write(p)
	}
	if room := maxStartupOutput - o.buffer.Len(); room > 0 {
		o.buffer.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (o *startupOutput) captured() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.buffer.Bytes())
}

func (o *startupOutput) ready() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = true
	o.buffer.Reset()
}

// stopper terminates a worker's process group: SIGTERM, then SIGKILL
// after the grace period.
type stopper struct {
	pid         int
	socketPath  string
	exited      <-chan struct{}
	gracePeriod time.Duration
	clock       clock.Clock
	logger      *slog.Logger

	once sync.Once
	err  error
}

func (s *stopper) Stop() error {
	s.once.Do(func() {
		s.err = s.stop()
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("removing worker socket", "path", s.socketPath, "error", err)
		}
	})
	return s.err
}

func (s *stopper) stop() error {
	select {
	case <-s.exited:
		return nil
	default:
	}
	if err := unix.Kill(-s.pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("terminating worker %d: %w", s.pid, err)
	}
	select {
	case <-s.exited:
		return nil
	case <-s.clock.After(s.gracePeriod):
	}
	s.logger.Warn("worker ignored SIGTERM, killing it", "grace_period", s.gracePeriod)
	if err := unix.Kill(-s.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing worker %d: %w", s.pid, err)
	}
	<-s.exited
	return nil
}
