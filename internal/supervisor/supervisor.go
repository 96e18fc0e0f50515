package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/iambrandonn/evalgen/internal/linechan"
	"github.com/iambrandonn/evalgen/internal/protocol"
)

var (
	// ErrStartFailed means the engine could not be spawned. Fatal for the run.
	ErrStartFailed = errors.New("engine failed to start")
	// ErrEngineRestarted means a command was not delivered because the write
	// failed and the engine was restarted. The caller decides what to resend.
	ErrEngineRestarted = errors.New("engine restarted")
	// ErrStopped is returned once the supervisor has been stopped.
	ErrStopped = errors.New("engine supervisor stopped")
	// ErrNotRunning is returned when no engine process is attached.
	ErrNotRunning = errors.New("engine not running")
)

// State is the supervisor lifecycle state
type State string

const (
	StateNotStarted State = "not_started"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateDegraded   State = "degraded"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Observer sees every line crossing the process boundary
type Observer interface {
	CommandSent(line string)
	LineReceived(line string)
}

// Options configures the supervised engine
type Options struct {
	// Cmd is the executable followed by its arguments.
	Cmd []string
	Env map[string]string

	// InitCommands are sent once after every spawn, after the handshake read.
	InitCommands []protocol.Command

	HandshakeTimeout time.Duration
	TerminateTimeout time.Duration
}

// EngineSupervisor owns exactly one engine process at a time and replaces
// it when it fails.
type EngineSupervisor struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	process  *exec.Cmd
	channel  *linechan.Channel
	exited   chan struct{} // closed by waitForExit
	state    State
	restarts int
	observer Observer
	onState  func(State)

	// writeMu keeps a shutdown quit from interleaving with a loop command.
	writeMu sync.Mutex
}

// New creates a supervisor; nothing is spawned until Start
func New(opts Options, logger *slog.Logger) *EngineSupervisor {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.TerminateTimeout <= 0 {
		opts.TerminateTimeout = 5 * time.Second
	}
	return &EngineSupervisor{
		opts:   opts,
		logger: logger,
		state:  StateNotStarted,
	}
}

// SetObserver registers a hook for outbound and inbound lines
func (s *EngineSupervisor) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
}

// SetStateHandler registers a callback invoked on every state transition.
// The callback runs with the supervisor lock held and must not call back
// into the supervisor.
func (s *EngineSupervisor) SetStateHandler(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onState = fn
}

// Start spawns the engine, performs the handshake read and sends the
// init commands.
func (s *EngineSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.aliveLocked() {
		s.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	if len(s.opts.Cmd) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: no engine command configured", ErrStartFailed)
	}
	s.setStateLocked(StateStarting)
	s.mu.Unlock()

	s.logger.Info("starting engine", "cmd", s.opts.Cmd)

	proc := exec.CommandContext(ctx, s.opts.Cmd[0], s.opts.Cmd[1:]...)

	// Own process group: a terminal Ctrl-C reaches evalgen only, which
	// then stops the engine with quit.
	proc.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	proc.Env = os.Environ()
	for k, v := range s.opts.Env {
		proc.Env = append(proc.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := proc.StdinPipe()
	if err != nil {
		return fmt.Errorf("%w: failed to create stdin pipe: %w", ErrStartFailed, err)
	}

	// stdout and stderr share one pipe so error text arrives in order
	// with the rest of the engine output.
	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("%w: failed to create output pipe: %w", ErrStartFailed, err)
	}
	proc.Stdout = outW
	proc.Stderr = outW

	if err := proc.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return fmt.Errorf("%w: %s: %w", ErrStartFailed, s.opts.Cmd[0], err)
	}
	outW.Close()

	channel := linechan.New(stdin, outR, s.logger)
	exited := make(chan struct{})

	s.mu.Lock()
	s.process = proc
	s.channel = channel
	s.exited = exited
	s.mu.Unlock()

	go s.waitForExit(proc, exited)

	s.logger.Info("engine spawned", "pid", proc.Process.Pid)

	if line, ok := s.ReadLine(s.opts.HandshakeTimeout); ok {
		s.logger.Debug("engine handshake", "line", line)
	} else {
		s.logger.Warn("engine produced no handshake line", "timeout", s.opts.HandshakeTimeout)
	}

	for _, cmd := range s.opts.InitCommands {
		if err := s.write(cmd); err != nil {
			s.abandon(proc, exited, channel)
			return fmt.Errorf("%w: failed to initialize engine: %w", ErrStartFailed, err)
		}
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		s.abandon(proc, exited, channel)
		return ErrStopped
	}
	defer s.mu.Unlock()
	s.setStateLocked(StateReady)
	s.logger.Info("engine started", "pid", proc.Process.Pid)

	return nil
}

// Send writes one command. On a write failure the engine is restarted and
// ErrEngineRestarted is returned; the command is not resent.
func (s *EngineSupervisor) Send(ctx context.Context, cmd protocol.Command) error {
	err := s.write(cmd)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStopped) {
		return err
	}

	s.logger.Warn("failed to send command", "command", cmd.String(), "error", err)

	s.mu.Lock()
	if s.state != StateStopped {
		s.setStateLocked(StateDegraded)
	}
	s.mu.Unlock()

	if err := s.Restart(ctx); err != nil {
		return err
	}

	return fmt.Errorf("%w: %q was not delivered", ErrEngineRestarted, cmd.String())
}

// ReadLine reads one line from the engine, see linechan.Channel.ReadLine
func (s *EngineSupervisor) ReadLine(timeout time.Duration) (string, bool) {
	s.mu.Lock()
	channel := s.channel
	observer := s.observer
	s.mu.Unlock()

	if channel == nil {
		return "", false
	}

	line, ok := channel.ReadLine(timeout)
	if ok && observer != nil {
		observer.LineReceived(line)
	}
	return line, ok
}

// IsAlive reports whether the engine process has not exited
func (s *EngineSupervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

// Restart terminates the current engine (if any) and starts a new one.
// A process that already died is simply replaced.
func (s *EngineSupervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.restarts++
	s.setStateLocked(StateRestarting)
	proc := s.process
	exited := s.exited
	channel := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.logger.Warn("restarting engine")

	s.terminate(proc, exited, s.opts.TerminateTimeout)
	if channel != nil {
		channel.Close()
	}

	if err := s.Start(ctx); err != nil {
		return err
	}

	s.logger.Info("engine restored")
	return nil
}

// Quit sends "quit" and waits for the engine to exit. A zero timeout
// waits until the process exits or ctx is done; otherwise the process is
// killed once the timeout passes. The supervisor is stopped afterwards.
func (s *EngineSupervisor) Quit(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	proc := s.process
	exited := s.exited
	channel := s.channel
	observer := s.observer
	s.setStateLocked(StateStopped)
	s.mu.Unlock()

	if proc == nil {
		return nil
	}

	if channel != nil {
		s.writeMu.Lock()
		err := channel.Write(protocol.Quit().String())
		s.writeMu.Unlock()
		if err != nil {
			s.logger.Debug("quit not delivered", "error", err)
		} else if observer != nil {
			observer.CommandSent(protocol.Quit().String())
		}
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-exited:
	case <-deadline:
		s.logger.Warn("engine did not quit in time, killing", "timeout", timeout)
		s.kill(proc, exited)
	case <-ctx.Done():
		s.logger.Warn("engine quit interrupted, killing", "error", ctx.Err())
		s.kill(proc, exited)
	}

	if channel != nil {
		channel.Close()
	}

	s.logger.Info("engine stopped")
	return nil
}

// Stop quits the engine with the terminate timeout. Safe to call more than once.
func (s *EngineSupervisor) Stop(ctx context.Context) error {
	return s.Quit(ctx, s.opts.TerminateTimeout)
}

// State returns the current lifecycle state
func (s *EngineSupervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Restarts returns how many times the engine has been restarted
func (s *EngineSupervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// PID returns the pid of the current engine process, or 0
func (s *EngineSupervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil || s.process.Process == nil {
		return 0
	}
	return s.process.Process.Pid
}

func (s *EngineSupervisor) write(cmd protocol.Command) error {
	s.mu.Lock()
	channel := s.channel
	state := s.state
	observer := s.observer
	s.mu.Unlock()

	if state == StateStopped {
		return ErrStopped
	}
	if channel == nil {
		return ErrNotRunning
	}

	s.writeMu.Lock()
	err := channel.Write(cmd.String())
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	if observer != nil {
		observer.CommandSent(cmd.String())
	}
	return nil
}

// terminate asks the process to exit with SIGTERM and kills it after timeout
func (s *EngineSupervisor) terminate(proc *exec.Cmd, exited chan struct{}, timeout time.Duration) {
	if proc == nil || proc.Process == nil || exited == nil {
		return
	}

	select {
	case <-exited:
		s.logger.Info("engine already exited")
		return
	default:
	}

	if err := proc.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to signal engine", "error", err)
	}

	select {
	case <-exited:
	case <-time.After(timeout):
		s.logger.Warn("engine did not terminate, killing", "timeout", timeout)
		s.kill(proc, exited)
	}
}

func (s *EngineSupervisor) kill(proc *exec.Cmd, exited chan struct{}) {
	if err := proc.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("failed to kill engine", "error", err)
	}
	<-exited
}

// abandon kills a process whose start did not complete and drops the
// channel if it is still the current one. Must be called without s.mu.
func (s *EngineSupervisor) abandon(proc *exec.Cmd, exited chan struct{}, channel *linechan.Channel) {
	s.kill(proc, exited)
	channel.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == channel {
		s.channel = nil
	}
	if s.state != StateStopped {
		s.setStateLocked(StateDegraded)
	}
}

func (s *EngineSupervisor) waitForExit(proc *exec.Cmd, exited chan struct{}) {
	err := proc.Wait()
	close(exited)

	if err != nil {
		s.logger.Warn("engine process exited", "pid", proc.Process.Pid, "error", err)
	} else {
		s.logger.Info("engine process exited cleanly", "pid", proc.Process.Pid)
	}
}

func (s *EngineSupervisor) aliveLocked() bool {
	if s.exited == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *EngineSupervisor) setStateLocked(state State) {
	if s.state == state {
		return
	}
	s.state = state
	if s.onState != nil {
		s.onState(state)
	}
	s.logger.Debug("engine state", "state", state)
}
