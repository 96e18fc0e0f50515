package testharness

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/iambrandonn/evalgen/internal/protocol"
	"github.com/iambrandonn/evalgen/internal/supervisor"
)

// Trace entry prefixes recorded by FakeEngine
const (
	TraceSent     = "> "
	TraceReceived = "< "
	TraceTimeout  = "timeout"
	TraceRestart  = "restart"
	TraceQuit     = "quit"
	TraceWriteErr = "! "
)

// Reply is the scripted answer to one go command
type Reply struct {
	Lines []string
	// Crash makes the engine die after Lines are printed. Writes to a dead
	// fake are swallowed and reads time out, as with a real pipe whose
	// reader has not noticed yet.
	Crash bool
}

// FakeEngine is an in-process stand-in for the supervised engine. It
// answers go commands from a script and records everything it sees, so
// tests can assert on the exact protocol trace. Reads never block: a read
// with nothing queued is reported as a timeout immediately.
type FakeEngine struct {
	// Replies holds the answers to successive go commands, per FEN.
	Replies map[string][]Reply
	// Default answers any go without a scripted reply left.
	Default Reply
	// FailWrites makes writing a given command line fail that many times.
	// Each failure restarts the fake and returns ErrEngineRestarted, as the
	// real supervisor does.
	FailWrites map[string]int
	// RestartErr, when set, is returned by every restart.
	RestartErr error
	// OnSend runs after each delivered command, outside the lock.
	OnSend func(line string)

	mu           sync.Mutex
	trace        []string
	alive        bool
	stopped      bool
	fen          string
	pending      []string
	restarts     int
	quitTimeouts []time.Duration
}

// NewFakeEngine returns a live fake that answers every go with bestmove
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		Replies:    map[string][]Reply{},
		Default:    Reply{Lines: []string{"info depth 1 score cp 0", "bestmove e2e4"}},
		FailWrites: map[string]int{},
		alive:      true,
	}
}

// Send delivers one command to the fake
func (e *FakeEngine) Send(ctx context.Context, cmd protocol.Command) error {
	line := cmd.String()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return supervisor.ErrStopped
	}

	if n := e.FailWrites[line]; n > 0 {
		e.FailWrites[line] = n - 1
		e.trace = append(e.trace, TraceWriteErr+line)
		err := e.restartLocked()
		e.mu.Unlock()
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: %q was not delivered", supervisor.ErrEngineRestarted, line)
	}

	e.trace = append(e.trace, TraceSent+line)
	if e.alive {
		e.handleLocked(cmd)
	}
	hook := e.OnSend
	e.mu.Unlock()

	if hook != nil {
		hook(line)
	}
	return nil
}

// ReadLine pops the next queued line or reports a timeout
func (e *FakeEngine) ReadLine(timeout time.Duration) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.pending) == 0 {
		e.trace = append(e.trace, TraceTimeout)
		return "", false
	}

	line := e.pending[0]
	e.pending = e.pending[1:]
	e.trace = append(e.trace, TraceReceived+line)
	return line, true
}

// IsAlive reports whether the fake is running
func (e *FakeEngine) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alive
}

// Restart replaces the fake's process state
func (e *FakeEngine) Restart(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return supervisor.ErrStopped
	}
	return e.restartLocked()
}

// Quit records the quit and stops the fake
func (e *FakeEngine) Quit(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.trace = append(e.trace, TraceQuit)
	e.quitTimeouts = append(e.quitTimeouts, timeout)
	e.stopped = true
	e.alive = false
	return nil
}

// Crash kills the fake without a restart
func (e *FakeEngine) Crash() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alive = false
}

// Trace returns a copy of everything recorded so far
func (e *FakeEngine) Trace() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.trace...)
}

// Sent returns the delivered commands whose verb matches, in order
func (e *FakeEngine) Sent(verb string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for _, entry := range e.trace {
		line, ok := strings.CutPrefix(entry, TraceSent)
		if !ok {
			continue
		}
		if protocol.Command(line).Verb() == verb {
			out = append(out, line)
		}
	}
	return out
}

// Restarts returns how many restarts happened
func (e *FakeEngine) Restarts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// QuitTimeouts returns the timeout passed to each Quit call
func (e *FakeEngine) QuitTimeouts() []time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Duration(nil), e.quitTimeouts...)
}

func (e *FakeEngine) handleLocked(cmd protocol.Command) {
	switch cmd.Verb() {
	case protocol.VerbPosition:
		e.fen = strings.TrimPrefix(cmd.String(), protocol.VerbPosition+" fen ")
	case protocol.VerbGo:
		reply := e.Default
		if queue := e.Replies[e.fen]; len(queue) > 0 {
			reply = queue[0]
			e.Replies[e.fen] = queue[1:]
		}
		e.pending = append(e.pending, reply.Lines...)
		if reply.Crash {
			e.alive = false
		}
	case protocol.VerbQuit:
		e.alive = false
	}
}

func (e *FakeEngine) restartLocked() error {
	e.restarts++
	e.trace = append(e.trace, TraceRestart)
	if e.RestartErr != nil {
		e.alive = false
		return e.RestartErr
	}
	e.alive = true
	e.pending = nil
	return nil
}
