// Package lifecycle enforces the per-process state machine and the global
// execution exclusivity invariant.
//
// Each application slot moves Spawned -> WaitingForSyscall ->
// ExecutingInKernel -> WaitingForSyscall ... -> Exited. Exited is terminal.
// The WaitingForSyscall -> ExecutingInKernel transition also takes the
// global turn token, so no two slots (and no slot plus the kernel idle
// loop) ever execute concurrently.
package lifecycle

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/channel"
	"github.com/hostemu/hostemu/internal/mirror"
	"github.com/hostemu/hostemu/internal/shared/id"
	"github.com/hostemu/hostemu/internal/wire"
)

// State is one slot's position in the lifecycle.
type State uint8

const (
	StateSpawned State = iota
	StateWaitingForSyscall
	StateExecutingInKernel
	StateExited
)

func (s State) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateWaitingForSyscall:
		return "waiting_for_syscall"
	case StateExecutingInKernel:
		return "executing_in_kernel"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// ExitReason records why a slot reached Exited, for logs and metrics.
type ExitReason string

const (
	ExitSyscall  ExitReason = "exit_syscall"
	ExitCrashed  ExitReason = "crashed"
	ExitProtocol ExitReason = "protocol_error"
	ExitShutdown ExitReason = "shutdown"
)

// ErrExited reports an operation on a terminal slot.
var ErrExited = errors.New("slot has exited")

// Controller owns one slot's state machine, its channel, and its buffer
// mirror. All resume traffic to the process goes through here so the
// state transitions and the wire protocol cannot drift apart.
type Controller struct {
	proc  id.ProcessID
	token *Token
	ch    *channel.Channel
	mir   *mirror.Mirror
	log   *zap.Logger

	mu     sync.Mutex
	state  State
	reason ExitReason
}

// NewController creates a controller in the Spawned state.
func NewController(proc id.ProcessID, token *Token, ch *channel.Channel, mir *mirror.Mirror, log *zap.Logger) *Controller {
	return &Controller{
		proc:  proc,
		token: token,
		ch:    ch,
		mir:   mir,
		log:   log.With(zap.String("proc", proc.String())),
		state: StateSpawned,
	}
}

// Proc returns the slot's process ID.
func (c *Controller) Proc() id.ProcessID { return c.proc }

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns why the slot exited; empty while live.
func (c *Controller) Reason() ExitReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Channel returns the slot's syscall channel.
func (c *Controller) Channel() *channel.Channel { return c.ch }

// Mirror returns the slot's buffer mirror.
func (c *Controller) Mirror() *mirror.Mirror { return c.mir }

// MarkWaiting moves Spawned -> WaitingForSyscall, immediately after process
// start and before the first syscall.
func (c *Controller) MarkWaiting() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateSpawned {
		return fmt.Errorf("mark waiting from %s", c.state)
	}
	c.state = StateWaitingForSyscall
	return nil
}

// BeginSyscall moves WaitingForSyscall -> ExecutingInKernel on receipt of a
// decoded syscall request. It blocks until the global turn token is free;
// a concurrent-execution violation panics inside the token rather than
// being reported as a recoverable error.
func (c *Controller) BeginSyscall() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateExited:
		return ErrExited
	case StateWaitingForSyscall:
	default:
		return fmt.Errorf("begin syscall from %s", state)
	}

	c.token.Acquire(c.proc.String())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateWaitingForSyscall {
		// Exited while we waited for the token (process crash detected
		// by the monitor). Give the token back.
		c.token.Release(c.proc.String())
		return ErrExited
	}
	c.state = StateExecutingInKernel
	return nil
}

// Resume finishes a syscall turn: it sends the resume message matching the
// kernel's decision and moves ExecutingInKernel -> WaitingForSyscall.
// ReturnFromSyscall travels as a response frame; Callback and Exec travel as
// resume frames (Exec is how first execution is distinguished from an
// ordinary callback to the entry point). The turn token stays held until the
// slot goroutine calls EndTurn.
func (c *Controller) Resume(resume wire.ResumeRequest) error {
	c.mu.Lock()
	if c.state != StateExecutingInKernel {
		state := c.state
		c.mu.Unlock()
		if state == StateExited {
			return ErrExited
		}
		return fmt.Errorf("resume from %s", state)
	}
	c.mu.Unlock()

	if err := c.ch.Send(resume); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateExecutingInKernel {
		return ErrExited
	}
	c.state = StateWaitingForSyscall
	return nil
}

// EndTurn gives the turn token back if this slot holds it. Only the slot's
// service goroutine calls it, once per turn, after kernel logic and the
// resume have fully finished, whatever the turn's outcome. It is the sole
// release point once BeginSyscall has succeeded: a crash observed by the
// process monitor mid-turn must not free the token while kernel logic is
// still running, or another slot could enter the kernel concurrently.
func (c *Controller) EndTurn() {
	if c.token.Holder() == c.proc.String() {
		c.token.Release(c.proc.String())
	}
}

// Exit moves the slot to Exited from any state. Terminal and idempotent:
// the channel is closed and every buffer mapping is released. The turn token
// is deliberately left alone; if a turn is in flight the slot goroutine
// returns it through EndTurn. Safe to call from the process monitor
// goroutine while the slot goroutine is blocked.
func (c *Controller) Exit(reason ExitReason) {
	c.mu.Lock()
	if c.state == StateExited {
		c.mu.Unlock()
		return
	}
	c.state = StateExited
	c.reason = reason
	c.mu.Unlock()

	c.ch.Close()
	c.mir.Release()

	c.log.Info("slot exited", zap.String("reason", string(reason)))
}
