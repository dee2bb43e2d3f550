// Package supervisor spawns application processes, owns their channels and
// lifecycle controllers, and drives the kernel dispatch loop.
//
// Execution is strictly turn-based: each slot has a goroutine, but a slot
// only enters kernel logic while holding the global turn token, so at most
// one entity in the whole emulation executes at any instant. There is no
// timeout on syscall turns; an application that never responds stalls its
// slot. That liveness gap is accepted and logged at startup.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/channel"
	"github.com/hostemu/hostemu/internal/infrastructure/config"
	"github.com/hostemu/hostemu/internal/infrastructure/monitoring"
	"github.com/hostemu/hostemu/internal/kernel"
	"github.com/hostemu/hostemu/internal/lifecycle"
	"github.com/hostemu/hostemu/internal/mirror"
	"github.com/hostemu/hostemu/internal/shared/id"
	"github.com/hostemu/hostemu/internal/wire"
)

// ErrUncleanExit reports that at least one slot was retired for a reason
// other than its own exit syscall or an operator-requested shutdown.
var ErrUncleanExit = errors.New("application did not exit cleanly")

// Supervisor runs one emulation: a set of application slots against one
// kernel handler.
type Supervisor struct {
	cfg     config.SupervisorConfig
	handler kernel.Handler
	log     *zap.Logger
	metrics *monitoring.Metrics
	runID   id.RunID
	token   *lifecycle.Token

	mu    sync.Mutex
	slots []*slot
	wg    sync.WaitGroup
}

// slot is the bookkeeping unit for one application process.
type slot struct {
	ctrl *lifecycle.Controller
	path string
	proc *spawnedProcess // nil for test-attached slots
}

// New creates a supervisor. The handler is the external kernel logic; it is
// only ever called with the turn token held.
func New(cfg config.SupervisorConfig, handler kernel.Handler, log *zap.Logger, metrics *monitoring.Metrics) *Supervisor {
	if cfg.SpawnTimeout == 0 {
		cfg.SpawnTimeout = 10 * time.Second
	}
	return &Supervisor{
		cfg:     cfg,
		handler: handler,
		log:     log,
		metrics: metrics,
		runID:   id.NewRunID(),
		token:   lifecycle.NewToken(),
	}
}

// Token exposes the turn token for invariant checks in tests.
func (s *Supervisor) Token() *lifecycle.Token { return s.token }

// Run spawns one process per executable path and services syscalls until
// every slot has exited. A startup spawn failure aborts the run; every later
// failure is scoped to its slot, but a run where any slot crashed or broke
// protocol still returns ErrUncleanExit once all slots are down.
func (s *Supervisor) Run(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return errors.New("no application paths")
	}

	s.log.Info("starting emulation",
		zap.String("run", s.runID.String()),
		zap.Int("apps", len(paths)))
	s.log.Warn("syscall turns carry no timeout; an unresponsive application stalls its slot")

	socketDir, err := s.socketDir()
	if err != nil {
		return fmt.Errorf("socket dir: %w", err)
	}

	for i, path := range paths {
		sl, err := s.spawnSlot(path, socketDir, i)
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("spawn %s: %w", path, err)
		}
		s.addSlot(sl)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-stop:
		}
	}()

	s.wg.Wait()
	close(stop)
	s.log.Info("emulation finished", zap.String("run", s.runID.String()))
	return s.exitOutcome()
}

// exitOutcome reports how the run ended: nil when every slot reached Exited
// through its own exit syscall or an operator shutdown, ErrUncleanExit when
// any slot crashed or committed a protocol fault, so the emulator's process
// exit status distinguishes a clean run from a broken one.
func (s *Supervisor) exitOutcome() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unclean := 0
	for _, sl := range s.slots {
		reason := sl.ctrl.Reason()
		switch reason {
		case lifecycle.ExitSyscall, lifecycle.ExitShutdown:
		default:
			unclean++
			s.log.Error("slot retired uncleanly",
				zap.String("proc", sl.ctrl.Proc().String()),
				zap.String("path", sl.path),
				zap.String("reason", string(reason)))
		}
	}
	if unclean > 0 {
		return fmt.Errorf("%d of %d slots: %w", unclean, len(s.slots), ErrUncleanExit)
	}
	return nil
}

// Shutdown retires every live slot. Spawned processes are killed by their
// channel closing under them and reaped by their monitors.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	slots := make([]*slot, len(s.slots))
	copy(slots, s.slots)
	s.mu.Unlock()

	for _, sl := range slots {
		s.retire(sl, lifecycle.ExitShutdown)
	}
}

// addSlot registers a slot and starts its service goroutine. Tests attach
// pre-connected slots through here as well.
func (s *Supervisor) addSlot(sl *slot) {
	s.mu.Lock()
	s.slots = append(s.slots, sl)
	s.mu.Unlock()

	s.metrics.SlotsActive.Inc()
	s.wg.Add(1)
	go s.serveSlot(sl)
}

// attach builds a slot around an already-established channel. Used by the
// spawn path once the child connects, and directly by tests.
func (s *Supervisor) attach(conn *channel.Channel, path string, proc *spawnedProcess) *slot {
	procID := id.NewProcessID()
	ctrl := lifecycle.NewController(procID, s.token, conn, mirror.New(), s.log)
	return &slot{ctrl: ctrl, path: path, proc: proc}
}

// serveSlot runs one slot's protocol from first exec to exit.
func (s *Supervisor) serveSlot(sl *slot) {
	defer s.wg.Done()
	defer s.finishSlot(sl)

	ctrl := sl.ctrl
	ch := ctrl.Channel()

	if err := ctrl.MarkWaiting(); err != nil {
		s.log.Error("slot not in spawned state", zap.Error(err))
		s.retire(sl, lifecycle.ExitProtocol)
		return
	}

	// First resume is always Exec: it distinguishes true first execution
	// from a callback to the entry point.
	if err := ch.Send(wire.Exec()); err != nil {
		s.retire(sl, lifecycle.ExitCrashed)
		return
	}
	s.metrics.ResumesTotal.WithLabelValues(wire.ResumeExec.String()).Inc()

	for {
		msg, err := ch.Receive()
		if err != nil {
			s.retire(sl, exitReasonFor(err))
			return
		}

		req, ok := msg.(wire.SyscallRequest)
		if !ok {
			s.log.Warn("expected syscall request",
				zap.String("proc", ctrl.Proc().String()),
				zap.String("got", msg.FrameKind().String()))
			s.retire(sl, lifecycle.ExitProtocol)
			return
		}

		if err := ctrl.BeginSyscall(); err != nil {
			// Exited while blocked; monitor already retired the slot.
			return
		}

		exited, err := s.executeTurn(sl, req)
		ctrl.EndTurn()
		if err != nil {
			s.retire(sl, exitReasonFor(err))
			return
		}
		if exited {
			return
		}
	}
}

// executeTurn services one syscall while holding the turn token: register
// any allow, copy in every mirrored region, run kernel logic, copy the
// regions back out, and resume the process.
func (s *Supervisor) executeTurn(sl *slot, req wire.SyscallRequest) (exited bool, err error) {
	start := time.Now()
	defer func() { s.metrics.TurnDuration.Observe(time.Since(start).Seconds()) }()
	s.metrics.SyscallsTotal.WithLabelValues(req.Class.String()).Inc()

	ctrl := sl.ctrl
	ch := ctrl.Channel()
	mir := ctrl.Mirror()

	if req.Class == wire.ClassExit {
		s.retire(sl, lifecycle.ExitSyscall)
		return true, nil
	}

	if addr, length, ok := req.AllowRegion(); ok {
		mir.Allow(addr, length)
	}

	in, err := mir.CopyIn(ch)
	if err != nil {
		if errors.Is(err, mirror.ErrSizeMismatch) {
			// Stale or corrupted region state: fail this syscall,
			// keep the slot.
			s.metrics.CopyErrors.Inc()
			s.log.Warn("copy-in size mismatch",
				zap.String("proc", ctrl.Proc().String()), zap.Error(err))
			return false, s.resume(ctrl, wire.ReturnFromSyscall(wire.Failure(kernel.CodeInvalid)))
		}
		return false, err
	}
	s.metrics.CopyBytes.WithLabelValues("in").Observe(float64(in))

	resume, err := s.handler.HandleSyscall(context.Background(), ctrl.Proc(), req, mir)
	if err != nil {
		// Kernel logic failures are delivered to the app as a failed
		// syscall; they never take the slot down.
		s.log.Error("kernel handler failed",
			zap.String("proc", ctrl.Proc().String()),
			zap.String("class", req.Class.String()),
			zap.Error(err))
		resume = wire.ReturnFromSyscall(wire.Failure(kernel.CodeFail))
	}

	out, err := mir.CopyOut(ch)
	if err != nil {
		return false, err
	}
	s.metrics.CopyBytes.WithLabelValues("out").Observe(float64(out))

	return false, s.resume(ctrl, resume)
}

func (s *Supervisor) resume(ctrl *lifecycle.Controller, resume wire.ResumeRequest) error {
	if err := ctrl.Resume(resume); err != nil {
		return err
	}
	s.metrics.ResumesTotal.WithLabelValues(resume.Kind.String()).Inc()
	return nil
}

// retire moves a slot to Exited exactly once, releasing its channel,
// mappings, and any kernel-side per-process state.
func (s *Supervisor) retire(sl *slot, reason lifecycle.ExitReason) {
	if sl.ctrl.State() == lifecycle.StateExited {
		return
	}
	sl.ctrl.Exit(reason)
}

// finishSlot runs after a slot's service goroutine ends: it accounts for
// the exit and tells the kernel handler to drop per-process state. Other
// slots are untouched.
func (s *Supervisor) finishSlot(sl *slot) {
	reason := sl.ctrl.Reason()
	if reason == "" {
		reason = lifecycle.ExitCrashed
	}
	s.metrics.SlotsActive.Dec()
	s.metrics.SlotExits.WithLabelValues(string(reason)).Inc()

	if releaser, ok := s.handler.(kernel.Releaser); ok {
		releaser.ReleaseProcess(sl.ctrl.Proc())
	}
}

// exitReasonFor maps a turn failure to the slot's exit reason: protocol
// violations and closed channels are both terminal for the slot but are
// reported differently.
func exitReasonFor(err error) lifecycle.ExitReason {
	switch {
	case errors.Is(err, wire.ErrMalformed), errors.Is(err, wire.ErrUnexpectedMessage):
		return lifecycle.ExitProtocol
	case errors.Is(err, channel.ErrClosed):
		return lifecycle.ExitCrashed
	case errors.Is(err, lifecycle.ErrExited):
		return lifecycle.ExitCrashed
	default:
		return lifecycle.ExitProtocol
	}
}
