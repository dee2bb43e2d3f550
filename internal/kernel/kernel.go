// Package kernel is the seam between the boundary framework and kernel
// logic. The kernel itself is an external collaborator consumed through the
// Handler interface; this package additionally provides a driver-number
// dispatcher and a host-side console driver so the shipped binary has a
// working stand-in board.
package kernel

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/shared/id"
	"github.com/hostemu/hostemu/internal/wire"
)

// Return codes delivered to applications as syscall failure values.
const (
	CodeFail uint64 = iota + 1
	CodeBusy
	CodeInvalid
	CodeNoSupport
	CodeNoDevice
)

// Memory is the kernel-side view of one process's mirrored regions.
// Implemented by the process's buffer mirror.
type Memory interface {
	// Bytes returns the kernel-owned copy of the region at addr. The
	// length must match the mapping exactly. The slice aliases the
	// backing buffer; mutations are copied back to the app at the end
	// of the turn.
	Bytes(addr, length uint64) ([]byte, error)
}

// Handler is kernel logic: it receives one decoded syscall at a time and
// decides how the process resumes. Calls are serialized by the turn token;
// a Handler never runs concurrently with itself or with any application.
type Handler interface {
	HandleSyscall(ctx context.Context, proc id.ProcessID, req wire.SyscallRequest, mem Memory) (wire.ResumeRequest, error)
}

// Releaser is optionally implemented by handlers that keep per-process
// state; the supervisor calls it when a slot exits for any reason.
type Releaser interface {
	ReleaseProcess(proc id.ProcessID)
}

// Driver handles one driver number's subscribe/command/allow operations,
// mirroring the device's driver table.
type Driver interface {
	Command(proc id.ProcessID, cmd, arg1, arg2 uint64, mem Memory) wire.SyscallResponse
	Allow(proc id.ProcessID, num, addr, length uint64) wire.SyscallResponse
	Subscribe(proc id.ProcessID, num, pc, userdata uint64) wire.SyscallResponse
}

// pendingCallback is a queued upcall waiting for the process to yield.
type pendingCallback struct {
	pc   uint64
	args [4]uint64
}

// Dispatcher routes syscalls to registered drivers and queues driver
// upcalls until the owning process yields.
type Dispatcher struct {
	log *zap.Logger

	mu      sync.Mutex
	drivers map[uint64]Driver
	tasks   map[id.ProcessID][]pendingCallback
}

var _ Handler = (*Dispatcher)(nil)
var _ Releaser = (*Dispatcher)(nil)

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		log:     log,
		drivers: make(map[uint64]Driver),
		tasks:   make(map[id.ProcessID][]pendingCallback),
	}
}

// Register installs a driver under a driver number.
func (d *Dispatcher) Register(num uint64, drv Driver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drivers[num] = drv
}

// EnqueueCallback schedules an upcall for proc, delivered on its next
// yield. A zero pc is refused: that value is the exec sentinel on the
// legacy wire and must never originate from a driver.
func (d *Dispatcher) EnqueueCallback(proc id.ProcessID, pc uint64, args ...uint64) {
	if pc == 0 {
		d.log.Warn("dropping zero-pc callback", zap.String("proc", proc.String()))
		return
	}
	cb := pendingCallback{pc: pc}
	copy(cb.args[:], args)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[proc] = append(d.tasks[proc], cb)
}

// HandleSyscall implements Handler.
func (d *Dispatcher) HandleSyscall(_ context.Context, proc id.ProcessID, req wire.SyscallRequest, mem Memory) (wire.ResumeRequest, error) {
	switch req.Class {
	case wire.ClassYield:
		if cb, ok := d.dequeue(proc); ok {
			return wire.Callback(cb.pc, cb.args[0], cb.args[1], cb.args[2], cb.args[3]), nil
		}
		// No pending upcall: yield returns immediately rather than
		// parking the slot forever.
		return wire.ReturnFromSyscall(wire.Success(0)), nil

	case wire.ClassSubscribe:
		drv, ok := d.driver(req.Driver())
		if !ok {
			return wire.ReturnFromSyscall(wire.Failure(CodeNoDevice)), nil
		}
		return wire.ReturnFromSyscall(drv.Subscribe(proc, req.Args[1], req.Args[2], req.Args[3])), nil

	case wire.ClassCommand:
		drv, ok := d.driver(req.Driver())
		if !ok {
			return wire.ReturnFromSyscall(wire.Failure(CodeNoDevice)), nil
		}
		return wire.ReturnFromSyscall(drv.Command(proc, req.Args[1], req.Args[2], req.Args[3], mem)), nil

	case wire.ClassAllowReadWrite, wire.ClassAllowReadOnly:
		drv, ok := d.driver(req.Driver())
		if !ok {
			return wire.ReturnFromSyscall(wire.Failure(CodeNoDevice)), nil
		}
		return wire.ReturnFromSyscall(drv.Allow(proc, req.Args[1], req.Args[2], req.Args[3])), nil

	case wire.ClassMemop:
		// brk/sbrk style operations have no meaning without real app
		// memory; report success with a zero break like the device
		// does for unconfigured processes.
		return wire.ReturnFromSyscall(wire.Success(0)), nil

	case wire.ClassExit:
		// The supervisor retires the slot before kernel logic runs.
		return wire.ResumeRequest{}, errors.New("exit syscall reached kernel logic")

	default:
		return wire.ReturnFromSyscall(wire.Failure(CodeNoSupport)), nil
	}
}

// ReleaseProcess drops queued upcalls for an exited process.
func (d *Dispatcher) ReleaseProcess(proc id.ProcessID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, proc)

	for _, drv := range d.drivers {
		if r, ok := drv.(Releaser); ok {
			r.ReleaseProcess(proc)
		}
	}
}

func (d *Dispatcher) driver(num uint64) (Driver, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	drv, ok := d.drivers[num]
	return drv, ok
}

func (d *Dispatcher) dequeue(proc id.ProcessID) (pendingCallback, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.tasks[proc]
	if len(queue) == 0 {
		return pendingCallback{}, false
	}
	cb := queue[0]
	d.tasks[proc] = queue[1:]
	return cb, true
}
