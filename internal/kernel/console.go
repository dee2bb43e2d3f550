package kernel

import (
	"io"
	"sync"

	"github.com/hostemu/hostemu/internal/shared/id"
	"github.com/hostemu/hostemu/internal/wire"
)

// ConsoleDriverNum matches the device's console driver number.
const ConsoleDriverNum = 1

// Console operation numbers.
const (
	consoleAllowWrite     = 1
	consoleSubscribeWrite = 1
	consoleCommandWrite   = 1
)

// Console is the host-side stand-in for the device console driver: the
// application allows a write buffer, subscribes to the write-done upcall,
// and issues a write command; the bytes land on the configured writer.
type Console struct {
	out      io.Writer
	enqueuer interface {
		EnqueueCallback(proc id.ProcessID, pc uint64, args ...uint64)
	}

	mu      sync.Mutex
	writeMu sync.Mutex
	buffers map[id.ProcessID]consoleRegion
	subs    map[id.ProcessID]consoleSub
}

type consoleRegion struct {
	addr   uint64
	length uint64
}

type consoleSub struct {
	pc       uint64
	userdata uint64
}

// NewConsole creates a console driver writing to out and delivering
// write-done upcalls through the dispatcher.
func NewConsole(out io.Writer, d *Dispatcher) *Console {
	return &Console{
		out:      out,
		enqueuer: d,
		buffers:  make(map[id.ProcessID]consoleRegion),
		subs:     make(map[id.ProcessID]consoleSub),
	}
}

// Allow records the process's write buffer region.
func (c *Console) Allow(proc id.ProcessID, num, addr, length uint64) wire.SyscallResponse {
	if num != consoleAllowWrite {
		return wire.Failure(CodeNoSupport)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if addr == 0 || length == 0 {
		delete(c.buffers, proc)
	} else {
		c.buffers[proc] = consoleRegion{addr: addr, length: length}
	}
	return wire.Success()
}

// Subscribe records the write-done upcall.
func (c *Console) Subscribe(proc id.ProcessID, num, pc, userdata uint64) wire.SyscallResponse {
	if num != consoleSubscribeWrite {
		return wire.Failure(CodeNoSupport)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if pc == 0 {
		delete(c.subs, proc)
	} else {
		c.subs[proc] = consoleSub{pc: pc, userdata: userdata}
	}
	return wire.Success()
}

// Command 1 writes the first arg1 bytes of the allowed buffer.
func (c *Console) Command(proc id.ProcessID, cmd, arg1, _ uint64, mem Memory) wire.SyscallResponse {
	switch cmd {
	case 0: // existence check
		return wire.Success()
	case consoleCommandWrite:
	default:
		return wire.Failure(CodeNoSupport)
	}

	c.mu.Lock()
	region, ok := c.buffers[proc]
	sub, subscribed := c.subs[proc]
	c.mu.Unlock()

	if !ok {
		return wire.Failure(CodeInvalid)
	}
	if arg1 > region.length {
		return wire.Failure(CodeInvalid)
	}

	buf, err := mem.Bytes(region.addr, region.length)
	if err != nil {
		return wire.Failure(CodeInvalid)
	}

	c.writeMu.Lock()
	written, err := c.out.Write(buf[:arg1])
	c.writeMu.Unlock()
	if err != nil {
		return wire.Failure(CodeFail)
	}

	if subscribed {
		c.enqueuer.EnqueueCallback(proc, sub.pc, uint64(written), 0, sub.userdata)
	}
	return wire.Success(uint64(written))
}

// ReleaseProcess drops per-process console state.
func (c *Console) ReleaseProcess(proc id.ProcessID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buffers, proc)
	delete(c.subs, proc)
}
