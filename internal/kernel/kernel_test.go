package kernel

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hostemu/hostemu/internal/shared/id"
	"github.com/hostemu/hostemu/internal/wire"
)

// fakeMemory backs kernel Memory with a plain map for driver tests.
type fakeMemory map[uint64][]byte

func (f fakeMemory) Bytes(addr, length uint64) ([]byte, error) {
	buf, ok := f[addr]
	if !ok || uint64(len(buf)) != length {
		return nil, assert.AnError
	}
	return buf, nil
}

func handle(t *testing.T, d *Dispatcher, proc id.ProcessID, req wire.SyscallRequest, mem Memory) wire.ResumeRequest {
	t.Helper()
	resume, err := d.HandleSyscall(context.Background(), proc, req, mem)
	require.NoError(t, err)
	return resume
}

func TestDispatchUnknownDriver(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	proc := id.NewProcessID()

	for _, class := range []wire.Class{wire.ClassSubscribe, wire.ClassCommand, wire.ClassAllowReadWrite} {
		resume := handle(t, d, proc, wire.SyscallRequest{Class: class, Args: [4]uint64{99}}, fakeMemory{})
		require.Equal(t, wire.ResumeReturn, resume.Kind)
		assert.Equal(t, CodeNoDevice, resume.Response.ErrorCode(), "class %s", class)
	}
}

func TestYieldWithoutPendingCallback(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	resume := handle(t, d, id.NewProcessID(), wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	assert.Equal(t, wire.ResumeReturn, resume.Kind)
	assert.True(t, resume.Response.OK())
}

func TestYieldDeliversCallbacksInOrder(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	proc := id.NewProcessID()

	d.EnqueueCallback(proc, 0x8000, 1)
	d.EnqueueCallback(proc, 0x9000, 2)

	first := handle(t, d, proc, wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	require.Equal(t, wire.ResumeCallback, first.Kind)
	assert.Equal(t, uint64(0x8000), first.PC)
	assert.Equal(t, uint64(1), first.Args[0])

	second := handle(t, d, proc, wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	require.Equal(t, wire.ResumeCallback, second.Kind)
	assert.Equal(t, uint64(0x9000), second.PC)
}

func TestCallbacksAreScopedPerProcess(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	procA, procB := id.NewProcessID(), id.NewProcessID()

	d.EnqueueCallback(procA, 0x8000)

	resume := handle(t, d, procB, wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	assert.Equal(t, wire.ResumeReturn, resume.Kind)
}

func TestZeroPCCallbackIsRefused(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	proc := id.NewProcessID()

	// A zero pc would decode as exec on the app side; drivers must never
	// produce one.
	d.EnqueueCallback(proc, 0)

	resume := handle(t, d, proc, wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	assert.Equal(t, wire.ResumeReturn, resume.Kind)
}

func TestReleaseProcessDropsCallbacks(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	proc := id.NewProcessID()

	d.EnqueueCallback(proc, 0x8000)
	d.ReleaseProcess(proc)

	resume := handle(t, d, proc, wire.SyscallRequest{Class: wire.ClassYield}, fakeMemory{})
	assert.Equal(t, wire.ResumeReturn, resume.Kind)
}

func TestExitNeverReachesKernelLogic(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	_, err := d.HandleSyscall(context.Background(), id.NewProcessID(),
		wire.SyscallRequest{Class: wire.ClassExit}, fakeMemory{})
	assert.Error(t, err)
}

func TestConsoleWrite(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	var out bytes.Buffer
	console := NewConsole(&out, d)
	d.Register(ConsoleDriverNum, console)

	proc := id.NewProcessID()
	mem := fakeMemory{0x1000: []byte("hello boundary\n")}

	resp := console.Allow(proc, 1, 0x1000, 15)
	require.True(t, resp.OK())

	resp = console.Subscribe(proc, 1, 0x4000, 7)
	require.True(t, resp.OK())

	resp = console.Command(proc, 1, 15, 0, mem)
	require.True(t, resp.OK())
	assert.Equal(t, uint64(15), resp.Values[0])
	assert.Equal(t, "hello boundary\n", out.String())

	// The write-done upcall is queued for the next yield.
	resume := handle(t, d, proc, wire.SyscallRequest{Class: wire.ClassYield}, mem)
	require.Equal(t, wire.ResumeCallback, resume.Kind)
	assert.Equal(t, uint64(0x4000), resume.PC)
	assert.Equal(t, uint64(15), resume.Args[0])
	assert.Equal(t, uint64(7), resume.Args[2])
}

func TestConsoleWriteValidation(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	console := NewConsole(&bytes.Buffer{}, d)

	proc := id.NewProcessID()
	mem := fakeMemory{0x1000: make([]byte, 4)}

	// No buffer allowed yet.
	resp := console.Command(proc, 1, 4, 0, mem)
	assert.Equal(t, CodeInvalid, resp.ErrorCode())

	require.True(t, console.Allow(proc, 1, 0x1000, 4).OK())

	// Write length beyond the allowed region.
	resp = console.Command(proc, 1, 8, 0, mem)
	assert.Equal(t, CodeInvalid, resp.ErrorCode())

	// Unknown subscribe and allow numbers.
	assert.Equal(t, CodeNoSupport, console.Subscribe(proc, 9, 0x4000, 0).ErrorCode())
	assert.Equal(t, CodeNoSupport, console.Allow(proc, 9, 0x1000, 4).ErrorCode())
	assert.Equal(t, CodeNoSupport, console.Command(proc, 9, 0, 0, mem).ErrorCode())
}

func TestConsoleReleaseProcess(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	var out bytes.Buffer
	console := NewConsole(&out, d)
	d.Register(ConsoleDriverNum, console)

	proc := id.NewProcessID()
	mem := fakeMemory{0x1000: make([]byte, 4)}
	require.True(t, console.Allow(proc, 1, 0x1000, 4).OK())

	// Dispatcher release cascades to drivers.
	d.ReleaseProcess(proc)
	resp := console.Command(proc, 1, 4, 0, mem)
	assert.Equal(t, CodeInvalid, resp.ErrorCode())
}
