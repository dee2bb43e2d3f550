package appclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostemu/hostemu/internal/channel"
	"github.com/hostemu/hostemu/internal/wire"
)

// scriptedKernel drives the kernel half of the protocol by hand so client
// behavior can be checked frame by frame.
type scriptedKernel struct {
	t  *testing.T
	ch *channel.Channel
}

func newScripted(t *testing.T) (*Client, *scriptedKernel) {
	t.Helper()
	kernelEnd, appEnd := net.Pipe()
	client := New(appEnd)
	k := &scriptedKernel{t: t, ch: channel.New(kernelEnd)}
	t.Cleanup(func() {
		client.Close()
		k.ch.Close()
	})
	return client, k
}

func (k *scriptedKernel) send(msg wire.Message) {
	k.t.Helper()
	require.NoError(k.t, k.ch.Send(msg))
}

func (k *scriptedKernel) expectRequest(class wire.Class) wire.SyscallRequest {
	k.t.Helper()
	msg, err := k.ch.Receive()
	require.NoError(k.t, err)
	req, ok := msg.(wire.SyscallRequest)
	require.True(k.t, ok, "expected syscall request, got %T", msg)
	require.Equal(k.t, class, req.Class)
	return req
}

func TestAwaitExec(t *testing.T) {
	client, k := newScripted(t)

	go k.send(wire.Exec())
	require.NoError(t, client.AwaitExec())
}

func TestAwaitExecRejectsOtherFrames(t *testing.T) {
	client, k := newScripted(t)

	go k.send(wire.ReturnFromSyscall(wire.Success(0)))
	assert.ErrorIs(t, client.AwaitExec(), ErrProtocol)
}

func TestCommandTurn(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		req := k.expectRequest(wire.ClassCommand)
		assert.Equal(t, uint64(3), req.Driver())
		assert.Equal(t, [4]uint64{3, 1, 7, 0}, req.Args)
		k.send(wire.ReturnFromSyscall(wire.Success(7, 9)))
	}()

	res, err := client.Command(3, 1, 7, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, [2]uint64{7, 9}, res.Values)
}

func TestFailedSyscallCarriesCode(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		k.expectRequest(wire.ClassSubscribe)
		k.send(wire.ReturnFromSyscall(wire.Failure(5)))
	}()

	res, err := client.Subscribe(99, 0, 0x4000, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, uint64(5), res.Code)
}

func TestAllowThenCopyRoundTrip(t *testing.T) {
	client, k := newScripted(t)
	buf := []byte{1, 2, 3, 4}

	go func() {
		req := k.expectRequest(wire.ClassAllowReadWrite)
		addr, length, ok := req.AllowRegion()
		require.True(k.t, ok)
		assert.Equal(t, uint64(0x2000), addr)
		assert.Equal(t, uint64(4), length)

		// Pull the region in, rewrite it, push it back out.
		k.send(wire.BufferCopyIn{Addr: 0x2000, Len: 4})
		msg, err := k.ch.Receive()
		require.NoError(k.t, err)
		in, ok := msg.(wire.BufferCopyIn)
		require.True(k.t, ok)
		assert.Equal(t, []byte{1, 2, 3, 4}, in.Data)

		k.send(wire.BufferCopyOut{Addr: 0x2000, Len: 4, Data: []byte{9, 9, 9, 9}})
		k.send(wire.ReturnFromSyscall(wire.Success()))
	}()

	res, err := client.AllowReadWrite(1, 1, 0x2000, buf)
	require.NoError(t, err)
	require.True(t, res.OK)

	// The copy-out landed in the app's own memory before the turn ended.
	assert.Equal(t, []byte{9, 9, 9, 9}, buf)
	assert.Equal(t, []byte{9, 9, 9, 9}, client.Region(0x2000))
}

func TestCopyInReportsTrueLengthOnMismatch(t *testing.T) {
	client, k := newScripted(t)
	client.Share(0x2000, []byte{1, 2, 3, 4})

	go func() {
		k.expectRequest(wire.ClassMemop)
		// Kernel asks with a stale length; the reply carries the region's
		// real length so the mismatch is detected kernel-side.
		k.send(wire.BufferCopyIn{Addr: 0x2000, Len: 16})
		msg, err := k.ch.Receive()
		require.NoError(k.t, err)
		in, ok := msg.(wire.BufferCopyIn)
		require.True(k.t, ok)
		assert.Equal(t, uint64(4), in.Len)

		k.send(wire.ReturnFromSyscall(wire.Failure(3)))
	}()

	res, err := client.Memop(0, 0)
	require.NoError(t, err)
	assert.False(t, res.OK)
}

func TestCopyOutForUnknownRegionIsProtocolError(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		k.expectRequest(wire.ClassMemop)
		k.send(wire.BufferCopyOut{Addr: 0xDEAD, Len: 2, Data: []byte{0, 0}})
	}()

	_, err := client.Memop(0, 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestYieldDeliversCallback(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		k.expectRequest(wire.ClassYield)
		k.send(wire.Callback(0x4000, 15, 0, 42, 0))
	}()

	cb, err := client.Yield()
	require.NoError(t, err)
	require.NotNil(t, cb)
	assert.Equal(t, uint64(0x4000), cb.PC)
	assert.Equal(t, [4]uint64{15, 0, 42, 0}, cb.Args)
}

func TestYieldWithoutCallback(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		k.expectRequest(wire.ClassYield)
		k.send(wire.ReturnFromSyscall(wire.Success(0)))
	}()

	cb, err := client.Yield()
	require.NoError(t, err)
	assert.Nil(t, cb)
}

func TestExecMidRunIsProtocolError(t *testing.T) {
	client, k := newScripted(t)

	go func() {
		k.expectRequest(wire.ClassCommand)
		k.send(wire.Exec())
	}()

	_, err := client.Command(1, 0, 0, 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestUnallowForgetsRegion(t *testing.T) {
	client, k := newScripted(t)
	client.Share(0x2000, []byte{1, 2})

	go func() {
		k.expectRequest(wire.ClassAllowReadWrite)
		k.send(wire.ReturnFromSyscall(wire.Success()))
	}()

	res, err := client.Unallow(1, 1, 0x2000)
	require.NoError(t, err)
	require.True(t, res.OK)
	assert.Nil(t, client.Region(0x2000))
}
