// Package appclient is the application-side runtime for the syscall
// boundary: it dials the supervisor's per-process socket, waits for the
// initial exec resume, issues syscalls, and services buffer copy frames so
// the kernel's mirrored view of app memory stays reconciled.
//
// Application binaries under test link this package; the emulator's own
// tests use it as a scripted application over an in-process pipe.
package appclient

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cenkalti/backoff"

	"github.com/hostemu/hostemu/internal/channel"
	"github.com/hostemu/hostemu/internal/wire"
)

// Result carries a syscall's outcome to the application.
type Result struct {
	OK     bool
	Code   uint64    // failure code when !OK
	Values [2]uint64 // return words when OK
}

// Callback describes an upcall delivered on yield.
type Callback struct {
	PC   uint64
	Args [4]uint64
}

// ErrProtocol reports that the kernel side violated the boundary protocol.
var ErrProtocol = errors.New("boundary protocol violation")

// Client speaks the application half of the boundary protocol. Not safe
// for concurrent use: the protocol itself is single-threaded.
type Client struct {
	ch *channel.Channel

	mu      sync.Mutex
	regions map[uint64][]byte // app-side memory, keyed by region address
}

// Dial connects to the supervisor's socket, retrying with exponential
// backoff while the supervisor finishes setting the slot up.
func Dial(socketPath string) (*Client, error) {
	var conn net.Conn
	op := func() error {
		var err error
		conn, err = net.Dial("unix", socketPath)
		return err
	}
	if err := backoff.Retry(op, backoff.NewExponentialBackOff()); err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return New(conn), nil
}

// New wraps an established stream. Tests pass one end of a net.Pipe.
func New(conn io.ReadWriteCloser) *Client {
	return &Client{
		ch:      channel.New(conn),
		regions: make(map[uint64][]byte),
	}
}

// Close tears down the channel.
func (c *Client) Close() error { return c.ch.Close() }

// AwaitExec blocks until the kernel grants first execution. Boundary rule:
// a callback resume to address zero is always observed as exec, and the
// codec guarantees that before this code ever sees the message.
func (c *Client) AwaitExec() error {
	msg, err := c.ch.Receive()
	if err != nil {
		return err
	}
	resume, ok := msg.(wire.ResumeRequest)
	if !ok || resume.Kind != wire.ResumeExec {
		return fmt.Errorf("expected exec resume, got %T: %w", msg, ErrProtocol)
	}
	return nil
}

// Share registers app-side memory backing a region address. The emulated
// process has no real address space; the address is just the region's key.
func (c *Client) Share(addr uint64, buf []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regions[addr] = buf
}

// Region returns the app-side bytes of a shared region.
func (c *Client) Region(addr uint64) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regions[addr]
}

// AllowReadWrite shares buf with the kernel under driver/num at addr.
func (c *Client) AllowReadWrite(driver, num, addr uint64, buf []byte) (Result, error) {
	c.Share(addr, buf)
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassAllowReadWrite,
		Args:  [4]uint64{driver, num, addr, uint64(len(buf))},
	})
	return res, err
}

// AllowReadOnly shares buf read-only with the kernel under driver/num.
func (c *Client) AllowReadOnly(driver, num, addr uint64, buf []byte) (Result, error) {
	c.Share(addr, buf)
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassAllowReadOnly,
		Args:  [4]uint64{driver, num, addr, uint64(len(buf))},
	})
	return res, err
}

// Unallow revokes a previously shared region (zero-length allow).
func (c *Client) Unallow(driver, num, addr uint64) (Result, error) {
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassAllowReadWrite,
		Args:  [4]uint64{driver, num, addr, 0},
	})
	if err == nil {
		c.mu.Lock()
		delete(c.regions, addr)
		c.mu.Unlock()
	}
	return res, err
}

// Subscribe registers an upcall function pointer with a driver.
func (c *Client) Subscribe(driver, num, pc, userdata uint64) (Result, error) {
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassSubscribe,
		Args:  [4]uint64{driver, num, pc, userdata},
	})
	return res, err
}

// Command issues a driver command.
func (c *Client) Command(driver, cmd, arg1, arg2 uint64) (Result, error) {
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassCommand,
		Args:  [4]uint64{driver, cmd, arg1, arg2},
	})
	return res, err
}

// Memop issues a memory operation.
func (c *Client) Memop(op, arg uint64) (Result, error) {
	res, _, err := c.syscall(wire.SyscallRequest{
		Class: wire.ClassMemop,
		Args:  [4]uint64{op, arg, 0, 0},
	})
	return res, err
}

// Yield hands the turn to the kernel. If an upcall is pending it is
// returned; otherwise cb is nil and the yield returned immediately.
func (c *Client) Yield() (*Callback, error) {
	_, cb, err := c.syscall(wire.SyscallRequest{Class: wire.ClassYield})
	return cb, err
}

// Exit announces termination. No response is read; the caller should close
// the client and terminate.
func (c *Client) Exit(code uint64) error {
	return c.ch.Send(wire.SyscallRequest{
		Class: wire.ClassExit,
		Args:  [4]uint64{code, 0, 0, 0},
	})
}

// syscall performs one full boundary turn: send the request, service buffer
// copy frames while the kernel holds the turn, and return the resume.
func (c *Client) syscall(req wire.SyscallRequest) (Result, *Callback, error) {
	if err := c.ch.Send(req); err != nil {
		return Result{}, nil, err
	}

	for {
		msg, err := c.ch.Receive()
		if err != nil {
			return Result{}, nil, err
		}

		switch m := msg.(type) {
		case wire.BufferCopyIn:
			// Kernel requests this region's current contents.
			if err := c.serveCopyIn(m); err != nil {
				return Result{}, nil, err
			}

		case wire.BufferCopyOut:
			// Kernel overwrites our copy of the region.
			if err := c.applyCopyOut(m); err != nil {
				return Result{}, nil, err
			}

		case wire.SyscallResponse:
			if m.OK() {
				return Result{OK: true, Values: m.Values}, nil, nil
			}
			return Result{Code: m.ErrorCode()}, nil, nil

		case wire.ResumeRequest:
			switch m.Kind {
			case wire.ResumeCallback:
				return Result{OK: true}, &Callback{PC: m.PC, Args: m.Args}, nil
			case wire.ResumeExec:
				return Result{}, nil, fmt.Errorf("exec resume mid-run: %w", ErrProtocol)
			default:
				return Result{}, nil, fmt.Errorf("resume kind %s: %w", m.Kind, ErrProtocol)
			}

		default:
			return Result{}, nil, fmt.Errorf("unexpected %T during turn: %w", msg, ErrProtocol)
		}
	}
}

func (c *Client) serveCopyIn(req wire.BufferCopyIn) error {
	c.mu.Lock()
	buf, ok := c.regions[req.Addr]
	c.mu.Unlock()

	if !ok || uint64(len(buf)) != req.Len {
		// Report our true length; the kernel fails the syscall on the
		// mismatch instead of taking a partial copy.
		return c.ch.Send(wire.BufferCopyIn{Addr: req.Addr, Len: uint64(len(buf)), Data: buf})
	}
	data := make([]byte, len(buf))
	copy(data, buf)
	return c.ch.Send(wire.BufferCopyIn{Addr: req.Addr, Len: req.Len, Data: data})
}

func (c *Client) applyCopyOut(m wire.BufferCopyOut) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.regions[m.Addr]
	if !ok || uint64(len(buf)) != m.Len || uint64(len(m.Data)) != m.Len {
		return fmt.Errorf("copy-out for unknown region 0x%x: %w", m.Addr, ErrProtocol)
	}
	copy(buf, m.Data)
	return nil
}
