// Package channel provides the per-process syscall transport: a blocking,
// message-oriented, bidirectional stream carrying wire frames.
//
// One channel exists per application process and is never shared. At most
// one message is in flight per direction; the protocol above guarantees
// strict request/response alternation, the channel itself only guarantees
// ordering and integrity.
package channel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/hostemu/hostemu/internal/wire"
)

// ErrClosed reports that the peer disconnected. The owner must treat this as
// an unrecoverable process exit, not retry.
var ErrClosed = errors.New("channel closed")

// Channel frames wire messages over a local byte stream. Production channels
// wrap one end of a unix domain socket; tests wrap net.Pipe ends.
type Channel struct {
	conn io.ReadWriteCloser

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established byte stream.
func New(conn io.ReadWriteCloser) *Channel {
	return &Channel{conn: conn}
}

// Send encodes and writes one frame, blocking until written.
func (c *Channel) Send(msg wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := wire.Encode(c.conn, msg); err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Receive blocks until one frame arrives and decodes it. Peer disconnect is
// reported as ErrClosed; undecodable input is reported as a wire error and
// leaves the stream unusable.
func (c *Channel) Receive() (wire.Message, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	msg, err := wire.Decode(c.conn)
	if err != nil {
		if errors.Is(err, wire.ErrMalformed) {
			return nil, err
		}
		// io.EOF, net.ErrClosed, closed-pipe errors all mean the peer
		// is gone.
		return nil, fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return msg, nil
}

// Close tears down the underlying stream. Safe to call more than once and
// from a different goroutine than a blocked Receive, which it unblocks.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// Addr reports the remote address when the stream is a net.Conn, for logs.
func (c *Channel) Addr() string {
	if conn, ok := c.conn.(net.Conn); ok {
		if addr := conn.RemoteAddr(); addr != nil {
			return addr.String()
		}
	}
	return "pipe"
}
