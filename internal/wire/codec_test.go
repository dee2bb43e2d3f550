package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msg Message) Message {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, msg))
	decoded, err := Decode(&buf)
	require.NoError(t, err)
	assert.Zero(t, buf.Len(), "decode must consume the whole frame")
	return decoded
}

func TestSyscallRequestRoundTrip(t *testing.T) {
	classes := []Class{
		ClassYield, ClassSubscribe, ClassCommand,
		ClassAllowReadWrite, ClassAllowReadOnly, ClassMemop, ClassExit,
	}

	for _, class := range classes {
		t.Run(class.String(), func(t *testing.T) {
			req := SyscallRequest{
				Class: class,
				Args:  [4]uint64{1, 0xdeadbeef, 0x1000, 8},
			}
			assert.Equal(t, req, roundTrip(t, req))
		})
	}
}

func TestSyscallResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp SyscallResponse
	}{
		{"success no values", Success()},
		{"success with values", Success(42, 7)},
		{"failure", Failure(9)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.resp, roundTrip(t, tt.resp))
		})
	}
}

func TestResumeRoundTrip(t *testing.T) {
	cb := Callback(0x8000, 1, 2, 3, 4)
	assert.Equal(t, cb, roundTrip(t, cb))

	exec := Exec()
	assert.Equal(t, exec, roundTrip(t, exec))
}

func TestReturnResumeTravelsAsResponse(t *testing.T) {
	resume := ReturnFromSyscall(Success(11))
	decoded := roundTrip(t, resume)

	resp, ok := decoded.(SyscallResponse)
	require.True(t, ok, "return resume must arrive as a response frame")
	assert.Equal(t, Success(11), resp)
}

func TestZeroPCCallbackIsExec(t *testing.T) {
	// However a zero-address callback is produced, the app side must
	// observe exec, never an ordinary callback.
	assert.Equal(t, Exec(), Callback(0, 1, 2, 3, 4))

	// Same coercion for the legacy spelling arriving on the wire.
	var payload bytes.Buffer
	payload.WriteByte(byte(KindResumeRequest))
	payload.WriteByte(resumeWireCallback)
	var words [5][8]byte // pc + 4 args, all zero
	for _, w := range words {
		payload.Write(w[:])
	}

	var frame bytes.Buffer
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], uint32(payload.Len()))
	frame.Write(header[:])
	frame.Write(payload.Bytes())

	msg, err := Decode(&frame)
	require.NoError(t, err)
	assert.Equal(t, Exec(), msg)
}

func TestBufferCopyRoundTrip(t *testing.T) {
	in := BufferCopyIn{Addr: 0x1000, Len: 4, Data: []byte{1, 2, 3, 4}}
	assert.Equal(t, in, roundTrip(t, in))

	// Copy-in request: length known, payload empty.
	req := BufferCopyIn{Addr: 0x1000, Len: 4}
	decoded := roundTrip(t, req).(BufferCopyIn)
	assert.Equal(t, req.Addr, decoded.Addr)
	assert.Equal(t, req.Len, decoded.Len)
	assert.Empty(t, decoded.Data)

	out := BufferCopyOut{Addr: 0x2000, Len: 2, Data: []byte{0xff, 0xff}}
	assert.Equal(t, out, roundTrip(t, out))
}

func TestDecodeMalformed(t *testing.T) {
	encode := func(msg Message) []byte {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, msg))
		return buf.Bytes()
	}

	valid := encode(SyscallRequest{Class: ClassCommand})

	tests := []struct {
		name  string
		input []byte
	}{
		{"zero length prefix", []byte{0, 0, 0, 0}},
		{"oversized length prefix", []byte{0xff, 0xff, 0xff, 0xff}},
		{"length exceeds stream", append([]byte{200, 0, 0, 0}, valid[4:]...)},
		{"unknown frame kind", []byte{1, 0, 0, 0, 0x7f}},
		{"unknown syscall class", []byte{34, 0, 0, 0, byte(KindSyscallRequest), 99,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
			0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}},
		{"truncated body", valid[:8]},
		{"trailing bytes", func() []byte {
			b := append([]byte(nil), valid...)
			b = append(b, 0xaa)
			binary.LittleEndian.PutUint32(b, uint32(len(b)-4))
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(bytes.NewReader(tt.input))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeCleanEOF(t *testing.T) {
	_, err := Decode(bytes.NewReader(nil))
	assert.Equal(t, io.EOF, err)
}
