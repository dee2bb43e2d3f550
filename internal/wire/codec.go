package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"
)

// MaxFrameLen bounds a frame payload so a corrupted length prefix cannot
// wedge the reader allocating or waiting on garbage.
const MaxFrameLen = 1 << 20

var packOptions = &struc.Options{Order: binary.LittleEndian}

// Fixed-layout wire bodies. All words are little-endian uint64; the four
// argument words mirror the device ABI's register arity.

type syscallRequestWire struct {
	Class uint8
	Arg0  uint64
	Arg1  uint64
	Arg2  uint64
	Arg3  uint64
}

type syscallResponseWire struct {
	Status uint8
	Val0   uint64
	Val1   uint64
}

type resumeWire struct {
	Kind uint8
	PC   uint64
	Arg0 uint64
	Arg1 uint64
	Arg2 uint64
	Arg3 uint64
}

// Resume kinds on the wire. The legacy encoding had no exec tag and used a
// zero-PC callback instead; both spellings decode to ResumeExec.
const (
	resumeWireCallback uint8 = 1
	resumeWireExec     uint8 = 2
)

type bufferCopyWire struct {
	Addr    uint64
	Len     uint64
	DataLen uint32 `struc:"uint32,sizeof=Data"`
	Data    []byte
}

// Encode writes msg as one frame. Encoding is deterministic and, for every
// message constructible through this package, total: the only failures are
// writer failures. A ResumeReturn resume is emitted as a SyscallResponse
// frame, which is how return-from-syscall travels on the wire.
func Encode(w io.Writer, msg Message) error {
	var (
		kind Kind
		body interface{}
	)

	switch m := msg.(type) {
	case SyscallRequest:
		kind = KindSyscallRequest
		body = &syscallRequestWire{
			Class: uint8(m.Class),
			Arg0:  m.Args[0], Arg1: m.Args[1], Arg2: m.Args[2], Arg3: m.Args[3],
		}
	case SyscallResponse:
		kind = KindSyscallResponse
		body = &syscallResponseWire{Status: uint8(m.Status), Val0: m.Values[0], Val1: m.Values[1]}
	case ResumeRequest:
		if m.Kind == ResumeReturn {
			return Encode(w, m.Response)
		}
		rw := &resumeWire{PC: m.PC, Arg0: m.Args[0], Arg1: m.Args[1], Arg2: m.Args[2], Arg3: m.Args[3]}
		switch m.Kind {
		case ResumeCallback:
			rw.Kind = resumeWireCallback
		case ResumeExec:
			rw.Kind = resumeWireExec
			rw.PC = 0
		default:
			return fmt.Errorf("resume kind %d: %w", m.Kind, ErrMalformed)
		}
		kind = KindResumeRequest
		body = rw
	case BufferCopyIn:
		kind = KindBufferCopyIn
		body = &bufferCopyWire{Addr: m.Addr, Len: m.Len, Data: m.Data}
	case BufferCopyOut:
		kind = KindBufferCopyOut
		body = &bufferCopyWire{Addr: m.Addr, Len: m.Len, Data: m.Data}
	default:
		return fmt.Errorf("message type %T: %w", msg, ErrMalformed)
	}

	var payload bytes.Buffer
	payload.WriteByte(byte(kind))
	if err := struc.PackWithOptions(&payload, body, packOptions); err != nil {
		return fmt.Errorf("pack %s: %w", kind, err)
	}

	frame := make([]byte, 4+payload.Len())
	binary.LittleEndian.PutUint32(frame, uint32(payload.Len()))
	copy(frame[4:], payload.Bytes())

	if _, err := w.Write(frame); err != nil {
		return err
	}
	return nil
}

// Decode reads one frame. A clean end of stream before any header byte is
// reported as io.EOF; everything else that does not parse into exactly one
// known message wraps ErrMalformed.
func Decode(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("frame header: %w", ErrMalformed)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length == 0 || length > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d: %w", length, ErrMalformed)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("frame body (%d bytes): %w", length, ErrMalformed)
	}

	kind := Kind(payload[0])
	body := bytes.NewReader(payload[1:])

	msg, err := decodeBody(kind, body)
	if err != nil {
		return nil, err
	}
	if body.Len() != 0 {
		return nil, fmt.Errorf("%s frame has %d trailing bytes: %w", kind, body.Len(), ErrMalformed)
	}
	return msg, nil
}

func decodeBody(kind Kind, body *bytes.Reader) (Message, error) {
	switch kind {
	case KindSyscallRequest:
		var w syscallRequestWire
		if err := struc.UnpackWithOptions(body, &w, packOptions); err != nil {
			return nil, fmt.Errorf("syscall request: %w", ErrMalformed)
		}
		if Class(w.Class) >= classCount {
			return nil, fmt.Errorf("syscall class %d: %w", w.Class, ErrMalformed)
		}
		return SyscallRequest{
			Class: Class(w.Class),
			Args:  [4]uint64{w.Arg0, w.Arg1, w.Arg2, w.Arg3},
		}, nil

	case KindSyscallResponse:
		var w syscallResponseWire
		if err := struc.UnpackWithOptions(body, &w, packOptions); err != nil {
			return nil, fmt.Errorf("syscall response: %w", ErrMalformed)
		}
		if Status(w.Status) != StatusSuccess && Status(w.Status) != StatusFailure {
			return nil, fmt.Errorf("response status %d: %w", w.Status, ErrMalformed)
		}
		return SyscallResponse{Status: Status(w.Status), Values: [2]uint64{w.Val0, w.Val1}}, nil

	case KindResumeRequest:
		var w resumeWire
		if err := struc.UnpackWithOptions(body, &w, packOptions); err != nil {
			return nil, fmt.Errorf("resume request: %w", ErrMalformed)
		}
		switch w.Kind {
		case resumeWireCallback:
			// Callback() normalizes the zero-PC exec sentinel; this is
			// the only place the legacy overload is interpreted.
			return Callback(w.PC, w.Arg0, w.Arg1, w.Arg2, w.Arg3), nil
		case resumeWireExec:
			return Exec(), nil
		default:
			return nil, fmt.Errorf("resume kind %d: %w", w.Kind, ErrMalformed)
		}

	case KindBufferCopyIn, KindBufferCopyOut:
		var w bufferCopyWire
		if err := struc.UnpackWithOptions(body, &w, packOptions); err != nil {
			return nil, fmt.Errorf("buffer copy: %w", ErrMalformed)
		}
		// A copy carries either no payload (a copy-in request) or the
		// region's full contents. Anything else is a framing bug.
		if len(w.Data) != 0 && uint64(len(w.Data)) != w.Len {
			return nil, fmt.Errorf("buffer copy payload %d for region of %d: %w", len(w.Data), w.Len, ErrMalformed)
		}
		if kind == KindBufferCopyIn {
			return BufferCopyIn{Addr: w.Addr, Len: w.Len, Data: w.Data}, nil
		}
		return BufferCopyOut{Addr: w.Addr, Len: w.Len, Data: w.Data}, nil

	default:
		return nil, fmt.Errorf("frame kind %d: %w", kind, ErrMalformed)
	}
}
