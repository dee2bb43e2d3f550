// Package wire defines the boundary protocol messages and their encoding.
//
// Every message crossing a syscall channel is a length-prefixed frame: a
// little-endian uint32 payload length, one frame-kind byte, then a
// fixed-layout payload. Frames within one process's stream are never
// reordered or batched.
package wire

import "errors"

// ErrMalformed reports a truncated, over-length, or unknown-tag frame.
// It is fatal to the owning process's slot.
var ErrMalformed = errors.New("malformed frame")

// ErrUnexpectedMessage reports a well-formed frame arriving out of protocol
// order (e.g. a buffer copy when a syscall request was expected). Fatal to
// the owning slot, like ErrMalformed.
var ErrUnexpectedMessage = errors.New("unexpected message ordering")

// Kind tags a frame on the wire.
type Kind uint8

const (
	KindSyscallRequest Kind = iota + 1
	KindSyscallResponse
	KindBufferCopyIn
	KindBufferCopyOut
	KindResumeRequest
)

func (k Kind) String() string {
	switch k {
	case KindSyscallRequest:
		return "syscall_request"
	case KindSyscallResponse:
		return "syscall_response"
	case KindBufferCopyIn:
		return "buffer_copy_in"
	case KindBufferCopyOut:
		return "buffer_copy_out"
	case KindResumeRequest:
		return "resume_request"
	default:
		return "unknown"
	}
}

// Message is any value that can travel in a frame.
type Message interface {
	FrameKind() Kind
}

// Class identifies a syscall class. Numbering follows the device ABI.
type Class uint8

const (
	ClassYield Class = iota
	ClassSubscribe
	ClassCommand
	ClassAllowReadWrite
	ClassAllowReadOnly
	ClassMemop
	ClassExit

	classCount
)

func (c Class) String() string {
	switch c {
	case ClassYield:
		return "yield"
	case ClassSubscribe:
		return "subscribe"
	case ClassCommand:
		return "command"
	case ClassAllowReadWrite:
		return "allow_rw"
	case ClassAllowReadOnly:
		return "allow_ro"
	case ClassMemop:
		return "memop"
	case ClassExit:
		return "exit"
	default:
		return "unknown"
	}
}

// IsAllow reports whether the class declares a shared-memory region.
func (c Class) IsAllow() bool {
	return c == ClassAllowReadWrite || c == ClassAllowReadOnly
}

// SyscallRequest is one application syscall: a class plus four raw argument
// words. For allow classes, Args[2] and Args[3] carry the app-side region
// address and length.
type SyscallRequest struct {
	Class Class
	Args  [4]uint64
}

func (SyscallRequest) FrameKind() Kind { return KindSyscallRequest }

// Driver returns the driver number argument.
func (r SyscallRequest) Driver() uint64 { return r.Args[0] }

// AllowRegion returns the app-side region described by an allow request.
func (r SyscallRequest) AllowRegion() (addr, length uint64, ok bool) {
	if !r.Class.IsAllow() {
		return 0, 0, false
	}
	return r.Args[2], r.Args[3], true
}

// Status tags a syscall response.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailure
)

// SyscallResponse is the kernel's answer to one syscall. On failure,
// Values[0] carries the error code.
type SyscallResponse struct {
	Status Status
	Values [2]uint64
}

func (SyscallResponse) FrameKind() Kind { return KindSyscallResponse }

// Success builds a success response carrying up to two return words.
func Success(values ...uint64) SyscallResponse {
	resp := SyscallResponse{Status: StatusSuccess}
	copy(resp.Values[:], values)
	return resp
}

// Failure builds a failure response carrying an error code.
func Failure(code uint64) SyscallResponse {
	return SyscallResponse{Status: StatusFailure, Values: [2]uint64{code, 0}}
}

// OK reports whether the response is a success.
func (r SyscallResponse) OK() bool { return r.Status == StatusSuccess }

// ErrorCode returns the failure code; zero for successes.
func (r SyscallResponse) ErrorCode() uint64 {
	if r.Status != StatusFailure {
		return 0
	}
	return r.Values[0]
}

// ResumeKind distinguishes how a blocked process is resumed.
type ResumeKind uint8

const (
	// ResumeReturn delivers the syscall's return values; the process
	// continues at its blocked instruction. On the wire this travels as a
	// SyscallResponse frame, not a ResumeRequest frame.
	ResumeReturn ResumeKind = iota
	// ResumeCallback invokes a function at PC with four argument words.
	ResumeCallback
	// ResumeExec starts execution at the process entry point. The legacy
	// encoding overloads a zero-PC callback to mean exec; that sentinel is
	// coerced to ResumeExec at the decode boundary and never escapes it.
	ResumeExec
)

func (k ResumeKind) String() string {
	switch k {
	case ResumeReturn:
		return "return"
	case ResumeCallback:
		return "callback"
	case ResumeExec:
		return "exec"
	default:
		return "unknown"
	}
}

// ResumeRequest tells a waiting process how to continue.
type ResumeRequest struct {
	Kind     ResumeKind
	Response SyscallResponse // for ResumeReturn
	PC       uint64          // for ResumeCallback; never zero above the codec
	Args     [4]uint64       // callback arguments
}

func (ResumeRequest) FrameKind() Kind { return KindResumeRequest }

// ReturnFromSyscall builds a resume that delivers resp to the process.
func ReturnFromSyscall(resp SyscallResponse) ResumeRequest {
	return ResumeRequest{Kind: ResumeReturn, Response: resp}
}

// Callback builds a resume that invokes the function at pc. A zero pc is
// the legacy exec sentinel and is normalized to ResumeExec here so the
// state machine never sees it.
func Callback(pc uint64, args ...uint64) ResumeRequest {
	if pc == 0 {
		return Exec()
	}
	r := ResumeRequest{Kind: ResumeCallback, PC: pc}
	copy(r.Args[:], args)
	return r
}

// Exec builds a resume that begins execution at the process entry point.
func Exec() ResumeRequest {
	return ResumeRequest{Kind: ResumeExec}
}

// BufferCopyIn moves a shared region's bytes from the app to the kernel.
// The kernel sends one with empty Data as the request; the app answers with
// Data populated to exactly Len bytes.
type BufferCopyIn struct {
	Addr uint64
	Len  uint64
	Data []byte
}

func (BufferCopyIn) FrameKind() Kind { return KindBufferCopyIn }

// BufferCopyOut moves a kernel-owned region copy back into the app's memory.
// No reply is expected.
type BufferCopyOut struct {
	Addr uint64
	Len  uint64
	Data []byte
}

func (BufferCopyOut) FrameKind() Kind { return KindBufferCopyOut }
