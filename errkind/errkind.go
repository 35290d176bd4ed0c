// Package errkind defines the discriminated application-facing error kinds
// exposed by socket operations. Protocol-level anomalies never surface as
// one of these; only the one-shot pending-error slot on a socket does.
package errkind

import "fmt"

// Kind enumerates the discriminated error categories an application can
// observe through a socket's pending-error slot or a direct call return.
type Kind uint8

const (
	_ Kind = iota
	ConnectionRefused
	ConnectionReset
	ConnectionAborted
	BrokenPipe
	TimedOut
	HostUnreachable
	NetUnreachable
	AddrInUse
	AddrNotAvailable
	InvalidInput
	NotConnected
	WouldBlock
	NoRoute
	BufferFull
	Closed
)

func (k Kind) String() string {
	switch k {
	case ConnectionRefused:
		return "connection refused"
	case ConnectionReset:
		return "connection reset"
	case ConnectionAborted:
		return "connection aborted"
	case BrokenPipe:
		return "broken pipe"
	case TimedOut:
		return "timed out"
	case HostUnreachable:
		return "host unreachable"
	case NetUnreachable:
		return "network unreachable"
	case AddrInUse:
		return "address in use"
	case AddrNotAvailable:
		return "address not available"
	case InvalidInput:
		return "invalid input"
	case NotConnected:
		return "not connected"
	case WouldBlock:
		return "would block"
	case NoRoute:
		return "no route to host"
	case BufferFull:
		return "buffer full"
	case Closed:
		return "closed"
	default:
		return "unknown error kind"
	}
}

// Error implements the error interface so a Kind can be returned/compared
// directly, and also be wrapped with extra context via [New] or [Errorf].
type Error struct {
	Kind Kind
	Op   string // operation that produced the error, e.g. "connect", "bind".
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Kind.String()
	}
	return e.Op + ": " + e.Kind.String()
}

// Is allows errors.Is(err, errkind.ConnectionReset) style matching against a bare Kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(interface{ errkindValue() Kind })
	if !ok {
		return false
	}
	return e.Kind == k.errkindValue()
}

func (k Kind) errkindValue() Kind { return k }

// Error makes a bare Kind usable as an errors.Is target and as a directly
// returned error where no operation context is worth attaching.
func (k Kind) Error() string { return k.String() }

// New returns an *Error for the given op/kind pair.
func New(op string, kind Kind) *Error { return &Error{Kind: kind, Op: op} }

// Errorf is a convenience wrapper building an *Error with a formatted op string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: fmt.Sprintf(format, args...)}
}
