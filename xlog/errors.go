package xlog

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind classifies an xlog error per the error taxonomy in §7 of the
// recovery design: IO, Corrupt, Bounds, Retry, Shutdown.
type Kind uint8

const (
	// KindIO is a filesystem error: fatal for the writer, operational
	// for the applier.
	KindIO Kind = iota + 1
	// KindCorrupt is a checksum, magic or version mismatch. Recovery
	// truncates at this point; a runtime reader treats it as fatal.
	KindCorrupt
	// KindBounds is a random read requested outside EOF.
	KindBounds
	// KindRetry is transient contention; the caller must back off.
	KindRetry
	// KindShutdown is observed by a thread on a shutdown signal.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindBounds:
		return "bounds"
	case KindRetry:
		return "retry"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error is the recoverable error carrier used throughout the core.
// Translation to SQL-layer codes happens at the handler boundary, which
// is out of scope for this package.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("xlog: %s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("xlog: %s: %s: %v", e.Op, e.Kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Wrap annotates err with an operation name and a Kind, using
// juju/errors so the original stack context survives for logging.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, err: errors.Annotate(err, op)}
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}

var (
	// ErrWriterFailed is returned by append/flush once a prior flush
	// failure has put the writer in the failed state (xt_errno's
	// XT_ERR_XLOG_WAS_CORRUPTED).
	ErrWriterFailed = errors.New("xlog: writer failed, recovery required")
	// ErrShortRead is wrapped into the Corrupt error the header and
	// record decoders return when their buffer is shorter than the
	// encoding needs. The cache itself reports a short file by
	// returning fewer bytes, not this error.
	ErrShortRead = errors.New("xlog: short read at end of file")
	// ErrNoMoreRecords is returned by SeqReader.Next at end of stream.
	ErrNoMoreRecords = errors.New("xlog: no more records")
)
