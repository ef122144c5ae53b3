// Package transfer implements the chunked streaming protocol: INIT/DATA/FIN
// framing over an authenticated channel with exact byte accounting.
package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTotal indicates the sender was asked to announce a
	// non-positive payload size. Unsized sources must have their size
	// validated externally before a session starts.
	ErrInvalidTotal = errors.New("transfer: total size must be a positive byte count")

	// ErrDataBeforeInit indicates a data frame arrived before the session's
	// init frame. The channel is supposed to be ordered; failing loudly
	// beats corrupting the output.
	ErrDataBeforeInit = errors.New("transfer: data frame arrived before init")

	// ErrTimeout indicates the session went idle past its deadline.
	ErrTimeout = errors.New("transfer: timed out waiting for counterpart")
)

// SizeMismatchError reports that the received byte count disagrees with the
// announced total at FIN.
type SizeMismatchError struct {
	Announced int64
	Written   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("transfer: received %d bytes, sender announced %d", e.Written, e.Announced)
}

// SenderFailureError reports that the sender explicitly signalled failure.
type SenderFailureError struct {
	SessionID string
}

func (e *SenderFailureError) Error() string {
	return fmt.Sprintf("transfer: sender aborted session %s", e.SessionID)
}

// ConnClosedEarlyError reports that the channel closed before FIN while the
// byte counts still disagreed.
type ConnClosedEarlyError struct {
	Announced int64
	Written   int64
}

func (e *ConnClosedEarlyError) Error() string {
	return fmt.Sprintf("transfer: connection closed early, received %d of %d bytes", e.Written, e.Announced)
}

// SequenceError reports a gap in data frame sequence numbers, which means
// the ordered-delivery assumption broke.
type SequenceError struct {
	Expected uint64
	Got      uint64
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("transfer: frame sequence gap, expected %d got %d", e.Expected, e.Got)
}
