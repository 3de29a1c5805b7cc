package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyReply     = errors.New("protocol: empty reply")
	ErrUnexpectedData = errors.New("protocol: unexpected data block")
)

// ReplyError is a backend reply whose status or text marks a failed command.
type ReplyError struct {
	Code int
	Text string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("protocol: reply %d %s", e.Code, e.Text)
}
