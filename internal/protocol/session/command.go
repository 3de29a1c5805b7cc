package session

import (
	"fmt"
	"time"

	"github.com/danmuck/torctl/internal/protocol"
)

// Priority orders admission into the single command slot.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityVeryHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityVeryHigh:
		return "very_high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Command is one request for the backend. It is copied on submission.
type Command struct {
	Name     string
	Args     []string
	Payload  []byte
	Priority Priority
	// Timeout bounds the wait for the reply; zero uses Config.CommandTimeout.
	Timeout time.Duration
}

func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args, Priority: PriorityNormal}
}

func (c Command) WithPriority(p Priority) Command {
	c.Priority = p
	return c
}

func (c Command) WithPayload(payload []byte) Command {
	c.Payload = payload
	return c
}

func (c Command) WithTimeout(d time.Duration) Command {
	c.Timeout = d
	return c
}

func (c Command) clone() Command {
	out := c
	out.Args = append([]string(nil), c.Args...)
	if c.Payload != nil {
		out.Payload = append([]byte(nil), c.Payload...)
	}
	return out
}

// Result is the outcome handed to a completion callback.
type Result struct {
	Responses []protocol.Response
	Err       error
}

// Outcome labels how a command left the slot.
type Outcome string

const (
	OutcomeReplied   Outcome = "replied"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeEncoding  Outcome = "encoding_error"
	OutcomeWrite     Outcome = "write_error"
	OutcomeTransport Outcome = "transport_error"
)
