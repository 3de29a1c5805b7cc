package observability

import (
	"time"

	"github.com/danmuck/torctl/internal/protocol/session"
)

var knownStates = []string{
	session.StateDisconnected.String(),
	session.StatePolling.String(),
	session.StateAuthenticating.String(),
	session.StateReady.String(),
	session.StateFailed.String(),
}

// SessionObserver feeds controller signals into the Prometheus collectors.
type SessionObserver struct{}

func NewSessionObserver() SessionObserver {
	RegisterMetrics()
	RecordState("", session.StateDisconnected.String(), knownStates)
	return SessionObserver{}
}

func (SessionObserver) CommandFinished(name string, outcome session.Outcome, elapsed time.Duration) {
	RecordCommand(name, string(outcome), elapsed)
}

func (SessionObserver) EventDispatched(category string) {
	RecordEvent(category)
}

func (SessionObserver) LinesDropped(n int) {
	RecordDroppedLines(n)
}

func (SessionObserver) StateChanged(from, to session.State) {
	RecordState(from.String(), to.String(), knownStates)
}
