package session

import "time"

// Observer receives runtime signals for metrics. Implementations must not block.
type Observer interface {
	CommandFinished(name string, outcome Outcome, elapsed time.Duration)
	EventDispatched(category string)
	LinesDropped(n int)
	StateChanged(from, to State)
}

type nopObserver struct{}

func (nopObserver) CommandFinished(string, Outcome, time.Duration) {}
func (nopObserver) EventDispatched(string)                          {}
func (nopObserver) LinesDropped(int)                                {}
func (nopObserver) StateChanged(State, State)                       {}
