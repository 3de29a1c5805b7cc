// Package session owns the control-channel client runtime.
//
// Ownership boundary:
// - single-flight command queue with priority, timeout and cancellation
// - event subscription registry and ordered notification delivery
// - connection lifecycle: dial polling, authentication, ready, reconfigure, failure
// - transport address parsing and dialing
//
// Reply framing lives in protocol/frame and reply interpretation in protocol.
// A Controller is an explicitly owned handle; there is no process-wide session.
package session
