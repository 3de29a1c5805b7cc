// Package protocol owns the reply model of the control protocol.
//
// Ownership boundary:
// - caller-visible Response projection of parsed reply lines
// - asynchronous notification (650) classification and Event parsing
// - routing partition of a reply batch into events and command results
// - reply status checks and the protocol-level error type
//
// Byte-level framing lives in the frame subpackage; connection lifecycle and
// command scheduling live in the session subpackage.
package protocol
