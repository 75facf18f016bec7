// Package protocol implements the commit-then-reveal exchange: the JSON wire
// messages, the client round state machine, reveal construction and the
// checks a verifier applies to a reveal against a recorded commitment.
package protocol
