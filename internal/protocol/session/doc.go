// Package session owns broker<->terminal session transport helpers.
//
// Ownership boundary:
// - per-message-type wire codecs (REGISTER, SEND, EXEC, EXEC_RESULT, LIST, ERROR, UNREGISTER)
// - transport timeouts and limits
// - bounded outbound queue and retry backoff primitives
//
// Every codec validates against the schema table before encoding and after
// decoding, so a frame that leaves or enters this package is well formed.
package session
