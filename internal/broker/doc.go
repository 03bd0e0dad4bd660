// Package broker accepts terminal connections and routes messages and remote
// commands between them by name.
//
// Each connection is served by a Session: one goroutine reads and handles
// frames in receipt order, another drains a bounded outbox to the socket.
// The Router resolves target names through the registry at the moment of
// the request. The Executor runs commands off the read path and hands each
// result back to the Router, which delivers it to the requester when a
// callback was asked for and the requester is still registered.
//
// Shutdown closes every session, clears the registry, aborts running
// commands and waits for them to report.
package broker
