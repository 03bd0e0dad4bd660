// Package tools runs shell commands on behalf of remote requests.
//
// A Result always describes the outcome as data: exit status, captured and
// bounded output, and a failure flag for commands that could not be started or
// were aborted.
package tools
