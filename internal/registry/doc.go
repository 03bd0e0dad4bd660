// Package registry holds the live terminal name table.
//
// A name is bound to at most one live handle. Registration, removal and lookup
// are atomic with respect to each other; callers never observe a partially
// updated table.
package registry
