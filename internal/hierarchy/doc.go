// Package hierarchy owns the progress tree, the active agent set, and
// their persistence.
//
// All writes flow through a single-writer actor: mutations are closures
// executed serially by one goroutine, so multi-node transitions are
// atomic without fine-grained locking. Reads return deep copies under an
// RWMutex. Every node mutation bumps the node's Version; external edits
// compare-and-swap on it.
package hierarchy
