// Package engine defines the contract between a training loop and the
// backend that executes it: the Engine interface every backend must
// implement, the Registry that selects a backend by key, and the lifecycle
// and mode discipline shared by all conforming implementations.
//
// The package performs no computation itself. Calls on one Engine instance
// are synchronous and must not overlap for mutating operations; whatever
// worker coordination a backend runs internally is invisible here.
package engine
