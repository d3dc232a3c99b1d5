// Package backend defines the capability surface every virtualization
// backend (process isolation, container, micro-VM, WASM) implements: create,
// load, run and destroy a single execution unit. It also holds the registry
// the engine and the function validator use to resolve backend selectors.
package backend
