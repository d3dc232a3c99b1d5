// Package pool keeps per-key stacks of warm sandboxes and hands them out
// for exclusive use. It enforces a live-sandbox capacity per key and a
// global limit across keys, pre-warms tracked keys in the background and
// evicts sandboxes that sit idle too long.
package pool
