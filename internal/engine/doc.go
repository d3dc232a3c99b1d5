// Package engine runs one invocation at a time per caller goroutine: it
// acquires a sandbox from the pool, loads the function's code when the
// sandbox does not already hold it, runs it under the function's deadline
// and reduces every outcome to an Envelope. Function output lines are fanned
// out to live subscribers through the LogBroker.
package engine
