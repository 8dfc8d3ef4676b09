// Package engine implements priority-laned task execution.
//
// A Group routes tasks to independent Executor lanes, one per configured
// priority band. Each lane drains an unbounded FIFO queue with a single
// dispatcher that binds every task to a fresh worker thread. Lanes can be
// suspended gracefully or immediately, resumed, and shut down; run-once ids
// deduplicate concurrent submissions; a Monitor watches in-flight workers
// for probable deadlocks.
package engine
