// Package scheduler implements a two-tier cooperative priority scheduler.
//
// A PhysicalScheduler owns a fixed pool of worker goroutines and one shared
// timer. LogicalSchedulers form a tree on top of it; each node owns a ready
// queue, a timed queue and a set of parked long-running tasks. Workers always
// take the most urgent ready item across every running node of the tree:
// lowest priority value first, then submission order. Due time only decides
// when a timed item becomes ready.
//
// Pausing a node stops dispatch for its whole subtree without dropping queued
// work, and the returned channel closes once tasks already executing under it
// have returned. Disposing a node cancels its queued work and that of every
// descendant.
//
// Task failures travel from the failing node towards the root. Every handler
// registered on a level runs; propagation stops after the first level that
// marks the event handled. Failures nobody handles reach the physical
// scheduler's handlers and finally its fatal handler.
package scheduler
