// Package bridge adapts a producer's tagged event stream into registry
// updates and fan-out publishes, and owns the run's terminal transition.
package bridge
