// Package run coordinates the lifecycle of a run: admission, streaming,
// cancellation, and persistence of the resulting turns.
package run
