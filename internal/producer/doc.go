// Package producer defines the event-stream contract consumed from run
// producers: the engines that execute a chat turn, agent instruction, or
// workflow step and emit token, reasoning, tool, and terminal events.
package producer
