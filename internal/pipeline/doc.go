// Package pipeline runs an analysis as an ordered list of stages over one
// shared RunContext: setup, load-state, discover-work, execute,
// persist-state and teardown.
//
// The execute stage drives every discovered item through the configured task
// types, either on the adaptive worker pool or serially. Both modes send every
// model call through the same rate limiter and retry policy.
package pipeline
