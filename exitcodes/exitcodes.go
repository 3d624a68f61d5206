// Package exitcodes defines the standard exit codes used by op-retest.
package exitcodes

// Exit code constants used by op-retest
// These constants define the exit codes that the application uses to indicate
// various states when it exits:
//
// * Success (0): Used when every test in scope passes
// * TestFailure (1): Used when one or more tests fail in run-once mode
// * RuntimeErr (2): Used for runtime errors such as panics, bad configuration
//   or an unwatchable project root
const (
	Success     = 0 // All tests pass
	TestFailure = 1 // Test failures
	RuntimeErr  = 2 // Runtime errors or timeouts
)
