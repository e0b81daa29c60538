// Package launch prepares and executes service child processes.
//
// Start forks and, in the child, performs a strictly ordered sequence of
// setup steps (descriptor arrangement, activation socket, working
// directory, stdio and session, resource limits, credentials) before
// replacing the process image. The child cannot unwind errors: the first
// failing step writes a fixed-size record naming the step and the OS error
// to the failure-report pipe and terminates. A supervisor observes the
// outcome by reading that pipe: end-of-file with no data means exec
// succeeded.
package launch
