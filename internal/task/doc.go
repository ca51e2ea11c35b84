// Package task runs an external process and drains its standard output and
// standard error incrementally, reporting a single Result once the process has
// terminated and both streams reached EOF.
//
// Overview
// A Task owns one process handle and two stream drains per run. Each drain
// reads its pipe in a dedicated goroutine and hands every chunk to the
// registered outputs. The process handle reaps the child in a third goroutine.
// All three raise a signal on the run's completion barrier, which invokes the
// completion callback exactly once through the task's Dispatcher. By default
// that is a Loop serviced by Wait, so the callback runs on the goroutine which
// waits for the task.
//
//	Launch ----> pipes + process ----> reaper   --SignalTerminated--+
//	                  |                                              |
//	                  +-----------> drain(stdout) --SignalStdoutEOF--+--> barrier --> Dispatcher --> completion(Result)
//	                  |                                              |
//	                  +-----------> drain(stderr) --SignalStderrEOF--+
//
// Lifecycle:
//
//	Idle --Launch--> Launching --spawn--> Running --barrier--> Completed --Reset--> Idle
//
// Invariants:
//   - the completion callback fires exactly once per run, after the exit
//     status is known and both streams reported EOF
//   - chunks of one stream reach outputs in arrival order, there is no ordering
//     across streams or relative to termination
//   - misuse (Launch while running, Launch after completion without Reset, a
//     signal raised twice) panics
//   - a non-zero exit status is a regular Result, read errors on a pipe are
//     logged and treated as EOF
package task
