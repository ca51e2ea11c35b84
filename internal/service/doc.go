// Package service supervises the configured tasks.
//
// Overview
// The Supervisor owns one Runner per configured task. A Runner wraps a
// task.Task and reuses it across runs: every Run resets the task, launches it
// and waits for its Result. RunAll runs all tasks, bounded by the parallel
// setting, then hands a JSON Report to the uploaders.
//
// Data flow:
//
//	Supervisor             Runner{name}             task.Task
//	    |                       |                        |
//	RunAll ---- errgroup ------>| Run() ---------------->| Reset + Launch
//	    |                       |                        | drains + reaper
//	    |                       |<------ Result ---------| completion
//	    |<----- TaskReport -----|                        |
//	upload(Report)
//
// Do runs the tasks once, or on a gocron schedule until the context is
// cancelled. Scheduled runs never overlap.
//
// Invariants:
//   - at most one run per Runner at a time
//   - each RunAll produces exactly one Report with one entry per task
//   - task output is echoed to the console as it arrives, prefixed with the
//     task name by default
package service
