// Package service runs the processes around the job queue.
//
// Runner is a thin, opinionated wrapper around os/exec used for the ssh and
// scp round trips of the remote job source:
//   - starts the process with stdin from /dev/null
//   - captures stdout
//   - optionally streams stderr lines to a callback (extra goroutine)
//   - exposes a channel of Result values
//
// Maintainer owns the producer side housekeeping. It sweeps the queue on
// start and then on a gocron schedule:
//
//	Maintainer            Queue
//	    |  Recover() -------->|  journal, dual pointers, dangling, orphans
//	    |  Stale() ---------->|  active jobs not pinged for stale_after
//	    |  Requeue() -------->|  only with requeue_stale
//
// Invariants:
//   - Each execution produces one terminal Result (success or error).
//   - Stderr is captured only when explicitly requested.
//   - Each run can define own timeout, after which is gets killed.
//   - A sweep never runs concurrently with another sweep of the same Maintainer.
package service
