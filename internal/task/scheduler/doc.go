// Package scheduler executes persisted economy tasks at their activation time.
//
// Tasks enter through Enqueue (fire and forget) or RecoverPending (startup
// reload of SCHEDULED tasks). Run drains the queue and starts one worker per
// task. A worker sleeps until the task is due, runs the handler registered
// for the task type, records exactly one terminal state and then posts the
// handler's notice. Nothing is retried.
package scheduler
