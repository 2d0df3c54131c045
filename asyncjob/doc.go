// Package asyncjob tracks external operations that are submitted now and
// finish later.
//
// A Poller keeps at most one live core.AsyncJob per (item, stage) in the
// state store. Submitting again with the same input fingerprint reuses the
// live job; a different fingerprint supersedes it. Polling is never a loop:
// each Poll call performs one status check and reports how long the caller
// should wait before scheduling the next one.
//
// State machine:
//
//	submitted -> polling -> succeeded | failed | timed_out
package asyncjob
