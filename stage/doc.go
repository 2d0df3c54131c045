// Package stage runs one named stage for one work item.
//
// A Definition binds a stage name to its Logic (run in-process) or its
// asyncjob.Provider (submitted and polled). The Executor consults the result
// cache, the circuit breaker and the per-item stage lock before running a
// stage, stores the output as a chunked payload, and always reports back a
// classified core.StageResult. Only state store outages are returned as
// errors.
package stage
