// Package runner implements the trial orchestration engine for agentlab: it
// schedules a cross product of (variant x task x replication) trials,
// executes each trial by spawning an external harness process (optionally
// inside a sandbox container), captures the resulting artifacts with
// content-addressed provenance, and supports out-of-band control — pause,
// resume, replay, fork — of running or completed trials.
//
// The command-line surface, YAML parsing, JSON-schema compilation, the OTLP
// receiver, directory-initialization scaffolding, bundle publication, and
// analysis summarization beyond the thin passthrough in benchmark.go are
// external collaborators, specified only by the interfaces this package
// consumes or produces.
package runner
