// Package skills holds the reference skill implementations wired into the
// pipeline: data validation, per-position strategy analysis, portfolio
// aggregation and report generation. They talk to the backend only through
// narrow reader/writer interfaces so the orchestration core stays
// independent of what they compute.
package skills
