// Package backend wraps all I/O to the backing data service: HTTP reads and
// writes with retryable/non-retryable classification, a bounded LRU cache for
// continuous-series reads, chunked date-range fallback under timeout pressure
// and an optional direct Postgres surface.
package backend
