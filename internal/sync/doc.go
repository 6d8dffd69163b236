// Package sync implements the incremental synchronization pipeline: walking
// the upstream change feed page by page, fetching entity details with bounded
// concurrency, and persisting them with chunked commits and a resumable
// cursor.
package sync
