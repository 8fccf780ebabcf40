// Package server is a reference remote source for replicas.
//
// It keeps versioned tables in memory. Every accepted write is stamped with
// the next log sequence number (LSN) and appended to a change log. Sessions
// subscribe to shapes and receive a snapshot (or the log tail after their
// cursor), an up-to-date marker, then live changes. Uploaded log entries are
// deduplicated on (client ID, seq) and checked for conflicts against the
// entry's base version.
//
// All messages for one session are queued under the server lock, so a
// session sees every change up to LSN v before the upload result that
// acknowledges a write at v.
package server
