// Package ir provides the canonical value and record types shared by every
// lofi package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - numbers are int64 (timestamps are unix millis)
//   - Row data is an IRObject; column order never matters
//   - Local versions and log sequence numbers come from a logical clock,
//     never from wall-clock time
//   - All JSON tags use snake_case
package ir
