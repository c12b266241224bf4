package logstore

import "errors"

// ErrAppendFailed wraps any underlying storage error from Append or
// LogFollower; callers treat it as a per-request failure (the leader
// retries, the follower reports ok=false).
var ErrAppendFailed = errors.New("logstore: append failed")
