package agency

import (
	"github.com/google/uuid"
)

// Must1 panics if err is non-nil. It marks boot-time failures that the
// design treats as fatal (persistence failure at boot): no partial
// state is acceptable, so the process should not continue.
func Must1(err error) {
	if err != nil {
		panic(err)
	}
}

// Must2 panics if err is non-nil, otherwise returns v. Used around
// opening the LogStore at boot, where failure is fatal.
func Must2[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// NewClientID mints an idempotency key for a new client write, the way
// a demo client would before submitting to the agency.
func NewClientID() string {
	return uuid.NewString()
}

// logFields builds the structured, per-node context (node id, role and
// term) for a log line; the "leader prepared" line in
// OnBecomeLeaderPreparing is its one call site. Extra fields follow
// these.
func logFields(id string, role, term any, extra ...any) []any {
	fields := []any{"id", id, "role", role, "term", term}
	return append(fields, extra...)
}
