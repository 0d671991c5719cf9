// Package alerts stores one-shot notifications addressed to a user about a
// course event.
//
// Alerts are created unread and only ever change by having read_at set.
// MarkRead runs as a locked read-modify-write and silently ignores alerts
// the caller does not own. Alerts are removed in bulk when the user leaves
// the course or the course is deleted.
package alerts
