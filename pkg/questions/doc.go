// Package questions implements async question mutations.
//
// Each mutation locks the question row, applies the change, updates the
// unread markers of the question's watchers and creates any alert in the
// same transaction. Notifications are published only after commit.
package questions
